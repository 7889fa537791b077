package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	stdruntime "runtime"
	"syscall"

	"github.com/semihalev/zlog/v2"

	"github.com/resolvd/resolvd/config"
	"github.com/resolvd/resolvd/supervisor"
	"github.com/resolvd/resolvd/upstream"
)

const version = "1.0.0"

var configPath = flag.String("config", "resolvd.toml", "location of the config file, if not found it will be generated")

func main() {
	flag.Parse()
	stdruntime.GOMAXPROCS(stdruntime.NumCPU())

	zlog.Info("starting resolvd", "version", version)

	boot, err := config.Load(*configPath)
	if err != nil {
		zlog.Error("config loading failed", "error", err)
		os.Exit(1)
	}

	provider, err := config.NewStaticFromBootstrap(boot)
	if err != nil {
		zlog.Error("building initial config snapshot failed", "error", err)
		os.Exit(1)
	}

	doqEndpoint, err := upstream.NewEndpoint(":0")
	if err != nil {
		zlog.Error("doq endpoint bind failed", "error", err)
		os.Exit(1)
	}
	defer doqEndpoint.Close()

	rt := newRuntime(doqEndpoint)
	rt.applySnapshot(provider.Current())

	loader := supervisor.NewTLSLoader()
	sv := supervisor.New(rt.pipeline.Resolve, buildListener(loader, rt.access, rt.limiter))
	sv.Reconcile(context.Background(), provider.Current().Listeners)

	provider.Subscribe(func(snap config.ConfigSnapshot) {
		rt.applySnapshot(snap)
		sv.Reconcile(context.Background(), snap.Listeners)
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	zlog.Info("stopping resolvd")
}
