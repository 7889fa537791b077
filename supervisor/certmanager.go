// Package supervisor owns the listener lifecycle state machine of §4.9 and
// the TLS certificate hot-reload that DoT/DoH/DoQ listeners share.
package supervisor

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
)

// CertManager watches a certificate/key pair on disk and serves the
// current one through GetCertificate, reloading automatically when the
// files change so a running listener never needs to be restarted for a
// certificate rotation.
type CertManager struct {
	certPath string
	keyPath  string

	mu          sync.RWMutex
	certificate *tls.Certificate
	lastModTime time.Time

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewCertManager loads certPath/keyPath and starts watching their
// directory for changes.
func NewCertManager(certPath, keyPath string) (*CertManager, error) {
	cm := &CertManager{
		certPath: certPath,
		keyPath:  keyPath,
		stopCh:   make(chan struct{}),
	}

	if err := cm.loadCertificate(); err != nil {
		return nil, fmt.Errorf("supervisor: initial certificate load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("supervisor: create watcher: %w", err)
	}
	cm.watcher = watcher

	certDir := filepath.Dir(certPath)
	keyDir := filepath.Dir(keyPath)

	if err := watcher.Add(certDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("supervisor: watch cert dir: %w", err)
	}
	if certDir != keyDir {
		if err := watcher.Add(keyDir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("supervisor: watch key dir: %w", err)
		}
	}

	go cm.watch()

	return cm, nil
}

func (cm *CertManager) loadCertificate() error {
	cert, err := tls.LoadX509KeyPair(cm.certPath, cm.keyPath)
	if err != nil {
		return err
	}

	info, err := os.Stat(cm.certPath)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.certificate = &cert
	cm.lastModTime = info.ModTime()
	cm.mu.Unlock()

	zlog.Info("tls certificate loaded", "cert", cm.certPath, "modtime", info.ModTime())
	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.certificate == nil {
		return nil, fmt.Errorf("supervisor: no certificate loaded")
	}
	return cm.certificate, nil
}

// TLSConfig returns a fresh *tls.Config bound to this manager's
// GetCertificate; callers should call this once per listener rather than
// sharing the returned value, since ALPN settings differ per protocol.
func (cm *CertManager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: cm.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

func (cm *CertManager) watch() {
	defer cm.watcher.Close()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cm.stopCh:
			return
		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			if cm.isRelevantEvent(event) {
				cm.checkAndReload()
			}
		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			zlog.Error("certificate watcher error", "error", err)
		case <-ticker.C:
			cm.checkAndReload()
		}
	}
}

func (cm *CertManager) isRelevantEvent(event fsnotify.Event) bool {
	certName := filepath.Base(cm.certPath)
	keyName := filepath.Base(cm.keyPath)
	eventName := filepath.Base(event.Name)

	return eventName == certName || eventName == keyName ||
		event.Name == cm.certPath || event.Name == cm.keyPath
}

func (cm *CertManager) checkAndReload() {
	info, err := os.Stat(cm.certPath)
	if err != nil {
		zlog.Error("stat certificate file failed", "path", cm.certPath, "error", err)
		return
	}

	cm.mu.RLock()
	lastMod := cm.lastModTime
	cm.mu.RUnlock()

	if info.ModTime().After(lastMod) {
		zlog.Info("certificate file changed, reloading", "path", cm.certPath)
		if err := cm.Reload(); err != nil {
			zlog.Error("certificate reload failed", "error", err)
		}
	}
}

// Reload forces a re-read of the certificate/key pair from disk.
func (cm *CertManager) Reload() error {
	return cm.loadCertificate()
}

// Stop ends the watch goroutine.
func (cm *CertManager) Stop() {
	close(cm.stopCh)
}
