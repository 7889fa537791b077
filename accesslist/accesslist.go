// Package accesslist implements the client-IP access control gate
// consulted by listener adapters before a query enters the pipeline, per
// the SUPPLEMENTED FEATURES carry of the teacher's accesslist middleware.
package accesslist

import (
	"net"
	"sync"

	"github.com/yl2chen/cidranger"
)

// AccessList decides whether a client address may be served at all. An
// empty AccessList allows everyone, matching the teacher's default
// "0.0.0.0/0, ::0/0" configuration.
type AccessList struct {
	mu     sync.RWMutex
	ranger cidranger.Ranger
	open   bool // built from an empty CIDR set
}

// New builds an AccessList from a set of CIDR strings.
func New(cidrs []string) (*AccessList, error) {
	a := &AccessList{ranger: cidranger.NewPCTrieRanger()}
	if err := a.replace(cidrs); err != nil {
		return nil, err
	}
	return a, nil
}

// Replace atomically swaps the allowed CIDR set for a fresh config
// snapshot.
func (a *AccessList) Replace(cidrs []string) error {
	return a.replace(cidrs)
}

func (a *AccessList) replace(cidrs []string) error {
	ranger := cidranger.NewPCTrieRanger()
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			return err
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.ranger = ranger
	a.open = len(cidrs) == 0
	a.mu.Unlock()
	return nil
}

// Allowed reports whether addr is permitted to query. A malformed address
// (should not happen for listener-supplied addresses) is denied.
func (a *AccessList) Allowed(addr net.IP) bool {
	if addr == nil {
		return false
	}

	a.mu.RLock()
	ranger, open := a.ranger, a.open
	a.mu.RUnlock()

	if open {
		return true
	}
	ok, err := ranger.Contains(addr)
	if err != nil {
		return false
	}
	return ok
}
