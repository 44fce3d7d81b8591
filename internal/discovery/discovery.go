// Package discovery advertises and browses for the broker over mDNS,
// a convenience first-connect path layered above (never instead of)
// the signed address-book/peer-recovery trust chain in
// internal/recovery: mDNS only ever proposes a candidate host:port.
// A browsed candidate is dialed directly; it is not put through the
// signed challenge that recovery uses.
//
// Grounded on cmd/can-server/mdns.go's zeroconf.Register/Shutdown
// wrapping, generalized to also support the client-side browse half
// the teacher never needed (can-server has no client binary).
package discovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS/DNS-SD service type this broker advertises
// under, mirroring the teacher's "_can-server._tcp" naming.
const ServiceType = "_qa-broker._tcp"

// Advertise registers instance (or "qa-broker-<hostname>" if empty) at
// port via mDNS and returns a cleanup function. Safe to call even when
// disabled by the caller (the caller should simply not call it).
func Advertise(ctx context.Context, instance string, port int, meta []string) (func(), error) {
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("qa-broker-%s", host)
	}
	svc, err := zeroconf.Register(instance, ServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}

// Candidate is one broker found on the local network.
type Candidate struct {
	Instance string
	Host     string
	Port     int
}

// Browse searches for instances of ServiceType for up to timeout and
// returns whatever it finds, unverified.
func Browse(ctx context.Context, timeout time.Duration) ([]Candidate, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: new resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	var found []Candidate
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			host := e.HostName
			if len(e.AddrIPv4) > 0 {
				host = e.AddrIPv4[0].String()
			}
			found = append(found, Candidate{Instance: e.Instance, Host: host, Port: e.Port})
		}
	}()

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := resolver.Browse(browseCtx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	<-browseCtx.Done()
	<-done
	return found, nil
}
