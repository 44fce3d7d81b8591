package main

import (
	"context"

	"github.com/labqa/qa-broker/internal/discovery"
)

// startMDNS registers the broker via mDNS and returns a cleanup
// function. Safe to call even if disabled (no-op), mirroring the
// teacher's mdns.go guard.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	meta := []string{
		"version=" + version,
		"commit=" + commit,
	}
	return discovery.Advertise(ctx, cfg.mdnsName, port, meta)
}
