package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/labqa/qa-broker/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"subscriptions", snap.Subscriptions,
					"rejected", snap.Rejected,
					"published", snap.Published,
					"routed", snap.Routed,
					"mute_dropped", snap.MuteDropped,
					"admin_routed", snap.AdminRouted,
					"backpressure_dropped", snap.BPDropped,
					"backpressure_kicked", snap.BPKicked,
					"framing_errors", snap.FramingErrors,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
