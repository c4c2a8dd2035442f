package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nickdu088/VPT/internal/relay"
)

// runMetrics logs registry-wide throughput every interval until ctx is
// cancelled, in the teacher's periodic-ticker style (metrics.go
// RunMetrics).
func runMetrics(ctx context.Context, registry *relay.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := registry.BytesRelayed()
			delta := total - last
			last = total
			channels := registry.ChannelCount()
			if channels > 0 || delta > 0 {
				slog.Info("rendezvous: throughput",
					"channels", channels,
					"relayed_total", humanize.Bytes(total),
					"relayed_interval", humanize.Bytes(delta),
				)
			}
		}
	}
}
