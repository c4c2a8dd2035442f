// Command rendezvous runs the Rendezvous Server (R): the always-reachable
// HTTP hub that brokers channel creation and relays frames between an
// Exposer and an Entrance.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/nickdu088/VPT/internal/httpapi"
	"github.com/nickdu088/VPT/internal/relay"
	"github.com/nickdu088/VPT/internal/store"
)

func main() {
	// Check for relayctl subcommands before parsing server flags.
	if len(os.Args) > 1 {
		cliDB := "rendezvous.db"
		if runCLI(os.Args[1:], cliDB) {
			return
		}
	}

	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "rendezvous.db", "SQLite audit log path")
	queueDepth := flag.Int("queue-depth", 64, "per-direction frame queue capacity before Push blocks")
	pollWait := flag.Duration("poll-wait", 5*time.Second, "long-poll duration before a heartbeat is sent")
	idleTimeout := flag.Duration("idle-timeout", 10*time.Minute, "channel idle duration before it is reaped")
	reapInterval := flag.Duration("reap-interval", time.Minute, "how often to scan for idle channels")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	st, err := store.New(*dbPath)
	if err != nil {
		slog.Error("open audit store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	registry := relay.NewRegistry(*queueDepth, *pollWait, relay.WithLifecycleHooks(
		func(channelID, exposerAddr string, port int) {
			if err := st.RecordCreate(channelID, exposerAddr, port); err != nil {
				slog.Warn("audit: record create failed", "err", err)
			}
		},
		func(channelID, entranceAddr string) {
			if err := st.RecordJoin(channelID, entranceAddr); err != nil {
				slog.Warn("audit: record join failed", "err", err)
			}
		},
		func(channelID, reason string) {
			if err := st.RecordClose(channelID, reason); err != nil {
				slog.Warn("audit: record close failed", "err", err)
			}
		},
	))

	server := httpapi.New(registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("rendezvous: shutting down")
		cancel()
	}()

	go runMetrics(ctx, registry, 30*time.Second)

	go func() {
		ticker := time.NewTicker(*reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := registry.ReapIdle(*idleTimeout); n > 0 {
					slog.Info("rendezvous: reaped idle channels", "count", n)
				}
			}
		}
	}()

	slog.Info("rendezvous: listening", "addr", *addr)
	if err := server.Run(ctx, *addr); err != nil {
		slog.Error("rendezvous: server error", "err", err)
		os.Exit(1)
	}
}
