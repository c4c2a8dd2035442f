// Command exposer runs the Exposer (E): it registers a channel with a
// Rendezvous Server and forwards connections arriving over that channel
// to a local TCP service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/nickdu088/VPT/internal/exposer"
	"github.com/nickdu088/VPT/internal/transport"
)

func main() {
	rendezvousURL := flag.String("rendezvous", "", "Rendezvous Server base URL, e.g. http://relay.example.com:8080")
	target := flag.String("target", "", "host:port of the local service to expose")
	port := flag.Int("port", 0, "port the Entrance should listen on locally (advertised via the Rendezvous Server)")
	peerToken := flag.String("peer-token", "", "identity token sent as X-Peer-Token (defaults to source IP if empty)")
	outboxDepth := flag.Int("outbox-depth", 64, "outbound frame queue capacity")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	if *rendezvousURL == "" || *target == "" {
		slog.Error("exposer: -rendezvous and -target are required")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("exposer: shutting down")
		cancel()
	}()

	tc := transport.New(*rendezvousURL, *peerToken)
	settings, err := tc.Create(ctx, *port)
	if err != nil {
		slog.Error("exposer: create channel failed", "err", err)
		os.Exit(1)
	}
	slog.Info("exposer: channel created", "channel", settings.Channel, "rendezvous", *rendezvousURL, "target", *target)

	engine := exposer.New(tc, settings.Channel, *target, *outboxDepth)
	if err := engine.Run(ctx); err != nil {
		slog.Error("exposer: engine stopped", "err", err)
		tc.Close(context.Background(), settings.Channel) //nolint:errcheck
		os.Exit(1)
	}
	tc.Close(context.Background(), settings.Channel) //nolint:errcheck
}
