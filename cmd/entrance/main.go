// Command entrance runs the Entrance (N): it listens on a local TCP port
// and, for each accepted connection, opens a stream over a channel
// already registered with a Rendezvous Server by an Exposer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"

	"github.com/nickdu088/VPT/internal/entrance"
	"github.com/nickdu088/VPT/internal/transport"
)

func main() {
	rendezvousURL := flag.String("rendezvous", "", "Rendezvous Server base URL, e.g. http://relay.example.com:8080")
	channel := flag.String("channel", "", "channel id published by the Exposer")
	peerToken := flag.String("peer-token", "", "identity token sent as X-Peer-Token (defaults to source IP if empty)")
	outboxDepth := flag.Int("outbox-depth", 64, "outbound frame queue capacity")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	if *rendezvousURL == "" || *channel == "" {
		slog.Error("entrance: -rendezvous and -channel are required")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("entrance: shutting down")
		cancel()
	}()

	tc := transport.New(*rendezvousURL, *peerToken)
	settings, err := tc.Join(ctx, *channel)
	if err != nil {
		slog.Error("entrance: join channel failed", "err", err)
		os.Exit(1)
	}

	listenAddr := fmt.Sprintf(":%d", settings.Port)
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		slog.Error("entrance: listen failed", "addr", listenAddr, "err", err)
		os.Exit(1)
	}
	slog.Info("entrance: listening", "addr", listenAddr, "channel", settings.Channel, "port", settings.Port)

	engine := entrance.New(tc, settings.Channel, listener, *outboxDepth)
	if err := engine.Run(ctx); err != nil {
		slog.Error("entrance: engine stopped", "err", err)
		os.Exit(1)
	}
}
