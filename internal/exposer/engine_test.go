package exposer

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nickdu088/VPT/internal/entrance"
	"github.com/nickdu088/VPT/internal/httpapi"
	"github.com/nickdu088/VPT/internal/relay"
	"github.com/nickdu088/VPT/internal/transport"
)

// startEchoServer runs a trivial TCP echo service and returns its address.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(conn, conn)
		}
	}()
	return ln.Addr().String()
}

func TestEndToEndEchoThroughTunnel(t *testing.T) {
	registry := relay.NewRegistry(16, 50*time.Millisecond)
	rendezvous := httptest.NewServer(httpapi.New(registry).Echo())
	t.Cleanup(rendezvous.Close)

	targetAddr := startEchoServer(t)

	exposerTransport := transport.New(rendezvous.URL, "exposer-1")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	settings, err := exposerTransport.Create(ctx, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	exposerEngine := New(exposerTransport, settings.Channel, targetAddr, 16)
	go exposerEngine.Run(ctx)

	entranceTransport := transport.New(rendezvous.URL, "entrance-1")
	if _, err := entranceTransport.Join(ctx, settings.Channel); err != nil {
		t.Fatalf("Join: %v", err)
	}

	localListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	entranceEngine := entrance.New(entranceTransport, settings.Channel, localListener, 16)
	go entranceEngine.Run(ctx)

	conn, err := net.Dial("tcp", localListener.Addr().String())
	if err != nil {
		t.Fatalf("dial entrance: %v", err)
	}
	defer conn.Close()

	want := []byte("hello through the tunnel")
	if _, err := conn.Write(want); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, len(want))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("echo mismatch: got %q want %q", got, want)
	}
}
