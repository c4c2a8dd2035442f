package entrance

import (
	"context"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nickdu088/VPT/internal/frame"
	"github.com/nickdu088/VPT/internal/httpapi"
	"github.com/nickdu088/VPT/internal/relay"
	"github.com/nickdu088/VPT/internal/transport"
)

// newTestChannel spins up a Rendezvous Server and registers a channel
// with "exposer" as the Exposer identity, returning the registry and
// channel id so the test can play the Exposer side directly.
func newTestChannel(t *testing.T) (*relay.Registry, *httptest.Server, string) {
	t.Helper()
	registry := relay.NewRegistry(16, 30*time.Millisecond)
	srv := httptest.NewServer(httpapi.New(registry).Echo())
	t.Cleanup(srv.Close)

	settings, err := registry.Create("exposer", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return registry, srv, settings.Channel
}

func TestAcceptEmitsOpenControlFrame(t *testing.T) {
	registry, srv, channelID := newTestChannel(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tc := transport.New(srv.URL, "entrance-1")
	if _, err := tc.Join(context.Background(), channelID); err != nil {
		t.Fatalf("Join: %v", err)
	}

	e := New(tc, channelID, listener, 8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	line, err := registry.Dequeue(ctx2, channelID, "exposer")
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	d, heartbeat, err := frame.Decode(line)
	if err != nil || heartbeat {
		t.Fatalf("Decode: %v heartbeat=%v", err, heartbeat)
	}
	if d.Kind != frame.KindControl {
		t.Fatalf("expected a control (OPEN) frame, got %v", d.Kind)
	}
}

func TestDataFromExposerIsWrittenToLocalConn(t *testing.T) {
	registry, srv, channelID := newTestChannel(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tc := transport.New(srv.URL, "entrance-1")
	if _, err := tc.Join(context.Background(), channelID); err != nil {
		t.Fatalf("Join: %v", err)
	}

	e := New(tc, channelID, listener, 8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	openLine, err := registry.Dequeue(ctx2, channelID, "exposer")
	if err != nil {
		t.Fatalf("Dequeue OPEN: %v", err)
	}
	d, _, _ := frame.Decode(openLine)
	streamID := d.ID

	dataLine, err := frame.Encode(streamID, []byte("payload"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := registry.Enqueue(context.Background(), channelID, "exposer", dataLine); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len("payload"))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "payload" {
		t.Fatalf("got %q", buf)
	}
}
