// Package entrance implements the Entrance engine (N): it listens on a
// local TCP port, mints a stream id for each accepted connection, emits
// OPEN, and shuttles DATA between the local connection and the channel
// (spec §4.5).
package entrance

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/nickdu088/VPT/internal/frame"
	"github.com/nickdu088/VPT/internal/queue"
	"github.com/nickdu088/VPT/internal/streamstate"
	"github.com/nickdu088/VPT/internal/transport"
)

// localStream is one locally accepted connection.
type localStream struct {
	conn  net.Conn
	state *streamstate.Machine
}

// Engine owns the local listener, the live stream set, and the single
// receive loop / forward serializer pair. The stream map is guarded by mu:
// streams are added only by the accept loop, and removed by closeStream,
// which the receive loop, a stream's own reader pump, or Run's shutdown
// may call.
type Engine struct {
	transport *transport.Client
	channelID string
	listener  net.Listener

	mu      sync.Mutex
	streams map[string]*localStream

	outbox *queue.Queue[[]byte]
}

// New returns an Engine that accepts connections on listener and relays
// them over channelID via tc.
func New(tc *transport.Client, channelID string, listener net.Listener, outboxDepth int) *Engine {
	return &Engine{
		transport: tc,
		channelID: channelID,
		listener:  listener,
		streams:   make(map[string]*localStream),
		outbox:    queue.New[[]byte](outboxDepth),
	}
}

// Run drives the engine until ctx is cancelled or a fatal transport error
// occurs. It blocks.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		errCh <- e.acceptLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		errCh <- e.receiveLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		errCh <- e.forwardLoop(ctx)
	}()

	err := <-errCh
	cancel()
	e.listener.Close()
	wg.Wait()
	e.closeAllStreams()
	return err
}

// acceptLoop mints a stream id for each inbound connection and emits OPEN.
func (e *Engine) acceptLoop(ctx context.Context) error {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		streamID := uuid.NewString()
		s := &localStream{conn: conn, state: streamstate.New()}
		s.state.MarkOpen() //nolint:errcheck

		e.mu.Lock()
		e.streams[streamID] = s
		e.mu.Unlock()

		slog.Info("entrance: stream opened", "channel", e.channelID, "stream", streamID, "remote", conn.RemoteAddr())
		e.enqueueControl(streamID)
		go e.readPump(streamID, s)
	}
}

// receiveLoop long-polls the channel for DATA/CLOSE addressed to streams
// this Entrance owns.
func (e *Engine) receiveLoop(ctx context.Context) error {
	bo := transport.NewBackoff()
	for {
		if ctx.Err() != nil {
			return nil
		}
		lines, err := e.transport.Receive(ctx, e.channelID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			var te *transport.Error
			if errors.As(err, &te) && te.Kind == transport.ErrKindFatal {
				return err
			}
			slog.Warn("entrance: receive error, retrying", "channel", e.channelID, "err", err)
			if werr := bo.Wait(ctx); werr != nil {
				return nil
			}
			continue
		}
		bo.Reset()
		for _, line := range lines {
			e.dispatch(line)
		}
	}
}

func (e *Engine) dispatch(line []byte) {
	d, heartbeat, err := frame.Decode(line)
	if heartbeat {
		return
	}
	if err != nil {
		slog.Warn("entrance: malformed frame dropped", "channel", e.channelID, "err", err)
		return
	}

	e.mu.Lock()
	s, ok := e.streams[d.ID]
	e.mu.Unlock()
	if !ok {
		// Unknown stream id: either already closed locally, or a CLOSE
		// arriving for a stream we never saw (idempotent no-op).
		return
	}

	switch d.Kind {
	case frame.KindControl:
		e.closeStream(d.ID, s, "peer close")
	case frame.KindData:
		if _, err := s.conn.Write(d.Payload); err != nil {
			slog.Warn("entrance: write failed", "channel", e.channelID, "stream", d.ID, "err", err)
			e.closeStream(d.ID, s, "local write error")
		}
	}
}

func (e *Engine) readPump(streamID string, s *localStream) {
	buf := make([]byte, frame.MaxPayload)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			for _, chunk := range frame.Chunk(buf[:n]) {
				e.enqueueData(streamID, chunk)
			}
		}
		if err != nil {
			e.closeStream(streamID, s, "local read ended")
			return
		}
	}
}

// closeStream's IsClosed/MarkClosed check-and-set runs under e.mu: the
// Machine itself is not safe for concurrent use, and this method is
// called from both the receive loop (dispatch) and each stream's own
// readPump goroutine.
func (e *Engine) closeStream(streamID string, s *localStream, reason string) {
	e.mu.Lock()
	if s.state.IsClosed() {
		e.mu.Unlock()
		return
	}
	s.state.MarkClosed()
	delete(e.streams, streamID)
	e.mu.Unlock()

	s.conn.Close()
	slog.Info("entrance: stream closed", "channel", e.channelID, "stream", streamID, "reason", reason)
	e.enqueueControl(streamID)
}

func (e *Engine) closeAllStreams() {
	e.mu.Lock()
	streams := make(map[string]*localStream, len(e.streams))
	for id, s := range e.streams {
		streams[id] = s
	}
	e.mu.Unlock()

	for id, s := range streams {
		e.closeStream(id, s, "engine shutdown")
	}
}

func (e *Engine) enqueueData(streamID string, payload []byte) {
	line, err := frame.Encode(streamID, payload)
	if err != nil {
		slog.Warn("entrance: encode failed", "channel", e.channelID, "stream", streamID, "err", err)
		return
	}
	_ = e.outbox.Push(context.Background(), line)
}

func (e *Engine) enqueueControl(streamID string) {
	line, err := frame.Encode(streamID, nil)
	if err != nil {
		return
	}
	_ = e.outbox.Push(context.Background(), line)
}

func (e *Engine) forwardLoop(ctx context.Context) error {
	for {
		line, err := e.outbox.Pop(ctx)
		if err != nil {
			return nil
		}
		batch := [][]byte{line}
		for {
			extra, ok := e.outbox.TryPop()
			if !ok {
				break
			}
			batch = append(batch, extra)
		}
		if err := e.transport.Forward(ctx, e.channelID, batch); err != nil {
			var te *transport.Error
			if errors.As(err, &te) && te.Kind == transport.ErrKindFatal {
				return err
			}
			slog.Warn("entrance: forward error", "channel", e.channelID, "err", err)
		}
	}
}
