// Package exposer implements the Exposer engine (E): it dials the local
// service on OPEN, shuttles DATA between the dialed connection and the
// channel, and emits CLOSE when either side ends (spec §4.4).
package exposer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/nickdu088/VPT/internal/frame"
	"github.com/nickdu088/VPT/internal/queue"
	"github.com/nickdu088/VPT/internal/streamstate"
	"github.com/nickdu088/VPT/internal/transport"
)

// outboundStream is one dialed connection to the exposed service.
type outboundStream struct {
	conn  net.Conn
	state *streamstate.Machine
}

// Engine owns the set of live streams for one channel and the single
// receive loop / forward serializer pair that drive them. The stream map
// is guarded by mu: streams are added only by the receive loop, and
// removed by closeStream, which the receive loop, a stream's own reader
// pump, or Run's shutdown may call. Reader pumps send their frames over
// outbox.
type Engine struct {
	transport *transport.Client
	channelID string
	dialAddr  string

	mu      sync.Mutex
	streams map[string]*outboundStream

	outbox *queue.Queue[[]byte]
}

// New returns an Engine that dials dialAddr for each new stream and
// talks to the Rendezvous Server via tc on channelID.
func New(tc *transport.Client, channelID, dialAddr string, outboxDepth int) *Engine {
	return &Engine{
		transport: tc,
		channelID: channelID,
		dialAddr:  dialAddr,
		streams:   make(map[string]*outboundStream),
		outbox:    queue.New[[]byte](outboxDepth),
	}
}

// Run drives the engine until ctx is cancelled or a fatal transport error
// occurs. It blocks.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

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
	wg.Wait()
	e.closeAllStreams()
	return err
}

// receiveLoop long-polls the channel and dispatches every frame it
// returns. It is the only goroutine that adds streams to e.streams.
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
			slog.Warn("exposer: receive error, retrying", "channel", e.channelID, "err", err)
			if werr := bo.Wait(ctx); werr != nil {
				return nil
			}
			continue
		}
		bo.Reset()
		for _, line := range lines {
			e.dispatch(ctx, line)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, line []byte) {
	d, heartbeat, err := frame.Decode(line)
	if heartbeat {
		return
	}
	if err != nil {
		slog.Warn("exposer: malformed frame dropped", "channel", e.channelID, "err", err)
		return
	}

	switch d.Kind {
	case frame.KindControl:
		e.handleControl(ctx, d.ID)
	case frame.KindData:
		e.handleData(d.ID, d.Payload)
	}
}

// handleControl dials a new stream on first sight of its id (OPEN), or
// tears it down if already known (CLOSE). Both directions share one
// frame shape, so the id's novelty is what distinguishes them (spec
// §4.2).
func (e *Engine) handleControl(ctx context.Context, streamID string) {
	e.mu.Lock()
	s, known := e.streams[streamID]
	e.mu.Unlock()

	if known {
		e.closeStream(streamID, s, "peer close")
		return
	}
	e.openStream(ctx, streamID)
}

func (e *Engine) openStream(ctx context.Context, streamID string) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", e.dialAddr)
	if err != nil {
		slog.Warn("exposer: dial failed", "channel", e.channelID, "stream", streamID, "target", e.dialAddr, "err", err)
		e.enqueueControl(streamID)
		return
	}

	s := &outboundStream{conn: conn, state: streamstate.New()}
	s.state.MarkOpen() //nolint:errcheck

	e.mu.Lock()
	e.streams[streamID] = s
	e.mu.Unlock()

	slog.Info("exposer: stream opened", "channel", e.channelID, "stream", streamID, "target", e.dialAddr)
	go e.readPump(streamID, s)
}

func (e *Engine) handleData(streamID string, payload []byte) {
	e.mu.Lock()
	s, ok := e.streams[streamID]
	e.mu.Unlock()
	if !ok {
		return
	}
	if _, err := s.conn.Write(payload); err != nil {
		slog.Warn("exposer: write failed", "channel", e.channelID, "stream", streamID, "err", err)
		e.closeStream(streamID, s, "local write error")
	}
}

// readPump copies bytes from the dialed connection into DATA frames until
// the connection ends, then emits a CLOSE.
func (e *Engine) readPump(streamID string, s *outboundStream) {
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
// called from both the receive loop (handleData/handleControl) and each
// stream's own readPump goroutine.
func (e *Engine) closeStream(streamID string, s *outboundStream, reason string) {
	e.mu.Lock()
	if s.state.IsClosed() {
		e.mu.Unlock()
		return
	}
	s.state.MarkClosed()
	delete(e.streams, streamID)
	e.mu.Unlock()

	s.conn.Close()
	slog.Info("exposer: stream closed", "channel", e.channelID, "stream", streamID, "reason", reason)
	e.enqueueControl(streamID)
}

func (e *Engine) closeAllStreams() {
	e.mu.Lock()
	streams := make(map[string]*outboundStream, len(e.streams))
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
		slog.Warn("exposer: encode failed", "channel", e.channelID, "stream", streamID, "err", err)
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

// forwardLoop is the single serializer for outbound frames: it drains the
// outbox and forwards each line to the Rendezvous Server, batching
// whatever has queued up by the time a Forward call is ready to go out.
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
			slog.Warn("exposer: forward error", "channel", e.channelID, "err", err)
		}
	}
}
