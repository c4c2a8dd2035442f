// Package relay implements the Rendezvous Server's channel registry: the
// in-memory mapping from channel id to the pair of bounded queues that
// carry frame traffic between an Exposer and an Entrance (spec §3, §4.1).
//
// The registry never interprets frame payloads — it routes opaque
// newline-delimited JSON lines into the queue opposite the caller's role.
// Decoding, compression, and stream semantics live in internal/frame and
// the endpoint engines.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nickdu088/VPT/internal/queue"
)

// Sentinel errors mapped to HTTP status codes by internal/httpapi, per
// spec §7.
var (
	ErrChannelNotFound  = errors.New("relay: channel not found")
	ErrRoleConflict     = errors.New("relay: caller is neither exposer nor entrance of this channel")
	ErrDuplicateChannel = errors.New("relay: channel id already exists")
	ErrMalformed        = errors.New("relay: malformed request")
)

// Role identifies which side of a channel a caller is playing.
type Role int

const (
	// RoleNone is returned by resolveRole when the caller matches neither
	// stored identity.
	RoleNone Role = iota
	RoleExposer
	RoleEntrance
)

// Settings is returned to both peers on channel creation/join (spec §3).
type Settings struct {
	Channel string `json:"channel"`
	Port    int    `json:"port"`
}

// Channel holds one tunnel's routing state: the two peer identities and
// the queue pair carrying frames in each direction.
type Channel struct {
	mu          sync.Mutex
	id          string
	exposerAddr string
	clientAddr  string // Entrance; empty until joined
	settings    Settings
	toEntrance  *queue.Queue[[]byte]
	toExposer   *queue.Queue[[]byte]
	lastActive  time.Time
}

// resolveRole reports which role addr plays in the channel, without
// mutating state.
func (c *Channel) resolveRole(addr string) Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case addr != "" && addr == c.exposerAddr:
		return RoleExposer
	case addr != "" && addr == c.clientAddr:
		return RoleEntrance
	default:
		return RoleNone
	}
}

func (c *Channel) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Channel) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Registry is the concurrency-safe channel_id -> Channel map. One
// goroutine per live HTTP request may call into it concurrently (spec §5);
// access is guarded by a single RWMutex, matching the teacher's
// internal/core.ChannelState discipline of a coarse lock around the map
// and independently-synchronized per-entry queues.
type Registry struct {
	mu           sync.RWMutex
	channels     map[string]*Channel
	queueDepth   int
	pollWait     time.Duration
	bytesRelayed atomic.Uint64
	onCreate     func(channelID, exposerAddr string, port int)
	onJoin       func(channelID, entranceAddr string)
	onClose      func(channelID, reason string)
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithLifecycleHooks wires optional callbacks fired on create/join/close,
// used by internal/store to append audit log rows without coupling the
// registry to persistence (spec §1: registry state itself stays ephemeral).
func WithLifecycleHooks(onCreate func(channelID, exposerAddr string, port int), onJoin func(channelID, entranceAddr string), onClose func(channelID, reason string)) Option {
	return func(r *Registry) {
		if onCreate != nil {
			r.onCreate = onCreate
		}
		if onJoin != nil {
			r.onJoin = onJoin
		}
		if onClose != nil {
			r.onClose = onClose
		}
	}
}

// NewRegistry returns an empty Registry. queueDepth bounds each direction's
// queue (spec §9, blocking backpressure, never dropping). pollWait is
// reported by PollWait; Dequeue itself waits only on its ctx, and the
// long-poll HTTP handler bounds each Dequeue by pollWait so it can emit a
// heartbeat and continue (spec §4.1 GET, ~5s).
func NewRegistry(queueDepth int, pollWait time.Duration, opts ...Option) *Registry {
	r := &Registry{
		channels:   make(map[string]*Channel),
		queueDepth: queueDepth,
		pollWait:   pollWait,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create mints a fresh channel owned by exposerAddr advertising port, per
// spec §4.1 POST / (no "channel" field, port >= 0).
func (r *Registry) Create(exposerAddr string, port int) (Settings, error) {
	if port < 0 {
		return Settings{}, fmt.Errorf("%w: port must be >= 0", ErrMalformed)
	}

	id := uuid.NewString()
	ch := &Channel{
		id:          id,
		exposerAddr: exposerAddr,
		settings:    Settings{Channel: id, Port: port},
		toEntrance:  queue.New[[]byte](r.queueDepth),
		toExposer:   queue.New[[]byte](r.queueDepth),
		lastActive:  time.Now(),
	}

	r.mu.Lock()
	if _, exists := r.channels[id]; exists {
		r.mu.Unlock()
		return Settings{}, ErrDuplicateChannel
	}
	r.channels[id] = ch
	r.mu.Unlock()

	slog.Info("channel created", "channel", id, "exposer", exposerAddr, "port", port)
	if r.onCreate != nil {
		r.onCreate(id, exposerAddr, port)
	}
	return ch.settings, nil
}

// Join records clientAddr as the Entrance of an existing channel, per spec
// §4.1 POST / ("channel" field present and known). Joining again with the
// same clientAddr succeeds; a different clientAddr on a channel that
// already has an Entrance gets ErrRoleConflict.
func (r *Registry) Join(channelID, clientAddr string) (Settings, error) {
	ch, err := r.lookup(channelID)
	if err != nil {
		return Settings{}, err
	}

	ch.mu.Lock()
	if ch.clientAddr != "" && ch.clientAddr != clientAddr {
		ch.mu.Unlock()
		return Settings{}, ErrRoleConflict
	}
	ch.clientAddr = clientAddr
	settings := ch.settings
	ch.lastActive = time.Now()
	ch.mu.Unlock()

	slog.Info("channel joined", "channel", channelID, "entrance", clientAddr)
	if r.onJoin != nil {
		r.onJoin(channelID, clientAddr)
	}
	return settings, nil
}

// Delete drops a channel from the registry. It is idempotent: deleting an
// unknown id is not an error (spec §4.1 DELETE always returns 200).
func (r *Registry) Delete(channelID string) {
	r.mu.Lock()
	_, existed := r.channels[channelID]
	delete(r.channels, channelID)
	r.mu.Unlock()

	if existed {
		slog.Info("channel deleted", "channel", channelID)
		if r.onClose != nil {
			r.onClose(channelID, "deleted")
		}
	}
}

func (r *Registry) lookup(channelID string) (*Channel, error) {
	r.mu.RLock()
	ch, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrChannelNotFound
	}
	return ch, nil
}

// Enqueue splits body into newline-delimited frame lines and pushes each
// onto the queue opposite callerAddr's role (spec §3: "R uses this to
// route a received frame into the opposite queue"). ctx bounds how long a
// full (backpressured) queue may block the caller.
func (r *Registry) Enqueue(ctx context.Context, channelID, callerAddr string, body []byte) error {
	ch, err := r.lookup(channelID)
	if err != nil {
		return err
	}

	role := ch.resolveRole(callerAddr)
	if role == RoleNone {
		return ErrRoleConflict
	}

	dest := ch.toEntrance
	if role == RoleEntrance {
		dest = ch.toExposer
	}

	for _, line := range splitLines(body) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		cp := append([]byte(nil), line...)
		if err := dest.Push(ctx, cp); err != nil {
			return err
		}
		r.bytesRelayed.Add(uint64(len(cp)))
	}
	ch.touch()
	return nil
}

// BytesRelayed reports the cumulative size of every frame line enqueued
// since startup, for the periodic metrics log.
func (r *Registry) BytesRelayed() uint64 {
	return r.bytesRelayed.Load()
}

// Dequeue blocks (up to ctx's deadline) for the next frame line addressed
// to callerAddr's role. Callers (the GET long-poll handler) pass a
// short-lived ctx so they can emit a heartbeat and loop, per spec §4.1.
func (r *Registry) Dequeue(ctx context.Context, channelID, callerAddr string) ([]byte, error) {
	ch, err := r.lookup(channelID)
	if err != nil {
		return nil, err
	}

	role := ch.resolveRole(callerAddr)
	if role == RoleNone {
		return nil, ErrRoleConflict
	}

	src := ch.toExposer
	if role == RoleEntrance {
		src = ch.toEntrance
	}

	line, err := src.Pop(ctx)
	if err != nil {
		return nil, err
	}
	ch.touch()
	return line, nil
}

// PollWait is the per-iteration long-poll wait before a heartbeat is due.
func (r *Registry) PollWait() time.Duration { return r.pollWait }

// ChannelCount reports the number of live channels, for metrics.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// QueueDepths reports the current queue occupancy for a channel, for
// metrics/debugging. ok is false if the channel is unknown.
func (r *Registry) QueueDepths(channelID string) (toEntrance, toExposer int, ok bool) {
	ch, err := r.lookup(channelID)
	if err != nil {
		return 0, 0, false
	}
	return ch.toEntrance.Len(), ch.toExposer.Len(), true
}

// ReapIdle deletes channels that have seen no Enqueue/Dequeue activity for
// longer than maxIdle (spec §4.1: "MAY be reaped"). It returns the number
// of channels reaped.
func (r *Registry) ReapIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	now := time.Now()

	r.mu.RLock()
	var stale []string
	for id, ch := range r.channels {
		if now.Sub(ch.idleSince()) > maxIdle {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.mu.Lock()
		delete(r.channels, id)
		r.mu.Unlock()
		slog.Info("channel reaped", "channel", id, "idle_for", maxIdle)
		if r.onClose != nil {
			r.onClose(id, "idle_timeout")
		}
	}
	return len(stale)
}

// splitLines splits a PUT body into its constituent frame lines, supporting
// both a single frame and the batched/streamed newline-delimited variant
// (spec §4.1 PUT).
func splitLines(body []byte) [][]byte {
	var lines [][]byte
	for len(body) > 0 {
		i := bytes.IndexByte(body, '\n')
		if i < 0 {
			lines = append(lines, body)
			break
		}
		lines = append(lines, body[:i])
		body = body[i+1:]
	}
	return lines
}
