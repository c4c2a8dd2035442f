// Package httpapi is the Rendezvous Server's Echo application: the plain
// pull-based HTTP wire protocol that Exposer and Entrance use to create,
// join, and exchange frames over a channel.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/nickdu088/VPT/internal/frame"
	"github.com/nickdu088/VPT/internal/relay"
)

// Server is the Echo application exposing the Rendezvous wire protocol.
type Server struct {
	echo     *echo.Echo
	registry *relay.Registry
	limiters *limiterSet
	started  time.Time
}

// New constructs the Echo app with the channel routes registered.
func New(registry *relay.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		echo:     e,
		registry: registry,
		limiters: newLimiterSet(rate.Limit(20), 40),
		started:  time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.POST("/", s.handleCreateOrJoin)
	s.echo.GET("/:id", s.handleReceive)
	s.echo.PUT("/:id", s.handleSend)
	s.echo.DELETE("/:id", s.handleClose)
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/metrics", s.handleMetrics)
}

// Echo exposes the underlying instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Run starts the server and blocks until ctx is cancelled or Echo fails to
// start.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down rendezvous http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("rendezvous http server stopped")
		return nil
	}
}

// requestLogger logs each request via slog, at debug level for the
// high-frequency long-poll GET to keep normal logs readable.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			level := slog.LevelInfo
			if req.Method == http.MethodGet && req.URL.Path != "/health" && req.URL.Path != "/api/metrics" {
				level = slog.LevelDebug
			}
			slog.Log(context.Background(), level, "http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", c.RealIP(),
			)
			return nil
		}
	}
}

// jsonErrorHandler keeps every error response body at {"error": "..."}.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		c.NoContent(code) //nolint:errcheck
		return
	}
	c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
}

// peerAddr resolves the caller's identity per the explicit-token-with-
// fallback rule: an X-Peer-Token header if present, otherwise the
// connection's real IP.
func peerAddr(c echo.Context) string {
	if tok := c.Request().Header.Get("X-Peer-Token"); tok != "" {
		return tok
	}
	return c.RealIP()
}

// statusFor maps relay's sentinel errors to the HTTP status codes spec §7
// assigns each error kind.
func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrChannelNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrRoleConflict):
		return http.StatusForbidden
	case errors.Is(err, relay.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrDuplicateChannel):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

type createRequest struct {
	Channel string `json:"channel,omitempty"`
	Port    int    `json:"port,omitempty"`
}

// handleCreateOrJoin implements POST /: absent "channel" mints a new
// channel owned by the caller as Exposer; present "channel" joins the
// caller as that channel's Entrance (spec §4.1).
func (s *Server) handleCreateOrJoin(c echo.Context) error {
	if !s.limiters.allow(peerAddr(c)) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}

	var req createRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
		}
	}

	addr := peerAddr(c)

	if req.Channel == "" {
		settings, err := s.registry.Create(addr, req.Port)
		if err != nil {
			return echo.NewHTTPError(statusFor(err), err.Error())
		}
		return c.JSON(http.StatusOK, settings)
	}

	settings, err := s.registry.Join(req.Channel, addr)
	if err != nil {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, settings)
}

// handleReceive implements GET /:id, the long-poll pull endpoint. It
// streams frames as they arrive, waiting in PollWait-sized slices and
// writing a heartbeat newline after each slice that yields no frame, until
// the client disconnects or the channel disappears.
func (s *Server) handleReceive(c echo.Context) error {
	id := c.Param("id")
	addr := peerAddr(c)

	// Validate the channel/role before committing a 200 status: once the
	// long-poll body starts streaming the status line can't change.
	if _, _, ok := s.registry.QueueDepths(id); !ok {
		return echo.NewHTTPError(http.StatusNotFound, relay.ErrChannelNotFound.Error())
	}

	ctx := c.Request().Context()
	firstCtx, cancel := context.WithTimeout(ctx, s.registry.PollWait())
	first, err := s.registry.Dequeue(firstCtx, id, addr)
	cancel()
	if err != nil && (errors.Is(err, relay.ErrChannelNotFound) || errors.Is(err, relay.ErrRoleConflict)) {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/x-ndjson")
	c.Response().WriteHeader(http.StatusOK)
	flusher, canFlush := c.Response().Writer.(http.Flusher)

	if err == nil {
		if _, werr := c.Response().Write(append(first, '\n')); werr != nil {
			return nil
		}
		if canFlush {
			flusher.Flush()
		}
	} else if ctx.Err() == nil {
		if _, werr := c.Response().Write([]byte("\n")); werr != nil {
			return nil
		}
		if canFlush {
			flusher.Flush()
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		waitCtx, cancel := context.WithTimeout(ctx, s.registry.PollWait())
		line, err := s.registry.Dequeue(waitCtx, id, addr)
		cancel()

		if err == nil {
			if _, werr := c.Response().Write(append(line, '\n')); werr != nil {
				return nil
			}
			if canFlush {
				flusher.Flush()
			}
			continue
		}

		if errors.Is(err, relay.ErrChannelNotFound) || errors.Is(err, relay.ErrRoleConflict) {
			// The channel disappeared (e.g. reaped) mid-poll; the status
			// line is already committed, so just end the response.
			return nil
		}

		if ctx.Err() != nil {
			return nil
		}
		if _, werr := c.Response().Write([]byte("\n")); werr != nil {
			return nil
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

// handleSend implements PUT /:id: the body is one or more newline
// delimited frame lines, enqueued for the opposite peer.
func (s *Server) handleSend(c echo.Context) error {
	if !s.limiters.allow(peerAddr(c)) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}

	id := c.Param("id")
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, frame.MaxPayload*4))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	if err := s.registry.Enqueue(c.Request().Context(), id, peerAddr(c), body); err != nil {
		code := statusFor(err)
		// PUT reports an unknown channel as 400, not 404: the body itself
		// is malformed with respect to this server's current state.
		if errors.Is(err, relay.ErrChannelNotFound) {
			code = http.StatusBadRequest
		}
		return echo.NewHTTPError(code, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

// handleClose implements DELETE /:id. It is idempotent by construction:
// relay.Registry.Delete never errors on an unknown id (spec §4.1).
func (s *Server) handleClose(c echo.Context) error {
	s.registry.Delete(c.Param("id"))
	return c.NoContent(http.StatusOK)
}

type healthResponse struct {
	Status   string `json:"status"`
	Channels int    `json:"channels"`
	Uptime   string `json:"uptime"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		Channels: s.registry.ChannelCount(),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
	})
}

type metricsResponse struct {
	Channels     int    `json:"channels"`
	BytesRelayed uint64 `json:"bytes_relayed"`
}

func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, metricsResponse{
		Channels:     s.registry.ChannelCount(),
		BytesRelayed: s.registry.BytesRelayed(),
	})
}
