package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nickdu088/VPT/internal/relay"
)

func newTestServer() *Server {
	reg := relay.NewRegistry(8, 50*time.Millisecond)
	return New(reg)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status field: got %q", resp.Status)
	}
}

func TestCreateChannelReturnsSettings(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"port":2222}`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", rec.Code, rec.Body.String())
	}
	var settings relay.Settings
	if err := json.Unmarshal(rec.Body.Bytes(), &settings); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if settings.Channel == "" || settings.Port != 2222 {
		t.Fatalf("unexpected settings: %+v", settings)
	}
}

func TestJoinUnknownChannelIs404(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"channel":"missing"}`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d", rec.Code)
	}
}

func createChannel(t *testing.T, s *Server, exposerAddr string) relay.Settings {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"port":80}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Peer-Token", exposerAddr)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	var settings relay.Settings
	if err := json.Unmarshal(rec.Body.Bytes(), &settings); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return settings
}

func joinChannel(t *testing.T, s *Server, channel, entranceAddr string) {
	t.Helper()
	body, _ := json.Marshal(createRequest{Channel: channel})
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Peer-Token", entranceAddr)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("join failed: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestPutThenGetDeliversFrame(t *testing.T) {
	s := newTestServer()
	settings := createChannel(t, s, "exposer-1")
	joinChannel(t, s, settings.Channel, "entrance-1")

	putReq := httptest.NewRequest(http.MethodPut, "/"+settings.Channel, bytes.NewReader([]byte(`{"id":"s1"}`)))
	putReq.Header.Set("X-Peer-Token", "exposer-1")
	putRec := httptest.NewRecorder()
	s.Echo().ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusOK {
		t.Fatalf("PUT status: got %d", putRec.Code)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/"+settings.Channel, nil)
	getReq.Header.Set("X-Peer-Token", "entrance-1")
	// The long-poll handler streams until the client goes away, so the
	// request needs a deadline for ServeHTTP to return.
	ctx, cancel := context.WithTimeout(getReq.Context(), 120*time.Millisecond)
	defer cancel()
	getReq = getReq.WithContext(ctx)
	getRec := httptest.NewRecorder()
	s.Echo().ServeHTTP(getRec, getReq)

	if getRec.Code != http.StatusOK {
		t.Fatalf("GET status: got %d", getRec.Code)
	}
	if !bytes.Contains(getRec.Body.Bytes(), []byte(`{"id":"s1"}`)) {
		t.Fatalf("GET body missing frame: %s", getRec.Body.String())
	}
}

func TestGetTimesOutWithHeartbeatWhenEmpty(t *testing.T) {
	s := newTestServer()
	settings := createChannel(t, s, "exposer-1")
	joinChannel(t, s, settings.Channel, "entrance-1")

	getReq := httptest.NewRequest(http.MethodGet, "/"+settings.Channel, nil)
	getReq.Header.Set("X-Peer-Token", "entrance-1")
	ctx, cancel := context.WithTimeout(getReq.Context(), 120*time.Millisecond)
	defer cancel()
	getReq = getReq.WithContext(ctx)

	getRec := httptest.NewRecorder()
	s.Echo().ServeHTTP(getRec, getReq)

	if getRec.Body.Len() == 0 {
		t.Fatalf("expected at least one heartbeat newline")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestServer()
	settings := createChannel(t, s, "exposer-1")

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodDelete, "/"+settings.Channel, nil)
		rec := httptest.NewRecorder()
		s.Echo().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("DELETE[%d] status: got %d", i, rec.Code)
		}
	}
}

func TestPutUnknownChannelIs400(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPut, "/missing", bytes.NewReader([]byte(`{"id":"s1"}`)))
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d", rec.Code)
	}
}

func TestGetUnknownChannelIs404(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d", rec.Code)
	}
}

func TestPutByStrangerIsForbidden(t *testing.T) {
	s := newTestServer()
	settings := createChannel(t, s, "exposer-1")

	req := httptest.NewRequest(http.MethodPut, "/"+settings.Channel, bytes.NewReader([]byte(`{"id":"s1"}`)))
	req.Header.Set("X-Peer-Token", "stranger")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status: got %d", rec.Code)
	}
}
