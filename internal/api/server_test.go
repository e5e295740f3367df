package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/config"
	"github.com/JakeFAU/serialcrawler/internal/crawler"
	"github.com/JakeFAU/serialcrawler/internal/notify"
	"github.com/JakeFAU/serialcrawler/internal/orchestrator"
)

func TestServer_StartSession_Accepted(t *testing.T) {
	t.Parallel()

	svc := newFakeSessions()
	server := NewServer(svc, config.Config{}, zap.NewNop())

	body := `{"title":"Serial","first_fragment_title":"One","first_fragment_body":"text",` +
		`"next_locator":"https://example.com/2","target_fragment_count":3,"sink_location":"out","origin_ref":"tab-1"}`
	rec := serve(server, http.MethodPost, "/v1/sessions", body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "started", resp["status"])
	require.Equal(t, "session-1", resp["session_id"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := svc.started[0]
	require.Equal(t, "Serial", req.Title)
	require.Equal(t, 3, req.TargetFragmentCount)
	require.Equal(t, "tab-1", req.OriginRef)
}

func TestServer_StartSession_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"invalid json", `{"title":`, nil, http.StatusBadRequest},
		{"invalid request", `{"title":""}`, crawler.ErrInvalidRequest, http.StatusBadRequest},
		{"closed", `{"title":"x"}`, orchestrator.ErrClosed, http.StatusServiceUnavailable},
		{"internal", `{"title":"x"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := newFakeSessions()
			svc.startErr = tt.err
			server := NewServer(svc, config.Config{}, zap.NewNop())
			rec := serve(server, http.MethodPost, "/v1/sessions", tt.body)
			require.Equal(t, tt.want, rec.Code)
			requireErrorBody(t, rec)
		})
	}
}

func TestServer_StopSession(t *testing.T) {
	t.Parallel()

	svc := newFakeSessions()
	svc.sessions["s-1"] = crawler.Session{ID: "s-1", Active: true}
	server := NewServer(svc, config.Config{}, zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/sessions/s-1/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"stopped"`)
	require.Equal(t, []string{"s-1"}, svc.stopped)

	rec = serve(server, http.MethodPost, "/v1/sessions/nope/stop", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	requireErrorBody(t, rec)
}

func TestServer_SessionStatus(t *testing.T) {
	t.Parallel()

	svc := newFakeSessions()
	svc.sessions["s-9"] = crawler.Session{ID: "s-9", OriginRef: "tab-9", Active: true}
	server := NewServer(svc, config.Config{}, zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/sessions/status?origin_ref=tab-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status crawler.StatusResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.True(t, status.IsDownloading)
	require.Equal(t, "s-9", status.SessionID)

	rec = serve(server, http.MethodGet, "/v1/sessions/status?origin_ref=tab-0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"is_downloading":false`)

	rec = serve(server, http.MethodGet, "/v1/sessions/status", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetSession(t *testing.T) {
	t.Parallel()

	svc := newFakeSessions()
	svc.sessions["s-2"] = crawler.Session{
		ID:             "s-2",
		Title:          "Serial",
		State:          crawler.StateAwaitingReady,
		Active:         true,
		CompletedCount: 2,
		TargetCount:    5,
		Fragments:      []crawler.Fragment{{Sequence: 1, Body: "secret body"}},
	}
	server := NewServer(svc, config.Config{}, zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/sessions/s-2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"state":"awaiting_ready"`)
	require.Contains(t, rec.Body.String(), `"completed_count":2`)
	require.NotContains(t, rec.Body.String(), "secret body")

	rec = serve(server, http.MethodGet, "/v1/sessions/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	svc := newFakeSessions()
	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "k"}}
	server := NewServer(svc, cfg, zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/sessions/status?origin_ref=x", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/status?origin_ref=x", nil)
	req.Header.Set("X-API-Key", "k")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	rec = serve(server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	healthy := NewServer(newFakeSessions(), config.Config{}, zap.NewNop(),
		WithReadyCheck("db", func(context.Context) error { return nil }))
	require.Equal(t, http.StatusOK, serve(healthy, http.MethodGet, "/readyz", "").Code)
	require.Equal(t, http.StatusOK, serve(healthy, http.MethodGet, "/metrics", "").Code)

	failing := NewServer(newFakeSessions(), config.Config{}, zap.NewNop(),
		WithReadyCheck("db", func(context.Context) error { return errors.New("down") }))
	rec := serve(failing, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "down")
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	svc := newFakeSessions()
	svc.panicOnStart = true
	server := NewServer(svc, config.Config{}, zap.NewNop())
	rec := serve(server, http.MethodPost, "/v1/sessions", `{"title":"x"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_EventsStream(t *testing.T) {
	t.Parallel()

	hub := notify.NewHub(notify.HubConfig{}, zap.NewNop())
	t.Cleanup(hub.Close)
	server := NewServer(newFakeSessions(), config.Config{}, zap.NewNop(),
		WithEvents(http.HandlerFunc(hub.ServeWS)))
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events?origin_ref=tab-7"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Notify(context.Background(), crawler.Completion{SessionID: "other", OriginRef: "tab-1"}))
	require.NoError(t, hub.Notify(context.Background(), crawler.Completion{
		SessionID:       "s-7",
		OriginRef:       "tab-7",
		Title:           "Serial",
		DestinationPath: "out/Serial.txt",
		Status:          crawler.OutcomeCompleted,
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt crawler.Completion
	require.NoError(t, conn.ReadJSON(&evt))
	require.Equal(t, "s-7", evt.SessionID)
	require.Equal(t, "out/Serial.txt", evt.DestinationPath)
}

func serve(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func requireErrorBody(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "error", body["status"])
	require.NotEmpty(t, body["message"])
}

type fakeSessions struct {
	mu           sync.Mutex
	sessions     map[string]crawler.Session
	started      []crawler.StartRequest
	stopped      []string
	startErr     error
	panicOnStart bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]crawler.Session{}}
}

func (f *fakeSessions) Start(_ context.Context, req crawler.StartRequest) (string, error) {
	if f.panicOnStart {
		panic("start exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, req)
	return fmt.Sprintf("session-%d", len(f.started)), nil
}

func (f *fakeSessions) Stop(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return crawler.ErrUnknownSession
	}
	s.Active = false
	f.sessions[id] = s
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeSessions) Status(origin string) crawler.StatusResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.sessions {
		if s.Active && s.OriginRef == origin {
			return crawler.StatusResult{IsDownloading: true, SessionID: id}
		}
	}
	return crawler.StatusResult{}
}

func (f *fakeSessions) Session(id string) (crawler.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return crawler.Session{}, crawler.ErrUnknownSession
	}
	return s, nil
}
