package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/biopulse/internal/config"
	"github.com/MrWong99/biopulse/internal/health"
	"github.com/MrWong99/biopulse/internal/history"
	"github.com/MrWong99/biopulse/internal/loop"
	"github.com/MrWong99/biopulse/internal/server"
	"github.com/MrWong99/biopulse/internal/stream"
	"github.com/MrWong99/biopulse/pkg/audio"
	"github.com/MrWong99/biopulse/pkg/audio/mock"
	"github.com/MrWong99/biopulse/pkg/biometric"
)

const session = "3f8f7c3e-8a43-4f1e-9a7e-0f3f2b0a9d11"

type fixture struct {
	srv   *server.Server
	http  *httptest.Server
	loop  *loop.FrameLoop
	sched *loop.ManualScheduler
	hub   *stream.Hub
	store *history.MemStore
	push  *audio.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sched: &loop.ManualScheduler{},
		hub:   stream.NewHub(),
		store: history.NewMemStore(100),
		push:  audio.NewBuffer(4, 8000),
	}
	f.loop = loop.New(&mock.Source{}, loop.WithScheduler(f.sched))
	t.Cleanup(f.loop.Stop)
	t.Cleanup(f.hub.Close)

	srv, err := server.New(config.ServerConfig{ListenAddr: "127.0.0.1:0"}, server.Deps{
		Health:  health.New(health.Checker{Name: "loop", Check: f.loop.Check}),
		Hub:     f.hub,
		Loop:    f.loop,
		Ingest:  stream.NewIngestHandler(f.push, nil),
		Store:   f.store,
		Session: func() string { return session },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.srv = srv
	f.http = httptest.NewServer(srv.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()
	_, err := server.New(config.ServerConfig{}, server.Deps{Store: history.NewMemStore(1)})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"health", "hub", "loop", "session"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q: %v", want, err)
		}
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if resp := f.do(t, "GET", "/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz = %d", resp.StatusCode)
	}
	if resp := f.do(t, "GET", "/readyz", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz with stopped loop = %d, want 503", resp.StatusCode)
	}
	f.loop.Start()
	if resp := f.do(t, "GET", "/readyz", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz with running loop = %d, want 200", resp.StatusCode)
	}
	resp := f.do(t, "GET", "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics = %d", resp.StatusCode)
	}
}

func TestServer_LoopControl(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	st := decode[loop.State](t, f.do(t, "POST", "/api/loop/start", nil))
	if !st.Running || st.Generation != 1 {
		t.Errorf("after start: %+v", st)
	}
	f.sched.Run(3)
	st = decode[loop.State](t, f.do(t, "GET", "/api/loop", nil))
	if st.Ticks != 3 {
		t.Errorf("ticks = %d, want 3", st.Ticks)
	}
	st = decode[loop.State](t, f.do(t, "POST", "/api/loop/stop", nil))
	if st.Running {
		t.Errorf("after stop: %+v", st)
	}
	if resp := f.do(t, "GET", "/api/loop/start", nil); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET start = %d, want 405", resp.StatusCode)
	}
}

func TestServer_History(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	for i := range 5 {
		_ = f.store.Append(ctx, session, biometric.BiometricSample{
			Vitals:      biometric.VitalEstimate{HeartRateBPM: 60 + i},
			Bands:       biometric.BandPowers{Alpha: 1},
			TimestampMs: int64(i),
		})
	}

	type recent struct {
		SessionID string                      `json:"session_id"`
		Samples   []biometric.BiometricSample `json:"samples"`
	}
	r := decode[recent](t, f.do(t, "GET", "/api/sessions/current/recent?n=2", nil))
	if r.SessionID != session || len(r.Samples) != 2 || r.Samples[1].TimestampMs != 4 {
		t.Errorf("recent = %+v", r)
	}

	sum := decode[history.Summary](t, f.do(t, "GET", "/api/sessions/"+session+"/summary", nil))
	if sum.Count != 5 || sum.AvgHeartRateBPM != 62 {
		t.Errorf("summary = %+v", sum)
	}

	type sessions struct {
		Current  string   `json:"current"`
		Sessions []string `json:"sessions"`
	}
	ss := decode[sessions](t, f.do(t, "GET", "/api/sessions", nil))
	if ss.Current != session || len(ss.Sessions) != 1 {
		t.Errorf("sessions = %+v", ss)
	}

	cur := decode[map[string]string](t, f.do(t, "GET", "/api/sessions/current", nil))
	if cur["session_id"] != session {
		t.Errorf("current = %v", cur)
	}
}

func TestServer_HistoryErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		method, path string
		body         any
		want         int
	}{
		{"GET", "/api/sessions/unknown/recent", nil, http.StatusNotFound},
		{"GET", "/api/sessions/unknown/summary", nil, http.StatusNotFound},
		{"GET", "/api/sessions/current/recent?n=0", nil, http.StatusBadRequest},
		{"GET", "/api/sessions/current/recent?n=abc", nil, http.StatusBadRequest},
		{"POST", "/api/nearest", map[string]any{"vector": []float32{1, 2}}, http.StatusBadRequest},
		{"POST", "/api/nearest", map[string]any{"k": 3}, http.StatusBadRequest},
		{"POST", "/api/nearest", map[string]any{"vector": make([]float32, 8), "k": 1000}, http.StatusBadRequest},
		{"POST", "/api/nearest", map[string]any{"bogus": true}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			if resp := f.do(t, tc.method, tc.path, tc.body); resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestServer_Nearest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	calm := biometric.BiometricSample{Bands: biometric.BandPowers{Alpha: 1}, TimestampMs: 1}
	tense := biometric.BiometricSample{Bands: biometric.BandPowers{Gamma: 1}, TimestampMs: 2}
	_ = f.store.Append(ctx, session, calm)
	_ = f.store.Append(ctx, session, tense)

	type nearest struct {
		Matches []history.Match `json:"matches"`
	}
	got := decode[nearest](t, f.do(t, "POST", "/api/nearest", map[string]any{"sample": tense, "k": 1}))
	if len(got.Matches) != 1 || got.Matches[0].Sample.TimestampMs != 2 {
		t.Errorf("matches = %+v", got.Matches)
	}
	got = decode[nearest](t, f.do(t, "POST", "/api/nearest", map[string]any{"vector": calm.FeatureVector()}))
	if len(got.Matches) != 2 || got.Matches[0].Sample.TimestampMs != 1 {
		t.Errorf("matches = %+v", got.Matches)
	}
}

func TestServer_NoStoreDisablesHistory(t *testing.T) {
	t.Parallel()
	l := loop.New(&mock.Source{}, loop.WithScheduler(&loop.ManualScheduler{}))
	srv, err := server.New(config.ServerConfig{}, server.Deps{
		Health: health.New(),
		Hub:    stream.NewHub(),
		Loop:   l,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, path := range []string{"/api/sessions", "/ws/ingest"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s = %d, want 404", path, rec.Code)
		}
	}
}

func TestServer_WebsocketRoutesThroughMiddleware(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.http.URL, "http")
	conn, _, err := websocket.Dial(ctx, url+"/ws/level", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	for f.hub.Clients(stream.StreamLevel) == 0 {
		if ctx.Err() != nil {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.hub.PublishLevel(0.25)
	var msg stream.LevelMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil || msg.Level != 0.25 {
		t.Errorf("level = %+v, %v", msg, err)
	}

	up, _, err := websocket.Dial(ctx, url+"/ws/ingest", nil)
	if err != nil {
		t.Fatalf("dial ingest: %v", err)
	}
	defer up.CloseNow()
	pcm := audio.FloatToPCM16([]float64{0.5, 0.5, 0.5, 0.5})
	if err := up.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		frame, err := f.push.ReadFrame()
		if err == nil {
			if frame.Len() != 4 {
				t.Errorf("frame len = %d, want 4", frame.Len())
			}
			break
		}
		if !errors.Is(err, audio.ErrNoFrame) || ctx.Err() != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_RunAndShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Run(ctx) }()

	select {
	case <-f.srv.Ready():
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("server never became ready")
	}

	resp, err := http.Get("http://" + f.srv.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestServer_RunListenError(t *testing.T) {
	t.Parallel()
	l := loop.New(&mock.Source{}, loop.WithScheduler(&loop.ManualScheduler{}))
	srv, _ := server.New(config.ServerConfig{ListenAddr: "256.0.0.1:bad"}, server.Deps{
		Health: health.New(), Hub: stream.NewHub(), Loop: l,
	})
	if err := srv.Run(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}
