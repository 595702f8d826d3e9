package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/seantiz/runengine/internal/engine"
	"github.com/seantiz/runengine/internal/lock"
	"github.com/seantiz/runengine/internal/queue"
	"github.com/seantiz/runengine/internal/schedule"
	"github.com/seantiz/runengine/internal/store"
	"github.com/seantiz/runengine/internal/waitpoint"
	"github.com/seantiz/runengine/internal/worker"
)

const testAdminToken = "secret"

type testServer struct {
	t   *testing.T
	srv *Server
	ts  *httptest.Server
	mr  *miniredis.Miniredis
	eng *engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	locker, err := lock.NewLocker([]redis.UniversalClient{client}, lock.Options{
		Prefix:             "test:lock:",
		RetryCount:         50,
		RetryDelay:         5 * time.Millisecond,
		ExtensionThreshold: 100 * time.Millisecond,
	}, logger)
	if err != nil {
		t.Fatalf("NewLocker: %v", err)
	}
	jobs := worker.New(client, worker.Options{Prefix: "test:"}, logger)
	eng, err := engine.New(engine.Options{
		Store:    st,
		Locker:   locker,
		Queue:    queue.New(client, "test:", logger),
		Jobs:     jobs,
		Callback: waitpoint.Options{CallbackMaxBytes: 1024, CallbackInlineBytes: 512},
	}, logger)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	schedules := schedule.New(st, eng, schedule.Options{}, logger)
	eng.SetScheduleRecoverer(schedules)

	srv := NewServer(":0", eng, schedules, testAdminToken, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{t: t, srv: srv, ts: ts, mr: mr, eng: eng}
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (s *testServer) do(method, path string, body any, out any) int {
	s.t.Helper()
	return s.doAuth(method, path, "", body, out)
}

// admin is do with the admin bearer token.
func (s *testServer) admin(method, path string, body any, out any) int {
	s.t.Helper()
	return s.doAuth(method, path, testAdminToken, body, out)
}

func (s *testServer) doAuth(method, path, token string, body any, out any) int {
	s.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, r)
	if err != nil {
		s.t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			s.t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestPanicRecovery(t *testing.T) {
	s := newTestServer(t)
	s.srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	resp, err := http.Get(s.ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	s := newTestServer(t)

	req, _ := http.NewRequest("OPTIONS", s.ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /healthz: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestAdminRequiresToken(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", testAdminToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body errorResponse
			got := s.doAuth("GET", "/admin/v1/concurrency/global", tt.token, nil, &body)
			if got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
			if tt.want == http.StatusUnauthorized && body.Code != CodeUnauthorized {
				t.Errorf("code = %q, want %q", body.Code, CodeUnauthorized)
			}
		})
	}
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	s := newTestServer(t)
	s.srv.adminToken = ""

	if got := s.doAuth("GET", "/admin/v1/concurrency/global", "", nil, nil); got != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", got)
	}
}
