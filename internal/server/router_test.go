package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/hostagent/internal/metrics"
)

type fakeOps struct {
	mu         sync.Mutex
	statuses   map[int]string
	started    map[int]bool
	stopped    []int
	terminated int
	lastRelay  string
}

func newFakeOps() *fakeOps {
	return &fakeOps{statuses: map[int]string{}, started: map[int]bool{}}
}

func (f *fakeOps) Resolve(_ context.Context, domain string) string {
	if domain == "bad.invalid" {
		return "Error resolving domain: no such host"
	}
	return "10.0.0.7"
}

func (f *fakeOps) Relay(_ context.Context, ip string, port int, uri string) string {
	f.mu.Lock()
	f.lastRelay = ip + "|" + uri
	f.mu.Unlock()
	if ip == "10.0.0.1" {
		return "Error performing HTTP GET request: connection refused"
	}
	return "body"
}

func (f *fakeOps) ListenerStatus(_ context.Context, port int) *string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[port]
	if !ok {
		return nil
	}
	return &s
}

func (f *fakeOps) StartListener(_ context.Context, port int) *string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started[port] {
		return nil
	}
	f.started[port] = true
	f.statuses[port] = "running"
	id := "id-1"
	return &id
}

func (f *fakeOps) StopListener(_ context.Context, port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, port)
	if f.started[port] {
		delete(f.started, port)
		f.statuses[port] = "stopped"
	}
}

func (f *fakeOps) Terminate() int {
	f.mu.Lock()
	f.terminated++
	f.mu.Unlock()
	return 0
}

func setupRouter(t *testing.T, opts RouterOptions) (http.Handler, *fakeOps) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ops := newFakeOps()
	return NewRouter(ops, opts).Handler(), ops
}

func doReq(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestDNSQueryMissingDomain(t *testing.T) {
	h, _ := setupRouter(t, RouterOptions{})
	rec := doReq(t, h, "/dns-query")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"Missing 'domain' parameter"}` {
		t.Fatalf("unexpected body %s", got)
	}
}

func TestDNSQuery(t *testing.T) {
	h, _ := setupRouter(t, RouterOptions{})
	rec := doReq(t, h, "/dns-query?domain=example.com")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	m := decode(t, rec)
	if m["domain"] != "example.com" || m["ip"] != "10.0.0.7" {
		t.Fatalf("unexpected body %v", m)
	}

	rec = doReq(t, h, "/dns-query?domain=bad.invalid")
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve failure must be 200, got %d", rec.Code)
	}
	if ip, _ := decode(t, rec)["ip"].(string); !strings.HasPrefix(ip, "Error resolving domain: ") {
		t.Fatalf("unexpected ip field %q", ip)
	}
}

func TestHTTPGetValidation(t *testing.T) {
	h, _ := setupRouter(t, RouterOptions{})
	cases := []struct {
		path string
		want string
	}{
		{"/http-get", `{"error":"Missing 'ip' or 'port' parameter"}`},
		{"/http-get?ip=10.0.0.1", `{"error":"Missing 'ip' or 'port' parameter"}`},
		{"/http-get?port=80", `{"error":"Missing 'ip' or 'port' parameter"}`},
		{"/http-get?ip=10.0.0.1&port=abc", `{"error":"Invalid 'port' value, must be an integer"}`},
	}
	for _, tc := range cases {
		rec := doReq(t, h, tc.path)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.path, rec.Code)
		}
		if got := strings.TrimSpace(rec.Body.String()); got != tc.want {
			t.Fatalf("%s: unexpected body %s", tc.path, got)
		}
	}
}

func TestHTTPGetRelay(t *testing.T) {
	h, ops := setupRouter(t, RouterOptions{})
	rec := doReq(t, h, "/http-get?ip=192.0.2.10&port=8081")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	m := decode(t, rec)
	if m["url"] != "http://192.0.2.10:8081/" || m["response"] != "body" {
		t.Fatalf("unexpected body %v", m)
	}
	if ops.lastRelay != "192.0.2.10|/" {
		t.Fatalf("uri default not applied: %q", ops.lastRelay)
	}

	rec = doReq(t, h, "/http-get?ip=10.0.0.1&port=80&uri=/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("relay failure must be 200, got %d", rec.Code)
	}
	m = decode(t, rec)
	if m["url"] != "http://10.0.0.1:80/health" {
		t.Fatalf("unexpected url %v", m["url"])
	}
	if resp, _ := m["response"].(string); !strings.HasPrefix(resp, "Error performing HTTP GET request: ") {
		t.Fatalf("unexpected response %q", resp)
	}
}

func TestServerStatusNull(t *testing.T) {
	h, _ := setupRouter(t, RouterOptions{})
	for _, p := range []string{"/server-status", "/server-status?port=abc", "/server-status?port=9999"} {
		rec := doReq(t, h, p)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", p, rec.Code)
		}
		if got := strings.TrimSpace(rec.Body.String()); got != `{"status":null}` {
			t.Fatalf("%s: unexpected body %s", p, got)
		}
	}
}

func TestStartStatusStop(t *testing.T) {
	h, ops := setupRouter(t, RouterOptions{BasePath: "/agent/"})
	rec := doReq(t, h, "/agent/start-http-server?port=9001")
	if m := decode(t, rec); m["unique_id"] != "id-1" {
		t.Fatalf("unexpected start body %v", m)
	}
	// second start yields null
	rec = doReq(t, h, "/agent/start-http-server?port=9001")
	if got := strings.TrimSpace(rec.Body.String()); got != `{"unique_id":null}` {
		t.Fatalf("unexpected body %s", got)
	}
	if m := decode(t, doReq(t, h, "/agent/server-status?port=9001")); m["status"] != "running" {
		t.Fatalf("unexpected status %v", m)
	}
	if m := decode(t, doReq(t, h, "/agent/stop-http-server?port=9001")); m["status"] != "stopped" {
		t.Fatalf("unexpected stop body %v", m)
	}
	if len(ops.stopped) != 1 || ops.stopped[0] != 9001 {
		t.Fatalf("stop not forwarded: %v", ops.stopped)
	}
}

func TestStartInvalidPort(t *testing.T) {
	h, ops := setupRouter(t, RouterOptions{})
	rec := doReq(t, h, "/start-http-server?port=x")
	if got := strings.TrimSpace(rec.Body.String()); got != `{"unique_id":null}` {
		t.Fatalf("unexpected body %s", got)
	}
	if len(ops.started) != 0 {
		t.Fatal("start must not be called for a non-integer port")
	}
}

func TestStopUnknownPort(t *testing.T) {
	h, _ := setupRouter(t, RouterOptions{})
	rec := doReq(t, h, "/stop-http-server?port=1234")
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":null}` {
		t.Fatalf("unexpected body %s", got)
	}
}

func TestStopServingListenerRepliesFirst(t *testing.T) {
	h, ops := setupRouter(t, RouterOptions{})
	_ = ops.StartListener(context.Background(), 9100)

	req := httptest.NewRequest(http.MethodGet, "/stop-http-server?port=9100", nil)
	local := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9100}
	req = req.WithContext(context.WithValue(req.Context(), http.LocalAddrContextKey, local))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get(headerStopDeferred) != "true" {
		t.Fatalf("expected deferred stop header, got %v", rec.Header())
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"running"}` {
		t.Fatalf("unexpected body %s", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ops.mu.Lock()
		n := len(ops.stopped)
		ops.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stop was never issued after the reply")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopOtherListenerIsSynchronous(t *testing.T) {
	h, ops := setupRouter(t, RouterOptions{})
	_ = ops.StartListener(context.Background(), 9101)

	req := httptest.NewRequest(http.MethodGet, "/stop-http-server?port=9101", nil)
	local := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
	req = req.WithContext(context.WithValue(req.Context(), http.LocalAddrContextKey, local))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get(headerStopDeferred) != "" {
		t.Fatal("stop of another listener must not be deferred")
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"stopped"}` {
		t.Fatalf("unexpected body %s", got)
	}
}

func TestKillAgent(t *testing.T) {
	h, ops := setupRouter(t, RouterOptions{})
	for i := 0; i < 2; i++ {
		rec := doReq(t, h, "/kill-agent")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if got := strings.TrimSpace(rec.Body.String()); got != `{"status_kill":0}` {
			t.Fatalf("unexpected body %s", got)
		}
	}
	if ops.terminated != 2 {
		t.Fatalf("terminate calls = %d", ops.terminated)
	}
}

func TestMetricsRoute(t *testing.T) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("register: %v", err)
	}
	h, _ := setupRouter(t, RouterOptions{Metrics: true})
	rec := doReq(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "hostagent_listener_running") {
		t.Fatalf("metrics body missing collectors")
	}

	h, _ = setupRouter(t, RouterOptions{})
	if rec := doReq(t, h, "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics must be off by default, got %d", rec.Code)
	}
}

func TestNewServerTimeouts(t *testing.T) {
	s := NewServer(":0", http.NotFoundHandler())
	if s.ReadHeaderTimeout == 0 || s.IdleTimeout == 0 {
		t.Fatalf("timeouts not set: %+v", s)
	}
}
