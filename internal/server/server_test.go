package server

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/funnyzak/swarmtap/internal/config"
	"github.com/funnyzak/swarmtap/internal/seed"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Fatal(string, ...interface{}) {}

// upstream is a fake node that answers with its own name and counts hits.
type upstream struct {
	*httptest.Server
	hits int32
}

func newUpstream(t *testing.T, name string) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&u.hits, 1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		fmt.Fprintf(w, "%s:%s %s|%s", name, r.Method, r.URL.RequestURI(), body)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) count() int {
	return int(atomic.LoadInt32(&u.hits))
}

func closedURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return "http://" + addr
}

func baseConfig(t *testing.T, gateway string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server: config.ServerConfig{Port: 3500},
		Upstream: config.UpstreamConfig{
			GatewayURL:       gateway,
			DebugPattern:     config.DefaultDebugPattern,
			ValidatorPattern: config.DefaultValidatorPattern,
		},
		CORS: config.CORSConfig{DefaultOrigin: config.DefaultAllowedOrigin},
		Seed: config.SeedConfig{Driver: "file", Dir: filepath.Join(dir, "seed"), Format: "json"},
		Web:  config.WebConfig{Enable: true, AdminPath: "/_swarmtap", Formats: []string{"json"}, MaxExchanges: 50},
		Output: config.OutputConfig{
			Silence: true,
		},
		Log: config.LogConfig{Level: "info"},
	}
}

func startProxy(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(cfg, noopLogger{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts
}

func do(t *testing.T, method, target string, body io.Reader, headers map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, target, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(payload)
}

func TestDebugRouteWithCORS(t *testing.T) {
	gateway := newUpstream(t, "gateway")
	debug := newUpstream(t, "debug")
	cfg := baseConfig(t, gateway.URL)
	cfg.Upstream.DebugEnable = true
	cfg.Upstream.DebugURL = debug.URL
	_, proxy := startProxy(t, cfg)

	resp, body := do(t, http.MethodGet, proxy.URL+"/stamps/abc123", nil, map[string]string{
		"Referer": "https://app.local/",
	})

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != "debug:GET /stamps/abc123|" {
		t.Fatalf("expected debug upstream to answer, got %q", body)
	}
	if gateway.count() != 0 {
		t.Fatal("gateway must not be contacted for debug paths")
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.local" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
	if resp.Header.Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("expected allow-credentials")
	}
	if resp.Header.Get("Access-Control-Allow-Methods") != "*" || resp.Header.Get("Access-Control-Allow-Headers") != "*" {
		t.Fatal("expected wildcard allow-methods and allow-headers")
	}
}

func TestDefaultRouteForwardsToGateway(t *testing.T) {
	gateway := newUpstream(t, "gateway")
	debug := newUpstream(t, "debug")
	cfg := baseConfig(t, gateway.URL)
	cfg.Upstream.DebugEnable = true
	cfg.Upstream.DebugURL = debug.URL
	_, proxy := startProxy(t, cfg)

	resp, body := do(t, http.MethodPost, proxy.URL+"/bytes?pin=true", strings.NewReader("payload"), map[string]string{
		"Access-Control-Request-Headers": "swarm-postage-batch-id",
		"Access-Control-Request-Method":  "POST",
	})
	if body != "gateway:POST /bytes?pin=true|payload" {
		t.Fatalf("unexpected body %q", body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "https://localhost:3000" {
		t.Fatalf("expected default origin, got %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
	if resp.Header.Get("Access-Control-Allow-Headers") != "swarm-postage-batch-id" {
		t.Fatalf("expected echoed request headers, got %q", resp.Header.Get("Access-Control-Allow-Headers"))
	}
	if resp.Header.Get("Access-Control-Allow-Methods") != "POST" {
		t.Fatalf("expected echoed request method, got %q", resp.Header.Get("Access-Control-Allow-Methods"))
	}
	if debug.count() != 0 {
		t.Fatal("debug upstream must not see gateway traffic")
	}
}

func TestValidatorCatchAll(t *testing.T) {
	gateway := newUpstream(t, "gateway")
	validator := newUpstream(t, "validator")
	cfg := baseConfig(t, gateway.URL)
	cfg.Upstream.ValidatorEnable = true
	cfg.Upstream.ValidatorURL = validator.URL
	_, proxy := startProxy(t, cfg)

	tests := []struct {
		path string
		want string
	}{
		{"/health", "validator"},
		{"/readiness", "validator"},
		{"/bytes/abc", "gateway"},
		{"/bzz/abc/index.html", "gateway"},
		{"/stamps", "gateway"},
	}
	for _, tt := range tests {
		_, body := do(t, http.MethodGet, proxy.URL+tt.path, nil, nil)
		if !strings.HasPrefix(body, tt.want+":") {
			t.Errorf("%s: expected %s upstream, got %q", tt.path, tt.want, body)
		}
	}
}

func TestUnreachableGatewayRecordsSeed(t *testing.T) {
	cfg := baseConfig(t, closedURL(t))
	cfg.Seed.Enable = true
	srv, proxy := startProxy(t, cfg)

	resp, body := do(t, http.MethodPost, proxy.URL+"/unknown-resource", strings.NewReader("x"), nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "connection refused") {
		t.Fatalf("expected error message in body, got %q", body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("error responses must carry CORS headers")
	}

	// Drain pending writes, then inspect the fixture store.
	if err := srv.seeds.Close(); err != nil {
		t.Fatalf("close seeds: %v", err)
	}
	store, err := seed.New(&cfg.Seed, noopLogger{})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	rec, err := store.Get(context.Background(), "POST /unknown-resource")
	if err != nil {
		t.Fatalf("expected a seed for the failed exchange: %v", err)
	}
	if rec.Response.StatusCode != http.StatusInternalServerError || rec.Response.Error == "" {
		t.Fatalf("unexpected seed %+v", rec.Response)
	}
}

func TestUnreachableDebugUpstream(t *testing.T) {
	gateway := newUpstream(t, "gateway")
	cfg := baseConfig(t, gateway.URL)
	cfg.Upstream.DebugEnable = true
	cfg.Upstream.DebugURL = closedURL(t)
	_, proxy := startProxy(t, cfg)

	resp, body := do(t, http.MethodGet, proxy.URL+"/balances", nil, map[string]string{"Referer": "http://ui.local/"})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "connection refused") {
		t.Fatalf("expected error message, got %q", body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "http://ui.local" {
		t.Fatalf("unexpected allow-origin %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
}

func TestReplayServesSeedWithoutUpstream(t *testing.T) {
	gateway := newUpstream(t, "gateway")
	cfg := baseConfig(t, gateway.URL)
	cfg.Seed.Enable = true

	srv, proxy := startProxy(t, cfg)
	_, recorded := do(t, http.MethodGet, proxy.URL+"/bzz/abc", nil, nil)
	if err := srv.seeds.Close(); err != nil {
		t.Fatalf("close seeds: %v", err)
	}

	cfg.Seed.Enable = false
	cfg.Seed.Replay = true
	_, replayProxy := startProxy(t, cfg)

	before := gateway.count()
	resp, body := do(t, http.MethodGet, replayProxy.URL+"/bzz/abc", nil, nil)
	if resp.StatusCode != http.StatusOK || body != recorded {
		t.Fatalf("expected replayed %q, got %d %q", recorded, resp.StatusCode, body)
	}
	if gateway.count() != before {
		t.Fatal("replay must not contact the gateway")
	}

	// Unknown keys still go upstream.
	if _, body := do(t, http.MethodGet, replayProxy.URL+"/bzz/other", nil, nil); !strings.HasPrefix(body, "gateway:") {
		t.Fatalf("expected miss to be forwarded, got %q", body)
	}
}

func TestGzipUpstreamIsDecoded(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			io.WriteString(w, "plain")
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		io.WriteString(gz, "compressed payload")
		gz.Close()
	}))
	defer gateway.Close()

	_, proxy := startProxy(t, baseConfig(t, gateway.URL))
	resp, body := do(t, http.MethodGet, proxy.URL+"/chunks/x", nil, map[string]string{"Accept-Encoding": "gzip"})

	if resp.Header.Get("Content-Encoding") != "" {
		t.Fatalf("content-encoding must be stripped, got %q", resp.Header.Get("Content-Encoding"))
	}
	if body != "compressed payload" {
		t.Fatalf("expected decoded body, got %q", body)
	}
}

func TestBodyTooLarge(t *testing.T) {
	gateway := newUpstream(t, "gateway")
	cfg := baseConfig(t, gateway.URL)
	cfg.Server.MaxBodyBytes = 4
	_, proxy := startProxy(t, cfg)

	resp, _ := do(t, http.MethodPost, proxy.URL+"/bytes", strings.NewReader("0123456789"), nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	if gateway.count() != 0 {
		t.Fatal("oversized request must not be forwarded")
	}
}

func TestConcurrentRequestsDoNotCrossTalk(t *testing.T) {
	gateway := newUpstream(t, "gateway")
	_, proxy := startProxy(t, baseConfig(t, gateway.URL))

	var wg sync.WaitGroup
	errs := make(chan string, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := fmt.Sprintf("body-%d", i)
			req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/bytes/%d", proxy.URL, i), strings.NewReader(payload))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				errs <- err.Error()
				return
			}
			defer resp.Body.Close()
			got, _ := io.ReadAll(resp.Body)
			if want := fmt.Sprintf("gateway:POST /bytes/%d|%s", i, payload); string(got) != want {
				errs <- fmt.Sprintf("want %q got %q", want, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Error(msg)
	}
}

func TestAdminAndMetricsRoutesAreNotProxied(t *testing.T) {
	gateway := newUpstream(t, "gateway")
	cfg := baseConfig(t, gateway.URL)
	cfg.Metrics = config.MetricsConfig{Enable: true, Path: "/_swarmtap/metrics"}
	_, proxy := startProxy(t, cfg)

	do(t, http.MethodGet, proxy.URL+"/tags", nil, nil)

	// The exchange is observed after the response is flushed to the client.
	eventually(t, func() bool {
		_, body := do(t, http.MethodGet, proxy.URL+"/_swarmtap/metrics", nil, nil)
		return strings.Contains(body, `swarmtap_requests_total{method="GET",route="default",status_code="200"} 1`)
	})
	eventually(t, func() bool {
		resp, body := do(t, http.MethodGet, proxy.URL+"/_swarmtap/exchanges", nil, nil)
		return resp.StatusCode == http.StatusOK && strings.Contains(body, `"/tags"`)
	})
	if gateway.count() != 1 {
		t.Fatalf("admin routes must not reach the gateway, got %d hits", gateway.count())
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServeShutsDownOnContextCancel(t *testing.T) {
	gateway := newUpstream(t, "gateway")
	srv, err := New(baseConfig(t, gateway.URL), noopLogger{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + ln.Addr().String() + "/_swarmtap/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became ready: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
