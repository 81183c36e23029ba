package forwarder

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/funnyzak/swarmtap/internal/logger"
	"github.com/funnyzak/swarmtap/pkg/request"
)

func newRequestData(t *testing.T, method, target, body string) *request.RequestData {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	payload, err := request.ReadBody(req.Body, 0)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return request.NewRequestData(req, payload)
}

// unreachableHost returns a base URL that refuses connections.
func unreachableHost(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}
	return "http://" + addr
}

func TestForwardRelaysRequest(t *testing.T) {
	var gotPath, gotQuery, gotBody, gotAcceptEncoding, gotCustom string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAcceptEncoding = r.Header.Get("Accept-Encoding")
		gotCustom = r.Header.Get("Swarm-Postage-Batch-Id")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"reference":"abc"}`))
	}))
	defer upstream.Close()

	f := NewForwarder(logger.Nop(), Options{})
	defer f.Close()

	data := newRequestData(t, http.MethodPost, "/bytes?pin=true", "payload")
	data.Headers.Set("Accept-Encoding", "br")
	data.Headers.Set("Swarm-Postage-Batch-Id", "batch-1")

	resp := f.Forward(context.Background(), data, upstream.URL+"/")

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if string(resp.Body) != `{"reference":"abc"}` {
		t.Fatalf("unexpected body %q", resp.Body)
	}
	if resp.Headers.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %q", resp.Headers.Get("Content-Type"))
	}
	if gotPath != "/bytes" || gotQuery != "pin=true" {
		t.Fatalf("unexpected upstream target %s?%s", gotPath, gotQuery)
	}
	if gotBody != "payload" {
		t.Fatalf("unexpected upstream body %q", gotBody)
	}
	if gotAcceptEncoding == "br" {
		t.Fatal("client accept-encoding must not reach upstream")
	}
	if gotCustom != "batch-1" {
		t.Fatalf("expected custom header forwarded, got %q", gotCustom)
	}
	if resp.Failed() {
		t.Fatal("successful response must not be marked failed")
	}
}

func TestForwardHeaderBlacklist(t *testing.T) {
	var gotCookie string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
	}))
	defer upstream.Close()

	f := NewForwarder(logger.Nop(), Options{HeaderBlacklist: []string{"Cookie"}})
	defer f.Close()

	data := newRequestData(t, http.MethodGet, "/health", "")
	data.Headers.Set("Cookie", "session=1")
	f.Forward(context.Background(), data, upstream.URL)

	if gotCookie != "" {
		t.Fatalf("blacklisted header forwarded: %q", gotCookie)
	}
}

func TestForwardUnreachableUpstream(t *testing.T) {
	var hooked *request.ResponseData
	f := NewForwarder(logger.Nop(), Options{
		OnExchange: func(_ *request.RequestData, resp *request.ResponseData) { hooked = resp },
	})
	defer f.Close()

	data := newRequestData(t, http.MethodPost, "/unknown-resource", "x")
	resp := f.Forward(context.Background(), data, unreachableHost(t))

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if !resp.Failed() {
		t.Fatal("expected synthesized failure")
	}
	if !strings.Contains(string(resp.Body), "connection refused") {
		t.Fatalf("expected error message in body, got %q", resp.Body)
	}
	if hooked != resp {
		t.Fatal("exchange hook should see the synthesized response")
	}
}

func TestForwardDoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer upstream.Close()

	f := NewForwarder(logger.Nop(), Options{})
	defer f.Close()

	resp := f.Forward(context.Background(), newRequestData(t, http.MethodGet, "/bzz/abc", ""), upstream.URL)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302 relayed, got %d", resp.StatusCode)
	}
	if resp.Headers.Get("Location") != "/elsewhere" {
		t.Fatalf("unexpected location %q", resp.Headers.Get("Location"))
	}
}

func TestForwardSingleAttempt(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	f := NewForwarder(logger.Nop(), Options{})
	defer f.Close()

	resp := f.Forward(context.Background(), newRequestData(t, http.MethodGet, "/chunks/x", ""), upstream.URL)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected upstream status relayed, got %d", resp.StatusCode)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", calls)
	}
}

func TestForwardTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	f := NewForwarder(logger.Nop(), Options{Timeout: 50 * time.Millisecond})
	defer f.Close()

	resp := f.Forward(context.Background(), newRequestData(t, http.MethodGet, "/slow", ""), upstream.URL)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 on timeout, got %d", resp.StatusCode)
	}
}

func TestForwardConcurrentNoCrossTalk(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_, _ = fmt.Fprintf(w, "%s|%s", r.URL.Path, b)
	}))
	defer upstream.Close()

	f := NewForwarder(logger.Nop(), Options{})
	defer f.Close()

	var wg sync.WaitGroup
	errs := make(chan string, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/bytes/%d", i)
			body := fmt.Sprintf("body-%d", i)
			resp := f.Forward(context.Background(), newRequestData(t, http.MethodPost, path, body), upstream.URL)
			if want := path + "|" + body; string(resp.Body) != want {
				errs <- fmt.Sprintf("want %q got %q", want, resp.Body)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Error(msg)
	}
}

func TestForwardAfterClose(t *testing.T) {
	f := NewForwarder(logger.Nop(), Options{})
	f.Close()

	resp := f.Forward(context.Background(), newRequestData(t, http.MethodGet, "/", ""), "http://127.0.0.1:1")
	if resp.StatusCode != http.StatusInternalServerError || string(resp.Body) != ErrForwarderClosed.Error() {
		t.Fatalf("unexpected response after close: %d %q", resp.StatusCode, resp.Body)
	}
}

func TestForwardAppendsForwardedFor(t *testing.T) {
	got := make(chan string, 2)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("X-Forwarded-For")
	}))
	defer upstream.Close()

	f := NewForwarder(logger.Nop(), Options{})
	defer f.Close()

	// httptest.NewRequest connects from 192.0.2.1.
	data := newRequestData(t, http.MethodGet, "/bzz/abc", "")
	f.Forward(context.Background(), data, upstream.URL)
	if xff := <-got; xff != "192.0.2.1" {
		t.Fatalf("expected peer address only, got %q", xff)
	}

	data = newRequestData(t, http.MethodGet, "/bzz/abc", "")
	data.Headers.Set("X-Forwarded-For", "203.0.113.7, 198.51.100.2")
	f.Forward(context.Background(), data, upstream.URL)
	if xff := <-got; xff != "203.0.113.7, 198.51.100.2, 192.0.2.1" {
		t.Fatalf("expected chain to be extended, got %q", xff)
	}
}
