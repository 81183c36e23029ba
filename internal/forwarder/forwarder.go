package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/funnyzak/swarmtap/internal/logger"
	"github.com/funnyzak/swarmtap/pkg/request"
)

// ExchangeHook is notified once per forwarded request with the response the
// browser will receive, including synthesized error responses.
type ExchangeHook func(data *request.RequestData, resp *request.ResponseData)

// Forwarder relays buffered requests to an upstream host
type Forwarder struct {
	client      *http.Client
	logger      logger.Logger
	skipHeaders map[string]bool
	onExchange  ExchangeHook
	mu          sync.Mutex
	cond        *sync.Cond
	closed      bool
	activeCalls int
}

// Options forwarder configuration
type Options struct {
	// Timeout bounds a whole upstream exchange; 0 means no limit.
	Timeout               time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	TLSInsecureSkipVerify bool
	// HeaderBlacklist lists extra lower-case request headers to drop.
	HeaderBlacklist []string
	OnExchange      ExchangeHook
}

// ErrForwarderClosed indicates the forwarder has been shut down.
var ErrForwarderClosed = errors.New("forwarder is closed")

// hopHeaders are never relayed upstream. accept-encoding is dropped so the
// transport negotiates gzip itself and hands back a decoded body.
var hopHeaders = []string{
	"connection",
	"keep-alive",
	"proxy-authenticate",
	"proxy-authorization",
	"proxy-connection",
	"te",
	"trailer",
	"transfer-encoding",
	"upgrade",
	"content-length",
	"accept-encoding",
}

// NewForwarder creates new forwarder
func NewForwarder(logger logger.Logger, opts Options) *Forwarder {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        positiveOrDefault(opts.MaxIdleConns, 200),
		MaxIdleConnsPerHost: positiveOrDefault(opts.MaxIdleConnsPerHost, 50),
		IdleConnTimeout:     durationOrDefault(opts.IdleConnTimeout, 90*time.Second),
		TLSHandshakeTimeout: durationOrDefault(opts.TLSHandshakeTimeout, 10*time.Second),
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.TLSInsecureSkipVerify,
		},
	}

	skip := make(map[string]bool, len(hopHeaders)+len(opts.HeaderBlacklist))
	for _, h := range hopHeaders {
		skip[h] = true
	}
	for _, h := range opts.HeaderBlacklist {
		skip[strings.ToLower(h)] = true
	}

	f := &Forwarder{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
			// Redirects are relayed to the browser, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:      logger,
		skipHeaders: skip,
		onExchange:  opts.OnExchange,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Transport exposes the tuned transport so named upstream proxies share the
// same connection pool.
func (f *Forwarder) Transport() http.RoundTripper {
	return f.client.Transport
}

// Forward sends data to host and returns the upstream response.
//
// It never fails: transport errors come back as a synthesized 500 response
// whose body is the error message. Exactly one upstream call is made.
func (f *Forwarder) Forward(ctx context.Context, data *request.RequestData, host string) *request.ResponseData {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return request.NewErrorResponse(ErrForwarderClosed)
	}
	f.activeCalls++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.activeCalls--
		if f.activeCalls == 0 {
			f.cond.Broadcast()
		}
		f.mu.Unlock()
	}()

	targetURL := strings.TrimSuffix(host, "/") + data.URI()
	start := time.Now()

	resp, err := f.doForward(ctx, data, targetURL)
	if err != nil {
		f.logger.Warn("Upstream request failed",
			"url", targetURL,
			"method", data.Method,
			"request_id", data.ID,
			"error", err,
		)
		resp = request.NewErrorResponse(err)
	}
	resp.Duration = time.Since(start)

	f.logger.Debug("Request forwarded",
		"url", targetURL,
		"method", data.Method,
		"status", resp.StatusCode,
		"duration", resp.Duration,
		"request_id", data.ID,
	)

	if f.onExchange != nil {
		f.onExchange(data, resp)
	}
	return resp
}

// doForward executes single upstream call
func (f *Forwarder) doForward(ctx context.Context, data *request.RequestData, targetURL string) (*request.ResponseData, error) {
	var body io.Reader = http.NoBody
	if request.HasBody(data.Body) {
		body = bytes.NewReader(data.Body)
	}

	req, err := http.NewRequestWithContext(ctx, data.Method, targetURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}

	for key, values := range data.Headers {
		if !f.shouldForwardHeader(key) {
			continue
		}
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if data.PeerAddr != "" {
		// Extend the incoming chain, as httputil.ProxyRequest.SetXForwarded does.
		chain := data.PeerAddr
		if prior := data.Headers.Values("X-Forwarded-For"); len(prior) > 0 && !f.skipHeaders["x-forwarded-for"] {
			chain = strings.Join(prior, ", ") + ", " + chain
		}
		req.Header.Set("X-Forwarded-For", chain)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Warn("Failed to close response body", "error", cerr)
		}
	}()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	return &request.ResponseData{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       payload,
	}, nil
}

// shouldForwardHeader determines if specified header should be forwarded
func (f *Forwarder) shouldForwardHeader(key string) bool {
	lowerKey := strings.ToLower(key)
	if f.skipHeaders[lowerKey] {
		return false
	}
	if lowerKey == "authorization" || lowerKey == "cookie" {
		f.logger.Debug("Forwarding sensitive header", "header", key)
	}
	return true
}

// Close waits for in-flight calls and releases idle connections
func (f *Forwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for f.activeCalls > 0 {
		f.cond.Wait()
	}
	f.mu.Unlock()

	if transport, ok := f.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

func positiveOrDefault(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}

func durationOrDefault(value, def time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return def
}
