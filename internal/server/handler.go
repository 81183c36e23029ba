package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/funnyzak/swarmtap/internal/cors"
	"github.com/funnyzak/swarmtap/internal/forwarder"
	"github.com/funnyzak/swarmtap/internal/logger"
	"github.com/funnyzak/swarmtap/internal/metrics"
	"github.com/funnyzak/swarmtap/internal/printer"
	"github.com/funnyzak/swarmtap/internal/router"
	"github.com/funnyzak/swarmtap/internal/seed"
	"github.com/funnyzak/swarmtap/pkg/request"
)

// ExchangeRecorder receives every completed exchange, whatever the route.
type ExchangeRecorder interface {
	Record(route string, data *request.RequestData, resp *request.ResponseData)
}

// HandlerConfig holds the per-request settings of the proxy.
type HandlerConfig struct {
	GatewayURL    string
	MaxBodyBytes  int64
	DefaultOrigin string
}

// Handler routes each request to a named upstream or the default forwarder
type Handler struct {
	config    *HandlerConfig
	router    *router.Router
	forwarder *forwarder.Forwarder
	named     map[router.Route]http.Handler
	seeds     *seed.Service
	printer   printer.Printer
	recorder  ExchangeRecorder
	metrics   *metrics.Metrics
	logger    logger.Logger

	reports sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// hopHeaders are dropped when relaying a buffered response.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Trailer",
}

// NewHandler creates a new request handler
func NewHandler(
	cfg *HandlerConfig,
	rt *router.Router,
	fwd *forwarder.Forwarder,
	seeds *seed.Service,
	pr printer.Printer,
	recorder ExchangeRecorder,
	m *metrics.Metrics,
	log logger.Logger,
) *Handler {
	return &Handler{
		config:    cfg,
		router:    rt,
		forwarder: fwd,
		named:     make(map[router.Route]http.Handler),
		seeds:     seeds,
		printer:   pr,
		recorder:  recorder,
		metrics:   m,
		logger:    log,
	}
}

// Mount attaches a reverse proxy for a named route.
func (h *Handler) Mount(route router.Route, target *url.URL, transport http.RoundTripper) {
	h.named[route] = h.newNamedProxy(target, transport)
}

// ServeHTTP implements the http.Handler interface
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer h.metrics.TrackInFlight()()

	body, err := request.ReadBody(r.Body, h.config.MaxBodyBytes)
	if err != nil {
		h.handleBodyReadError(w, r, err)
		return
	}

	data := request.NewRequestData(r, body)
	route := h.router.Classify(data.Path)

	var resp *request.ResponseData
	if proxy, ok := h.named[route]; ok {
		// The body was buffered above; hand the proxy a fresh reader.
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		resp = h.serveNamed(w, r, proxy)
	} else {
		route = router.RouteDefault
		resp = h.serveDefault(r.Context(), w, data)
	}

	h.report(route, data, resp)
}

// report runs observe in the background so printing, metrics and the admin
// feed never delay the response.
func (h *Handler) report(route router.Route, data *request.RequestData, resp *request.ResponseData) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.reports.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.reports.Done()
		h.observe(route, data, resp)
	}()
}

// Close waits for pending reports. Exchanges finishing afterwards are not
// reported.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.reports.Wait()
}

// serveDefault forwards to the gateway, or answers from seeds in replay mode.
func (h *Handler) serveDefault(ctx context.Context, w http.ResponseWriter, data *request.RequestData) *request.ResponseData {
	resp, replayed := h.seeds.Lookup(ctx, data)
	if replayed {
		h.metrics.ObserveReplay()
		h.logger.Debug("Serving seed", "method", data.Method, "path", data.Path)
	} else {
		resp = h.forwarder.Forward(ctx, data, h.config.GatewayURL)
	}

	header := w.Header()
	for key, values := range resp.Headers {
		header[key] = append([]string(nil), values...)
	}
	for _, key := range hopHeaders {
		header.Del(key)
	}
	cors.Rewrite(data.Headers, header, h.config.DefaultOrigin)

	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		if _, err := w.Write(resp.Body); err != nil {
			h.logger.Debug("Client went away while writing response", "error", err, "request_id", data.ID)
		}
	}
	return resp
}

// serveNamed streams the exchange through proxy and reports what was sent.
func (h *Handler) serveNamed(w http.ResponseWriter, r *http.Request, proxy http.Handler) *request.ResponseData {
	start := time.Now()
	cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
	proxy.ServeHTTP(cw, r)

	resp := &request.ResponseData{
		StatusCode: cw.status,
		Headers:    w.Header().Clone(),
		Duration:   time.Since(start),
	}
	if cw.err != nil {
		resp.Error = cw.err.Error()
		resp.Body = []byte(resp.Error)
	}
	return resp
}

// newNamedProxy builds the reverse proxy of a named upstream. Responses and
// transport errors both leave with the CORS headers applied.
func (h *Handler) newNamedProxy(target *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			// Let the transport negotiate compression and decode it.
			pr.Out.Header.Del("Accept-Encoding")
		},
		Transport: transport,
		ModifyResponse: func(resp *http.Response) error {
			cors.Rewrite(resp.Request.Header, resp.Header, h.config.DefaultOrigin)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.logger.Warn("Upstream request failed", "upstream", target.String(), "path", r.URL.Path, "error", err)
			if cw, ok := w.(*captureWriter); ok {
				cw.err = err
			}
			writeError(w, r.Header, h.config.DefaultOrigin, http.StatusInternalServerError, err.Error())
		},
	}
}

// observe reports a finished exchange to metrics, the printer, the admin feed and the log.
func (h *Handler) observe(route router.Route, data *request.RequestData, resp *request.ResponseData) {
	h.metrics.ObserveRequest(string(route), data.Method, resp.StatusCode, resp.Duration, resp.Failed())

	if h.printer != nil {
		if err := h.printer.PrintExchange(string(route), data, resp); err != nil {
			h.logger.Error("Failed to print exchange", "error", err, "request_id", data.ID)
		}
	}
	if h.recorder != nil {
		h.recorder.Record(string(route), data, resp)
	}

	h.logger.Debug("Request proxied",
		"request_id", data.ID,
		"route", string(route),
		"method", data.Method,
		"path", data.Path,
		"status", resp.StatusCode,
		"duration", resp.Duration,
		"replayed", resp.Replayed,
	)
}

func (h *Handler) handleBodyReadError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, request.ErrBodyTooLarge):
		h.logger.Warn("Request body exceeds configured limit",
			"limit_bytes", h.config.MaxBodyBytes,
			"path", r.URL.Path,
		)
		writeError(w, r.Header, h.config.DefaultOrigin, http.StatusRequestEntityTooLarge, "Payload Too Large")
	default:
		h.logger.Error("Failed to read request body", "error", err, "path", r.URL.Path)
		writeError(w, r.Header, h.config.DefaultOrigin, http.StatusInternalServerError, err.Error())
	}
}

// writeError sends a plain text error the browser is allowed to read.
func writeError(w http.ResponseWriter, reqHeader http.Header, origin string, status int, msg string) {
	header := w.Header()
	cors.Rewrite(reqHeader, header, origin)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	io.WriteString(w, msg)
}

// captureWriter remembers the status written through it.
type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	err         error
}

func (c *captureWriter) WriteHeader(code int) {
	if !c.wroteHeader {
		c.status = code
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.wroteHeader = true
	return c.ResponseWriter.Write(b)
}

// Flush keeps streamed upstream responses flowing.
func (c *captureWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (c *captureWriter) Unwrap() http.ResponseWriter {
	return c.ResponseWriter
}
