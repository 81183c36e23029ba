package request

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestData is the buffered snapshot of one inbound proxy request
type RequestData struct {
	ID            string      `json:"id"`
	Timestamp     time.Time   `json:"timestamp"`
	Method        string      `json:"method"`
	Proto         string      `json:"proto"`
	Path          string      `json:"path"`
	RawPath       string      `json:"raw_path,omitempty"`
	Query         string      `json:"query"`
	RemoteAddr    string      `json:"remote_addr"`
	PeerAddr      string      `json:"peer_addr"`
	UserAgent     string      `json:"user_agent"`
	Headers       http.Header `json:"headers"`
	Body          []byte      `json:"body"`
	ContentType   string      `json:"content_type"`
	ContentLength int64       `json:"content_length"`
	IsBinary      bool        `json:"is_binary"`
	Size          int64       `json:"size"`
}

// NewRequestData captures r together with its already-read body.
// body may be nil for requests without payload.
func NewRequestData(r *http.Request, body []byte) *RequestData {
	contentType := r.Header.Get("Content-Type")

	return &RequestData{
		ID:            generateRequestID(),
		Timestamp:     time.Now(),
		Method:        r.Method,
		Proto:         r.Proto,
		Path:          r.URL.Path,
		RawPath:       r.URL.RawPath,
		Query:         r.URL.RawQuery,
		RemoteAddr:    getClientIP(r),
		PeerAddr:      peerIP(r.RemoteAddr),
		UserAgent:     r.UserAgent(),
		Headers:       r.Header.Clone(),
		Body:          body,
		ContentType:   contentType,
		ContentLength: r.ContentLength,
		IsBinary:      isBinaryContent(contentType, body),
		Size:          int64(len(body)),
	}
}

// URI returns the escaped path and query as sent by the client.
func (d *RequestData) URI() string {
	u := url.URL{Path: d.Path, RawPath: d.RawPath, RawQuery: d.Query}
	return u.RequestURI()
}

// peerIP strips the port from a connection address.
func peerIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// getClientIP gets client real IP address
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if idx := strings.LastIndexByte(r.RemoteAddr, ':'); idx >= 0 && !strings.HasSuffix(r.RemoteAddr, "]") {
		return r.RemoteAddr[:idx]
	}

	return r.RemoteAddr
}

var binaryTypePrefixes = []string{
	"image/", "video/", "audio/",
	"application/octet-stream",
	"application/x-tar",
	"application/zip", "application/gzip",
	"application/pdf",
}

// isBinaryContent reports whether the payload should be treated as opaque bytes.
// Swarm uploads are mostly tar or octet-stream, so prefix matching covers them.
func isBinaryContent(contentType string, body []byte) bool {
	for _, prefix := range binaryTypePrefixes {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}

	nullCount := 0
	for _, b := range body {
		if b == 0 {
			nullCount++
		}
	}
	// More than 10% null bytes
	return len(body) > 0 && nullCount > len(body)/10
}

// generateRequestID creates a random request identifier.
func generateRequestID() string {
	return uuid.NewString()
}
