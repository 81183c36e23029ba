package web

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/funnyzak/swarmtap/pkg/request"
)

// maxBodyPreview caps the bytes of each body kept in the log.
const maxBodyPreview = 2048

// Exchange is one proxied request with the response the browser received.
// Bodies are trimmed to a preview; the size fields keep the real length.
type Exchange struct {
	ID                string                `json:"id"`
	Route             string                `json:"route"`
	Timestamp         time.Time             `json:"timestamp"`
	Request           *request.RequestData  `json:"request"`
	Response          *request.ResponseData `json:"response"`
	DurationMs        int64                 `json:"duration_ms"`
	ResponseSize      int64                 `json:"response_size"`
	RequestTruncated  bool                  `json:"request_truncated,omitempty"`
	ResponseTruncated bool                  `json:"response_truncated,omitempty"`
}

// ListOptions describes filters for querying the exchange log.
type ListOptions struct {
	Search string
	Method string
	Route  string
	Limit  int
	Offset int
}

// ExchangeLog keeps recent exchanges in memory using a ring buffer.
type ExchangeLog struct {
	mu      sync.RWMutex
	max     int
	counter uint64
	items   []*Exchange
}

// NewExchangeLog creates a log with the provided capacity.
func NewExchangeLog(max int) *ExchangeLog {
	if max < 1 {
		max = 1
	}
	return &ExchangeLog{
		max:   max,
		items: make([]*Exchange, 0, max),
	}
}

// Add stores a new exchange and returns it.
func (s *ExchangeLog) Add(route string, data *request.RequestData, resp *request.ResponseData) *Exchange {
	ex := &Exchange{
		Route:        route,
		Timestamp:    data.Timestamp,
		DurationMs:   resp.Duration.Milliseconds(),
		ResponseSize: int64(len(resp.Body)),
	}

	req := *data
	req.Headers = data.Headers.Clone()
	if data.IsBinary {
		req.Body = nil
		ex.RequestTruncated = len(data.Body) > 0
	} else {
		req.Body, ex.RequestTruncated = previewBody(data.Body)
	}
	ex.Request = &req

	out := *resp
	out.Headers = resp.Headers.Clone()
	out.Body, ex.ResponseTruncated = previewBody(resp.Body)
	ex.Response = &out

	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	ex.ID = strings.ToUpper(strconv.FormatUint(s.counter, 36))
	if len(s.items) >= s.max {
		// Drop oldest
		s.items = append(s.items[1:], ex)
	} else {
		s.items = append(s.items, ex)
	}
	return ex
}

// List returns filtered exchanges (newest first) along with the total count.
func (s *ExchangeLog) List(opts ListOptions) ([]*Exchange, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(opts.Search))
	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	route := strings.TrimSpace(opts.Route)

	filtered := make([]*Exchange, 0, len(s.items))
	for i := len(s.items) - 1; i >= 0; i-- {
		item := s.items[i]
		if method != "" && strings.ToUpper(item.Request.Method) != method {
			continue
		}
		if route != "" && item.Route != route {
			continue
		}
		if search != "" && !matchesSearch(item, search) {
			continue
		}
		filtered = append(filtered, item)
	}

	total := len(filtered)
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if opts.Limit > 0 && offset+opts.Limit < total {
		end = offset + opts.Limit
	}
	return filtered[offset:end], total
}

// Get locates an exchange by id.
func (s *ExchangeLog) Get(id string) (*Exchange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].ID == id {
			return s.items[i], true
		}
	}
	return nil, false
}

// previewBody copies at most maxBodyPreview bytes so the log never pins
// the caller's buffer.
func previewBody(body []byte) ([]byte, bool) {
	if len(body) == 0 {
		return nil, false
	}
	n := len(body)
	if n > maxBodyPreview {
		n = maxBodyPreview
	}
	return append([]byte(nil), body[:n]...), n < len(body)
}

func matchesSearch(item *Exchange, term string) bool {
	target := strings.ToLower(
		item.Request.Path + " " +
			item.Request.Query + " " +
			item.Request.RemoteAddr + " " +
			item.Request.UserAgent,
	)
	if strings.Contains(target, term) {
		return true
	}
	if item.Response != nil && strings.Contains(strings.ToLower(item.Response.Error), term) {
		return true
	}

	for key, values := range item.Request.Headers {
		if strings.Contains(strings.ToLower(key), term) {
			return true
		}
		for _, val := range values {
			if strings.Contains(strings.ToLower(val), term) {
				return true
			}
		}
	}
	return false
}
