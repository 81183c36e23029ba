package seed

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/funnyzak/swarmtap/pkg/request"
	"github.com/google/uuid"
)

const encodingBase64 = "base64"

// Record is one persisted request/response pair.
type Record struct {
	ID         string         `json:"id" yaml:"id"`
	Key        string         `json:"key" yaml:"key"`
	Route      string         `json:"route" yaml:"route"`
	RecordedAt time.Time      `json:"recorded_at" yaml:"recorded_at"`
	DurationMs int64          `json:"duration_ms" yaml:"duration_ms"`
	Request    RecordedInput  `json:"request" yaml:"request"`
	Response   RecordedOutput `json:"response" yaml:"response"`
}

// RecordedInput is the captured request side.
type RecordedInput struct {
	Method       string      `json:"method" yaml:"method"`
	Path         string      `json:"path" yaml:"path"`
	Query        string      `json:"query,omitempty" yaml:"query,omitempty"`
	Headers      http.Header `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body         string      `json:"body,omitempty" yaml:"body,omitempty"`
	BodyEncoding string      `json:"body_encoding,omitempty" yaml:"body_encoding,omitempty"`
}

// RecordedOutput is the captured response side.
type RecordedOutput struct {
	StatusCode   int         `json:"status_code" yaml:"status_code"`
	Headers      http.Header `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body         string      `json:"body,omitempty" yaml:"body,omitempty"`
	BodyEncoding string      `json:"body_encoding,omitempty" yaml:"body_encoding,omitempty"`
	// Error is set when the response was synthesized from a transport failure.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewRecord captures an exchange handled on the given route.
func NewRecord(route string, data *request.RequestData, resp *request.ResponseData) *Record {
	rec := &Record{
		ID:         uuid.NewString(),
		Key:        Key(data.Method, data.Path, data.Query),
		Route:      route,
		RecordedAt: time.Now().UTC(),
		DurationMs: resp.Duration.Milliseconds(),
		Request: RecordedInput{
			Method:  data.Method,
			Path:    data.Path,
			Query:   data.Query,
			Headers: data.Headers.Clone(),
		},
		Response: RecordedOutput{
			StatusCode: resp.StatusCode,
			Headers:    resp.Headers.Clone(),
			Error:      resp.Error,
		},
	}
	rec.Request.Body, rec.Request.BodyEncoding = encodeBody(data.Body)
	rec.Response.Body, rec.Response.BodyEncoding = encodeBody(resp.Body)
	return rec
}

// RequestBody returns the decoded request payload.
func (r *Record) RequestBody() []byte {
	return decodeBody(r.Request.Body, r.Request.BodyEncoding)
}

// ResponseBody returns the decoded response payload.
func (r *Record) ResponseBody() []byte {
	return decodeBody(r.Response.Body, r.Response.BodyEncoding)
}

// ResponseData rebuilds the recorded response for replay.
func (r *Record) ResponseData() *request.ResponseData {
	return &request.ResponseData{
		StatusCode: r.Response.StatusCode,
		Headers:    r.Response.Headers.Clone(),
		Body:       r.ResponseBody(),
		Error:      r.Response.Error,
		Replayed:   true,
	}
}

// Key derives the fixture key of a request: the upper-case method, the
// cleaned path and, when a query is present, a short hash of the query with
// its parameters sorted.
func Key(method, rawPath, rawQuery string) string {
	key := strings.ToUpper(method) + " " + NormalizePath(rawPath)
	if rawQuery == "" {
		return key
	}
	if values, err := url.ParseQuery(rawQuery); err == nil {
		rawQuery = values.Encode()
	}
	sum := sha256.Sum256([]byte(rawQuery))
	return key + "?" + hex.EncodeToString(sum[:4])
}

// NormalizePath collapses duplicate slashes and drops a trailing slash.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

func encodeBody(b []byte) (string, string) {
	if len(b) == 0 {
		return "", ""
	}
	if utf8.Valid(b) {
		return string(b), ""
	}
	return base64.StdEncoding.EncodeToString(b), encodingBase64
}

func decodeBody(s, encoding string) []byte {
	if s == "" {
		return nil
	}
	if encoding == encodingBase64 {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil
		}
		return b
	}
	return []byte(s)
}
