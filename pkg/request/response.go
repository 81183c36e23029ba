package request

import (
	"net/http"
	"time"
)

// ResponseData is an upstream response fully read into memory, or a
// response synthesized locally when the upstream could not be reached.
type ResponseData struct {
	StatusCode int           `json:"status_code"`
	Headers    http.Header   `json:"headers"`
	Body       []byte        `json:"body"`
	Duration   time.Duration `json:"duration"`
	// Error holds the transport error message for synthesized responses.
	Error string `json:"error,omitempty"`
	// Replayed is set when the response was served from recorded seed data.
	Replayed bool `json:"replayed,omitempty"`
}

// NewErrorResponse builds the 500 response returned when an upstream call
// fails. The body is the error message verbatim.
func NewErrorResponse(err error) *ResponseData {
	msg := err.Error()
	return &ResponseData{
		StatusCode: http.StatusInternalServerError,
		Headers:    http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:       []byte(msg),
		Error:      msg,
	}
}

// Failed reports whether the response was synthesized from a transport error.
func (r *ResponseData) Failed() bool {
	return r != nil && r.Error != ""
}
