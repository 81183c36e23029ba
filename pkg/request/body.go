package request

import (
	"errors"
	"io"
	"net/http"
)

// ErrBodyTooLarge is returned by ReadBody when the stream exceeds the limit.
var ErrBodyTooLarge = errors.New("request body exceeds configured limit")

// ReadBody drains r into a single buffer.
//
// A stream that yields no bytes returns a nil slice, which callers treat as
// "no body". The stream is consumed; callers that need the payload twice must
// reuse the returned buffer. maxBytes <= 0 disables the size limit.
func ReadBody(r io.Reader, maxBytes int64) ([]byte, error) {
	if r == nil || r == http.NoBody {
		return nil, nil
	}

	var (
		body []byte
		err  error
	)
	if maxBytes > 0 {
		body, err = io.ReadAll(io.LimitReader(r, maxBytes+1))
		if err == nil && int64(len(body)) > maxBytes {
			return nil, ErrBodyTooLarge
		}
	} else {
		body, err = io.ReadAll(r)
	}
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

// HasBody reports whether body carries a payload.
func HasBody(body []byte) bool {
	return body != nil
}
