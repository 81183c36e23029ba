package printer

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/funnyzak/swarmtap/internal/logger"
	"github.com/funnyzak/swarmtap/pkg/request"
)

// JSONPrinter writes exchanges as JSON lines
type JSONPrinter struct {
	mu      sync.Mutex
	encoder *json.Encoder
	logger  logger.Logger
}

// NewJSONPrinter creates a JSON printer on stdout
func NewJSONPrinter(log logger.Logger) *JSONPrinter {
	p := &JSONPrinter{logger: log}
	p.SetOutput(os.Stdout)
	return p
}

// SetOutput replaces the output target
func (p *JSONPrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	p.mu.Lock()
	p.encoder = encoder
	p.mu.Unlock()
}

type jsonExchangeEnvelope struct {
	Type         string                `json:"type"`
	ID           uint64                `json:"id"`
	Route        string                `json:"route"`
	Request      *request.RequestData  `json:"request"`
	Response     *request.ResponseData `json:"response"`
	DurationMs   int64                 `json:"duration_ms"`
	BodyText     string                `json:"body_text,omitempty"`
	ResponseText string                `json:"response_text,omitempty"`
}

// PrintExchange writes one JSON line
func (p *JSONPrinter) PrintExchange(route string, data *request.RequestData, resp *request.ResponseData) error {
	env := jsonExchangeEnvelope{
		Type:       "exchange",
		ID:         nextExchangeNumber(),
		Route:      route,
		Request:    data,
		Response:   resp,
		DurationMs: resp.Duration.Milliseconds(),
	}
	if !data.IsBinary && len(data.Body) > 0 {
		env.BodyText = string(data.Body)
	}
	if len(resp.Body) > 0 && !isBinaryType(resp.Headers.Get("Content-Type")) {
		env.ResponseText = string(resp.Body)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.encoder.Encode(env); err != nil {
		if p.logger != nil {
			p.logger.Error("Failed to encode exchange JSON", "error", err)
		}
		return err
	}
	return nil
}
