package printer

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/funnyzak/swarmtap/pkg/request"
)

func init() {
	color.NoColor = true
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Fatal(string, ...interface{}) {}

func newTestConsole(t *testing.T) (*ConsolePrinter, *bytes.Buffer) {
	t.Helper()
	t.Setenv("SWARMTAP_TERM_WIDTH", "80")
	p := NewConsolePrinter(noopLogger{})
	buf := &bytes.Buffer{}
	p.out = buf
	return p, buf
}

func okResponse(body string) *request.ResponseData {
	return &request.ResponseData{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"application/json"}},
		Body:       []byte(body),
		Duration:   12 * time.Millisecond,
	}
}

func TestConsolePrinter_PrintExchange(t *testing.T) {
	p, buf := newTestConsole(t)

	req := &request.RequestData{
		Method:      "GET",
		Path:        "/stamps/abc123",
		Query:       "q=1",
		Proto:       "HTTP/1.1",
		Headers:     http.Header{"User-Agent": {"test"}, "Authorization": {"secret"}},
		Body:        []byte("hi"),
		Timestamp:   time.Now(),
		ContentType: "text/plain",
	}

	if err := p.PrintExchange("debug", req, okResponse(`{}`)); err != nil {
		t.Fatalf("print exchange failed: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "Exchange #") || !strings.Contains(output, "[debug]") {
		t.Fatalf("output missing summary: %s", output)
	}
	if strings.Contains(output, "secret") {
		t.Fatalf("sensitive header should be redacted")
	}
	if !strings.Contains(output, "GET /stamps/abc123?q=1 HTTP/1.1") {
		t.Fatalf("request line missing: %s", output)
	}
	if !strings.Contains(output, "=> 200 OK") {
		t.Fatalf("status line missing: %s", output)
	}
}

func TestConsolePrinter_UpstreamError(t *testing.T) {
	p, buf := newTestConsole(t)
	req := &request.RequestData{Method: "POST", Path: "/unknown-resource", Timestamp: time.Now()}
	resp := request.NewErrorResponse(errors.New("connection refused"))

	if err := p.PrintExchange("default", req, resp); err != nil {
		t.Fatalf("print exchange failed: %v", err)
	}
	output := buf.String()
	if !strings.Contains(output, "=> 500 Internal Server Error") {
		t.Fatalf("expected 500 status line: %s", output)
	}
	if !strings.Contains(output, "Upstream error: connection refused") {
		t.Fatalf("expected error message: %s", output)
	}
	if !strings.Contains(output, "[Empty Body") {
		t.Fatalf("expected empty body notice: %s", output)
	}
}

func TestConsolePrinter_JSONPretty(t *testing.T) {
	p, buf := newTestConsole(t)
	req := &request.RequestData{
		Method:      "POST",
		Path:        "/feeds",
		Headers:     http.Header{"Content-Type": {"application/json"}},
		Body:        []byte(`{"foo":"bar","nested":{"a":1}}`),
		Timestamp:   time.Now(),
		ContentType: "application/json",
	}
	if err := p.PrintExchange("default", req, okResponse("")); err != nil {
		t.Fatalf("print exchange failed: %v", err)
	}
	if !strings.Contains(buf.String(), "\n  \"foo\": \"bar\"") {
		t.Fatalf("expected pretty JSON output, got %s", buf.String())
	}
}

func TestConsolePrinter_TruncationNotice(t *testing.T) {
	p, buf := newTestConsole(t)
	body := strings.Repeat("a", maxPreviewBytes) + "TAIL"
	req := &request.RequestData{
		Method:      "POST",
		Path:        "/bytes",
		Body:        []byte(body),
		Timestamp:   time.Now(),
		ContentType: "text/plain",
	}
	if err := p.PrintExchange("default", req, okResponse("")); err != nil {
		t.Fatalf("print exchange failed: %v", err)
	}
	output := buf.String()
	if !strings.Contains(output, "[Showing first") {
		t.Fatalf("expected truncation notice, got %s", output)
	}
	if strings.Contains(output, "TAIL") {
		t.Fatalf("unexpected full body output when preview limit active")
	}
}

func TestConsolePrinter_BinaryAndReplay(t *testing.T) {
	p, buf := newTestConsole(t)
	req := &request.RequestData{
		Method:      "POST",
		Path:        "/bzz",
		Body:        []byte{0x00, 0x01, 0x02},
		Timestamp:   time.Now(),
		ContentType: "application/x-tar",
		IsBinary:    true,
	}
	resp := okResponse(`{"reference":"abc"}`)
	resp.Replayed = true
	if err := p.PrintExchange("default", req, resp); err != nil {
		t.Fatalf("print exchange failed: %v", err)
	}
	output := buf.String()
	if !strings.Contains(output, "[Binary Body: application/x-tar") {
		t.Fatalf("expected binary notice: %s", output)
	}
	if !strings.Contains(output, "[seed]") {
		t.Fatalf("expected replay marker: %s", output)
	}
}

func TestConsolePrinter_ConcurrentBlocksDoNotInterleave(t *testing.T) {
	p, buf := newTestConsole(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := &request.RequestData{Method: "GET", Path: "/tags", Timestamp: time.Now()}
			_ = p.PrintExchange("default", req, okResponse(""))
		}()
	}
	wg.Wait()

	blocks := strings.Split(buf.String(), "Exchange #")
	if len(blocks) != 21 {
		t.Fatalf("expected 20 blocks, got %d", len(blocks)-1)
	}
	for _, block := range blocks[1:] {
		if strings.Count(block, "=> 200 OK") != 1 {
			t.Fatalf("interleaved block: %q", block)
		}
	}
}

func TestWrapText(t *testing.T) {
	lines := wrapText("alpha beta gamma delta", 11)
	if len(lines) != 2 || lines[0] != "alpha beta" || lines[1] != "gamma delta" {
		t.Fatalf("unexpected wrap %q", lines)
	}
	if got := wrapText("", 10); len(got) != 1 || got[0] != "" {
		t.Fatalf("expected single empty line, got %q", got)
	}
}
