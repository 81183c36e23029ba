package printer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/funnyzak/swarmtap/internal/logger"
	"github.com/funnyzak/swarmtap/pkg/request"
	"golang.org/x/term"
)

const (
	maxPreviewBytes = 2048
	maxIndentBytes  = 64 * 1024
)

// ColorScheme color scheme
type ColorScheme struct {
	MethodGET      *color.Color
	MethodPOST     *color.Color
	MethodPUT      *color.Color
	MethodDELETE   *color.Color
	MethodPATCH    *color.Color
	HeaderKey      *color.Color
	HeaderValue    *color.Color
	Separator      *color.Color
	BodyContent    *color.Color
	BinaryNotice   *color.Color
	TruncateNotice *color.Color
	RemoteAddr     *color.Color
	Query          *color.Color
	Route          *color.Color
	StatusOK       *color.Color
	StatusRedirect *color.Color
	StatusError    *color.Color
	Replayed       *color.Color
}

// NewColorScheme creates a new color scheme
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		MethodGET:      color.New(color.FgBlue, color.Bold),
		MethodPOST:     color.New(color.FgGreen, color.Bold),
		MethodPUT:      color.New(color.FgYellow, color.Bold),
		MethodDELETE:   color.New(color.FgRed, color.Bold),
		MethodPATCH:    color.New(color.FgMagenta, color.Bold),
		HeaderKey:      color.New(color.FgCyan),
		HeaderValue:    color.New(color.FgWhite),
		Separator:      color.New(color.FgYellow, color.Bold),
		BodyContent:    color.New(color.FgWhite),
		BinaryNotice:   color.New(color.FgHiRed, color.Bold),
		TruncateNotice: color.New(color.FgHiYellow, color.Bold),
		RemoteAddr:     color.New(color.FgHiBlue),
		Query:          color.New(color.FgHiMagenta),
		Route:          color.New(color.FgHiCyan, color.Bold),
		StatusOK:       color.New(color.FgGreen, color.Bold),
		StatusRedirect: color.New(color.FgYellow, color.Bold),
		StatusError:    color.New(color.FgRed, color.Bold),
		Replayed:       color.New(color.FgHiMagenta, color.Bold),
	}
}

// ConsolePrinter console printer
type ConsolePrinter struct {
	colorScheme *ColorScheme
	logger      logger.Logger
	mu          sync.Mutex
	out         io.Writer
}

// NewConsolePrinter creates a new console printer
func NewConsolePrinter(logger logger.Logger) *ConsolePrinter {
	return &ConsolePrinter{
		colorScheme: NewColorScheme(),
		logger:      logger,
		out:         os.Stdout,
	}
}

// getTerminalWidth gets the current terminal width with fallback
func (p *ConsolePrinter) getTerminalWidth() int {
	if testWidth := os.Getenv("SWARMTAP_TERM_WIDTH"); testWidth != "" {
		if width, err := strconv.Atoi(testWidth); err == nil {
			return clampWidth(width)
		}
	}

	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return clampWidth(width)
}

func clampWidth(width int) int {
	switch {
	case width < 40:
		return 40
	case width > 150:
		return 150
	default:
		return width
	}
}

// PrintExchange renders the request and the response summary as one block.
// Blocks from concurrent exchanges never interleave.
func (p *ConsolePrinter) PrintExchange(route string, data *request.RequestData, resp *request.ResponseData) error {
	num := nextExchangeNumber()
	width := p.getTerminalWidth()
	buf := &bytes.Buffer{}

	p.printSummary(buf, num, route, data, width)
	p.printRequestLine(buf, data)
	p.printHeaders(buf, data.Headers, width)
	fmt.Fprintln(buf)
	p.printBody(buf, data)
	p.printResponse(buf, resp)
	fmt.Fprintln(buf)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.out.Write(buf.Bytes()); err != nil {
		if p.logger != nil {
			p.logger.Error("Failed to write exchange", "error", err)
		}
		return err
	}
	return nil
}

func (p *ConsolePrinter) printSummary(w io.Writer, num uint64, route string, data *request.RequestData, width int) {
	separator := strings.Repeat("-", width)
	p.colorScheme.Separator.Fprintln(w, separator)
	p.colorScheme.Separator.Fprintf(w, "Exchange #%d  %s  ", num, data.Timestamp.Format("2006-01-02T15:04:05-07:00"))
	p.colorScheme.Route.Fprintf(w, "[%s]\n", route)
	p.printMetadataLine(w, data)
	p.colorScheme.Separator.Fprintln(w, separator)
}

func (p *ConsolePrinter) printMetadataLine(w io.Writer, data *request.RequestData) {
	first := true
	addSep := func() {
		if first {
			first = false
			return
		}
		fmt.Fprint(w, " | ")
	}

	if data.RemoteAddr != "" {
		addSep()
		fmt.Fprint(w, "Remote: ")
		p.colorScheme.RemoteAddr.Fprint(w, data.RemoteAddr)
	}
	if data.UserAgent != "" {
		addSep()
		fmt.Fprint(w, "UA: ")
		p.colorScheme.BodyContent.Fprint(w, data.UserAgent)
	}
	if data.ContentType != "" {
		addSep()
		fmt.Fprint(w, "Content-Type: ")
		p.colorScheme.HeaderValue.Fprint(w, data.ContentType)
	}
	addSep()
	fmt.Fprint(w, "Size: ")
	p.colorScheme.BodyContent.Fprint(w, humanize.Bytes(uint64(len(data.Body))))
	fmt.Fprintln(w)
}

func (p *ConsolePrinter) printRequestLine(w io.Writer, data *request.RequestData) {
	method := strings.ToUpper(data.Method)
	path := data.Path
	if path == "" {
		path = "/"
	}
	proto := data.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}

	p.getMethodColor(method).Fprintf(w, "%s ", method)
	fmt.Fprint(w, path)
	if data.Query != "" {
		fmt.Fprint(w, "?")
		p.colorScheme.Query.Fprint(w, data.Query)
	}
	fmt.Fprintf(w, " %s\n", proto)
}

func (p *ConsolePrinter) printHeaders(w io.Writer, headers http.Header, width int) {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		if shouldSkipHeader(strings.ToLower(key)) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := strings.Join(headers[key], ", ")
		if isSensitiveHeader(strings.ToLower(key)) {
			value = "[REDACTED]"
		}
		p.printHeaderLine(w, key, value, width)
	}
}

func (p *ConsolePrinter) printHeaderLine(w io.Writer, key, value string, width int) {
	prefix := key + ": "
	available := width - utf8.RuneCountInString(prefix)
	if available < 20 {
		available = 20
	}

	lines := wrapText(value, available)
	p.colorScheme.HeaderKey.Fprint(w, prefix)
	p.colorScheme.HeaderValue.Fprintln(w, lines[0])

	indent := strings.Repeat(" ", utf8.RuneCountInString(prefix))
	for _, line := range lines[1:] {
		fmt.Fprint(w, indent)
		p.colorScheme.HeaderValue.Fprintln(w, line)
	}
}

func (p *ConsolePrinter) printBody(w io.Writer, data *request.RequestData) {
	size := humanize.Bytes(uint64(len(data.Body)))
	switch {
	case len(data.Body) == 0:
		p.colorScheme.BodyContent.Fprintf(w, "[Empty Body - %s]\n", size)
	case data.IsBinary:
		p.colorScheme.BinaryNotice.Fprintf(w, "[Binary Body: %s, %s. Content skipped.]\n", data.ContentType, size)
	default:
		p.printBodyContent(w, formatBody(data.ContentType, data.Body))
	}
}

func (p *ConsolePrinter) printBodyContent(w io.Writer, body []byte) {
	preview := body
	if len(preview) > maxPreviewBytes {
		preview = preview[:maxPreviewBytes]
	}
	for _, line := range strings.Split(string(preview), "\n") {
		p.colorScheme.BodyContent.Fprintln(w, strings.TrimRight(line, "\r"))
	}
	if len(body) > len(preview) {
		p.colorScheme.TruncateNotice.Fprintf(w, "[Showing first %s of %s]\n",
			humanize.Bytes(uint64(len(preview))), humanize.Bytes(uint64(len(body))))
	}
}

func (p *ConsolePrinter) printResponse(w io.Writer, resp *request.ResponseData) {
	fmt.Fprint(w, "=> ")
	p.statusColor(resp.StatusCode).Fprintf(w, "%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	fmt.Fprintf(w, "  %s  %s", resp.Duration.Round(100*time.Microsecond), humanize.Bytes(uint64(len(resp.Body))))
	if resp.Replayed {
		p.colorScheme.Replayed.Fprint(w, "  [seed]")
	}
	fmt.Fprintln(w)
	if resp.Failed() {
		p.colorScheme.StatusError.Fprintf(w, "Upstream error: %s\n", resp.Error)
	}
}

func (p *ConsolePrinter) statusColor(status int) *color.Color {
	switch {
	case status >= 400:
		return p.colorScheme.StatusError
	case status >= 300:
		return p.colorScheme.StatusRedirect
	default:
		return p.colorScheme.StatusOK
	}
}

// getMethodColor gets the corresponding color based on HTTP method
func (p *ConsolePrinter) getMethodColor(method string) *color.Color {
	switch method {
	case "GET":
		return p.colorScheme.MethodGET
	case "POST":
		return p.colorScheme.MethodPOST
	case "PUT":
		return p.colorScheme.MethodPUT
	case "DELETE":
		return p.colorScheme.MethodDELETE
	case "PATCH":
		return p.colorScheme.MethodPATCH
	default:
		return color.New(color.FgWhite, color.Bold)
	}
}

// formatBody indents JSON payloads of reasonable size.
func formatBody(contentType string, body []byte) []byte {
	if !strings.Contains(strings.ToLower(contentType), "json") || len(body) > maxIndentBytes {
		return body
	}
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return body
	}
	return out.Bytes()
}

// wrapText wraps text to fit within maxWidth, preserving words
func wrapText(text string, maxWidth int) []string {
	words := strings.Fields(text)
	if len(words) == 0 || maxWidth <= 0 {
		return []string{text}
	}

	var lines []string
	currentLine := words[0]
	currentWidth := utf8.RuneCountInString(currentLine)
	for _, word := range words[1:] {
		wordWidth := utf8.RuneCountInString(word)
		if currentWidth+1+wordWidth > maxWidth {
			lines = append(lines, currentLine)
			currentLine = word
			currentWidth = wordWidth
			continue
		}
		currentLine += " " + word
		currentWidth += 1 + wordWidth
	}
	return append(lines, currentLine)
}

var sensitiveHeaders = map[string]bool{
	"authorization":   true,
	"cookie":          true,
	"set-cookie":      true,
	"x-api-key":       true,
	"x-auth-token":    true,
	"x-csrf-token":    true,
	"x-session-token": true,
}

func isSensitiveHeader(key string) bool {
	return sensitiveHeaders[key]
}

var skipHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"te":                true,
	"trailer":           true,
	"transfer-encoding": true,
	"upgrade":           true,
}

func shouldSkipHeader(key string) bool {
	return skipHeaders[key]
}

var binaryTypePrefixes = []string{
	"image/", "video/", "audio/",
	"application/octet-stream",
	"application/x-tar",
	"application/zip", "application/gzip",
}

func isBinaryType(contentType string) bool {
	for _, prefix := range binaryTypePrefixes {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}
