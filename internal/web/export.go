package web

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/funnyzak/swarmtap/internal/seed"
)

// ExportSeeds serializes seed records into the desired format.
func ExportSeeds(records []*seed.Record, format string) ([]byte, string, string, error) {
	switch strings.ToLower(format) {
	case "json":
		if records == nil {
			records = []*seed.Record{}
		}
		buf, err := json.MarshalIndent(records, "", "  ")
		return buf, "application/json", "json", err
	case "csv":
		return exportCSV(records)
	default:
		return nil, "", "", fmt.Errorf("unsupported export format: %s", format)
	}
}

func exportCSV(records []*seed.Record) ([]byte, string, string, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	headers := []string{
		"key", "id", "route", "recorded_at", "duration_ms", "method", "path", "query",
		"status_code", "error", "request_body", "request_body_encoding",
		"response_body", "response_body_encoding",
	}
	if err := writer.Write(headers); err != nil {
		return nil, "", "", err
	}

	for _, rec := range records {
		line := []string{
			rec.Key,
			rec.ID,
			rec.Route,
			rec.RecordedAt.Format(time.RFC3339),
			strconv.FormatInt(rec.DurationMs, 10),
			rec.Request.Method,
			rec.Request.Path,
			rec.Request.Query,
			strconv.Itoa(rec.Response.StatusCode),
			rec.Response.Error,
			rec.Request.Body,
			rec.Request.BodyEncoding,
			rec.Response.Body,
			rec.Response.BodyEncoding,
		}
		if err := writer.Write(line); err != nil {
			return nil, "", "", err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", "", err
	}
	return buf.Bytes(), "text/csv", "csv", nil
}

// AllowedFormats normalizes configured export formats.
func AllowedFormats(formats []string) []string {
	set := make(map[string]struct{})
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		set[f] = struct{}{}
	}

	result := make([]string, 0, len(set))
	for f := range set {
		result = append(result, f)
	}
	sort.Strings(result)
	return result
}
