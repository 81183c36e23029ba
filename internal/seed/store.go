package seed

import (
	"context"
	"errors"
	"strings"

	"github.com/funnyzak/swarmtap/internal/config"
	"github.com/funnyzak/swarmtap/internal/logger"
)

var (
	// ErrUnsupportedDriver indicates the configured driver is not available.
	ErrUnsupportedDriver = errors.New("unsupported seed driver")
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("seed record not found")
)

// ListOptions controls filtering and pagination when listing records.
type ListOptions struct {
	Search string
	Method string
	Route  string
	Limit  int
	Offset int
}

// Recorder persists records keyed by Record.Key. Saving an existing key
// replaces the previous record.
type Recorder interface {
	Save(ctx context.Context, rec *Record) error
	Get(ctx context.Context, key string) (*Record, error)
	List(ctx context.Context, opts ListOptions) ([]*Record, int, error)
	Clear(ctx context.Context) (int, error)
	Close() error
}

// New instantiates a Recorder based on configuration.
func New(cfg *config.SeedConfig, log logger.Logger) (Recorder, error) {
	if cfg == nil {
		return nil, errors.New("seed config is nil")
	}
	switch cfg.Driver {
	case "", "file":
		return newFileStore(cfg.Dir, cfg.Format, log)
	case "sqlite", "sqlite3":
		return newSQLiteStore(cfg.Path, log)
	default:
		return nil, ErrUnsupportedDriver
	}
}

// matches applies the shared list filters to a record.
func (o ListOptions) matches(rec *Record) bool {
	if method := strings.TrimSpace(o.Method); method != "" && !strings.EqualFold(rec.Request.Method, method) {
		return false
	}
	if route := strings.TrimSpace(o.Route); route != "" && rec.Route != route {
		return false
	}
	search := strings.ToLower(strings.TrimSpace(o.Search))
	if search == "" {
		return true
	}
	return strings.Contains(strings.ToLower(rec.Key), search) ||
		strings.Contains(strings.ToLower(rec.Request.Path), search) ||
		strings.Contains(strings.ToLower(rec.Request.Query), search)
}

// paginate slices records according to limit/offset.
func paginate(records []*Record, limit, offset int) []*Record {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(records) {
		return nil
	}
	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}
