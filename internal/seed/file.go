package seed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/funnyzak/swarmtap/internal/logger"
	"gopkg.in/yaml.v3"
)

const maxNameLen = 80

// fileStore keeps one fixture file per key inside a directory.
type fileStore struct {
	dir    string
	format string
	ext    string
	log    logger.Logger
}

func newFileStore(dir, format string, log logger.Logger) (*fileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("seed dir cannot be empty")
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve seed dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare seed dir: %w", err)
	}

	s := &fileStore{dir: absDir, format: format, log: log}
	switch format {
	case "", "json":
		s.format, s.ext = "json", ".json"
	case "yaml", "yml":
		s.format, s.ext = "yaml", ".yaml"
	default:
		return nil, fmt.Errorf("unsupported seed format %q", format)
	}
	return s, nil
}

// Save writes rec to a temp file and renames it over the fixture, so
// readers never observe a partial file and the last writer wins.
func (s *fileStore) Save(_ context.Context, rec *Record) error {
	payload, err := s.marshal(rec)
	if err != nil {
		return fmt.Errorf("encode seed %s: %w", rec.Key, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".seed-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write seed %s: %w", rec.Key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close seed %s: %w", rec.Key, err)
	}
	if err := os.Rename(tmpName, s.pathFor(rec.Key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit seed %s: %w", rec.Key, err)
	}
	return nil
}

func (s *fileStore) Get(_ context.Context, key string) (*Record, error) {
	rec, err := s.readFile(s.pathFor(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *fileStore) List(_ context.Context, opts ListOptions) ([]*Record, int, error) {
	records, err := s.readAll()
	if err != nil {
		return nil, 0, err
	}

	filtered := records[:0]
	for _, rec := range records {
		if opts.matches(rec) {
			filtered = append(filtered, rec)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].RecordedAt.After(filtered[j].RecordedAt)
	})
	return paginate(filtered, opts.Limit, opts.Offset), len(filtered), nil
}

func (s *fileStore) Clear(_ context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != s.ext {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) readAll() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != s.ext {
			continue
		}
		rec, err := s.readFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			s.log.Warn("Skipping unreadable seed file", "file", entry.Name(), "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *fileStore) readFile(name string) (*Record, error) {
	payload, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	rec := &Record{}
	if s.format == "yaml" {
		err = yaml.Unmarshal(payload, rec)
	} else {
		err = json.Unmarshal(payload, rec)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
	return rec, nil
}

func (s *fileStore) marshal(rec *Record) ([]byte, error) {
	if s.format == "yaml" {
		return yaml.Marshal(rec)
	}
	return json.MarshalIndent(rec, "", "  ")
}

// pathFor maps a key to a file name that is readable and collision free.
func (s *fileStore) pathFor(key string) string {
	return filepath.Join(s.dir, fileName(key)+s.ext)
}

func fileName(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), "_.")
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	sum := sha256.Sum256([]byte(key))
	return name + "-" + hex.EncodeToString(sum[:6])
}
