package seed

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/funnyzak/swarmtap/internal/logger"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"
	seedColumns      = "seed_key, id, route, recorded_at_ns, duration_ms, method, path, query, request_headers_json, request_body, status_code, response_headers_json, response_body, error"
)

type sqliteStore struct {
	db  *sql.DB
	log logger.Logger
}

func newSQLiteStore(path string, log logger.Logger) (*sqliteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	store := &sqliteStore{db: db, log: log}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS seeds (
    seed_key TEXT PRIMARY KEY,
    id TEXT NOT NULL,
    route TEXT,
    recorded_at_ns INTEGER NOT NULL,
    duration_ms INTEGER,
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    query TEXT,
    request_headers_json TEXT,
    request_body BLOB,
    status_code INTEGER,
    response_headers_json TEXT,
    response_body BLOB,
    error TEXT
);
CREATE INDEX IF NOT EXISTS idx_seeds_ts ON seeds(recorded_at_ns DESC);
CREATE INDEX IF NOT EXISTS idx_seeds_method_ts ON seeds(method, recorded_at_ns DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts rec on its key.
func (s *sqliteStore) Save(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("seed record is nil")
	}
	reqHeaders, err := marshalHeader(rec.Request.Headers)
	if err != nil {
		return err
	}
	respHeaders, err := marshalHeader(rec.Response.Headers)
	if err != nil {
		return err
	}
	ts := rec.RecordedAt.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	upsertSQL := `INSERT INTO seeds (` + seedColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(seed_key) DO UPDATE SET
        id = excluded.id,
        route = excluded.route,
        recorded_at_ns = excluded.recorded_at_ns,
        duration_ms = excluded.duration_ms,
        method = excluded.method,
        path = excluded.path,
        query = excluded.query,
        request_headers_json = excluded.request_headers_json,
        request_body = excluded.request_body,
        status_code = excluded.status_code,
        response_headers_json = excluded.response_headers_json,
        response_body = excluded.response_body,
        error = excluded.error`

	_, err = s.db.ExecContext(ctx, upsertSQL,
		rec.Key,
		rec.ID,
		rec.Route,
		ts.UnixNano(),
		rec.DurationMs,
		rec.Request.Method,
		rec.Request.Path,
		rec.Request.Query,
		reqHeaders,
		rec.RequestBody(),
		rec.Response.StatusCode,
		respHeaders,
		rec.ResponseBody(),
		rec.Response.Error,
	)
	if err != nil {
		return fmt.Errorf("upsert seed %s: %w", rec.Key, err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+seedColumns+" FROM seeds WHERE seed_key = ?", key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *sqliteStore) List(ctx context.Context, opts ListOptions) ([]*Record, int, error) {
	where, args := buildFilters(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM seeds "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := strings.Builder{}
	query.WriteString("SELECT " + seedColumns + " FROM seeds ")
	query.WriteString(where)
	query.WriteString(" ORDER BY recorded_at_ns DESC")

	listArgs := append([]interface{}{}, args...)
	if opts.Limit > 0 {
		offset := opts.Offset
		if offset < 0 {
			offset = 0
		}
		query.WriteString(" LIMIT ? OFFSET ?")
		listArgs = append(listArgs, opts.Limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func (s *sqliteStore) Clear(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM seeds")
	if err != nil {
		return 0, fmt.Errorf("clear seeds: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanRecord(scanner interface {
	Scan(dest ...interface{}) error
}) (*Record, error) {
	var (
		key          string
		id           string
		route        sql.NullString
		ts           int64
		durationMs   sql.NullInt64
		method       string
		path         string
		query        sql.NullString
		reqHeaders   sql.NullString
		reqBody      []byte
		statusCode   sql.NullInt64
		respHeaders  sql.NullString
		respBody     []byte
		errorMessage sql.NullString
	)

	if err := scanner.Scan(
		&key,
		&id,
		&route,
		&ts,
		&durationMs,
		&method,
		&path,
		&query,
		&reqHeaders,
		&reqBody,
		&statusCode,
		&respHeaders,
		&respBody,
		&errorMessage,
	); err != nil {
		return nil, err
	}

	rec := &Record{
		ID:         id,
		Key:        key,
		Route:      route.String,
		RecordedAt: time.Unix(0, ts).UTC(),
		DurationMs: durationMs.Int64,
		Request: RecordedInput{
			Method:  method,
			Path:    path,
			Query:   query.String,
			Headers: unmarshalHeader(reqHeaders),
		},
		Response: RecordedOutput{
			StatusCode: int(statusCode.Int64),
			Headers:    unmarshalHeader(respHeaders),
			Error:      errorMessage.String,
		},
	}
	rec.Request.Body, rec.Request.BodyEncoding = encodeBody(reqBody)
	rec.Response.Body, rec.Response.BodyEncoding = encodeBody(respBody)
	return rec, nil
}

func buildFilters(opts ListOptions) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if method := strings.TrimSpace(opts.Method); method != "" {
		clauses = append(clauses, "UPPER(method) = UPPER(?)")
		args = append(args, method)
	}
	if route := strings.TrimSpace(opts.Route); route != "" {
		clauses = append(clauses, "route = ?")
		args = append(args, route)
	}
	if search := strings.TrimSpace(strings.ToLower(opts.Search)); search != "" {
		like := fmt.Sprintf("%%%s%%", search)
		clauses = append(clauses, "(LOWER(seed_key) LIKE ? OR LOWER(path) LIKE ? OR LOWER(query) LIKE ?)")
		args = append(args, like, like, like)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func marshalHeader(h http.Header) (string, error) {
	if h == nil {
		h = http.Header{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("marshal headers: %w", err)
	}
	return string(b), nil
}

func unmarshalHeader(raw sql.NullString) http.Header {
	header := http.Header{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &header); err != nil {
			return http.Header{}
		}
	}
	return header
}
