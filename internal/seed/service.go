package seed

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/funnyzak/swarmtap/internal/config"
	"github.com/funnyzak/swarmtap/internal/logger"
	"github.com/funnyzak/swarmtap/pkg/request"
)

const saveTimeout = 10 * time.Second

// SaveHook observes the outcome of every asynchronous save.
type SaveHook func(rec *Record, err error)

// Service applies the recording policy and runs saves off the request path.
type Service struct {
	store   Recorder
	log     logger.Logger
	record  bool
	replay  bool
	methods map[string]bool
	include *regexp.Regexp
	onSave  SaveHook

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// NewService opens the configured store when recording or replay is enabled.
// A disabled service is valid and does nothing.
func NewService(cfg *config.SeedConfig, log logger.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("seed config is nil")
	}
	var store Recorder
	if cfg.Enable || cfg.Replay {
		var err error
		store, err = New(cfg, log)
		if err != nil {
			return nil, fmt.Errorf("open seed store: %w", err)
		}
	}
	return NewServiceWithStore(store, cfg, log)
}

// NewServiceWithStore wraps an existing store with the policy from cfg.
func NewServiceWithStore(store Recorder, cfg *config.SeedConfig, log logger.Logger) (*Service, error) {
	s := &Service{
		store:   store,
		log:     log,
		record:  cfg.Enable && store != nil,
		replay:  cfg.Replay && store != nil,
		methods: make(map[string]bool, len(cfg.Methods)),
	}
	for _, m := range cfg.Methods {
		if m != "" {
			s.methods[m] = true
		}
	}
	if cfg.IncludePattern != "" {
		re, err := regexp.Compile(cfg.IncludePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid seed include pattern: %w", err)
		}
		s.include = re
	}
	// Saves outlive the request that triggered them.
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// OnSave registers a hook called after each asynchronous save.
func (s *Service) OnSave(hook SaveHook) {
	s.onSave = hook
}

// Store returns the underlying store, nil when seeding is disabled.
func (s *Service) Store() Recorder {
	if s == nil {
		return nil
	}
	return s.store
}

// Recording reports whether exchanges are being persisted.
func (s *Service) Recording() bool {
	return s.record
}

// ShouldRecord applies the method and path filters.
func (s *Service) ShouldRecord(method, path string) bool {
	if s == nil || !s.record {
		return false
	}
	if len(s.methods) > 0 && !s.methods[method] {
		return false
	}
	if s.include != nil && !s.include.MatchString(path) {
		return false
	}
	return true
}

// RecordAsync persists the exchange in the background. It never blocks the
// caller and failures are only logged.
func (s *Service) RecordAsync(route string, data *request.RequestData, resp *request.ResponseData) {
	if data == nil || resp == nil || !s.ShouldRecord(data.Method, data.Path) {
		return
	}
	rec := NewRecord(route, data, resp)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.baseCtx, saveTimeout)
		defer cancel()

		err := s.store.Save(ctx, rec)
		if err != nil {
			s.log.Warn("Failed to record seed", "key", rec.Key, "request_id", data.ID, "error", err)
		} else {
			s.log.Debug("Seed recorded", "key", rec.Key, "status", rec.Response.StatusCode)
		}
		if s.onSave != nil {
			s.onSave(rec, err)
		}
	}()
}

// Lookup returns the recorded response for data when replay is enabled.
// Records that captured a transport failure are never replayed.
func (s *Service) Lookup(ctx context.Context, data *request.RequestData) (*request.ResponseData, bool) {
	if s == nil || !s.replay {
		return nil, false
	}
	key := Key(data.Method, data.Path, data.Query)
	rec, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("Seed lookup failed", "key", key, "error", err)
		}
		return nil, false
	}
	if rec.Response.Error != "" {
		return nil, false
	}
	return rec.ResponseData(), true
}

// Close waits for pending saves and closes the store.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	s.cancel()
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}
