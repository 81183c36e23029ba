package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/funnyzak/swarmtap/internal/config"
	"github.com/funnyzak/swarmtap/internal/logger"
	"github.com/funnyzak/swarmtap/internal/seed"
	"github.com/funnyzak/swarmtap/pkg/request"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
	contentTypeJSON  = "application/json"
)

// Service exposes the admin API: live traffic, seed management and export.
type Service struct {
	cfg       *config.WebConfig
	logger    logger.Logger
	exchanges *ExchangeLog
	hub       *WebsocketHub
	seeds     seed.Recorder
	formats   []string
	started   time.Time
}

// NewService builds a Service from configuration. seeds may be nil when
// seeding is disabled; seed endpoints then answer 404.
func NewService(cfg *config.WebConfig, seeds seed.Recorder, log logger.Logger) *Service {
	return &Service{
		cfg:       cfg,
		logger:    log,
		exchanges: NewExchangeLog(cfg.MaxExchanges),
		hub:       NewWebsocketHub(log),
		seeds:     seeds,
		formats:   AllowedFormats(cfg.Formats),
		started:   time.Now(),
	}
}

// RegisterRoutes wires the admin API into the provided router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	if s == nil || !s.cfg.Enable {
		return
	}

	api := router.PathPrefix(normalizePath(s.cfg.AdminPath)).Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/exchanges", s.handleExchanges).Methods(http.MethodGet)
	api.HandleFunc("/exchanges/{id}", s.handleExchange).Methods(http.MethodGet)
	api.HandleFunc("/seeds", s.handleSeeds).Methods(http.MethodGet)
	api.HandleFunc("/seeds", s.handleClearSeeds).Methods(http.MethodDelete)
	api.HandleFunc("/seed", s.handleSeed).Methods(http.MethodGet)
	api.HandleFunc("/export", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
}

// Record stores the exchange and pushes it to websocket clients.
func (s *Service) Record(route string, data *request.RequestData, resp *request.ResponseData) {
	if s == nil || !s.cfg.Enable {
		return
	}

	ex := s.exchanges.Add(route, data, resp)
	s.hub.Broadcast(map[string]interface{}{
		"type": "exchange",
		"data": ex,
	})
}

// Close releases resources.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.hub.Close()
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"seeds":      s.seeds != nil,
		"ws_clients": s.hub.Clients(),
	})
}

func (s *Service) handleExchanges(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, offset := pagination(query.Get("limit"), query.Get("offset"))

	items, total := s.exchanges.List(ListOptions{
		Search: query.Get("search"),
		Method: query.Get("method"),
		Route:  query.Get("route"),
		Limit:  limit,
		Offset: offset,
	})

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":   items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Service) handleExchange(w http.ResponseWriter, r *http.Request) {
	ex, ok := s.exchanges.Get(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "Exchange not found", http.StatusNotFound)
		return
	}
	s.respondJSON(w, http.StatusOK, ex)
}

func (s *Service) handleSeeds(w http.ResponseWriter, r *http.Request) {
	if !s.requireSeeds(w) {
		return
	}
	query := r.URL.Query()
	limit, offset := pagination(query.Get("limit"), query.Get("offset"))

	items, total, err := s.seeds.List(r.Context(), seed.ListOptions{
		Search: query.Get("search"),
		Method: query.Get("method"),
		Route:  query.Get("route"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.logger.Error("Failed to list seeds", "error", err)
		http.Error(w, "Failed to list seeds", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []*seed.Record{}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":   items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Service) handleSeed(w http.ResponseWriter, r *http.Request) {
	if !s.requireSeeds(w) {
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "Missing key", http.StatusBadRequest)
		return
	}

	rec, err := s.seeds.Get(r.Context(), key)
	if errors.Is(err, seed.ErrNotFound) {
		http.Error(w, "Seed not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Failed to load seed", "key", key, "error", err)
		http.Error(w, "Failed to load seed", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Service) handleClearSeeds(w http.ResponseWriter, r *http.Request) {
	if !s.requireSeeds(w) {
		return
	}
	removed, err := s.seeds.Clear(r.Context())
	if err != nil {
		s.logger.Error("Failed to clear seeds", "error", err)
		http.Error(w, "Failed to clear seeds", http.StatusInternalServerError)
		return
	}
	s.logger.Info("Seeds cleared", "removed", removed)
	s.respondJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	if !s.requireSeeds(w) {
		return
	}

	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	if !containsFormat(s.formats, format) {
		http.Error(w, fmt.Sprintf("Unsupported export format: %s", format), http.StatusBadRequest)
		return
	}

	records, _, err := s.seeds.List(r.Context(), seed.ListOptions{
		Search: r.URL.Query().Get("search"),
		Method: r.URL.Query().Get("method"),
	})
	if err != nil {
		s.logger.Error("Failed to list seeds for export", "error", err)
		http.Error(w, "Failed to export data", http.StatusInternalServerError)
		return
	}

	data, contentType, ext, err := ExportSeeds(records, format)
	if err != nil {
		s.logger.Error("Export failed", "error", err)
		http.Error(w, "Failed to export data", http.StatusInternalServerError)
		return
	}

	filename := fmt.Sprintf("swarmtap_seeds_%d.%s", time.Now().Unix(), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Upgrade(w, r); err != nil {
		s.logger.Error("Failed to upgrade websocket", "error", err)
	}
}

func (s *Service) requireSeeds(w http.ResponseWriter) bool {
	if s.seeds == nil {
		http.Error(w, "Seeding is disabled", http.StatusNotFound)
		return false
	}
	return true
}

func (s *Service) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func pagination(rawLimit, rawOffset string) (int, int) {
	limit := parseIntDefault(rawLimit, defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	offset := parseIntDefault(rawOffset, 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed
	}
	return def
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func containsFormat(formats []string, target string) bool {
	for _, f := range formats {
		if f == target {
			return true
		}
	}
	return false
}
