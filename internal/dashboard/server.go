// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dashboard serves the read API over recorded events plus the
// admin control surface. It runs on its own port, separate from the
// proxy listener.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/tokentap/internal/log"
	"github.com/tombee/tokentap/internal/metrics"
	"github.com/tombee/tokentap/internal/provider"
	"github.com/tombee/tokentap/internal/security"
	"github.com/tombee/tokentap/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500

	defaultRateLimit = 50
	defaultBurst     = 100
)

// AdminTokenHeader authenticates mutating requests.
const AdminTokenHeader = "X-Admin-Token"

// Options configures the dashboard server.
type Options struct {
	Version string
	Logger  *slog.Logger

	// RateLimit is requests per second across the whole API; Burst is
	// the bucket size. Zero takes the defaults.
	RateLimit float64
	Burst     int
}

// Server is the dashboard HTTP API.
type Server struct {
	store    store.Store
	gate     *security.Gate
	registry *provider.Handle
	metrics  *metrics.Collector
	logger   *slog.Logger
	limiter  *rate.Limiter
	version  string

	mux     *http.ServeMux
	httpSrv *http.Server
}

// New wires the route table.
func New(st store.Store, gate *security.Gate, registry *provider.Handle,
	collector *metrics.Collector, opts Options) *Server {

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := opts.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	s := &Server{
		store:    st,
		gate:     gate,
		registry: registry,
		metrics:  collector,
		logger:   log.WithComponent(logger, "dashboard"),
		limiter:  rate.NewLimiter(rate.Limit(limit), burst),
		version:  opts.Version,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/events/{id}", s.handleEvent)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/stats/over-time", s.handleStatsOverTime)
	s.mux.HandleFunc("GET /api/devices", s.handleDevices)
	s.mux.HandleFunc("POST /api/devices/{id}/name", s.requireAdmin(s.handleNameDevice))
	s.mux.HandleFunc("DELETE /api/devices/{id}", s.requireAdmin(s.handleDeleteDevice))
	s.mux.HandleFunc("DELETE /api/events", s.requireAdmin(s.handleDeleteEvents))
	// Path kept for clients of the original dashboard API.
	s.mux.HandleFunc("DELETE /api/events/all", s.requireAdmin(s.handleDeleteEvents))
	if collector != nil {
		s.mux.Handle("GET /metrics", collector.Handler())
	}
	return s
}

// Serve accepts API connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpSrv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	s.mux.ServeHTTP(w, r)
}

// requireAdmin gates mutating endpoints behind the owner-only token.
// Both a missing and a wrong token produce the same 403 so the endpoint
// does not confirm token existence.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(AdminTokenHeader)
		if s.gate == nil || !s.gate.VerifyAdminToken(token) {
			s.logger.Warn("admin request rejected",
				slog.String("path", r.URL.Path),
				slog.String("remote", r.RemoteAddr))
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "admin token required",
				"hint":  "pass the token from the state directory in " + AdminTokenHeader,
			})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	storeStatus := "ok"
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		storeStatus = "unavailable"
	}

	reg := s.registry.Current()
	status := map[string]any{
		"status":           "ok",
		"version":          s.version,
		"registry_version": reg.Version(),
		"capture_mode":     string(reg.CaptureMode()),
		"store":            storeStatus,
	}
	if s.gate != nil {
		status["network_mode"] = string(s.gate.NetworkMode())
		status["debug"] = s.gate.DebugOn()
	}
	if s.metrics != nil {
		status["counters"] = s.metrics.Snapshot()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.store.Events(r.Context(), filter, page)
	if err != nil {
		s.storeError(w, "list events", err)
		return
	}
	total, err := s.store.Count(r.Context(), filter)
	if err != nil {
		s.storeError(w, "count events", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  page.Limit,
		"skip":   page.Skip,
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.Event(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown event")
	case err != nil:
		s.storeError(w, "get event", err)
	default:
		writeJSON(w, http.StatusOK, ev)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	filter, _, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := s.store.Stats(r.Context(), filter)
	if err != nil {
		s.storeError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStatsOverTime(w http.ResponseWriter, r *http.Request) {
	filter, _, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	iv := store.Interval(r.URL.Query().Get("interval"))
	if iv == "" {
		iv = store.IntervalDay
	}
	if _, err := iv.Duration(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	buckets, err := s.store.StatsOverTime(r.Context(), filter, iv)
	if err != nil {
		s.storeError(w, "stats over time", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"interval": string(iv),
		"buckets":  buckets,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.Devices(r.Context())
	if err != nil {
		s.storeError(w, "list devices", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleNameDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"name\": \"...\"}")
		return
	}

	err := s.store.NameDevice(r.Context(), id, body.Name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown device")
	case err != nil:
		s.storeError(w, "name device", err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "name": body.Name})
	}
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.DeleteDevice(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown device")
	case err != nil:
		s.storeError(w, "delete device", err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
	}
}

func (s *Server) handleDeleteEvents(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.DeleteAllEvents(r.Context())
	if err != nil {
		s.storeError(w, "delete events", err)
		return
	}
	s.logger.Warn("all events deleted",
		slog.Int64("deleted", n),
		slog.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("store operation failed", slog.String("op", op), log.Error(err))
	if store.IsTransient(err) {
		writeError(w, http.StatusServiceUnavailable, "event store unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

// parseQuery maps the shared filter query parameters onto a store
// filter and page.
func parseQuery(r *http.Request) (store.Filter, store.Page, error) {
	q := r.URL.Query()
	filter := store.Filter{
		Provider: q.Get("provider"),
		Model:    q.Get("model"),
		Program:  q.Get("program"),
		Project:  q.Get("project"),
		DeviceID: q.Get("device_id"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, store.Page{}, errors.New("since must be RFC 3339")
		}
		filter.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, store.Page{}, errors.New("until must be RFC 3339")
		}
		filter.Until = t
	}
	if v := q.Get("token_consuming"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, store.Page{}, errors.New("token_consuming must be a boolean")
		}
		filter.OnlyTokenConsuming = b
	}

	page := store.Page{Limit: defaultPageSize}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, page, errors.New("limit must be a positive integer")
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		page.Limit = n
	}
	if v := q.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, page, errors.New("skip must be a non-negative integer")
		}
		page.Skip = n
	}
	return filter, page, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", log.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
