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

// Package sqlite implements the event store on an embedded SQLite
// database, for single-machine installs with no MongoDB around.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/tokentap/internal/clientinfo"
	"github.com/tombee/tokentap/internal/event"
	"github.com/tombee/tokentap/internal/store"
)

// Store implements store.Store on SQLite. Query columns are extracted at
// insert; the full event document rides along as JSON.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database and runs migrations. The special
// path ":memory:" keeps everything in process memory.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	// WAL keeps readers unblocked while the sink writes.
	connStr := path
	if path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	s := &Store{db: db}
	if err := s.migrate(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			provider_id TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			estimated_cost REAL,
			program TEXT NOT NULL DEFAULT '',
			project TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL DEFAULT '',
			is_token_consuming INTEGER NOT NULL DEFAULT 0,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_provider_ts ON events(provider_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_model_ts ON events(model, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_program_ts ON events(program, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_project_ts ON events(project, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_device_ts ON events(device_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_token_consuming ON events(is_token_consuming)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			os TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			browser TEXT NOT NULL DEFAULT '',
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, ev *event.Event) error {
	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	var cost any
	if ev.EstimatedCost != nil {
		cost = *ev.EstimatedCost
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (
			timestamp, duration_ms, provider_id, model,
			input_tokens, output_tokens, total_tokens,
			cache_creation_tokens, cache_read_tokens, estimated_cost,
			program, project, device_id, is_token_consuming, doc
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Timestamp.UnixMilli(), ev.DurationMS, ev.ProviderID, ev.Model,
		ev.InputTokens, ev.OutputTokens, ev.TotalTokens,
		ev.CacheCreationTokens, ev.CacheReadTokens, cost,
		ev.Program, ev.Project, ev.DeviceID, boolToInt(ev.IsTokenConsuming), string(doc),
	)
	if err != nil {
		return classify(err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = strconv.FormatInt(id, 10)
	}
	return nil
}

// Events implements store.Store.
func (s *Store) Events(ctx context.Context, f store.Filter, p store.Page) ([]event.Event, error) {
	where, args := filterClause(f)
	q := `SELECT id, doc FROM events` + where + ` ORDER BY timestamp DESC`
	if p.Limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(p.Limit)
	} else {
		q += ` LIMIT -1`
	}
	if p.Skip > 0 {
		q += ` OFFSET ` + strconv.Itoa(p.Skip)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var id int64
		var doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(doc), &ev); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", id, err)
		}
		ev.ID = strconv.FormatInt(id, 10)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Event implements store.Store.
func (s *Store) Event(ctx context.Context, id string) (*event.Event, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: event %s", store.ErrNotFound, id)
	}

	var doc string
	err = s.db.QueryRowContext(ctx, `SELECT doc FROM events WHERE id = ?`, n).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: event %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, classify(err)
	}

	var ev event.Event
	if err := json.Unmarshal([]byte(doc), &ev); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", id, err)
	}
	ev.ID = id
	return &ev, nil
}

// Count implements store.Store.
func (s *Store) Count(ctx context.Context, f store.Filter) (int64, error) {
	where, args := filterClause(f)
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// Stats implements store.Store.
func (s *Store) Stats(ctx context.Context, f store.Filter) (store.Stats, error) {
	where, args := filterClause(f)

	var stats store.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cache_creation_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0),
			COALESCE(SUM(estimated_cost), 0)
		FROM events`+where, args...).Scan(
		&stats.TotalEvents, &stats.InputTokens, &stats.OutputTokens,
		&stats.TotalTokens, &stats.CacheCreation, &stats.CacheRead,
		&stats.EstimatedCost,
	)
	if err != nil {
		return store.Stats{}, classify(err)
	}

	if stats.ByProvider, err = s.grouped(ctx, "provider_id", where, args); err != nil {
		return store.Stats{}, err
	}
	if stats.ByModel, err = s.grouped(ctx, "model", where, args); err != nil {
		return store.Stats{}, err
	}
	if stats.ByProgram, err = s.grouped(ctx, "program", where, args); err != nil {
		return store.Stats{}, err
	}
	if stats.ByProject, err = s.grouped(ctx, "project", where, args); err != nil {
		return store.Stats{}, err
	}
	if stats.ByDevice, err = s.grouped(ctx, "device_id", where, args); err != nil {
		return store.Stats{}, err
	}
	return stats, nil
}

// StatsOverTime implements store.Store.
func (s *Store) StatsOverTime(ctx context.Context, f store.Filter, iv store.Interval) ([]store.TimeBucket, error) {
	width, err := iv.Duration()
	if err != nil {
		return nil, err
	}
	ms := width.Milliseconds()

	where, args := filterClause(f)
	q := fmt.Sprintf(`SELECT (timestamp / %d) * %d,
			COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(estimated_cost), 0)
		FROM events%s
		GROUP BY timestamp / %d
		ORDER BY 1 ASC`, ms, ms, where, ms)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []store.TimeBucket
	for rows.Next() {
		var b store.TimeBucket
		var start int64
		if err := rows.Scan(&start, &b.Events, &b.InputTokens,
			&b.OutputTokens, &b.TotalTokens, &b.EstimatedCost); err != nil {
			return nil, err
		}
		b.Start = time.UnixMilli(start).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) grouped(ctx context.Context, col, where string, args []any) ([]store.ProviderStats, error) {
	q := `SELECT ` + col + `,
			COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(estimated_cost), 0)
		FROM events` + where + `
		GROUP BY ` + col + `
		ORDER BY SUM(total_tokens) DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []store.ProviderStats
	for rows.Next() {
		var ps store.ProviderStats
		if err := rows.Scan(&ps.Key, &ps.Events, &ps.InputTokens,
			&ps.OutputTokens, &ps.TotalTokens, &ps.EstimatedCost); err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// UpsertDevice implements store.Store.
func (s *Store) UpsertDevice(ctx context.Context, d clientinfo.Device, seen time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, session_id, os, ip, user_agent, browser, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			os = excluded.os,
			ip = excluded.ip,
			user_agent = excluded.user_agent,
			browser = excluded.browser,
			last_seen = excluded.last_seen`,
		d.ID, d.SessionID, d.OS, d.IP, d.UserAgent, d.Browser,
		seen.UnixMilli(), seen.UnixMilli(),
	)
	return classify(err)
}

// Devices implements store.Store.
func (s *Store) Devices(ctx context.Context) ([]store.DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, session_id, os, ip, user_agent, browser, first_seen, last_seen
		FROM devices ORDER BY last_seen DESC`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []store.DeviceRecord
	for rows.Next() {
		var rec store.DeviceRecord
		var first, last int64
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.SessionID, &rec.OS,
			&rec.IP, &rec.UserAgent, &rec.Browser, &first, &last); err != nil {
			return nil, err
		}
		rec.FirstSeen = time.UnixMilli(first).UTC()
		rec.LastSeen = time.UnixMilli(last).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// NameDevice implements store.Store.
func (s *Store) NameDevice(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: device %s", store.ErrNotFound, id)
	}
	return nil
}

// DeleteDevice implements store.Store.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: device %s", store.ErrNotFound, id)
	}
	return nil
}

// DeleteAllEvents implements store.Store.
func (s *Store) DeleteAllEvents(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events`)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

// filterClause builds the shared WHERE clause for the filter.
func filterClause(f store.Filter) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if f.Provider != "" {
		add("provider_id = ?", f.Provider)
	}
	if f.Model != "" {
		add("model = ?", f.Model)
	}
	if f.Program != "" {
		add("program = ?", f.Program)
	}
	if f.Project != "" {
		add("project = ?", f.Project)
	}
	if f.DeviceID != "" {
		add("device_id = ?", f.DeviceID)
	}
	if f.OnlyTokenConsuming {
		conds = append(conds, "is_token_consuming = 1")
	}
	if !f.Since.IsZero() {
		add("timestamp >= ?", f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		add("timestamp < ?", f.Until.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// classify wraps lock and I/O contention as retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}
