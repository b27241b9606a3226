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

// Package store defines the event persistence contract: an append-only
// event collection plus a small device registry. Implementations live in
// the subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tombee/tokentap/internal/clientinfo"
	"github.com/tombee/tokentap/internal/event"
)

// ErrUnavailable marks transient store failures worth retrying.
var ErrUnavailable = errors.New("store unavailable")

// ErrNotFound is returned for lookups of absent records.
var ErrNotFound = errors.New("not found")

// Filter narrows event queries. Zero values mean no constraint.
type Filter struct {
	Provider           string
	Model              string
	Program            string
	Project            string
	DeviceID           string
	Since              time.Time
	Until              time.Time
	OnlyTokenConsuming bool
}

// Page controls result windows. Events are always sorted by timestamp,
// newest first.
type Page struct {
	Limit int
	Skip  int
}

// ProviderStats is one aggregation bucket.
type ProviderStats struct {
	Key           string  `json:"key" bson:"_id"`
	Events        int64   `json:"events" bson:"events"`
	InputTokens   int64   `json:"input_tokens" bson:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens" bson:"output_tokens"`
	TotalTokens   int64   `json:"total_tokens" bson:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost" bson:"estimated_cost"`
}

// Stats summarises the filtered event set.
type Stats struct {
	TotalEvents   int64           `json:"total_events"`
	InputTokens   int64           `json:"input_tokens"`
	OutputTokens  int64           `json:"output_tokens"`
	TotalTokens   int64           `json:"total_tokens"`
	CacheCreation int64           `json:"cache_creation_tokens"`
	CacheRead     int64           `json:"cache_read_tokens"`
	EstimatedCost float64         `json:"estimated_cost"`
	ByProvider    []ProviderStats `json:"by_provider"`
	ByModel       []ProviderStats `json:"by_model"`
	ByProgram     []ProviderStats `json:"by_program"`
	ByProject     []ProviderStats `json:"by_project"`
	ByDevice      []ProviderStats `json:"by_device"`
}

// Interval sizes time buckets for StatsOverTime.
type Interval string

const (
	IntervalHour Interval = "hour"
	IntervalDay  Interval = "day"
	IntervalWeek Interval = "week"
)

// Duration returns the bucket width.
func (i Interval) Duration() (time.Duration, error) {
	switch i {
	case IntervalHour:
		return time.Hour, nil
	case IntervalDay:
		return 24 * time.Hour, nil
	case IntervalWeek:
		return 7 * 24 * time.Hour, nil
	}
	return 0, errors.New("interval must be hour, day, or week")
}

// TimeBucket is one StatsOverTime aggregation bucket. Start is the
// bucket's inclusive lower bound in UTC.
type TimeBucket struct {
	Start         time.Time `json:"start"`
	Events        int64     `json:"events"`
	InputTokens   int64     `json:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens"`
	TotalTokens   int64     `json:"total_tokens"`
	EstimatedCost float64   `json:"estimated_cost"`
}

// DeviceRecord is a registry entry for one observed device. Name is
// operator-assigned; everything else is last-write-wins from flows.
type DeviceRecord struct {
	clientinfo.Device `bson:",inline"`

	Name      string    `json:"name,omitempty" bson:"name,omitempty"`
	FirstSeen time.Time `json:"first_seen" bson:"first_seen"`
	LastSeen  time.Time `json:"last_seen" bson:"last_seen"`
}

// Store is the persistence contract the sink and dashboard depend on.
// Insert is the only call on the write path; everything else serves the
// dashboard.
type Store interface {
	// Insert appends one event. Transient failures wrap ErrUnavailable.
	Insert(ctx context.Context, ev *event.Event) error

	// Events returns the filtered window, newest first.
	Events(ctx context.Context, f Filter, p Page) ([]event.Event, error)

	// Event returns a single event by id, or ErrNotFound.
	Event(ctx context.Context, id string) (*event.Event, error)

	// Count returns the filtered event count.
	Count(ctx context.Context, f Filter) (int64, error)

	// Stats aggregates the filtered set.
	Stats(ctx context.Context, f Filter) (Stats, error)

	// StatsOverTime buckets the filtered set by interval, oldest first.
	StatsOverTime(ctx context.Context, f Filter, iv Interval) ([]TimeBucket, error)

	// UpsertDevice records a device sighting, preserving any
	// operator-assigned name.
	UpsertDevice(ctx context.Context, d clientinfo.Device, seen time.Time) error

	// Devices lists the registry.
	Devices(ctx context.Context) ([]DeviceRecord, error)

	// NameDevice assigns an operator name to a device.
	NameDevice(ctx context.Context, id, name string) error

	// DeleteDevice removes a device from the registry. Events recorded
	// for it are untouched.
	DeleteDevice(ctx context.Context, id string) error

	// DeleteAllEvents destroys every stored event and returns the count.
	DeleteAllEvents(ctx context.Context) (int64, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the backing connection.
	Close(ctx context.Context) error
}

// IsTransient reports whether an insert failure is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
