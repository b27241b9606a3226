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

package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/tokentap/internal/clientinfo"
	"github.com/tombee/tokentap/internal/event"
	"github.com/tombee/tokentap/internal/store"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func sampleEvent(provider, model, program string, ts time.Time, in, out int64) *event.Event {
	cost := float64(in)*1e-6 + float64(out)*5e-6
	return &event.Event{
		Timestamp:        ts,
		DurationMS:       120,
		ProviderID:       provider,
		Model:            model,
		InputTokens:      in,
		OutputTokens:     out,
		TotalTokens:      in + out,
		ResponseStatus:   200,
		Program:          program,
		Project:          "proj",
		DeviceID:         "dev-1",
		IsTokenConsuming: in+out > 0,
		EstimatedCost:    &cost,
		Messages:         []any{},
	}
}

func TestInsertAndEvents(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	first := sampleEvent("anthropic", "claude-sonnet-4-5", "claude-code", base, 100, 40)
	second := sampleEvent("openai", "gpt-4o", "codex", base.Add(time.Minute), 10, 5)
	require.NoError(t, s.Insert(ctx, first))
	require.NoError(t, s.Insert(ctx, second))
	assert.NotEmpty(t, first.ID)

	events, err := s.Events(ctx, store.Filter{}, store.Page{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Newest first.
	assert.Equal(t, "openai", events[0].ProviderID)
	assert.Equal(t, "anthropic", events[1].ProviderID)
	assert.EqualValues(t, 140, events[1].TotalTokens)
}

func TestEvents_FilterAndPage(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		provider := "anthropic"
		if i%2 == 1 {
			provider = "openai"
		}
		ev := sampleEvent(provider, "m", "p", base.Add(time.Duration(i)*time.Minute), 10, 1)
		require.NoError(t, s.Insert(ctx, ev))
	}

	events, err := s.Events(ctx, store.Filter{Provider: "anthropic"}, store.Page{})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = s.Events(ctx, store.Filter{}, store.Page{Limit: 2, Skip: 1})
	require.NoError(t, err)
	require.Len(t, events, 2)

	n, err := s.Count(ctx, store.Filter{Provider: "openai"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// Time window: only events at or after base+3m.
	events, err = s.Events(ctx, store.Filter{Since: base.Add(3 * time.Minute)}, store.Page{})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestStats(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Insert(ctx, sampleEvent("anthropic", "claude-sonnet-4-5", "claude-code", base, 100, 40)))
	require.NoError(t, s.Insert(ctx, sampleEvent("anthropic", "claude-haiku-4", "claude-code", base, 50, 10)))
	require.NoError(t, s.Insert(ctx, sampleEvent("openai", "gpt-4o", "codex", base, 20, 5)))

	stats, err := s.Stats(ctx, store.Filter{})
	require.NoError(t, err)

	assert.EqualValues(t, 3, stats.TotalEvents)
	assert.EqualValues(t, 170, stats.InputTokens)
	assert.EqualValues(t, 55, stats.OutputTokens)
	assert.EqualValues(t, 225, stats.TotalTokens)

	require.Len(t, stats.ByProvider, 2)
	assert.Equal(t, "anthropic", stats.ByProvider[0].Key)
	assert.EqualValues(t, 2, stats.ByProvider[0].Events)
	assert.EqualValues(t, 200, stats.ByProvider[0].TotalTokens)

	assert.Len(t, stats.ByModel, 3)
	assert.Len(t, stats.ByProgram, 2)

	filtered, err := s.Stats(ctx, store.Filter{Provider: "openai"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, filtered.TotalEvents)
	assert.EqualValues(t, 25, filtered.TotalTokens)
}

func TestEventByID(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	ev := sampleEvent("anthropic", "claude-sonnet-4-5", "claude-code", time.Now().UTC(), 10, 5)
	require.NoError(t, s.Insert(ctx, ev))
	require.NotEmpty(t, ev.ID)

	got, err := s.Event(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "anthropic", got.ProviderID)
	assert.EqualValues(t, 15, got.TotalTokens)

	_, err = s.Event(ctx, "999999")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Event(ctx, "not-a-number")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStatsOverTime(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Insert(ctx, sampleEvent("anthropic", "m", "p", base, 10, 5)))
	require.NoError(t, s.Insert(ctx, sampleEvent("anthropic", "m", "p", base.Add(10*time.Minute), 20, 5)))
	require.NoError(t, s.Insert(ctx, sampleEvent("anthropic", "m", "p", base.Add(2*time.Hour), 5, 5)))

	buckets, err := s.StatsOverTime(ctx, store.Filter{}, store.IntervalHour)
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	// Oldest first, first bucket carries both 10:xx events.
	assert.EqualValues(t, 2, buckets[0].Events)
	assert.EqualValues(t, 40, buckets[0].TotalTokens)
	assert.EqualValues(t, 1, buckets[1].Events)
	assert.True(t, buckets[0].Start.Before(buckets[1].Start))

	_, err = s.StatsOverTime(ctx, store.Filter{}, store.Interval("fortnight"))
	assert.Error(t, err)
}

func TestDeviceRegistry(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seen := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	dev := clientinfo.Device{ID: "dev-1", OS: "darwin", IP: "127.0.0.1", UserAgent: "claude-cli/2.0"}
	require.NoError(t, s.UpsertDevice(ctx, dev, seen))

	// Second sighting updates last_seen, keeps first_seen and name.
	require.NoError(t, s.NameDevice(ctx, "dev-1", "laptop"))
	dev.IP = "10.0.0.2"
	require.NoError(t, s.UpsertDevice(ctx, dev, seen.Add(time.Hour)))

	devices, err := s.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	rec := devices[0]
	assert.Equal(t, "laptop", rec.Name)
	assert.Equal(t, "10.0.0.2", rec.IP)
	assert.Equal(t, seen, rec.FirstSeen)
	assert.Equal(t, seen.Add(time.Hour), rec.LastSeen)

	assert.ErrorIs(t, s.NameDevice(ctx, "ghost", "x"), store.ErrNotFound)

	require.NoError(t, s.DeleteDevice(ctx, "dev-1"))
	devices, err = s.Devices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.ErrorIs(t, s.DeleteDevice(ctx, "dev-1"), store.ErrNotFound)
}

func TestDeleteAllEvents(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.Insert(ctx, sampleEvent("anthropic", "m", "p", base, 1, 1)))
	require.NoError(t, s.Insert(ctx, sampleEvent("openai", "m", "p", base, 1, 1)))

	n, err := s.DeleteAllEvents(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	count, err := s.Count(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestTokenConsumingFilter(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.Insert(ctx, sampleEvent("anthropic", "m", "p", base, 10, 5)))
	require.NoError(t, s.Insert(ctx, sampleEvent("anthropic", "m", "p", base, 0, 0)))

	n, err := s.Count(ctx, store.Filter{OnlyTokenConsuming: true})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
