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

// Package sink moves assembled events from flow handlers to the store.
// It is the only component allowed to block on storage I/O; the proxy
// side of the boundary never waits.
package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/tokentap/internal/event"
	"github.com/tombee/tokentap/internal/log"
	"github.com/tombee/tokentap/internal/metrics"
	"github.com/tombee/tokentap/internal/store"
)

const (
	// DefaultCapacity bounds the queue between hooks and writers.
	DefaultCapacity = 4096
	// DefaultWorkers is the writer pool size.
	DefaultWorkers = 2

	retryBase     = 100 * time.Millisecond
	retryCap      = 5 * time.Second
	retryAttempts = 5
)

// Options tunes the sink. Zero values take the defaults.
type Options struct {
	Capacity int
	Workers  int
}

// Sink owns the queue and the writer pool.
type Sink struct {
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Collector

	// queue is never closed; a hijacked connection can still deliver a
	// late flow while Drain runs, and a send must drop, not panic.
	queue    chan *event.Event
	done     chan struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	started  sync.Once
	stopped  sync.Once
	draining atomic.Bool
}

// New builds a sink writing to st.
func New(st store.Store, collector *metrics.Collector, logger *slog.Logger, opts Options) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	s := &Sink{
		store:   st,
		logger:  log.WithComponent(logger, "sink"),
		metrics: collector,
		queue:   make(chan *event.Event, capacity),
		done:    make(chan struct{}),
	}
	s.startWorkers(workers)
	return s
}

func (s *Sink) startWorkers(n int) {
	s.started.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		for i := 0; i < n; i++ {
			s.wg.Add(1)
			go s.worker(ctx)
		}
	})
}

// Enqueue hands an event to the writer pool without blocking. A full
// queue drops the event and counts it; the caller never learns, by
// design of the forwarding path.
func (s *Sink) Enqueue(ev *event.Event) {
	if s.draining.Load() {
		s.metrics.RecordSinkDropped(context.Background())
		return
	}
	select {
	case s.queue <- ev:
		s.metrics.SetQueueDepth(int64(len(s.queue)))
	default:
		s.metrics.RecordSinkDropped(context.Background())
		s.logger.Warn("sink queue full, event dropped",
			slog.String(log.ProviderKey, ev.ProviderID),
			slog.String(log.ModelKey, ev.Model))
	}
}

// Depth returns the current queue depth.
func (s *Sink) Depth() int { return len(s.queue) }

func (s *Sink) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.queue:
			s.metrics.SetQueueDepth(int64(len(s.queue)))
			s.write(ctx, ev)
		case <-s.done:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case ev := <-s.queue:
					s.metrics.SetQueueDepth(int64(len(s.queue)))
					s.write(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

// write appends one event, retrying transient failures with exponential
// backoff. Permanent failures and exhausted retries discard the event.
func (s *Sink) write(ctx context.Context, ev *event.Event) {
	delay := retryBase
	for attempt := 1; ; attempt++ {
		err := s.store.Insert(ctx, ev)
		if err == nil {
			s.metrics.RecordEvent(ctx, ev.ProviderID, ev.Model, ev.InputTokens, ev.OutputTokens)
			s.upsertDevice(ctx, ev)
			return
		}
		if !store.IsTransient(err) || attempt >= retryAttempts {
			s.metrics.RecordSinkFailed(ctx)
			s.logger.Error("event write failed, discarding",
				slog.String(log.ProviderKey, ev.ProviderID),
				slog.String(log.ModelKey, ev.Model),
				slog.Int("attempts", attempt),
				slog.Int64("total_tokens", ev.TotalTokens),
				log.Error(err))
			return
		}
		s.logger.Debug("event write failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			log.Error(err))

		select {
		case <-ctx.Done():
			s.metrics.RecordSinkFailed(ctx)
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}
}

// upsertDevice records the device sighting off the hot path. Failures
// are logged and forgotten; the registry has no coupling to the insert.
func (s *Sink) upsertDevice(ctx context.Context, ev *event.Event) {
	if ev.Device.ID == "" {
		return
	}
	if err := s.store.UpsertDevice(ctx, ev.Device, ev.Timestamp); err != nil {
		s.logger.Debug("device upsert failed",
			slog.String(log.DeviceIDKey, ev.Device.ID),
			log.Error(err))
	}
}

// Drain stops accepting events and waits for the queue to empty, up to
// the deadline. Remaining items after the deadline are counted as failed
// and dropped.
func (s *Sink) Drain(deadline time.Duration) {
	s.stopped.Do(func() {
		s.draining.Store(true)
		close(s.done)

		finished := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
		case <-time.After(deadline):
			s.cancel()
			<-finished
		}
		s.cancel()

		abandoned := 0
	rest:
		for {
			select {
			case <-s.queue:
				abandoned++
				s.metrics.RecordSinkFailed(context.Background())
			default:
				break rest
			}
		}
		if abandoned > 0 {
			s.logger.Warn("sink drain incomplete, events abandoned",
				slog.Int("events_abandoned", abandoned))
		}
	})
}
