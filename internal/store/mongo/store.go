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

// Package mongo implements the event store on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/tombee/tokentap/internal/clientinfo"
	"github.com/tombee/tokentap/internal/event"
	"github.com/tombee/tokentap/internal/store"
)

const (
	defaultDatabase    = "tokentap"
	eventsCollection   = "events"
	devicesCollection  = "devices"
	defaultOpTimeout   = 5 * time.Second
	defaultConnTimeout = 10 * time.Second
)

// Options configures the Mongo store.
type Options struct {
	URI        string
	Database   string
	Timeout    time.Duration
	MaxResults int
}

// Store implements store.Store on two MongoDB collections.
type Store struct {
	client  *mongodriver.Client
	events  *mongodriver.Collection
	devices *mongodriver.Collection
	timeout time.Duration
}

// Open connects, verifies reachability, and creates the startup indexes.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	db := opts.Database
	if db == "" {
		db = defaultDatabase
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	connCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()

	client, err := mongodriver.Connect(connCtx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", store.ErrUnavailable, err)
	}
	if err := client.Ping(connCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping: %v", store.ErrUnavailable, err)
	}

	s := &Store{
		client:  client,
		events:  client.Database(db).Collection(eventsCollection),
		devices: client.Database(db).Collection(devicesCollection),
		timeout: timeout,
	}
	if err := s.ensureIndexes(connCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// ensureIndexes creates the startup index set; creation is idempotent.
func (s *Store) ensureIndexes(ctx context.Context) error {
	models := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "provider_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "model", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "context.program", Value: 1}}},
		{Keys: bson.D{{Key: "context.project", Value: 1}}},
		{Keys: bson.D{{Key: "program", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "project", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "device_id", Value: 1}}},
		{Keys: bson.D{{Key: "is_token_consuming", Value: 1}}},
		{Keys: bson.D{{Key: "device_id", Value: 1}, {Key: "timestamp", Value: -1}}},
	}
	if _, err := s.events.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("%w: create indexes: %v", store.ErrUnavailable, err)
	}
	_, err := s.devices.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("%w: create device index: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, ev *event.Event) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := *ev
	doc.ID = "" // let the driver assign the object id
	res, err := s.events.InsertOne(ctx, doc)
	if err != nil {
		return classify(err)
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		ev.ID = oid.Hex()
	}
	return nil
}

// Events implements store.Store.
func (s *Store) Events(ctx context.Context, f store.Filter, p store.Page) ([]event.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	findOpts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if p.Limit > 0 {
		findOpts.SetLimit(int64(p.Limit))
	}
	if p.Skip > 0 {
		findOpts.SetSkip(int64(p.Skip))
	}

	cur, err := s.events.Find(ctx, filterDoc(f), findOpts)
	if err != nil {
		return nil, classify(err)
	}
	defer cur.Close(ctx)

	var out []event.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toEvent())
	}
	if err := cur.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// eventDocument exists to turn the stored object id back into a hex
// string on the way out.
type eventDocument struct {
	event.Event `bson:",inline"`
	OID         primitive.ObjectID `bson:"_id,omitempty"`
}

func (d eventDocument) toEvent() event.Event {
	ev := d.Event
	ev.ID = d.OID.Hex()
	return ev
}

// Event implements store.Store.
func (s *Store) Event(ctx context.Context, id string) (*event.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%w: event %s", store.ErrNotFound, id)
	}

	var doc eventDocument
	err = s.events.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: event %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, classify(err)
	}
	ev := doc.toEvent()
	return &ev, nil
}

// Count implements store.Store.
func (s *Store) Count(ctx context.Context, f store.Filter) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.events.CountDocuments(ctx, filterDoc(f))
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// Stats implements store.Store with one aggregation per grouping.
func (s *Store) Stats(ctx context.Context, f store.Filter) (store.Stats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var stats store.Stats

	totals, err := s.aggregate(ctx, f, nil)
	if err != nil {
		return store.Stats{}, err
	}
	if len(totals) > 0 {
		t := totals[0]
		stats.TotalEvents = t.Events
		stats.InputTokens = t.InputTokens
		stats.OutputTokens = t.OutputTokens
		stats.TotalTokens = t.TotalTokens
		stats.EstimatedCost = t.EstimatedCost
		stats.CacheCreation = t.cacheCreation
		stats.CacheRead = t.cacheRead
	}

	if stats.ByProvider, err = s.grouped(ctx, f, "$provider_id"); err != nil {
		return store.Stats{}, err
	}
	if stats.ByModel, err = s.grouped(ctx, f, "$model"); err != nil {
		return store.Stats{}, err
	}
	if stats.ByProgram, err = s.grouped(ctx, f, "$program"); err != nil {
		return store.Stats{}, err
	}
	if stats.ByProject, err = s.grouped(ctx, f, "$project"); err != nil {
		return store.Stats{}, err
	}
	if stats.ByDevice, err = s.grouped(ctx, f, "$device_id"); err != nil {
		return store.Stats{}, err
	}
	return stats, nil
}

// StatsOverTime implements store.Store with a $dateTrunc bucketing
// pipeline. Weeks start on Monday.
func (s *Store) StatsOverTime(ctx context.Context, f store.Filter, iv store.Interval) ([]store.TimeBucket, error) {
	if _, err := iv.Duration(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	trunc := bson.D{
		{Key: "date", Value: "$timestamp"},
		{Key: "unit", Value: string(iv)},
	}
	if iv == store.IntervalWeek {
		trunc = append(trunc, bson.E{Key: "startOfWeek", Value: "monday"})
	}

	pipeline := mongodriver.Pipeline{
		{{Key: "$match", Value: filterDoc(f)}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{{Key: "$dateTrunc", Value: trunc}}},
			{Key: "events", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "input_tokens", Value: bson.D{{Key: "$sum", Value: "$input_tokens"}}},
			{Key: "output_tokens", Value: bson.D{{Key: "$sum", Value: "$output_tokens"}}},
			{Key: "total_tokens", Value: bson.D{{Key: "$sum", Value: "$total_tokens"}}},
			{Key: "estimated_cost", Value: bson.D{{Key: "$sum", Value: "$estimated_cost"}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	}

	cur, err := s.events.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, classify(err)
	}
	defer cur.Close(ctx)

	var out []store.TimeBucket
	for cur.Next(ctx) {
		var row struct {
			Start         time.Time `bson:"_id"`
			Events        int64     `bson:"events"`
			InputTokens   int64     `bson:"input_tokens"`
			OutputTokens  int64     `bson:"output_tokens"`
			TotalTokens   int64     `bson:"total_tokens"`
			EstimatedCost float64   `bson:"estimated_cost"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		out = append(out, store.TimeBucket{
			Start:         row.Start.UTC(),
			Events:        row.Events,
			InputTokens:   row.InputTokens,
			OutputTokens:  row.OutputTokens,
			TotalTokens:   row.TotalTokens,
			EstimatedCost: row.EstimatedCost,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

type statsRow struct {
	store.ProviderStats `bson:",inline"`
	cacheCreation       int64
	cacheRead           int64
	CacheCreationRaw    int64 `bson:"cache_creation"`
	CacheReadRaw        int64 `bson:"cache_read"`
}

func (s *Store) grouped(ctx context.Context, f store.Filter, key string) ([]store.ProviderStats, error) {
	rows, err := s.aggregate(ctx, f, key)
	if err != nil {
		return nil, err
	}
	out := make([]store.ProviderStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ProviderStats)
	}
	return out, nil
}

// aggregate runs the shared sum pipeline, grouped by key or collapsed to
// a single bucket when key is nil.
func (s *Store) aggregate(ctx context.Context, f store.Filter, key any) ([]statsRow, error) {
	if key == nil {
		key = ""
	}
	pipeline := mongodriver.Pipeline{
		{{Key: "$match", Value: filterDoc(f)}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: key},
			{Key: "events", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "input_tokens", Value: bson.D{{Key: "$sum", Value: "$input_tokens"}}},
			{Key: "output_tokens", Value: bson.D{{Key: "$sum", Value: "$output_tokens"}}},
			{Key: "total_tokens", Value: bson.D{{Key: "$sum", Value: "$total_tokens"}}},
			{Key: "cache_creation", Value: bson.D{{Key: "$sum", Value: "$cache_creation_tokens"}}},
			{Key: "cache_read", Value: bson.D{{Key: "$sum", Value: "$cache_read_tokens"}}},
			{Key: "estimated_cost", Value: bson.D{{Key: "$sum", Value: "$estimated_cost"}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "total_tokens", Value: -1}}}},
	}

	cur, err := s.events.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, classify(err)
	}
	defer cur.Close(ctx)

	var rows []statsRow
	for cur.Next(ctx) {
		var r statsRow
		if err := cur.Decode(&r); err != nil {
			return nil, err
		}
		r.cacheCreation = r.CacheCreationRaw
		r.cacheRead = r.CacheReadRaw
		rows = append(rows, r)
	}
	if err := cur.Err(); err != nil {
		return nil, classify(err)
	}
	return rows, nil
}

// UpsertDevice implements store.Store with last-write-wins semantics,
// keeping first_seen and any operator-assigned name.
func (s *Store) UpsertDevice(ctx context.Context, d clientinfo.Device, seen time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.devices.UpdateOne(ctx,
		bson.M{"id": d.ID},
		bson.M{
			"$set": bson.M{
				"session_id": d.SessionID,
				"os":         d.OS,
				"ip":         d.IP,
				"user_agent": d.UserAgent,
				"browser":    d.Browser,
				"last_seen":  seen.UTC(),
			},
			"$setOnInsert": bson.M{
				"id":         d.ID,
				"first_seen": seen.UTC(),
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

// Devices implements store.Store.
func (s *Store) Devices(ctx context.Context) ([]store.DeviceRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.devices.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "last_seen", Value: -1}}))
	if err != nil {
		return nil, classify(err)
	}
	defer cur.Close(ctx)

	var out []store.DeviceRecord
	for cur.Next(ctx) {
		var rec store.DeviceRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// NameDevice implements store.Store.
func (s *Store) NameDevice(ctx context.Context, id, name string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.devices.UpdateOne(ctx,
		bson.M{"id": id},
		bson.M{"$set": bson.M{"name": name}})
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: device %s", store.ErrNotFound, id)
	}
	return nil
}

// DeleteDevice implements store.Store.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.devices.DeleteOne(ctx, bson.M{"id": id})
	if err != nil {
		return classify(err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: device %s", store.ErrNotFound, id)
	}
	return nil
}

// DeleteAllEvents implements store.Store.
func (s *Store) DeleteAllEvents(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.events.DeleteMany(ctx, bson.M{})
	if err != nil {
		return 0, classify(err)
	}
	return res.DeletedCount, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// filterDoc translates the store filter into a Mongo query document.
func filterDoc(f store.Filter) bson.M {
	q := bson.M{}
	if f.Provider != "" {
		q["provider_id"] = f.Provider
	}
	if f.Model != "" {
		q["model"] = f.Model
	}
	if f.Program != "" {
		q["program"] = f.Program
	}
	if f.Project != "" {
		q["project"] = f.Project
	}
	if f.DeviceID != "" {
		q["device_id"] = f.DeviceID
	}
	if f.OnlyTokenConsuming {
		q["is_token_consuming"] = true
	}
	ts := bson.M{}
	if !f.Since.IsZero() {
		ts["$gte"] = f.Since.UTC()
	}
	if !f.Until.IsZero() {
		ts["$lt"] = f.Until.UTC()
	}
	if len(ts) > 0 {
		q["timestamp"] = ts
	}
	return q
}

// classify wraps driver failures that deserve a retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if mongodriver.IsNetworkError(err) || mongodriver.IsTimeout(err) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}
