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

// Package event defines the persisted usage record and assembles one
// from the pieces a finished flow leaves behind.
package event

import (
	"encoding/json"
	"time"

	"github.com/tombee/tokentap/internal/clientinfo"
	"github.com/tombee/tokentap/internal/extract"
	"github.com/tombee/tokentap/internal/provider"
	"github.com/tombee/tokentap/internal/security"
)

// Context is the attribution block persisted with every event.
type Context struct {
	Program string         `json:"program" bson:"program"`
	Project string         `json:"project" bson:"project"`
	Session string         `json:"session,omitempty" bson:"session,omitempty"`
	Tags    []string       `json:"tags,omitempty" bson:"tags,omitempty"`
	Custom  map[string]any `json:"custom,omitempty" bson:"custom,omitempty"`
}

// Event is one recorded API call. Program and Project are denormalised
// out of Context so the store can index them directly.
type Event struct {
	ID                  string    `json:"id,omitempty" bson:"_id,omitempty"`
	Timestamp           time.Time `json:"timestamp" bson:"timestamp"`
	DurationMS          int64     `json:"duration_ms" bson:"duration_ms"`
	ProviderID          string    `json:"provider_id" bson:"provider_id"`
	Model               string    `json:"model" bson:"model"`
	InputTokens         int64     `json:"input_tokens" bson:"input_tokens"`
	OutputTokens        int64     `json:"output_tokens" bson:"output_tokens"`
	TotalTokens         int64     `json:"total_tokens" bson:"total_tokens"`
	CacheCreationTokens int64     `json:"cache_creation_tokens" bson:"cache_creation_tokens"`
	CacheReadTokens     int64     `json:"cache_read_tokens" bson:"cache_read_tokens"`
	EstimatedInput      int64     `json:"estimated_input_tokens,omitempty" bson:"estimated_input_tokens,omitempty"`
	ResponseStatus      int       `json:"response_status" bson:"response_status"`
	StopReason          string    `json:"stop_reason,omitempty" bson:"stop_reason,omitempty"`
	Streaming           bool      `json:"streaming" bson:"streaming"`
	Truncated           bool      `json:"truncated,omitempty" bson:"truncated,omitempty"`
	ClientType          string    `json:"client_type" bson:"client_type"`
	DeviceID            string    `json:"device_id" bson:"device_id"`
	IsTokenConsuming    bool      `json:"is_token_consuming" bson:"is_token_consuming"`
	HasBudgetTokens     bool      `json:"has_budget_tokens" bson:"has_budget_tokens"`
	EstimatedCost       *float64  `json:"estimated_cost" bson:"estimated_cost"`
	CaptureMode         string    `json:"capture_mode" bson:"capture_mode"`

	Context Context `json:"context" bson:"context"`
	Program string  `json:"program" bson:"program"`
	Project string  `json:"project" bson:"project"`

	Device clientinfo.Device `json:"device" bson:"device"`

	Messages        []any           `json:"messages" bson:"messages"`
	System          any             `json:"system,omitempty" bson:"system,omitempty"`
	Tools           []any           `json:"tools,omitempty" bson:"tools,omitempty"`
	Thinking        any             `json:"thinking,omitempty" bson:"thinking,omitempty"`
	RequestMetadata map[string]any  `json:"request_metadata,omitempty" bson:"request_metadata,omitempty"`
	RawRequest      json.RawMessage `json:"raw_request,omitempty" bson:"raw_request,omitempty"`
	RawResponse     json.RawMessage `json:"raw_response,omitempty" bson:"raw_response,omitempty"`

	ExtractorDiagnostics map[string]any `json:"extractor_diagnostics,omitempty" bson:"extractor_diagnostics,omitempty"`
}

// Input carries everything assembly needs from a finished flow.
type Input struct {
	Definition  *provider.Definition
	Digest      extract.RequestDigest
	Usage       extract.Usage
	StartedAt   time.Time
	FinishedAt  time.Time
	Status      int
	Streaming   bool
	Truncated   bool
	CaptureFull bool
	CaptureMode provider.CaptureMode
	PathMatch   bool
	Context     clientinfo.Context
	Device      clientinfo.Device
	ClientType  string
	RawResponse json.RawMessage
	Diagnostics map[string]any
}

// Assemble builds the persisted record. Message content is redacted
// unless the flow runs with full capture; token totals exclude cache
// counts.
func Assemble(in Input) Event {
	ev := Event{
		Timestamp:           in.StartedAt,
		DurationMS:          in.FinishedAt.Sub(in.StartedAt).Milliseconds(),
		ProviderID:          in.Definition.ID,
		Model:               pickModel(in),
		InputTokens:         in.Usage.InputTokens,
		OutputTokens:        in.Usage.OutputTokens,
		TotalTokens:         in.Usage.InputTokens + in.Usage.OutputTokens,
		CacheCreationTokens: in.Usage.CacheCreationTokens,
		CacheReadTokens:     in.Usage.CacheReadTokens,
		EstimatedInput:      in.Digest.EstimatedInputTokens,
		ResponseStatus:      in.Status,
		StopReason:          in.Usage.StopReason,
		Streaming:           in.Streaming,
		Truncated:           in.Truncated,
		ClientType:          in.ClientType,
		DeviceID:            in.Device.ID,
		HasBudgetTokens:     hasBudgetTokens(in.Digest.Thinking),
		CaptureMode:         string(in.CaptureMode),
		Device:              in.Device,
		Thinking:            in.Digest.Thinking,
		RequestMetadata:     in.Digest.Metadata,
		ExtractorDiagnostics: in.Diagnostics,
	}

	ev.Context = Context{
		Program: in.Context.Program,
		Project: in.Context.Project,
		Session: in.Context.Session,
		Tags:    mergeTags(in.Context.Tags, in.Definition.Metadata.Tags),
		Custom:  in.Context.Custom,
	}
	ev.Program = ev.Context.Program
	ev.Project = ev.Context.Project

	ev.IsTokenConsuming = len(in.Digest.Messages) > 0 || ev.HasBudgetTokens || in.PathMatch
	ev.EstimatedCost = estimateCost(in.Definition.Metadata, in.Usage)

	if in.CaptureFull {
		ev.Messages = in.Digest.Messages
		ev.System = in.Digest.System
		ev.Tools = in.Digest.Tools
		ev.RawRequest = in.Digest.FullBody
		ev.RawResponse = in.RawResponse
	} else {
		ev.Messages = security.RedactMessages(in.Digest.Messages)
		ev.System = security.RedactBlocks(in.Digest.System)
		ev.Tools = security.RedactMessages(in.Digest.Tools)
	}
	if ev.Messages == nil {
		ev.Messages = []any{}
	}
	return ev
}

// mergeTags combines client-supplied and provider tags, client first,
// dropping duplicates.
func mergeTags(client, providerTags []string) []string {
	if len(client) == 0 {
		return providerTags
	}
	out := append([]string(nil), client...)
	seen := make(map[string]struct{}, len(client))
	for _, tag := range client {
		seen[tag] = struct{}{}
	}
	for _, tag := range providerTags {
		if _, dup := seen[tag]; !dup {
			out = append(out, tag)
		}
	}
	return out
}

// pickModel prefers the response-reported model over the requested one.
func pickModel(in Input) string {
	if in.Usage.Model != "" {
		return in.Usage.Model
	}
	return in.Digest.Model
}

// hasBudgetTokens reports whether the thinking parameter carries a token
// budget.
func hasBudgetTokens(thinking any) bool {
	m, ok := thinking.(map[string]any)
	if !ok {
		return false
	}
	_, has := m["budget_tokens"]
	return has
}

// estimateCost prices the call with the provider's flat per-token rates.
// Nil when no rates are configured.
func estimateCost(meta provider.Metadata, u extract.Usage) *float64 {
	if meta.CostPerInputToken == 0 && meta.CostPerOutputToken == 0 {
		return nil
	}
	cost := float64(u.InputTokens)*meta.CostPerInputToken +
		float64(u.OutputTokens)*meta.CostPerOutputToken
	return &cost
}
