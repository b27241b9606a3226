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

package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/tokentap/internal/clientinfo"
	"github.com/tombee/tokentap/internal/extract"
	"github.com/tombee/tokentap/internal/provider"
	"github.com/tombee/tokentap/internal/security"
)

func anthropicInput(t *testing.T) Input {
	t.Helper()
	reg, err := provider.Load("", "")
	require.NoError(t, err)
	def := reg.Get("anthropic")
	require.NotNil(t, def)

	started := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	return Input{
		Definition: def,
		Digest: extract.RequestDigest{
			Model: "claude-sonnet-4-5",
			Messages: []any{
				map[string]any{"role": "user", "content": "secret"},
			},
			Thinking: map[string]any{"type": "enabled", "budget_tokens": float64(1024)},
		},
		Usage: extract.Usage{
			InputTokens:     100,
			OutputTokens:    40,
			CacheReadTokens: 2048,
			HasInput:        true,
			HasOutput:       true,
			StopReason:      "end_turn",
		},
		StartedAt:   started,
		FinishedAt:  started.Add(1500 * time.Millisecond),
		Status:      200,
		Streaming:   true,
		CaptureMode: provider.CaptureKnownOnly,
		Context:     clientinfo.Context{Program: "claude-code", Project: "billing"},
		Device:      clientinfo.Device{ID: "dev-1", OS: "darwin"},
		ClientType:  "claude-code",
	}
}

func TestAssemble_Totals(t *testing.T) {
	ev := Assemble(anthropicInput(t))

	// Cache counts never contribute to the total.
	assert.EqualValues(t, 140, ev.TotalTokens)
	assert.EqualValues(t, 2048, ev.CacheReadTokens)
	assert.EqualValues(t, 1500, ev.DurationMS)
	assert.Equal(t, "anthropic", ev.ProviderID)
	assert.Equal(t, "claude-sonnet-4-5", ev.Model)
	assert.Equal(t, "end_turn", ev.StopReason)
	assert.True(t, ev.Streaming)
	assert.Equal(t, "dev-1", ev.DeviceID)
}

func TestAssemble_ResponseModelWins(t *testing.T) {
	in := anthropicInput(t)
	in.Usage.Model = "claude-sonnet-4-5-20260115"

	ev := Assemble(in)
	assert.Equal(t, "claude-sonnet-4-5-20260115", ev.Model)
}

func TestAssemble_Denormalisation(t *testing.T) {
	ev := Assemble(anthropicInput(t))
	assert.Equal(t, "claude-code", ev.Program)
	assert.Equal(t, "billing", ev.Project)
	assert.Equal(t, ev.Context.Program, ev.Program)
	assert.Contains(t, ev.Context.Tags, "llm")
}

func TestAssemble_ClientTagsAndCustom(t *testing.T) {
	in := anthropicInput(t)
	in.Context.Tags = []string{"batch", "llm"}
	in.Context.Custom = map[string]any{"team": "billing"}

	ev := Assemble(in)
	// Client tags first, provider tags appended, duplicates dropped.
	assert.Equal(t, "batch", ev.Context.Tags[0])
	assert.Contains(t, ev.Context.Tags, "llm")
	assert.Equal(t, 1, countTag(ev.Context.Tags, "llm"))
	assert.Equal(t, "billing", ev.Context.Custom["team"])
}

func countTag(tags []string, want string) int {
	n := 0
	for _, tag := range tags {
		if tag == want {
			n++
		}
	}
	return n
}

func TestAssemble_RedactsByDefault(t *testing.T) {
	ev := Assemble(anthropicInput(t))

	require.Len(t, ev.Messages, 1)
	msg := ev.Messages[0].(map[string]any)
	assert.Equal(t, "user", msg["role"])
	assert.Equal(t, security.Redacted, msg["content"])
	assert.Nil(t, ev.RawRequest)
	assert.Nil(t, ev.RawResponse)
}

func TestAssemble_FullCaptureKeepsContent(t *testing.T) {
	in := anthropicInput(t)
	in.CaptureFull = true
	in.Digest.FullBody = []byte(`{"model":"m"}`)
	in.RawResponse = []byte(`{"usage":{}}`)

	ev := Assemble(in)
	msg := ev.Messages[0].(map[string]any)
	assert.Equal(t, "secret", msg["content"])
	assert.NotNil(t, ev.RawRequest)
	assert.NotNil(t, ev.RawResponse)
}

func TestAssemble_TokenConsuming(t *testing.T) {
	in := anthropicInput(t)
	ev := Assemble(in)
	assert.True(t, ev.IsTokenConsuming)
	assert.True(t, ev.HasBudgetTokens)

	// No messages, no thinking budget, no path match.
	in.Digest.Messages = nil
	in.Digest.Thinking = nil
	ev = Assemble(in)
	assert.False(t, ev.IsTokenConsuming)
	assert.NotNil(t, ev.Messages) // always present, possibly empty

	// A matching LLM path alone qualifies.
	in.PathMatch = true
	ev = Assemble(in)
	assert.True(t, ev.IsTokenConsuming)
}

func TestAssemble_EstimatedCost(t *testing.T) {
	in := anthropicInput(t)
	ev := Assemble(in)
	require.NotNil(t, ev.EstimatedCost)
	// 100 * 3e-6 + 40 * 1.5e-5
	assert.InDelta(t, 0.0009, *ev.EstimatedCost, 1e-9)

	reg, err := provider.Load("", "")
	require.NoError(t, err)
	in.Definition = reg.Get("amazon-q") // no configured rates
	ev = Assemble(in)
	assert.Nil(t, ev.EstimatedCost)
}

func TestAssemble_TruncatedStream(t *testing.T) {
	in := anthropicInput(t)
	in.Truncated = true
	in.Usage.HasOutput = false

	ev := Assemble(in)
	assert.True(t, ev.Truncated)
	// Whatever totals were present still land in the event.
	assert.EqualValues(t, 100, ev.InputTokens)
}
