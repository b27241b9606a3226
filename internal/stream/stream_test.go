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

package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/tokentap/internal/extract"
	"github.com/tombee/tokentap/internal/provider"
)

func accFor(t *testing.T, id string) *Accumulator {
	t.Helper()
	return New(defFor(t, id), extract.New(nil), true)
}

func defFor(t *testing.T, id string) *provider.Definition {
	t.Helper()
	reg, err := provider.Load("", "")
	require.NoError(t, err)
	def := reg.Get(id)
	require.NotNil(t, def, id)
	return def
}

const anthropicStream = "event: message_start\n" +
	"data: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-sonnet-4-5\",\"usage\":{\"input_tokens\":25,\"output_tokens\":1,\"cache_read_input_tokens\":512}}}\n" +
	"\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n" +
	"\n" +
	"event: message_delta\n" +
	"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":null},\"usage\":{\"output_tokens\":12}}\n" +
	"\n" +
	"event: message_delta\n" +
	"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":31}}\n" +
	"\n"

func TestAccumulator_AnthropicReplaceMode(t *testing.T) {
	a := accFor(t, "anthropic")
	assert.Equal(t, StateInit, a.State())

	a.Feed([]byte(anthropicStream))
	assert.Equal(t, StateStreaming, a.State())

	u, stats := a.Finish()
	assert.Equal(t, StateDone, stats.State)

	// Output token figures are running totals: the last one wins, not the sum.
	assert.EqualValues(t, 25, u.InputTokens)
	assert.EqualValues(t, 31, u.OutputTokens)
	assert.EqualValues(t, 512, u.CacheReadTokens)
	assert.Equal(t, "claude-sonnet-4-5", u.Model)
	assert.Equal(t, "end_turn", u.StopReason)
	assert.True(t, u.Complete())
}

// The same stream delivered one byte at a time must extract the same
// usage as one delivered whole.
func TestAccumulator_ChunkBoundaryInvariance(t *testing.T) {
	whole := accFor(t, "anthropic")
	whole.Feed([]byte(anthropicStream))
	uWhole, _ := whole.Finish()

	byteWise := accFor(t, "anthropic")
	for i := 0; i < len(anthropicStream); i++ {
		byteWise.Feed([]byte{anthropicStream[i]})
	}
	uBytes, _ := byteWise.Finish()

	assert.Equal(t, uWhole, uBytes)
}

func TestAccumulator_OpenAIDoneMarker(t *testing.T) {
	a := accFor(t, "openai")
	a.Feed([]byte("data: {\"model\":\"gpt-4o\",\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n"))
	a.Feed([]byte("data: {\"model\":\"gpt-4o\",\"choices\":[{\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":19,\"completion_tokens\":7}}\n\n"))
	a.Feed([]byte("data: [DONE]\n\n"))

	assert.Equal(t, StateDone, a.State())

	// Bytes after the done marker are ignored.
	a.Feed([]byte("data: {\"usage\":{\"prompt_tokens\":9999}}\n\n"))

	u, stats := a.Finish()
	assert.Equal(t, StateDone, stats.State)
	assert.EqualValues(t, 19, u.InputTokens)
	assert.EqualValues(t, 7, u.OutputTokens)
	assert.Equal(t, "stop", u.StopReason)
}

func TestAccumulator_GeminiLastChunk(t *testing.T) {
	a := accFor(t, "gemini")
	a.Feed([]byte(`{"candidates":[{"content":{"parts":[{"text":"a"}]}}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":2}}` + "\n"))
	a.Feed([]byte(`{"candidates":[{"content":{"parts":[{"text":"b"}]},"finishReason":"STOP"}],"modelVersion":"gemini-2.0-flash","usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":9}}` + "\n"))

	u, _ := a.Finish()
	assert.EqualValues(t, 10, u.InputTokens)
	assert.EqualValues(t, 9, u.OutputTokens)
	assert.Equal(t, "gemini-2.0-flash", u.Model)
	assert.Equal(t, "STOP", u.StopReason)
}

func TestAccumulator_AutoDetectJSONLines(t *testing.T) {
	a := accFor(t, "amazon-q")
	a.Feed([]byte(`{"usage":{"inputTokens":4,"outputTokens":2}}` + "\n"))

	u, _ := a.Finish()
	assert.EqualValues(t, 4, u.InputTokens)
	assert.EqualValues(t, 2, u.OutputTokens)
}

func TestAccumulator_AutoDetectSSE(t *testing.T) {
	a := accFor(t, "amazon-q")
	a.Feed([]byte("data: {\"usage\":{\"inputTokens\":6,\"outputTokens\":3}}\n\ndata: [DONE]\n"))

	u, _ := a.Finish()
	assert.EqualValues(t, 6, u.InputTokens)
	assert.EqualValues(t, 3, u.OutputTokens)
}

func TestAccumulator_SkipsGarbageLines(t *testing.T) {
	a := accFor(t, "openai")
	a.Feed([]byte("data: {broken json\n"))
	a.Feed([]byte("data: {\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":1}}\n"))

	u, stats := a.Finish()
	assert.Equal(t, 1, stats.Skipped)
	assert.True(t, u.Complete())
	assert.EqualValues(t, 3, u.InputTokens)
}

func TestAccumulator_EmptyStream(t *testing.T) {
	a := accFor(t, "anthropic")
	u, stats := a.Finish()

	assert.Equal(t, StateDone, stats.State)
	assert.Zero(t, stats.Events)
	assert.False(t, u.Complete())
}

func TestAccumulator_EventTypeFilter(t *testing.T) {
	a := accFor(t, "anthropic")
	// ping events carry no usage and must not disturb the figures.
	a.Feed([]byte("event: ping\ndata: {\"type\":\"ping\",\"usage\":{\"output_tokens\":999}}\n\n"))
	a.Feed([]byte("event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":5}}\n\n"))

	u, _ := a.Finish()
	assert.EqualValues(t, 5, u.OutputTokens)
}

func TestAccumulator_TailCapped(t *testing.T) {
	a := accFor(t, "openai")
	filler := "data: {\"pad\":\"" + strings.Repeat("x", 1024) + "\"}\n"
	for i := 0; i < 400; i++ {
		a.Feed([]byte(filler))
	}
	a.Feed([]byte("data: {\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":1}}\n"))

	u, stats := a.Finish()
	assert.LessOrEqual(t, stats.TailBytes, 256<<10)
	assert.True(t, u.Complete())
	// The tail keeps the newest bytes, so the usage line survives.
	assert.Contains(t, string(a.Tail()), "prompt_tokens")
}

// Default-mode accumulators must not retain response content.
func TestAccumulator_NoTailWithoutFullCapture(t *testing.T) {
	a := New(defFor(t, "openai"), extract.New(nil), false)
	a.Feed([]byte("data: {\"usage\":{\"prompt_tokens\":2,\"completion_tokens\":1}}\n"))

	u, stats := a.Finish()
	assert.True(t, u.Complete())
	assert.Zero(t, stats.TailBytes)
	assert.Empty(t, a.Tail())
}

// A negative count in a stream frame is rejected the same way the
// buffered path rejects it.
func TestAccumulator_NegativeTokenCountIgnored(t *testing.T) {
	a := accFor(t, "openai")
	a.Feed([]byte("data: {\"usage\":{\"prompt_tokens\":-4,\"completion_tokens\":6}}\n"))

	u, _ := a.Finish()
	assert.False(t, u.HasInput)
	assert.Zero(t, u.InputTokens)
	assert.True(t, u.HasOutput)
	assert.EqualValues(t, 6, u.OutputTokens)
}

func TestAccumulator_FinalPartialLineWithoutNewline(t *testing.T) {
	a := accFor(t, "openai")
	a.Feed([]byte("data: {\"usage\":{\"prompt_tokens\":8,\"completion_tokens\":2}}"))

	u, _ := a.Finish()
	assert.EqualValues(t, 8, u.InputTokens)
	assert.EqualValues(t, 2, u.OutputTokens)
}
