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

package capture

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/tokentap/internal/event"
	"github.com/tombee/tokentap/internal/extract"
	"github.com/tombee/tokentap/internal/metrics"
	"github.com/tombee/tokentap/internal/provider"
	"github.com/tombee/tokentap/internal/proxy"
)

type captureQueue struct {
	events []*event.Event
}

func (q *captureQueue) Enqueue(ev *event.Event) { q.events = append(q.events, ev) }

func testController(t *testing.T, overrideJSON string) (*Controller, *captureQueue, *metrics.Collector) {
	t.Helper()

	overridePath := ""
	if overrideJSON != "" {
		overridePath = filepath.Join(t.TempDir(), "override.json")
		require.NoError(t, os.WriteFile(overridePath, []byte(overrideJSON), 0o644))
	}
	handle, err := provider.NewHandle("", overridePath, nil)
	require.NoError(t, err)

	collector, err := metrics.New("tokentap-test", "0.0.0")
	require.NoError(t, err)
	t.Cleanup(func() { collector.Shutdown(context.Background()) })

	q := &captureQueue{}
	c := New(handle, extract.New(nil), nil, q, collector, Options{})
	return c, q, collector
}

func newTestFlow(host, path string, body []byte) *proxy.Flow {
	f := &proxy.Flow{
		ID:            "flow-1",
		StartedAt:     time.Now().UTC().Add(-200 * time.Millisecond),
		ClientIP:      "192.0.2.10",
		Host:          host,
		Method:        http.MethodPost,
		Path:          path,
		RequestHeader: http.Header{},
		RequestBody:   body,
	}
	f.RequestHeader.Set("Content-Type", "application/json")
	f.RequestHeader.Set("User-Agent", "claude-cli/2.0.14 (external, cli) darwin arm64")
	return f
}

const anthropicRequest = `{
	"model": "claude-sonnet-4-5",
	"messages": [{"role": "user", "content": "hello"}],
	"stream": false
}`

const anthropicResponse = `{
	"model": "claude-sonnet-4-5",
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 9, "output_tokens": 31}
}`

func TestBufferedFlowProducesEvent(t *testing.T) {
	c, q, _ := testController(t, "")

	f := newTestFlow("api.anthropic.com:443", "/v1/messages", []byte(anthropicRequest))
	c.OnRequest(f)
	require.False(t, f.Passthrough)
	require.NotNil(t, f.Data)

	f.StatusCode = 200
	f.ResponseHeader = http.Header{"Content-Type": []string{"application/json"}}
	f.ResponseBody = []byte(anthropicResponse)
	c.OnResponseHeaders(f)
	assert.False(t, f.Streaming)

	f.FinishedAt = time.Now().UTC()
	c.OnResponse(f)

	require.Len(t, q.events, 1)
	ev := q.events[0]
	assert.Equal(t, "anthropic", ev.ProviderID)
	assert.Equal(t, "claude-sonnet-4-5", ev.Model)
	assert.EqualValues(t, 9, ev.InputTokens)
	assert.EqualValues(t, 31, ev.OutputTokens)
	assert.EqualValues(t, 40, ev.TotalTokens)
	assert.Equal(t, "end_turn", ev.StopReason)
	assert.Equal(t, "claude-code", ev.ClientType)
	assert.True(t, ev.IsTokenConsuming)
	assert.Nil(t, f.Data)

	// Default capture redacts message content.
	require.Len(t, ev.Messages, 1)
	msg := ev.Messages[0].(map[string]any)
	assert.Equal(t, "[REDACTED]", msg["content"])
}

func TestUnknownHostKnownOnlyIsPassthrough(t *testing.T) {
	c, q, collector := testController(t, "")

	f := newTestFlow("api.novel.example:443", "/v1/chat", []byte(`{}`))
	c.OnRequest(f)

	assert.True(t, f.Passthrough)
	assert.Nil(t, f.Data)
	assert.Empty(t, q.events)
	assert.EqualValues(t, 1, collector.Snapshot().FlowsPassthrough)
}

func TestUnknownHostCaptureAll(t *testing.T) {
	c, q, _ := testController(t, `{"capture_mode": "capture_all"}`)

	f := newTestFlow("api.novel.example:443", "/v1/chat", []byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	c.OnRequest(f)
	require.False(t, f.Passthrough)

	f.StatusCode = 200
	f.ResponseHeader = http.Header{}
	f.ResponseBody = []byte(`{"done": true}`)
	f.FinishedAt = time.Now().UTC()
	c.OnResponseHeaders(f)
	c.OnResponse(f)

	require.Len(t, q.events, 1)
	ev := q.events[0]
	assert.Equal(t, provider.UnknownID, ev.ProviderID)
	assert.Equal(t, "capture_all", ev.CaptureMode)
	assert.Zero(t, ev.TotalTokens)
	// The unknown profile keeps the full request.
	assert.NotEmpty(t, ev.RawRequest)
}

func TestHealthShortCircuit(t *testing.T) {
	c, q, _ := testController(t, "")

	f := newTestFlow("localhost:8080", "/health", nil)
	f.Method = http.MethodGet
	c.OnRequest(f)

	require.NotNil(t, f.Local)
	assert.Equal(t, http.StatusOK, f.Local.Status)
	assert.JSONEq(t, `{"status":"ok","proxy":true}`, string(f.Local.Body))
	assert.Empty(t, q.events)
}

func TestLocalhostRewrite(t *testing.T) {
	c, q, _ := testController(t, "")

	f := newTestFlow("localhost:8080", "/v1/messages", []byte(anthropicRequest))
	c.OnRequest(f)

	// The rewritten host is authoritative for resolution.
	assert.Equal(t, DefaultRewriteHost, f.Host)
	require.NotNil(t, f.Data)

	f.StatusCode = 200
	f.ResponseHeader = http.Header{}
	f.ResponseBody = []byte(anthropicResponse)
	f.FinishedAt = time.Now().UTC()
	c.OnResponseHeaders(f)
	c.OnResponse(f)

	require.Len(t, q.events, 1)
	assert.Equal(t, "anthropic", q.events[0].ProviderID)
}

func TestLocalhostRewriteByPath(t *testing.T) {
	c, _, _ := testController(t, "")

	f := newTestFlow("localhost:8080", "/v1/chat/completions", []byte(`{"messages":[]}`))
	c.OnRequest(f)
	assert.Equal(t, "api.openai.com", f.Host)

	f = newTestFlow("127.0.0.1:8080", "/v1beta/models/gemini-2.0:generateContent", []byte(`{}`))
	c.OnRequest(f)
	assert.Equal(t, "generativelanguage.googleapis.com", f.Host)

	// A localhost path with no known upstream cannot be forwarded.
	f = newTestFlow("localhost:8080", "/v1/unknown", []byte(`{}`))
	c.OnRequest(f)
	require.NotNil(t, f.Local)
	assert.Equal(t, http.StatusBadRequest, f.Local.Status)
}

func TestTelemetryFlowsIgnored(t *testing.T) {
	c, q, _ := testController(t, "")

	f := newTestFlow("api.anthropic.com", "/telemetry/events", []byte(`{}`))
	c.OnRequest(f)
	assert.Nil(t, f.Data)

	f = newTestFlow("api.anthropic.com", "/v1/messages", []byte(anthropicRequest))
	f.RequestHeader.Set("X-Amz-Target", "AmazonCodeWhispererService.SendTelemetryEvent")
	c.OnRequest(f)
	assert.Nil(t, f.Data)

	f.FinishedAt = time.Now().UTC()
	c.OnResponse(f)
	assert.Empty(t, q.events)
}

func TestStreamingFlow(t *testing.T) {
	c, q, _ := testController(t, "")

	f := newTestFlow("api.anthropic.com", "/v1/messages", []byte(anthropicRequest))
	c.OnRequest(f)
	require.NotNil(t, f.Data)

	f.StatusCode = 200
	f.ResponseHeader = http.Header{"Content-Type": []string{"text/event-stream"}}
	f.Streaming = true
	c.OnResponseHeaders(f)
	require.NotNil(t, f.Tap)

	chunks := []string{
		"event: message_start\n",
		`data: {"type":"message_start","message":{"model":"claude-sonnet-4-5","usage":{"input_tokens":12,"output_tokens":1}}}` + "\n\n",
		"event: message_delta\n",
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":27}}` + "\n\n",
	}
	for _, chunk := range chunks {
		_, err := f.Tap.Write([]byte(chunk))
		require.NoError(t, err)
	}

	f.FinishedAt = time.Now().UTC()
	c.OnResponse(f)

	require.Len(t, q.events, 1)
	ev := q.events[0]
	assert.True(t, ev.Streaming)
	assert.EqualValues(t, 12, ev.InputTokens)
	assert.EqualValues(t, 27, ev.OutputTokens)
	assert.Equal(t, "end_turn", ev.StopReason)
}

func TestLegacyUsageFallback(t *testing.T) {
	// Break the configured anthropic response paths so declarative
	// extraction yields nothing and the builtin fallback takes over.
	override := `{
		"providers": {
			"anthropic": {
				"response": {
					"json": {
						"input_tokens_path": "$.nope.input",
						"output_tokens_path": "$.nope.output"
					}
				}
			}
		}
	}`
	c, q, _ := testController(t, override)

	f := newTestFlow("api.anthropic.com", "/v1/messages", []byte(anthropicRequest))
	c.OnRequest(f)
	require.NotNil(t, f.Data)

	f.StatusCode = 200
	f.ResponseHeader = http.Header{}
	f.ResponseBody = []byte(anthropicResponse)
	f.FinishedAt = time.Now().UTC()
	c.OnResponseHeaders(f)
	c.OnResponse(f)

	require.Len(t, q.events, 1)
	ev := q.events[0]
	assert.EqualValues(t, 9, ev.InputTokens)
	assert.EqualValues(t, 31, ev.OutputTokens)
	assert.Equal(t, true, ev.ExtractorDiagnostics["legacy_usage"])
}

func TestInterceptDecision(t *testing.T) {
	c, _, collector := testController(t, "")

	assert.True(t, c.Intercept("api.anthropic.com"))
	assert.True(t, c.Intercept("API.OPENAI.COM"))
	assert.True(t, c.Intercept("localhost"))
	assert.False(t, c.Intercept("example.com"))
	assert.EqualValues(t, 1, collector.Snapshot().FlowsPassthrough)
}

func TestDeviceAndContextOnEvent(t *testing.T) {
	c, q, _ := testController(t, "")

	f := newTestFlow("api.anthropic.com", "/v1/messages", []byte(anthropicRequest))
	f.RequestHeader.Set("X-Tokentap-Program", "my-agent")
	f.RequestHeader.Set("X-Tokentap-Project", "billing")
	c.OnRequest(f)

	f.StatusCode = 200
	f.ResponseHeader = http.Header{}
	f.ResponseBody = []byte(anthropicResponse)
	f.FinishedAt = time.Now().UTC()
	c.OnResponseHeaders(f)
	c.OnResponse(f)

	require.Len(t, q.events, 1)
	ev := q.events[0]
	assert.Equal(t, "my-agent", ev.Program)
	assert.Equal(t, "billing", ev.Project)
	assert.NotEmpty(t, ev.DeviceID)
	assert.Equal(t, "192.0.2.10", ev.Device.IP)
}
