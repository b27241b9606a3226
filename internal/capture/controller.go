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

// Package capture is the flow controller: it binds intercepted flows to
// provider profiles, drives extraction and stream accumulation, and
// hands assembled events to the sink. It implements the proxy hook
// interface and never blocks forwarding.
package capture

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/tombee/tokentap/internal/clientinfo"
	"github.com/tombee/tokentap/internal/event"
	"github.com/tombee/tokentap/internal/extract"
	"github.com/tombee/tokentap/internal/log"
	"github.com/tombee/tokentap/internal/metrics"
	"github.com/tombee/tokentap/internal/provider"
	"github.com/tombee/tokentap/internal/proxy"
	"github.com/tombee/tokentap/internal/security"
	"github.com/tombee/tokentap/internal/stream"
)

// DefaultRewriteHost is the upstream substituted for clients still
// pointing at a localhost base URL.
const DefaultRewriteHost = "api.anthropic.com"

// Queue is the sink surface the controller needs.
type Queue interface {
	Enqueue(ev *event.Event)
}

// Options configures a Controller.
type Options struct {
	// RewriteHost replaces localhost targets in compatibility mode.
	RewriteHost string

	// SelfHosts are extra hostnames treated as this proxy itself.
	SelfHosts []string

	Logger *slog.Logger
}

// Controller implements proxy.Hook. One controller serves every flow;
// per-flow state lives on the flow itself, so hooks for distinct flows
// never contend.
type Controller struct {
	registry  *provider.Handle
	extractor *extract.Extractor
	gate      *security.Gate
	sink      Queue
	metrics   *metrics.Collector
	logger    *slog.Logger

	rewriteHost string
	selfHosts   map[string]struct{}
}

// New builds a Controller over the shared registry handle.
func New(registry *provider.Handle, ex *extract.Extractor, gate *security.Gate,
	sink Queue, collector *metrics.Collector, opts Options) *Controller {

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rewriteHost := opts.RewriteHost
	if rewriteHost == "" {
		rewriteHost = DefaultRewriteHost
	}
	self := map[string]struct{}{
		"localhost": {},
		"127.0.0.1": {},
		"::1":       {},
	}
	for _, h := range opts.SelfHosts {
		self[strings.ToLower(h)] = struct{}{}
	}
	return &Controller{
		registry:    registry,
		extractor:   ex,
		gate:        gate,
		sink:        sink,
		metrics:     collector,
		logger:      log.WithComponent(logger, "capture"),
		rewriteHost: rewriteHost,
		selfHosts:   self,
	}
}

// flowState is the controller's per-flow scratch, carried on the flow
// between hooks. Each flow is driven by a single goroutine, so no
// locking is needed.
type flowState struct {
	def       *provider.Definition
	mode      provider.CaptureMode
	digest    extract.RequestDigest
	pathMatch bool

	ctx        clientinfo.Context
	device     clientinfo.Device
	clientType string

	acc         *stream.Accumulator
	captureFull bool
}

// Intercept decides per host whether the proxy should terminate TLS.
// Unresolvable hosts under known_only are tunneled and counted.
func (c *Controller) Intercept(host string) bool {
	host = strings.ToLower(host)
	if _, self := c.selfHosts[host]; self {
		return true
	}
	reg := c.registry.Current()
	if _, ok := reg.Resolve(host); ok {
		return true
	}
	if reg.CaptureMode() == provider.CaptureAll {
		return true
	}
	c.metrics.RecordPassthrough(context.Background())
	return false
}

// OnRequest resolves the provider, extracts the request digest, and
// resolves context and device for the flow.
func (c *Controller) OnRequest(f *proxy.Flow) {
	host := hostOnly(f.Host)

	if _, self := c.selfHosts[host]; self {
		if f.Path == "/health" {
			f.Local = healthResponse()
			return
		}
		// Legacy clients hard-code a localhost base URL; the request
		// path identifies the dialect. The rewritten host is
		// authoritative for everything after this point.
		target, ok := c.compatHost(f.Path)
		if !ok {
			f.Local = badGatewayPath(f.Path)
			return
		}
		f.Host = target
		host = hostOnly(f.Host)
	}

	if isTelemetry(f) {
		c.logger.Debug("telemetry flow ignored",
			slog.String(log.FlowIDKey, f.ID),
			slog.String("path", f.Path))
		return
	}

	reg := c.registry.Current()
	id, ok := reg.Resolve(host)
	if !ok {
		if reg.CaptureMode() != provider.CaptureAll {
			f.Passthrough = true
			c.metrics.RecordPassthrough(context.Background())
			return
		}
		id = provider.UnknownID
	}
	def := reg.Get(id)
	if def == nil {
		f.Passthrough = true
		c.metrics.RecordPassthrough(context.Background())
		return
	}

	st := &flowState{
		def:       def,
		mode:      reg.CaptureMode(),
		pathMatch: def.MatchesPath(f.Path),
	}

	if len(f.RequestBody) > 0 && looksLikeJSON(f.RequestHeader, f.RequestBody) {
		digest, err := c.extractor.Request(def, f.RequestBody)
		if err != nil {
			c.logger.Debug("request digest failed",
				slog.String(log.FlowIDKey, f.ID),
				slog.String(log.ProviderKey, def.ID),
				log.Error(err))
		} else {
			st.digest = digest
		}
	}

	ua := f.RequestHeader.Get("User-Agent")
	st.ctx = clientinfo.ResolveContext(f.RequestHeader, ua)
	st.device = clientinfo.ResolveDevice(st.digest.SessionID, st.digest.DeviceID, f.ClientIP, ua)
	st.clientType = clientinfo.ClientType(ua)
	st.captureFull = def.CaptureFullRequest || c.debugOn()

	f.Data = st
}

// OnResponseHeaders attaches a stream accumulator tap when the response
// is an event stream. Amazon's binary eventstream and newline-delimited
// JSON bodies also stream; those arrive with their own content types.
func (c *Controller) OnResponseHeaders(f *proxy.Flow) {
	st, ok := f.Data.(*flowState)
	if !ok {
		return
	}

	if !f.Streaming && streamingContentType(f.ResponseHeader) {
		f.Streaming = true
	}
	if f.Streaming && st.def.Response.SSE != nil {
		st.acc = stream.New(st.def, c.extractor, st.captureFull)
		f.Tap = accumulatorTap{acc: st.acc}
	}
}

// OnResponse finalises extraction, assembles the event, and enqueues it
// without waiting for the write.
func (c *Controller) OnResponse(f *proxy.Flow) {
	st, ok := f.Data.(*flowState)
	if !ok {
		return
	}
	f.Data = nil

	ctx := context.Background()
	var usage extract.Usage
	diag := map[string]any{}

	switch {
	case st.acc != nil:
		u, stats := st.acc.Finish()
		usage = u
		if stats.Skipped > 0 {
			c.metrics.RecordStreamSkipped(ctx, st.def.ID, int64(stats.Skipped))
			diag["skipped_frames"] = stats.Skipped
		}
	case len(f.ResponseBody) > 0:
		u, err := c.extractor.ResponseJSON(st.def, f.ResponseBody)
		if err != nil {
			c.logger.Debug("response extraction failed",
				slog.String(log.FlowIDKey, f.ID),
				slog.String(log.ProviderKey, st.def.ID),
				log.Error(err))
		} else {
			usage = u
		}
		if !usage.Complete() && extract.HasLegacy(st.def.ID) {
			if lu, lok := extract.Legacy(st.def.ID, f.ResponseBody); lok {
				usage = lu
				diag["legacy_usage"] = true
			}
		}
	}

	if extract.Degraded(st.def, st.digest) {
		c.metrics.RecordExtractDegraded(ctx, st.def.ID)
		if recovered, rok := legacyDigest(st.digest.Doc); rok {
			st.digest.Messages = recovered.messages
			st.digest.System = recovered.system
			st.digest.Tools = recovered.tools
			diag["legacy_digest"] = true
		}
		c.logger.Warn("degraded extraction, applied fallback",
			slog.String(log.FlowIDKey, f.ID),
			slog.String(log.ProviderKey, st.def.ID))
	}
	if len(diag) == 0 {
		diag = nil
	}

	in := event.Input{
		Definition:  st.def,
		Digest:      st.digest,
		Usage:       usage,
		StartedAt:   f.StartedAt,
		FinishedAt:  f.FinishedAt,
		Status:      f.StatusCode,
		Streaming:   f.Streaming,
		Truncated:   f.Truncated,
		CaptureFull: st.captureFull,
		CaptureMode: st.mode,
		PathMatch:   st.pathMatch,
		Context:     st.ctx,
		Device:      st.device,
		ClientType:  st.clientType,
		Diagnostics: diag,
	}
	if st.captureFull {
		in.RawResponse = c.rawResponse(f, st)
	}

	ev := event.Assemble(in)
	c.sink.Enqueue(&ev)

	c.logger.Debug("flow recorded",
		slog.String(log.FlowIDKey, f.ID),
		slog.String(log.ProviderKey, ev.ProviderID),
		slog.String(log.ModelKey, ev.Model),
		slog.Int64("total_tokens", ev.TotalTokens),
		slog.Int64(log.DurationKey, f.Duration().Milliseconds()))
}

func (c *Controller) rawResponse(f *proxy.Flow, st *flowState) json.RawMessage {
	if st.acc != nil {
		if tail := st.acc.Tail(); len(tail) > 0 {
			raw, err := json.Marshal(string(tail))
			if err != nil {
				return nil
			}
			return raw
		}
		return nil
	}
	if json.Valid(f.ResponseBody) {
		return json.RawMessage(f.ResponseBody)
	}
	return nil
}

func (c *Controller) debugOn() bool {
	return c.gate != nil && c.gate.DebugOn()
}

// accumulatorTap adapts the single-goroutine accumulator to the engine's
// tap writer.
type accumulatorTap struct {
	acc *stream.Accumulator
}

func (t accumulatorTap) Write(p []byte) (int, error) {
	t.acc.Feed(p)
	return len(p), nil
}

// legacyDigest rebuilds message structure from the well-known top-level
// keys shared by every supported provider dialect. Used only when the
// configured paths demonstrably lost structure.
type digestParts struct {
	messages []any
	system   any
	tools    []any
}

func legacyDigest(doc any) (digestParts, bool) {
	m, ok := doc.(map[string]any)
	if !ok {
		return digestParts{}, false
	}
	var parts digestParts
	found := false
	if msgs, mok := m["messages"].([]any); mok {
		parts.messages = msgs
		found = true
	}
	if sys, sok := m["system"]; sok && sys != nil {
		parts.system = sys
		found = true
	}
	if tools, tok := m["tools"].([]any); tok {
		parts.tools = tools
		found = true
	}
	return parts, found
}

// compatHost maps a localhost request path to the upstream the client
// meant. /v1/messages keeps the configurable rewrite host so installs
// fronting an Anthropic-compatible gateway still work.
func (c *Controller) compatHost(path string) (string, bool) {
	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		return c.rewriteHost, true
	case strings.HasPrefix(path, "/v1/chat/completions"), strings.HasPrefix(path, "/v1/responses"):
		return "api.openai.com", true
	case strings.Contains(path, "generateContent"):
		return "generativelanguage.googleapis.com", true
	}
	return "", false
}

// isTelemetry matches client telemetry traffic that must never become an
// event.
func isTelemetry(f *proxy.Flow) bool {
	p := strings.ToLower(f.Path)
	if strings.Contains(p, "/telemetry") ||
		strings.Contains(p, "/clienttelemetry") ||
		strings.Contains(p, "/metrics") {
		return true
	}
	return strings.Contains(strings.ToLower(f.RequestHeader.Get("X-Amz-Target")), "sendtelemetry")
}

func badGatewayPath(path string) *proxy.LocalResponse {
	body, _ := json.Marshal(map[string]string{
		"error": "no upstream is known for path " + path,
	})
	return &proxy.LocalResponse{
		Status: http.StatusBadRequest,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   append(body, '\n'),
	}
}

func healthResponse() *proxy.LocalResponse {
	return &proxy.LocalResponse{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(`{"status":"ok","proxy":true}` + "\n"),
	}
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(host)
}

func looksLikeJSON(h http.Header, body []byte) bool {
	ct := h.Get("Content-Type")
	if strings.Contains(ct, "json") {
		return true
	}
	if ct != "" {
		return false
	}
	trimmed := strings.TrimLeft(string(body[:min(len(body), 16)]), " \t\r\n")
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

func streamingContentType(h http.Header) bool {
	ct := h.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "text/event-stream"):
		return true
	case strings.HasPrefix(ct, "application/vnd.amazon.eventstream"):
		return true
	case strings.HasPrefix(ct, "application/x-ndjson"):
		return true
	}
	return false
}
