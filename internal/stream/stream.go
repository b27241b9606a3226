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

// Package stream accumulates token usage from server-sent event and
// JSON-lines response streams as chunks pass through the proxy.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tombee/tokentap/internal/extract"
	"github.com/tombee/tokentap/internal/provider"
)

// State is the accumulator lifecycle. The accumulator only moves
// forward: Init to Streaming on the first chunk, Streaming to Done on
// the provider's done marker or stream end.
type State int

const (
	StateInit State = iota
	StateStreaming
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	default:
		return "invalid"
	}
}

// maxTailBytes caps the raw-byte tail kept for fallback extraction.
const maxTailBytes = 256 << 10

// Stats summarises what the accumulator saw.
type Stats struct {
	State     State
	Events    int
	Skipped   int
	TailBytes int
}

// Accumulator folds stream chunks into a Usage. One accumulator serves
// one flow and is driven from that flow's single goroutine; it is not
// safe for concurrent use.
type Accumulator struct {
	def *provider.Definition
	sse *provider.SSEConfig
	ex  *extract.Extractor

	state    State
	format   string
	partial  []byte
	keepTail bool
	tail     []byte
	event    string
	lastDoc  any

	usage   extract.Usage
	events  int
	skipped int
}

// New returns an accumulator for one streamed response on the given
// provider. The extractor supplies numeric coercion and its warning
// set. keepTail retains the raw stream bytes for flows running with
// full capture; in default mode no response content is buffered.
func New(def *provider.Definition, ex *extract.Extractor, keepTail bool) *Accumulator {
	sse := def.Response.SSE
	format := ""
	if sse != nil {
		format = sse.Format
		if format == "" {
			format = provider.FormatSSE
		}
	}
	return &Accumulator{def: def, sse: sse, ex: ex, format: format, keepTail: keepTail}
}

// State returns the current lifecycle state.
func (a *Accumulator) State() State { return a.state }

// Feed consumes one response chunk. Chunks may split lines anywhere; a
// partial trailing line is carried into the next call. Unparseable data
// lines are counted and skipped, never fatal.
func (a *Accumulator) Feed(chunk []byte) {
	if a.sse == nil || a.state == StateDone || len(chunk) == 0 {
		return
	}
	if a.state == StateInit {
		a.state = StateStreaming
	}

	a.appendTail(chunk)

	data := append(a.partial, chunk...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(data[:idx], "\r")
		data = data[idx+1:]
		a.feedLine(line)
		if a.state == StateDone {
			a.partial = nil
			return
		}
	}
	a.partial = append([]byte(nil), data...)
}

// Finish seals the accumulator and returns what it extracted. For
// last-chunk providers the stored final document is evaluated here.
func (a *Accumulator) Finish() (extract.Usage, Stats) {
	if a.state == StateStreaming {
		if len(a.partial) > 0 {
			a.feedLine(bytes.TrimRight(a.partial, "\r"))
			a.partial = nil
		}
		a.state = StateDone
	}
	if a.state == StateInit {
		a.state = StateDone
	}
	if a.sse != nil && a.sse.UseLastChunk && a.lastDoc != nil {
		a.extractDoc("", a.lastDoc, true)
	}
	return a.usage, Stats{
		State:     a.state,
		Events:    a.events,
		Skipped:   a.skipped,
		TailBytes: len(a.tail),
	}
}

// Tail returns the raw stream bytes, capped at 256 KiB with the oldest
// bytes dropped first. Nil unless the accumulator keeps the tail.
func (a *Accumulator) Tail() []byte { return a.tail }

func (a *Accumulator) appendTail(chunk []byte) {
	if !a.keepTail {
		return
	}
	a.tail = append(a.tail, chunk...)
	if over := len(a.tail) - maxTailBytes; over > 0 {
		a.tail = a.tail[over:]
	}
}

func (a *Accumulator) feedLine(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		a.event = ""
		return
	}

	format := a.format
	if format == provider.FormatSSEOrJSONLines {
		if bytes.HasPrefix(line, []byte("data:")) || bytes.HasPrefix(line, []byte("event:")) {
			format = provider.FormatSSE
		} else {
			format = provider.FormatJSONLines
		}
		// First framed line decides for the rest of the stream.
		a.format = format
	}

	var payload []byte
	switch format {
	case provider.FormatSSE:
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			a.event = strings.TrimSpace(string(line[len("event:"):]))
			return
		case bytes.HasPrefix(line, []byte("data:")):
			payload = bytes.TrimSpace(line[len("data:"):])
		default:
			// Comment or unknown SSE field.
			return
		}
	case provider.FormatJSONLines:
		payload = bytes.TrimSpace(line)
	default:
		return
	}

	if a.sse.DoneMarker != "" && string(payload) == a.sse.DoneMarker {
		a.state = StateDone
		return
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		a.skipped++
		return
	}
	a.events++

	eventType := a.event
	if eventType == "" {
		// Anthropic repeats the event type inside the payload.
		if m, ok := doc.(map[string]any); ok {
			eventType, _ = m["type"].(string)
		}
	}

	if len(a.sse.EventTypes) > 0 && !containsString(a.sse.EventTypes, eventType) {
		return
	}

	if a.sse.UseLastChunk {
		a.lastDoc = doc
		return
	}
	a.extractDoc(eventType, doc, false)
}

// extractDoc applies the per-field stream paths to one event document.
// Each field may be gated on an event type; ignoreEvents lifts the gates
// for last-chunk evaluation.
func (a *Accumulator) extractDoc(eventType string, doc any, ignoreEvents bool) {
	s := a.sse
	match := func(want string) bool {
		return ignoreEvents || want == "" || want == eventType
	}

	if match(s.InputTokensEvent) {
		if v, ok := a.evalIntChain(s.InputTokensPath, s.InputTokensPathAlt, doc); ok {
			a.usage.InputTokens = v
			a.usage.HasInput = true
		}
	}
	if match(s.OutputTokensEvent) {
		if v, ok := a.evalIntChain(s.OutputTokensPath, s.OutputTokensPathAlt, doc); ok {
			if s.OutputTokensMode == provider.OutputAccumulate {
				a.usage.OutputTokens += v
			} else {
				a.usage.OutputTokens = v
			}
			a.usage.HasOutput = true
		}
	}
	if match(s.CacheCreationTokensEvent) {
		if v, ok := a.evalIntChain(s.CacheCreationTokensPath, nil, doc); ok {
			a.usage.CacheCreationTokens = v
		}
	}
	if match(s.CacheReadTokensEvent) {
		if v, ok := a.evalIntChain(s.CacheReadTokensPath, nil, doc); ok {
			a.usage.CacheReadTokens = v
		}
	}
	if match(s.ModelEvent) {
		if v, ok := a.evalString(s.ModelPath, doc); ok {
			a.usage.Model = v
		}
	}
	if match(s.StopReasonEvent) {
		if v, ok := a.evalString(s.StopReasonPath, doc); ok {
			a.usage.StopReason = v
		}
	}
}

func (a *Accumulator) evalIntChain(primary string, alts []string, doc any) (int64, bool) {
	for _, p := range a.def.PathChain(primary, alts) {
		if v, ok := p.Eval(doc); ok {
			return a.coerce(primary, v)
		}
	}
	return 0, false
}

// coerce delegates to the extractor so string coercion and negative
// rejection share one warning set across the flow's extractions.
func (a *Accumulator) coerce(pathExpr string, v any) (int64, bool) {
	return a.ex.CoerceInt(a.def.ID, pathExpr, v)
}

func (a *Accumulator) evalString(expr string, doc any) (string, bool) {
	p := a.def.Path(expr)
	if p == nil {
		return "", false
	}
	v, ok := p.Eval(doc)
	if !ok {
		return "", false
	}
	s, isStr := v.(string)
	return s, isStr && s != ""
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
