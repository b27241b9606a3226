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

// Package extract turns request and response bodies into usage figures
// using the field paths declared in a provider definition.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/tombee/tokentap/internal/log"
	"github.com/tombee/tokentap/internal/provider"
)

// ErrBadBody is returned when a body is not a JSON document.
var ErrBadBody = errors.New("body is not valid JSON")

// estimateBytesPerToken is the crude prompt-size heuristic used when the
// provider reports no input token count of its own.
const estimateBytesPerToken = 4

// maxTextSampleBytes caps the concatenated text_fields sample.
const maxTextSampleBytes = 64 << 10

// Usage holds the token figures pulled from one response. The Has* flags
// distinguish an extracted zero from a missing field.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	HasInput            bool
	HasOutput           bool
	Model               string
	StopReason          string
}

// Complete reports whether the extraction produced at least one token
// count. Anything less is degraded and worth a fallback attempt.
func (u Usage) Complete() bool {
	return u.HasInput || u.HasOutput
}

// RequestDigest is the shape of a request body after extraction.
// Messages, System, and Tools keep the document's structure verbatim;
// redaction happens later, at event assembly.
type RequestDigest struct {
	Model    string
	Messages []any
	System   any
	Tools    []any
	Thinking any
	Metadata map[string]any

	ThinkingEnabled      bool
	StreamRequested      bool
	SessionID            string
	DeviceID             string
	TextSample           string
	EstimatedInputTokens int64
	FullBody             json.RawMessage

	// Doc is the decoded request document, kept for the quality check.
	Doc any
}

// MessageCount returns the number of extracted messages.
func (d RequestDigest) MessageCount() int { return len(d.Messages) }

// Extractor applies provider field paths to decoded JSON documents. It is
// safe for concurrent use; the only state is the once-per-path coercion
// warning set.
type Extractor struct {
	logger *slog.Logger
	warned sync.Map // provider|path -> struct{}
}

// New returns an Extractor logging coercion warnings to logger.
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: log.WithComponent(logger, "extract")}
}

// Request extracts a digest from a request body using the provider's
// request paths. Paths that resolve to nothing leave zero values behind;
// only an unparseable body is an error.
func (e *Extractor) Request(def *provider.Definition, body []byte) (RequestDigest, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return RequestDigest{}, fmt.Errorf("%w: %v", ErrBadBody, err)
	}

	req := def.Request
	d := RequestDigest{Doc: doc}
	d.Model, _ = e.evalString(def, req.ModelPath, doc)
	d.SessionID, _ = e.evalString(def, req.SessionIDPath, doc)
	d.DeviceID, _ = e.evalString(def, req.DeviceIDPath, doc)

	if v, ok := e.eval(def, req.MessagesPath, doc); ok {
		if list, isList := v.([]any); isList {
			d.Messages = list
		} else {
			d.Messages = []any{v}
		}
	}
	if v, ok := e.eval(def, req.SystemPath, doc); ok {
		d.System = v
	}
	if v, ok := e.eval(def, req.ToolsPath, doc); ok {
		if list, isList := v.([]any); isList {
			d.Tools = list
		} else {
			d.Tools = []any{v}
		}
	}
	if v, ok := e.eval(def, req.ThinkingPath, doc); ok {
		d.Thinking = v
		d.ThinkingEnabled = thinkingEnabled(v)
	}
	if v, ok := e.eval(def, req.StreamParamPath, doc); ok {
		b, isBool := v.(bool)
		d.StreamRequested = isBool && b
	}
	if m, ok := doc.(map[string]any); ok {
		if meta, mok := m["metadata"].(map[string]any); mok {
			d.Metadata = meta
		}
	}

	d.TextSample = e.textSample(def, doc)
	if d.TextSample != "" {
		d.EstimatedInputTokens = int64(len(d.TextSample) / estimateBytesPerToken)
	}
	if def.CaptureFullRequest {
		d.FullBody = json.RawMessage(body)
	}
	return d, nil
}

// Degraded reports whether a digest lost structure the raw document
// demonstrably carries: fewer messages than the document's messages
// list, or a system/tools member present at the top level but absent
// from the digest. The checks read the well-known raw keys directly
// rather than re-running the configured paths, so a misconfigured
// path is exactly what gets caught. Degraded extraction is the
// trigger for the legacy fallback.
func Degraded(def *provider.Definition, d RequestDigest) bool {
	m, ok := d.Doc.(map[string]any)
	if !ok {
		return false
	}
	if def.Request.MessagesPath != "" {
		if msgs, mok := m["messages"].([]any); mok && len(msgs) >= 2 && len(d.Messages) < len(msgs) {
			return true
		}
	}
	if def.Request.SystemPath != "" {
		if sys, sok := m["system"]; sok && sys != nil && d.System == nil {
			return true
		}
	}
	if def.Request.ToolsPath != "" {
		if tools, tok := m["tools"].([]any); tok && len(tools) > 0 && len(d.Tools) == 0 {
			return true
		}
	}
	return false
}

// ResponseJSON extracts usage from a buffered JSON response body.
func (e *Extractor) ResponseJSON(def *provider.Definition, body []byte) (Usage, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Usage{}, fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	return e.ResponseDoc(def, doc), nil
}

// ResponseDoc extracts usage from an already-decoded response document.
// The stream accumulator uses this for json_lines last-chunk handling.
func (e *Extractor) ResponseDoc(def *provider.Definition, doc any) Usage {
	j := def.Response.JSON
	if j == nil {
		return Usage{}
	}

	var u Usage
	u.InputTokens, u.HasInput = e.evalInt(def, j.InputTokensPath, j.InputTokensPathAlt, doc)
	u.OutputTokens, u.HasOutput = e.evalInt(def, j.OutputTokensPath, j.OutputTokensPathAlt, doc)
	u.CacheCreationTokens, _ = e.evalInt(def, j.CacheCreationTokensPath, nil, doc)
	u.CacheReadTokens, _ = e.evalInt(def, j.CacheReadTokensPath, nil, doc)
	u.Model, _ = e.evalString(def, j.ModelPath, doc)
	u.StopReason, _ = e.evalStringChain(def, j.StopReasonPath, j.StopReasonPathAlt, doc)
	return u
}

// eval resolves a single path expression against doc.
func (e *Extractor) eval(def *provider.Definition, expr string, doc any) (any, bool) {
	p := def.Path(expr)
	if p == nil {
		return nil, false
	}
	return p.Eval(doc)
}

// evalChain tries the primary path, then each alternate, stopping at the
// first that resolves. An empty wildcard list counts as resolved.
func (e *Extractor) evalChain(def *provider.Definition, primary string, alts []string, doc any) (any, bool) {
	for _, p := range def.PathChain(primary, alts) {
		if v, ok := p.Eval(doc); ok {
			return v, true
		}
	}
	return nil, false
}

// evalInt resolves a path chain to an integer token count, coercing
// numeric strings with a once-per-(provider,path) warning.
func (e *Extractor) evalInt(def *provider.Definition, primary string, alts []string, doc any) (int64, bool) {
	v, ok := e.evalChain(def, primary, alts, doc)
	if !ok {
		return 0, false
	}
	return e.CoerceInt(def.ID, primary, v)
}

func (e *Extractor) evalString(def *provider.Definition, expr string, doc any) (string, bool) {
	v, ok := e.eval(def, expr, doc)
	if !ok {
		return "", false
	}
	s, isStr := v.(string)
	return s, isStr && s != ""
}

func (e *Extractor) evalStringChain(def *provider.Definition, primary string, alts []string, doc any) (string, bool) {
	v, ok := e.evalChain(def, primary, alts, doc)
	if !ok {
		return "", false
	}
	s, isStr := v.(string)
	return s, isStr && s != ""
}

// CoerceInt accepts non-negative JSON numbers and, with a one-time
// warning per provider and path, numeric strings. Negative counts and
// anything non-numeric are treated as missing.
func (e *Extractor) CoerceInt(providerID, pathExpr string, v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return e.nonNegative(providerID, pathExpr, int64(n))
	case int64:
		return e.nonNegative(providerID, pathExpr, n)
	case int:
		return e.nonNegative(providerID, pathExpr, int64(n))
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			i = int64(f)
		}
		return e.nonNegative(providerID, pathExpr, i)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		e.warnOnce(providerID, pathExpr, "string", "token count arrived as string, coercing")
		return e.nonNegative(providerID, pathExpr, i)
	default:
		return 0, false
	}
}

// nonNegative enforces the token-count invariant: a negative value is
// recorded as absent, with a one-time warning per provider and path.
func (e *Extractor) nonNegative(providerID, pathExpr string, n int64) (int64, bool) {
	if n >= 0 {
		return n, true
	}
	e.warnOnce(providerID, pathExpr, "negative", "negative token count, treating as absent")
	return 0, false
}

func (e *Extractor) warnOnce(providerID, pathExpr, kind, msg string) {
	key := providerID + "|" + pathExpr + "|" + kind
	if _, dup := e.warned.LoadOrStore(key, struct{}{}); !dup {
		e.logger.Warn(msg,
			slog.String(log.ProviderKey, providerID),
			slog.String("path", pathExpr))
	}
}

// textSample joins every configured text field into one newline-separated
// blob, flattening message-content block lists along the way, truncated
// to the sample byte budget.
func (e *Extractor) textSample(def *provider.Definition, doc any) string {
	var parts []string
	for _, expr := range def.Request.TextFields {
		v, ok := e.eval(def, expr, doc)
		if !ok {
			continue
		}
		collectText(v, &parts)
	}
	sample := strings.Join(parts, "\n")
	if len(sample) > maxTextSampleBytes {
		sample = sample[:maxTextSampleBytes]
	}
	return sample
}

// collectText gathers string leaves from strings, block lists, and
// {"text": ...} content blocks.
func collectText(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		if t != "" {
			*out = append(*out, t)
		}
	case []any:
		for _, item := range t {
			collectText(item, out)
		}
	case map[string]any:
		if s, ok := t["text"].(string); ok && s != "" {
			*out = append(*out, s)
		}
	}
}

// thinkingEnabled interprets the provider's thinking parameter, which may
// be a bool, a {"type": "enabled"} object, or any other truthy object.
func thinkingEnabled(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case map[string]any:
		if typ, ok := t["type"].(string); ok {
			return typ == "enabled"
		}
		return len(t) > 0
	default:
		return false
	}
}
