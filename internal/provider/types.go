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

// Package provider loads the declarative provider configuration and
// resolves upstream hostnames to extraction profiles.
package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/tokentap/internal/fieldpath"
)

// ErrConfig is returned for any provider configuration validation failure.
var ErrConfig = errors.New("provider config")

// UnknownID is the synthetic provider id assigned to unmatched hosts when
// capture mode is capture_all.
const UnknownID = "unknown"

// CaptureMode controls how flows for unrecognised hosts are handled.
type CaptureMode string

const (
	// CaptureKnownOnly records events only for configured provider domains.
	CaptureKnownOnly CaptureMode = "known_only"
	// CaptureAll records events for every intercepted host, attributing
	// unmatched ones to the "unknown" provider profile.
	CaptureAll CaptureMode = "capture_all"
)

// RequestConfig describes how to extract fields from a request body.
type RequestConfig struct {
	ModelPath       string   `json:"model_path"`
	MessagesPath    string   `json:"messages_path,omitempty"`
	SystemPath      string   `json:"system_path,omitempty"`
	ToolsPath       string   `json:"tools_path,omitempty"`
	ThinkingPath    string   `json:"thinking_path,omitempty"`
	StreamParamPath string   `json:"stream_param_path,omitempty"`
	SessionIDPath   string   `json:"session_id_path,omitempty"`
	DeviceIDPath    string   `json:"device_id_path,omitempty"`
	TextFields      []string `json:"text_fields,omitempty"`
}

// JSONResponseConfig describes token extraction from a buffered JSON response.
// Each *Alt list holds ordered alternates tried when the primary path
// resolves to nothing.
type JSONResponseConfig struct {
	InputTokensPath          string   `json:"input_tokens_path"`
	InputTokensPathAlt       []string `json:"input_tokens_path_alt,omitempty"`
	OutputTokensPath         string   `json:"output_tokens_path"`
	OutputTokensPathAlt      []string `json:"output_tokens_path_alt,omitempty"`
	CacheCreationTokensPath  string   `json:"cache_creation_tokens_path,omitempty"`
	CacheReadTokensPath      string   `json:"cache_read_tokens_path,omitempty"`
	ModelPath                string   `json:"model_path,omitempty"`
	StopReasonPath           string   `json:"stop_reason_path,omitempty"`
	StopReasonPathAlt        []string `json:"stop_reason_path_alt,omitempty"`
}

// OutputTokensMode selects how successive output-token values in a stream
// combine. Providers that emit running totals use "replace"; providers
// that emit per-delta increments use "accumulate".
type OutputTokensMode string

const (
	// OutputReplace takes each value as the new running total.
	OutputReplace OutputTokensMode = "replace"
	// OutputAccumulate sums successive values.
	OutputAccumulate OutputTokensMode = "accumulate"
)

// SSEConfig describes token extraction from a streamed event response.
type SSEConfig struct {
	EventTypes       []string         `json:"event_types,omitempty"`
	Format           string           `json:"format,omitempty"`
	DoneMarker       string           `json:"done_marker,omitempty"`
	UseLastChunk     bool             `json:"use_last_chunk,omitempty"`
	OutputTokensMode OutputTokensMode `json:"output_tokens_mode,omitempty"`

	InputTokensEvent   string   `json:"input_tokens_event,omitempty"`
	InputTokensPath    string   `json:"input_tokens_path,omitempty"`
	InputTokensPathAlt []string `json:"input_tokens_path_alt,omitempty"`

	OutputTokensEvent   string   `json:"output_tokens_event,omitempty"`
	OutputTokensPath    string   `json:"output_tokens_path,omitempty"`
	OutputTokensPathAlt []string `json:"output_tokens_path_alt,omitempty"`

	CacheCreationTokensEvent string `json:"cache_creation_tokens_event,omitempty"`
	CacheCreationTokensPath  string `json:"cache_creation_tokens_path,omitempty"`

	CacheReadTokensEvent string `json:"cache_read_tokens_event,omitempty"`
	CacheReadTokensPath  string `json:"cache_read_tokens_path,omitempty"`

	ModelEvent string `json:"model_event,omitempty"`
	ModelPath  string `json:"model_path,omitempty"`

	StopReasonEvent string `json:"stop_reason_event,omitempty"`
	StopReasonPath  string `json:"stop_reason_path,omitempty"`
}

// SSE stream format values.
const (
	FormatSSE            = "sse"
	FormatJSONLines      = "json_lines"
	FormatSSEOrJSONLines = "sse_or_json_lines"
)

// Metadata carries provider tags and flat per-token pricing.
type Metadata struct {
	Tags               []string `json:"tags,omitempty"`
	CostPerInputToken  float64  `json:"cost_per_input_token,omitempty"`
	CostPerOutputToken float64  `json:"cost_per_output_token,omitempty"`
}

// ResponseConfig groups the buffered and streamed extraction profiles.
// At least one of the two must be present.
type ResponseConfig struct {
	JSON *JSONResponseConfig `json:"json,omitempty"`
	SSE  *SSEConfig          `json:"sse,omitempty"`
}

// Definition is a single provider's extraction profile. Immutable after
// load; in-flight flows keep using the definition captured at their
// request hook even across reloads.
type Definition struct {
	ID                 string         `json:"-"`
	Enabled            *bool          `json:"enabled,omitempty"`
	Domains            []string       `json:"domains"`
	APIPatterns        []string       `json:"api_patterns,omitempty"`
	CaptureFullRequest bool           `json:"capture_full_request,omitempty"`
	Request            RequestConfig  `json:"request"`
	Response           ResponseConfig `json:"response"`
	Metadata           Metadata       `json:"metadata,omitempty"`

	paths map[string]*fieldpath.Path
}

// IsEnabled reports whether the provider participates in resolution.
// Absent means enabled.
func (d *Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Path returns the compiled form of a path expression declared anywhere in
// this definition. Unknown or empty expressions return nil.
func (d *Definition) Path(expr string) *fieldpath.Path {
	if expr == "" {
		return nil
	}
	return d.paths[expr]
}

// MatchesPath reports whether the request path matches one of the
// provider's api_patterns globs. No patterns means no match.
func (d *Definition) MatchesPath(reqPath string) bool {
	for _, pat := range d.APIPatterns {
		if ok, err := doublestar.Match(pat, reqPath); err == nil && ok {
			return true
		}
	}
	return false
}

// compile parses every declared path expression once and caches the
// compiled form. Returns ErrConfig on the first invalid expression.
func (d *Definition) compile() error {
	d.paths = make(map[string]*fieldpath.Path)

	add := func(exprs ...string) error {
		for _, expr := range exprs {
			if expr == "" {
				continue
			}
			if _, done := d.paths[expr]; done {
				continue
			}
			p, err := fieldpath.Compile(expr)
			if err != nil {
				return fmt.Errorf("%w: provider %q: %v", ErrConfig, d.ID, err)
			}
			d.paths[expr] = p
		}
		return nil
	}

	req := d.Request
	if err := add(req.ModelPath, req.MessagesPath, req.SystemPath, req.ToolsPath,
		req.ThinkingPath, req.StreamParamPath, req.SessionIDPath, req.DeviceIDPath); err != nil {
		return err
	}
	if err := add(req.TextFields...); err != nil {
		return err
	}

	if j := d.Response.JSON; j != nil {
		if err := add(j.InputTokensPath, j.OutputTokensPath, j.CacheCreationTokensPath,
			j.CacheReadTokensPath, j.ModelPath, j.StopReasonPath); err != nil {
			return err
		}
		if err := add(j.InputTokensPathAlt...); err != nil {
			return err
		}
		if err := add(j.OutputTokensPathAlt...); err != nil {
			return err
		}
		if err := add(j.StopReasonPathAlt...); err != nil {
			return err
		}
	}
	if s := d.Response.SSE; s != nil {
		if err := add(s.InputTokensPath, s.OutputTokensPath, s.CacheCreationTokensPath,
			s.CacheReadTokensPath, s.ModelPath, s.StopReasonPath); err != nil {
			return err
		}
		if err := add(s.InputTokensPathAlt...); err != nil {
			return err
		}
		if err := add(s.OutputTokensPathAlt...); err != nil {
			return err
		}
	}

	for _, pat := range d.APIPatterns {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("%w: provider %q: bad api_pattern %q", ErrConfig, d.ID, pat)
		}
	}
	return nil
}

// validate checks per-provider invariants.
func (d *Definition) validate() error {
	if d.ID == "" || d.ID != strings.ToLower(d.ID) || strings.ContainsAny(d.ID, " \t") {
		return fmt.Errorf("%w: provider id %q must be a lower-case token", ErrConfig, d.ID)
	}
	if d.Response.JSON == nil && d.Response.SSE == nil {
		return fmt.Errorf("%w: provider %q: response.json or response.sse required", ErrConfig, d.ID)
	}
	if d.ID != UnknownID && len(d.Domains) == 0 {
		return fmt.Errorf("%w: provider %q: at least one domain required", ErrConfig, d.ID)
	}
	if s := d.Response.SSE; s != nil {
		switch s.OutputTokensMode {
		case "", OutputReplace, OutputAccumulate:
		default:
			return fmt.Errorf("%w: provider %q: bad output_tokens_mode %q", ErrConfig, d.ID, s.OutputTokensMode)
		}
		switch s.Format {
		case "", FormatSSE, FormatJSONLines, FormatSSEOrJSONLines:
		default:
			return fmt.Errorf("%w: provider %q: bad sse format %q", ErrConfig, d.ID, s.Format)
		}
	}
	return nil
}

// PathChain returns the primary path followed by its alternates, each
// compiled, with the primary guaranteed first even when the alternates
// list repeats it.
func (d *Definition) PathChain(primary string, alts []string) []*fieldpath.Path {
	if primary == "" {
		return nil
	}
	chain := make([]*fieldpath.Path, 0, 1+len(alts))
	if p := d.Path(primary); p != nil {
		chain = append(chain, p)
	}
	for _, alt := range alts {
		if alt == primary {
			continue
		}
		if p := d.Path(alt); p != nil {
			chain = append(chain, p)
		}
	}
	return chain
}
