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

package extract

import "encoding/json"

// legacyFn is a hard-coded extractor retained from before the declarative
// profiles existed. Each one knows a single provider's wire shape.
type legacyFn func(doc map[string]any) (Usage, bool)

var legacyExtractors = map[string]legacyFn{
	"anthropic": legacyAnthropic,
	"openai":    legacyOpenAI,
	"gemini":    legacyGemini,
	"amazon-q":  legacyAmazonQ,
}

// Legacy runs the builtin extractor for a provider against a raw response
// body. It exists as a one-shot fallback for when the configured paths
// stop matching a provider's payload, and reports whether it produced
// any token counts.
func Legacy(providerID string, body []byte) (Usage, bool) {
	fn, ok := legacyExtractors[providerID]
	if !ok {
		return Usage{}, false
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Usage{}, false
	}
	u, ok := fn(doc)
	return u, ok && u.Complete()
}

// HasLegacy reports whether a builtin extractor exists for the provider.
func HasLegacy(providerID string) bool {
	_, ok := legacyExtractors[providerID]
	return ok
}

func legacyAnthropic(doc map[string]any) (Usage, bool) {
	usage, ok := mapAt(doc, "usage")
	if !ok {
		// Streaming message_start nests the message.
		if msg, mok := mapAt(doc, "message"); mok {
			usage, ok = mapAt(msg, "usage")
		}
	}
	if !ok {
		return Usage{}, false
	}
	var u Usage
	u.InputTokens, u.HasInput = intAt(usage, "input_tokens")
	u.OutputTokens, u.HasOutput = intAt(usage, "output_tokens")
	u.CacheCreationTokens, _ = intAt(usage, "cache_creation_input_tokens")
	u.CacheReadTokens, _ = intAt(usage, "cache_read_input_tokens")
	u.Model, _ = stringAt(doc, "model")
	u.StopReason, _ = stringAt(doc, "stop_reason")
	return u, true
}

func legacyOpenAI(doc map[string]any) (Usage, bool) {
	usage, ok := mapAt(doc, "usage")
	if !ok {
		return Usage{}, false
	}
	var u Usage
	u.InputTokens, u.HasInput = intAt(usage, "prompt_tokens")
	if !u.HasInput {
		u.InputTokens, u.HasInput = intAt(usage, "input_tokens")
	}
	u.OutputTokens, u.HasOutput = intAt(usage, "completion_tokens")
	if !u.HasOutput {
		u.OutputTokens, u.HasOutput = intAt(usage, "output_tokens")
	}
	if details, dok := mapAt(usage, "prompt_tokens_details"); dok {
		u.CacheReadTokens, _ = intAt(details, "cached_tokens")
	}
	u.Model, _ = stringAt(doc, "model")
	if choices, cok := doc["choices"].([]any); cok && len(choices) > 0 {
		if first, fok := choices[0].(map[string]any); fok {
			u.StopReason, _ = stringAt(first, "finish_reason")
		}
	}
	return u, true
}

func legacyGemini(doc map[string]any) (Usage, bool) {
	meta, ok := mapAt(doc, "usageMetadata")
	if !ok {
		return Usage{}, false
	}
	var u Usage
	u.InputTokens, u.HasInput = intAt(meta, "promptTokenCount")
	u.OutputTokens, u.HasOutput = intAt(meta, "candidatesTokenCount")
	u.CacheReadTokens, _ = intAt(meta, "cachedContentTokenCount")
	u.Model, _ = stringAt(doc, "modelVersion")
	if cands, cok := doc["candidates"].([]any); cok && len(cands) > 0 {
		if first, fok := cands[0].(map[string]any); fok {
			u.StopReason, _ = stringAt(first, "finishReason")
		}
	}
	return u, true
}

func legacyAmazonQ(doc map[string]any) (Usage, bool) {
	usage, ok := mapAt(doc, "usage")
	if !ok {
		return Usage{}, false
	}
	var u Usage
	for _, key := range []string{"inputTokens", "input_tokens", "promptTokens"} {
		if u.InputTokens, u.HasInput = intAt(usage, key); u.HasInput {
			break
		}
	}
	for _, key := range []string{"outputTokens", "output_tokens", "completionTokens"} {
		if u.OutputTokens, u.HasOutput = intAt(usage, key); u.HasOutput {
			break
		}
	}
	u.Model, _ = stringAt(doc, "model")
	if u.StopReason, ok = stringAt(doc, "stopReason"); !ok {
		u.StopReason, _ = stringAt(doc, "stop_reason")
	}
	return u, true
}

func mapAt(doc map[string]any, key string) (map[string]any, bool) {
	m, ok := doc[key].(map[string]any)
	return m, ok
}

func intAt(doc map[string]any, key string) (int64, bool) {
	switch n := doc[key].(type) {
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func stringAt(doc map[string]any, key string) (string, bool) {
	s, ok := doc[key].(string)
	return s, ok && s != ""
}
