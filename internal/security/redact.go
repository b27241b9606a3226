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

package security

// Redacted replaces message content when debug mode is off.
const Redacted = "[REDACTED]"

// RedactMessages returns a copy of a message list with every content
// value replaced by the redaction marker. Roles, array shape, and other
// structural keys are preserved so counts and ordering stay queryable.
func RedactMessages(messages []any) []any {
	if messages == nil {
		return nil
	}
	out := make([]any, len(messages))
	for i, msg := range messages {
		out[i] = redactMessage(msg)
	}
	return out
}

func redactMessage(msg any) any {
	m, ok := msg.(map[string]any)
	if !ok {
		return Redacted
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == "content" || k == "text" {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}

// RedactBlocks redacts a system-prompt value, which may be a plain
// string or a list of content blocks.
func RedactBlocks(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return Redacted
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactMessage(item)
		}
		return out
	default:
		return Redacted
	}
}
