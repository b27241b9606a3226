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

package clientinfo

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

const claudeUA = "claude-cli/2.0.14 (external, cli) darwin arm64"

func TestResolveContext_JSONHeaderWins(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderContext, `{"program":"backfill","project":"billing"}`)
	h.Set(HeaderProgram, "ignored")

	ctx := ResolveContext(h, claudeUA)
	assert.Equal(t, "backfill", ctx.Program)
	assert.Equal(t, "billing", ctx.Project)
}

func TestResolveContext_ScalarHeadersFillGaps(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderContext, `{"program":"backfill"}`)
	h.Set(HeaderProject, "billing")
	h.Set(HeaderSession, "s-1")

	ctx := ResolveContext(h, claudeUA)
	assert.Equal(t, "backfill", ctx.Program)
	assert.Equal(t, "billing", ctx.Project)
	assert.Equal(t, "s-1", ctx.Session)
}

func TestResolveContext_TagsAndCustom(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderContext, `{"program":"backfill","tags":["batch","ci"],"custom":{"team":"billing"}}`)

	ctx := ResolveContext(h, claudeUA)
	assert.Equal(t, []string{"batch", "ci"}, ctx.Tags)
	assert.Equal(t, "billing", ctx.Custom["team"])
}

func TestResolveContext_TagsAndCustomFromEnv(t *testing.T) {
	t.Setenv("TOKENTAP_CONTEXT", `{"tags":["nightly"],"custom":{"runner":"cron"}}`)

	ctx := ResolveContext(http.Header{}, claudeUA)
	assert.Equal(t, []string{"nightly"}, ctx.Tags)
	assert.Equal(t, "cron", ctx.Custom["runner"])
}

func TestResolveContext_EnvBeforeInference(t *testing.T) {
	t.Setenv("TOKENTAP_PROGRAM", "nightly-job")

	ctx := ResolveContext(http.Header{}, claudeUA)
	assert.Equal(t, "nightly-job", ctx.Program)
}

func TestResolveContext_InferenceFallback(t *testing.T) {
	ctx := ResolveContext(http.Header{}, claudeUA)
	assert.Equal(t, ClientClaudeCode, ctx.Program)
	assert.Empty(t, ctx.Project)
}

func TestClientType(t *testing.T) {
	tests := map[string]string{
		claudeUA:                       ClientClaudeCode,
		"kiro-cli/1.2.0 linux":         ClientKiroCLI,
		"codex_cli_rs/0.42.0":          ClientCodex,
		"gemini-cli/0.5.3 (linux x64)": ClientGeminiCLI,
		"curl/8.4.0":                   ClientGeneric,
		"":                             ClientGeneric,
	}
	for ua, want := range tests {
		assert.Equal(t, want, ClientType(ua), ua)
	}
}

func TestOSToken(t *testing.T) {
	assert.Equal(t, "darwin", OSToken(claudeUA))
	assert.Equal(t, "windows", OSToken("some-tool/1.0 (Windows NT 10.0)"))
	assert.Equal(t, "linux", OSToken("kiro-cli/1.2.0 linux x86_64"))
	assert.Equal(t, "other", OSToken("mystery/0.1"))
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := Fingerprint("127.0.0.1", claudeUA)
	b := Fingerprint("127.0.0.1", claudeUA)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32) // 128 bits, hex

	assert.NotEqual(t, a, Fingerprint("10.0.0.9", claudeUA))
	assert.NotEqual(t, a, Fingerprint("127.0.0.1", "curl/8.4.0"))
}

func TestResolveDevice_Priority(t *testing.T) {
	d := ResolveDevice("sess-1", "dev-1", "127.0.0.1", claudeUA)
	assert.Equal(t, "sess-1", d.ID)

	d = ResolveDevice("", "dev-1", "127.0.0.1", claudeUA)
	assert.Equal(t, "dev-1", d.ID)

	d = ResolveDevice("", "", "127.0.0.1", claudeUA)
	assert.Equal(t, Fingerprint("127.0.0.1", claudeUA), d.ID)
	assert.Equal(t, "darwin", d.OS)
}
