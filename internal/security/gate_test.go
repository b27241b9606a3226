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

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Defaults(t *testing.T) {
	g, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, NetworkLocal, g.NetworkMode())
	assert.Equal(t, "127.0.0.1", g.BindHost())
	assert.False(t, g.DebugOn())
	assert.Len(t, g.AdminToken(), 64) // 32 bytes, hex
}

func TestOpen_PersistedModes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "network_mode"), []byte("network\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "debug_mode"), []byte("on\n"), 0o600))

	g, err := Open(dir, nil)
	require.NoError(t, err)

	assert.Equal(t, NetworkOpen, g.NetworkMode())
	assert.Equal(t, "0.0.0.0", g.BindHost())
	assert.True(t, g.DebugOn())
}

func TestOpen_BadModeValues(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "network_mode"), []byte("everywhere"), 0o600))

	_, err := Open(dir, nil)
	assert.ErrorIs(t, err, ErrSecurity)
}

func TestOpen_TokenStableAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	g1, err := Open(dir, nil)
	require.NoError(t, err)
	g2, err := Open(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, g1.AdminToken(), g2.AdminToken())
}

func TestOpen_LooseTokenPermissionsRefused(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "admin.token"), []byte("abc123\n"), 0o644))

	_, err := Open(dir, nil)
	require.ErrorIs(t, err, ErrSecurity)
	assert.Contains(t, err.Error(), "permissions")
}

func TestVerifyAdminToken(t *testing.T) {
	g, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	assert.True(t, g.VerifyAdminToken(g.AdminToken()))
	assert.False(t, g.VerifyAdminToken("wrong"))
	assert.False(t, g.VerifyAdminToken(""))
}

func TestSetDebug_PersistsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	g, err := Open(dir, nil)
	require.NoError(t, err)

	require.NoError(t, g.SetDebug(true))
	assert.True(t, g.DebugOn())

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	assert.True(t, reopened.DebugOn())
}

func TestSetNetworkMode(t *testing.T) {
	g, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, g.SetNetworkMode(NetworkOpen))
	assert.Equal(t, "0.0.0.0", g.BindHost())

	assert.ErrorIs(t, g.SetNetworkMode("lan"), ErrSecurity)
}

func TestRedactMessages(t *testing.T) {
	msgs := []any{
		map[string]any{"role": "user", "content": "secret prompt"},
		map[string]any{"role": "assistant", "content": []any{map[string]any{"type": "text", "text": "reply"}}},
		"bare string entry",
	}

	out := RedactMessages(msgs)
	require.Len(t, out, 3)

	first := out[0].(map[string]any)
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, Redacted, first["content"])

	second := out[1].(map[string]any)
	assert.Equal(t, "assistant", second["role"])
	assert.Equal(t, Redacted, second["content"])

	assert.Equal(t, Redacted, out[2])

	// Originals untouched.
	assert.Equal(t, "secret prompt", msgs[0].(map[string]any)["content"])
}

func TestRedactBlocks(t *testing.T) {
	assert.Nil(t, RedactBlocks(nil))
	assert.Equal(t, Redacted, RedactBlocks("system prompt"))

	blocks := RedactBlocks([]any{map[string]any{"type": "text", "text": "hidden"}}).([]any)
	require.Len(t, blocks, 1)
	b := blocks[0].(map[string]any)
	assert.Equal(t, "text", b["type"])
	assert.Equal(t, Redacted, b["text"])
}
