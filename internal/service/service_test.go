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

package service

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/tokentap/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.StateDir = dir
	cfg.Store.SQLitePath = filepath.Join(dir, "events.db")
	cfg.Providers.OverridePath = filepath.Join(dir, "providers.json")
	// Ephemeral ports so parallel test runs never collide.
	cfg.Proxy.Port = 0
	cfg.Dashboard.Port = 0
	cfg.Sink.DrainTimeout = time.Second
	return cfg
}

func TestServiceStartAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	svc, err := New(context.Background(), cfg, Info{Version: "test"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Start(ctx) }()

	require.Eventually(t, func() bool {
		return svc.ProxyAddr() != "" && svc.DashboardAddr() != ""
	}, 5*time.Second, 10*time.Millisecond)

	// The proxy answers /health itself.
	resp, err := http.Get("http://" + svc.ProxyAddr() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","proxy":true}`, string(body))

	// The dashboard serves its own health and status.
	resp, err = http.Get("http://" + svc.DashboardAddr() + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, svc.Shutdown(shutdownCtx))

	// Shutdown is idempotent.
	require.NoError(t, svc.Shutdown(shutdownCtx))
}

func TestServiceReloadKeepsRegistryOnFailure(t *testing.T) {
	cfg := testConfig(t)
	svc, err := New(context.Background(), cfg, Info{Version: "test"}, nil)
	require.NoError(t, err)
	defer svc.Shutdown(context.Background())

	before := svc.registry.Current()
	svc.Reload()
	assert.Equal(t, before.Version(), svc.registry.Current().Version())
}
