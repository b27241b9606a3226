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

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/tokentap/internal/log"
)

// Registry is an immutable snapshot of the loaded provider set plus the
// current capture mode. Lookup by hostname is a single map access.
type Registry struct {
	version     string
	captureMode CaptureMode
	providers   map[string]*Definition
	byDomain    map[string]string
}

// Version returns the config document version string.
func (r *Registry) Version() string { return r.version }

// CaptureMode returns the process-wide capture mode for this snapshot.
func (r *Registry) CaptureMode() CaptureMode { return r.captureMode }

// Resolve maps a hostname to a provider id. Hosts are matched exactly
// after lower-casing. Unmatched hosts resolve to "unknown" when capture
// mode is capture_all, and to nothing otherwise.
func (r *Registry) Resolve(host string) (string, bool) {
	host = strings.ToLower(host)
	if h, _, found := strings.Cut(host, ":"); found {
		host = h
	}
	if id, ok := r.byDomain[host]; ok {
		return id, true
	}
	if r.captureMode == CaptureAll {
		if def, ok := r.providers[UnknownID]; ok && def.IsEnabled() {
			return UnknownID, true
		}
	}
	return "", false
}

// Get returns the definition for a provider id, or nil.
func (r *Registry) Get(id string) *Definition {
	return r.providers[id]
}

// IDs returns the configured provider ids in no particular order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}

// Handle owns the current Registry snapshot behind an atomic pointer.
// Readers take the snapshot once per flow at the request hook; Reload
// installs a new snapshot without touching in-flight flows, whose old
// snapshots stay alive until their last reference is dropped.
type Handle struct {
	current      atomic.Pointer[Registry]
	primaryPath  string
	overridePath string
	logger       *slog.Logger
}

// NewHandle loads the initial registry and returns a reloadable handle.
func NewHandle(primaryPath, overridePath string, logger *slog.Logger) (*Handle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := Load(primaryPath, overridePath)
	if err != nil {
		return nil, err
	}
	h := &Handle{
		primaryPath:  primaryPath,
		overridePath: overridePath,
		logger:       log.WithComponent(logger, "provider"),
	}
	h.current.Store(reg)
	return h, nil
}

// Current returns the current registry snapshot.
func (h *Handle) Current() *Registry {
	return h.current.Load()
}

// Reload re-reads the configuration and atomically swaps the snapshot.
// On failure the previous snapshot stays installed and the error is
// returned for the caller to report.
func (h *Handle) Reload() error {
	reg, err := Load(h.primaryPath, h.overridePath)
	if err != nil {
		h.logger.Error("provider config reload failed, keeping previous snapshot",
			log.Error(err))
		return err
	}
	h.current.Store(reg)
	h.logger.Info("provider config reloaded",
		slog.String("version", reg.Version()),
		slog.Int("providers", len(reg.providers)),
		slog.String("capture_mode", string(reg.CaptureMode())))
	return nil
}

// Watch reloads the registry whenever the override file changes. It
// blocks until the context is cancelled. A missing override file at
// start is fine; the watch covers its directory so creation is noticed.
func (h *Handle) Watch(ctx context.Context) error {
	if h.overridePath == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(h.overridePath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(h.overridePath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			h.logger.Debug("override config changed", slog.String("op", ev.Op.String()))
			_ = h.Reload() // failure already logged; keep watching
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn("config watcher error", log.Error(err))
		}
	}
}
