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

// Package security enforces the three capture-safety decisions: where
// listeners bind, whether message content is kept, and who may perform
// destructive control operations.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/tombee/tokentap/internal/log"
)

// ErrSecurity is returned when a security precondition fails, such as an
// admin token file readable by other users.
var ErrSecurity = errors.New("security")

// NetworkMode decides the bind address for every listener.
type NetworkMode string

const (
	// NetworkLocal binds to loopback only.
	NetworkLocal NetworkMode = "local"
	// NetworkOpen binds to all interfaces.
	NetworkOpen NetworkMode = "network"
)

// DebugMode decides whether message content survives into events.
type DebugMode string

const (
	DebugOff DebugMode = "off"
	DebugOn  DebugMode = "on"
)

// State file names under the state directory.
const (
	networkModeFile = "network_mode"
	debugModeFile   = "debug_mode"
	adminTokenFile  = "admin.token"
)

const adminTokenBytes = 32

// Gate holds the mutable security state. Mode reads are atomic loads;
// flow hooks sample them once at entry, so a change applies from the
// next flow onward.
type Gate struct {
	dir    string
	logger *slog.Logger

	networkOpen atomic.Bool
	debugOn     atomic.Bool
	token       atomic.Pointer[string]
}

// Open loads or initialises the security state under dir. The admin
// token is generated on first use with owner-only permissions; a token
// file readable by group or world refuses to load.
func Open(dir string, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{dir: dir, logger: log.WithComponent(logger, "security")}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: state dir: %v", ErrSecurity, err)
	}

	network, err := readMode(filepath.Join(dir, networkModeFile), string(NetworkLocal))
	if err != nil {
		return nil, err
	}
	switch NetworkMode(network) {
	case NetworkLocal:
	case NetworkOpen:
		g.networkOpen.Store(true)
		g.logger.Warn("network mode is open, listeners will bind to all interfaces")
	default:
		return nil, fmt.Errorf("%w: bad network_mode %q", ErrSecurity, network)
	}

	debug, err := readMode(filepath.Join(dir, debugModeFile), string(DebugOff))
	if err != nil {
		return nil, err
	}
	switch DebugMode(debug) {
	case DebugOff:
	case DebugOn:
		g.debugOn.Store(true)
		g.logger.Warn("debug mode is on, events will include full message content")
	default:
		return nil, fmt.Errorf("%w: bad debug_mode %q", ErrSecurity, debug)
	}

	token, err := loadOrCreateToken(filepath.Join(dir, adminTokenFile))
	if err != nil {
		return nil, err
	}
	g.token.Store(&token)
	return g, nil
}

// NetworkMode returns the persisted bind policy.
func (g *Gate) NetworkMode() NetworkMode {
	if g.networkOpen.Load() {
		return NetworkOpen
	}
	return NetworkLocal
}

// BindHost returns the host listeners must bind to.
func (g *Gate) BindHost() string {
	if g.networkOpen.Load() {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

// DebugOn reports whether full message content is being captured.
func (g *Gate) DebugOn() bool { return g.debugOn.Load() }

// SetDebug flips debug mode and persists it. Takes effect on the next
// flow.
func (g *Gate) SetDebug(on bool) error {
	mode := DebugOff
	if on {
		mode = DebugOn
	}
	if err := writeMode(filepath.Join(g.dir, debugModeFile), string(mode)); err != nil {
		return err
	}
	g.debugOn.Store(on)
	g.logger.Info("debug mode changed", slog.String("mode", string(mode)))
	return nil
}

// SetNetworkMode persists the bind policy. A restart is needed for
// already-bound listeners.
func (g *Gate) SetNetworkMode(mode NetworkMode) error {
	switch mode {
	case NetworkLocal, NetworkOpen:
	default:
		return fmt.Errorf("%w: bad network_mode %q", ErrSecurity, mode)
	}
	if err := writeMode(filepath.Join(g.dir, networkModeFile), string(mode)); err != nil {
		return err
	}
	g.networkOpen.Store(mode == NetworkOpen)
	return nil
}

// AdminToken returns the current admin token.
func (g *Gate) AdminToken() string { return *g.token.Load() }

// VerifyAdminToken compares a presented token in constant time.
func (g *Gate) VerifyAdminToken(presented string) bool {
	want := *g.token.Load()
	return presented != "" &&
		subtle.ConstantTimeCompare([]byte(presented), []byte(want)) == 1
}

func readMode(path, fallback string) (string, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrSecurity, path, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func writeMode(path, value string) error {
	if err := os.WriteFile(path, []byte(value+"\n"), 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrSecurity, path, err)
	}
	return nil
}

// loadOrCreateToken reads the admin token, generating it on first use.
// Loose file permissions are a hard failure, not a warning.
func loadOrCreateToken(path string) (string, error) {
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		return createToken(path)
	case err != nil:
		return "", fmt.Errorf("%w: stat %s: %v", ErrSecurity, path, err)
	}

	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return "", fmt.Errorf("%w: token file %s has permissions %04o, want owner-only",
			ErrSecurity, path, perm)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrSecurity, path, err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return createToken(path)
	}
	return token, nil
}

func createToken(path string) (string, error) {
	buf := make([]byte, adminTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: generate token: %v", ErrSecurity, err)
	}
	token := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", ErrSecurity, path, err)
	}
	return token, nil
}
