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

// Package shared carries flags and version metadata used by every
// subcommand.
package shared

import "github.com/charmbracelet/lipgloss"

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	jsonOutput bool
	configPath string
)

// SetVersion stores build metadata injected via ldflags.
func SetVersion(v, c, b string) { version, commit, buildDate = v, c, b }

// GetVersion returns version, commit, and build date.
func GetVersion() (string, string, string) { return version, commit, buildDate }

// SetJSON records the --json flag for subcommands.
func SetJSON(v bool) { jsonOutput = v }

// GetJSON reports whether machine-readable output was requested.
func GetJSON() bool { return jsonOutput }

// SetConfigPath records the --config flag for subcommands.
func SetConfigPath(p string) { configPath = p }

// GetConfigPath returns the configured config file path, possibly empty.
func GetConfigPath() string { return configPath }

// Terminal styles shared across subcommands.
var (
	StatusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	StatusWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	StatusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	Muted       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	Header      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

// Status symbols.
const (
	SymbolOK    = "✓"
	SymbolWarn  = "⚠"
	SymbolError = "✗"
)

// RenderOK renders a success line prefix.
func RenderOK(msg string) string {
	return StatusOK.Render(SymbolOK) + " " + msg
}

// RenderWarn renders a warning line prefix.
func RenderWarn(msg string) string {
	return StatusWarn.Render(SymbolWarn) + " " + msg
}

// RenderError renders an error line prefix.
func RenderError(msg string) string {
	return StatusError.Render(SymbolError) + " " + msg
}

// RenderLabel renders a dim key label.
func RenderLabel(label string) string {
	return Muted.Render(label)
}
