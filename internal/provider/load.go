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
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

//go:embed providers.json
var bundledConfig []byte

// fileConfig is the on-disk shape of providers.json.
type fileConfig struct {
	Version     string                 `json:"version"`
	Description string                 `json:"description,omitempty"`
	CaptureMode string                 `json:"capture_mode,omitempty"`
	Providers   map[string]*Definition `json:"providers"`
}

// Load reads the primary provider configuration, deep-merges the optional
// override file on top of it (override leaf wins, arrays replaced
// wholesale), validates the result, and returns an immutable Registry.
//
// An empty primaryPath loads the bundled configuration. A missing
// override file is not an error. The running registry is never mutated:
// on any failure the caller keeps its previous snapshot.
func Load(primaryPath, overridePath string) (*Registry, error) {
	primary, err := readLayer(primaryPath)
	if err != nil {
		return nil, err
	}

	if overridePath != "" {
		override, err := readLayer(overridePath)
		switch {
		case os.IsNotExist(err):
			// No operator override; bundled/primary config stands alone.
		case err != nil:
			return nil, err
		default:
			primary = deepMerge(primary, override)
		}
	}

	return build(primary)
}

// readLayer reads one configuration document into a generic map so the
// two layers can be merged before schema decoding.
func readLayer(path string) (map[string]any, error) {
	var raw []byte
	if path == "" {
		raw = bundledConfig
	} else {
		var err error
		raw, err = os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
		}
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, displayPath(path), err)
	}
	return doc, nil
}

func displayPath(path string) string {
	if path == "" {
		return "bundled providers.json"
	}
	return path
}

// deepMerge merges override into base. Maps merge recursively; every
// other value, including arrays, is replaced wholesale by the override.
func deepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = deepMerge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// build decodes the merged document, compiles paths, and checks the
// cross-provider invariants.
func build(doc map[string]any) (*Registry, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	var cfg fileConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	mode := CaptureMode(cfg.CaptureMode)
	switch mode {
	case "":
		mode = CaptureKnownOnly
	case CaptureKnownOnly, CaptureAll:
	default:
		return nil, fmt.Errorf("%w: capture_mode must be %q or %q, got %q",
			ErrConfig, CaptureKnownOnly, CaptureAll, cfg.CaptureMode)
	}

	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", ErrConfig)
	}

	reg := &Registry{
		version:     cfg.Version,
		captureMode: mode,
		providers:   make(map[string]*Definition, len(cfg.Providers)),
		byDomain:    make(map[string]string),
	}

	for id, def := range cfg.Providers {
		def.ID = strings.ToLower(id)
		if err := def.validate(); err != nil {
			return nil, err
		}
		if err := def.compile(); err != nil {
			return nil, err
		}
		reg.providers[def.ID] = def

		if !def.IsEnabled() || def.ID == UnknownID {
			continue
		}
		for _, domain := range def.Domains {
			host := strings.ToLower(domain)
			if prev, taken := reg.byDomain[host]; taken {
				return nil, fmt.Errorf("%w: domain %q claimed by both %q and %q",
					ErrConfig, host, prev, def.ID)
			}
			reg.byDomain[host] = def.ID
		}
	}

	return reg, nil
}
