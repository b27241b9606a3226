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

// Package fieldpath compiles and evaluates field-path expressions of the
// form "$.a.b[0].c[*].d" against decoded JSON documents.
//
// Paths are compiled once at provider-config load time into a small
// segment tree. Evaluation is a recursive walk: a path without wildcards
// yields a single value, a path containing "[*]" anywhere yields the full
// ordered list of matching leaves. Collapsing a wildcard to its first
// match is exactly the extraction bug this package exists to rule out.
package fieldpath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPath is returned when an expression cannot be compiled.
var ErrInvalidPath = errors.New("invalid field path")

type segmentKind int

const (
	segKey segmentKind = iota
	segIndex
	segWildcard
)

type segment struct {
	kind  segmentKind
	key   string
	index int
}

// Path is a compiled field-path expression.
type Path struct {
	raw      string
	segments []segment
	wildcard bool
}

// Compile parses a field-path expression. The leading "$" root reference
// is optional. Supported segments: dotted keys, bracket indices ("[3]")
// and the wildcard ("[*]").
func Compile(expr string) (*Path, error) {
	raw := expr
	expr = strings.TrimSpace(expr)
	expr = strings.TrimPrefix(expr, "$")

	p := &Path{raw: raw}
	for len(expr) > 0 {
		switch expr[0] {
		case '.':
			expr = expr[1:]
			if expr == "" {
				return nil, fmt.Errorf("%w: trailing dot in %q", ErrInvalidPath, raw)
			}
			end := keyEnd(expr)
			if end == 0 {
				return nil, fmt.Errorf("%w: empty key in %q", ErrInvalidPath, raw)
			}
			p.segments = append(p.segments, segment{kind: segKey, key: expr[:end]})
			expr = expr[end:]
		case '[':
			close := strings.IndexByte(expr, ']')
			if close < 0 {
				return nil, fmt.Errorf("%w: unterminated bracket in %q", ErrInvalidPath, raw)
			}
			inner := expr[1:close]
			expr = expr[close+1:]
			if inner == "*" {
				p.segments = append(p.segments, segment{kind: segWildcard})
				p.wildcard = true
				continue
			}
			idx, err := strconv.Atoi(inner)
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("%w: bad index %q in %q", ErrInvalidPath, inner, raw)
			}
			p.segments = append(p.segments, segment{kind: segIndex, index: idx})
		default:
			// Bare leading key, e.g. "usage.input_tokens".
			end := keyEnd(expr)
			if end == 0 {
				return nil, fmt.Errorf("%w: unexpected %q in %q", ErrInvalidPath, expr[0], raw)
			}
			p.segments = append(p.segments, segment{kind: segKey, key: expr[:end]})
			expr = expr[end:]
		}
	}
	return p, nil
}

// MustCompile is like Compile but panics on error. Intended for builtin
// provider profiles known at compile time.
func MustCompile(expr string) *Path {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func keyEnd(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' || s[i] == '[' {
			return i
		}
	}
	return len(s)
}

// HasWildcard reports whether the path contains a "[*]" segment.
func (p *Path) HasWildcard() bool { return p.wildcard }

// String returns the original expression.
func (p *Path) String() string { return p.raw }

// Eval walks the document along the path.
//
// For a non-wildcard path the single leaf value is returned, with found
// false when any segment is missing. For a wildcard path the result is
// []any holding every matching leaf in document order with nils and
// empty strings filtered out; found is true whenever the collection the
// wildcard applies to exists, so an empty list is distinguishable from a
// missing one.
func (p *Path) Eval(doc any) (any, bool) {
	if p.wildcard {
		list, found := evalList(doc, p.segments)
		if !found {
			return nil, false
		}
		return list, true
	}
	return evalOne(doc, p.segments)
}

func evalOne(node any, segs []segment) (any, bool) {
	for _, seg := range segs {
		switch seg.kind {
		case segKey:
			m, ok := node.(map[string]any)
			if !ok {
				return nil, false
			}
			node, ok = m[seg.key]
			if !ok {
				return nil, false
			}
		case segIndex:
			arr, ok := node.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			node = arr[seg.index]
		}
	}
	if node == nil {
		return nil, false
	}
	return node, true
}

func evalList(node any, segs []segment) ([]any, bool) {
	for i, seg := range segs {
		switch seg.kind {
		case segKey:
			m, ok := node.(map[string]any)
			if !ok {
				return nil, false
			}
			node, ok = m[seg.key]
			if !ok {
				return nil, false
			}
		case segIndex:
			arr, ok := node.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			node = arr[seg.index]
		case segWildcard:
			arr, ok := node.([]any)
			if !ok {
				return nil, false
			}
			out := make([]any, 0, len(arr))
			rest := segs[i+1:]
			for _, elem := range arr {
				if containsWildcard(rest) {
					sub, ok := evalList(elem, rest)
					if ok {
						out = append(out, sub...)
					}
					continue
				}
				v, ok := evalOne(elem, rest)
				if ok && !emptyLeaf(v) {
					out = append(out, v)
				}
			}
			return out, true
		}
	}
	// Wildcard flag set but no wildcard segment reached: unreachable by
	// construction, treat as single leaf.
	if node == nil {
		return nil, false
	}
	return []any{node}, true
}

func containsWildcard(segs []segment) bool {
	for _, s := range segs {
		if s.kind == segWildcard {
			return true
		}
	}
	return false
}

func emptyLeaf(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}
