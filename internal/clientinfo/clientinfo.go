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

// Package clientinfo resolves which program, project, and device a flow
// belongs to, from explicit headers, environment hints, or user-agent
// inference as a last resort.
package clientinfo

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Context attribution headers. The JSON header carries a full object and
// wins field-by-field over the scalar ones.
const (
	HeaderContext = "X-Tokentap-Context"
	HeaderProgram = "X-Tokentap-Program"
	HeaderProject = "X-Tokentap-Project"
	HeaderSession = "X-Tokentap-Session"
)

// Recognised client types, inferred from user-agent tokens when no
// explicit program is supplied.
const (
	ClientClaudeCode = "claude-code"
	ClientKiroCLI    = "kiro-cli"
	ClientCodex      = "codex"
	ClientGeminiCLI  = "gemini-cli"
	ClientGeneric    = "generic"
)

// Context is the program/project/session attribution for one flow.
// Tags and Custom ride along from the JSON context object only; the
// scalar headers carry no equivalent.
type Context struct {
	Program string         `json:"program" bson:"program"`
	Project string         `json:"project" bson:"project"`
	Session string         `json:"session" bson:"session"`
	Tags    []string       `json:"tags,omitempty" bson:"tags,omitempty"`
	Custom  map[string]any `json:"custom,omitempty" bson:"custom,omitempty"`
}

// Device identifies the machine behind a flow.
type Device struct {
	ID        string `json:"id" bson:"id"`
	SessionID string `json:"session_id,omitempty" bson:"session_id,omitempty"`
	OS        string `json:"os" bson:"os"`
	IP        string `json:"ip" bson:"ip"`
	UserAgent string `json:"user_agent" bson:"user_agent"`
	Browser   string `json:"browser,omitempty" bson:"browser,omitempty"`
}

// ResolveContext applies the precedence chain: JSON context header, then
// scalar headers, then process environment, then user-agent inference.
// First non-empty value wins per field.
func ResolveContext(h http.Header, userAgent string) Context {
	var ctx Context

	if raw := h.Get(HeaderContext); raw != "" {
		var fromJSON Context
		if err := json.Unmarshal([]byte(raw), &fromJSON); err == nil {
			ctx = fromJSON
		}
	}

	fill(&ctx.Program, h.Get(HeaderProgram))
	fill(&ctx.Project, h.Get(HeaderProject))
	fill(&ctx.Session, h.Get(HeaderSession))

	if raw := os.Getenv("TOKENTAP_CONTEXT"); raw != "" {
		var fromEnv Context
		if err := json.Unmarshal([]byte(raw), &fromEnv); err == nil {
			fill(&ctx.Program, fromEnv.Program)
			fill(&ctx.Project, fromEnv.Project)
			fill(&ctx.Session, fromEnv.Session)
			if len(ctx.Tags) == 0 {
				ctx.Tags = fromEnv.Tags
			}
			if len(ctx.Custom) == 0 {
				ctx.Custom = fromEnv.Custom
			}
		}
	}
	fill(&ctx.Program, os.Getenv("TOKENTAP_PROGRAM"))
	fill(&ctx.Project, os.Getenv("TOKENTAP_PROJECT"))
	fill(&ctx.Session, os.Getenv("TOKENTAP_SESSION"))

	fill(&ctx.Program, ClientType(userAgent))
	return ctx
}

func fill(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

// ClientType infers the calling program from user-agent tokens.
func ClientType(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "claude-cli"), strings.Contains(ua, "claude-code"):
		return ClientClaudeCode
	case strings.Contains(ua, "kiro"), strings.Contains(ua, "amazon-q"), strings.Contains(ua, "aws-cli"):
		return ClientKiroCLI
	case strings.Contains(ua, "codex"):
		return ClientCodex
	case strings.Contains(ua, "gemini-cli"), strings.Contains(ua, "geminicli"):
		return ClientGeminiCLI
	default:
		return ClientGeneric
	}
}

// OSToken parses the operating system out of a user-agent string.
// Unknown platforms map to "other".
func OSToken(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "darwin"), strings.Contains(ua, "mac os"), strings.Contains(ua, "macos"):
		return "darwin"
	case strings.Contains(ua, "windows"), strings.Contains(ua, "win32"), strings.Contains(ua, "win64"):
		return "windows"
	case strings.Contains(ua, "android"):
		return "android"
	case strings.Contains(ua, "linux"):
		return "linux"
	default:
		return "other"
	}
}

// Fingerprint computes the tier-3 device identifier: a 128-bit BLAKE2b
// digest of client IP, OS token, and user agent, hex encoded. Stable for
// one machine until its IP or user agent changes.
func Fingerprint(clientIP, userAgent string) string {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// Only reachable with a bad digest size or key.
		panic(err)
	}
	h.Write([]byte(clientIP))
	h.Write([]byte{0})
	h.Write([]byte(OSToken(userAgent)))
	h.Write([]byte{0})
	h.Write([]byte(userAgent))
	return hex.EncodeToString(h.Sum(nil))
}

// ResolveDevice builds the device record for a flow. Identifier priority:
// provider-extracted session id, then provider-extracted device id, then
// the fingerprint.
func ResolveDevice(sessionID, deviceID, clientIP, userAgent string) Device {
	d := Device{
		SessionID: sessionID,
		OS:        OSToken(userAgent),
		IP:        clientIP,
		UserAgent: userAgent,
	}
	switch {
	case sessionID != "":
		d.ID = sessionID
	case deviceID != "":
		d.ID = deviceID
	default:
		d.ID = Fingerprint(clientIP, userAgent)
	}
	return d
}
