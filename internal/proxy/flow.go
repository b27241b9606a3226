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

package proxy

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Flow is one intercepted HTTP exchange. Hooks observe and annotate it;
// the engine owns forwarding. Fields hooks may mutate are called out
// below, everything else is engine-owned.
type Flow struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time

	ClientIP string

	// Host is the upstream target as host[:port]. Hooks may rewrite it
	// during OnRequest to redirect the flow.
	Host   string
	Method string
	Path   string

	RequestHeader http.Header
	RequestBody   []byte

	StatusCode     int
	ResponseHeader http.Header

	// ResponseBody holds the buffered body for non-streaming responses,
	// capped at the engine's capture limit. The client always receives
	// the full body regardless.
	ResponseBody      []byte
	ResponseTruncated bool

	// Streaming is set when the upstream response is an event stream.
	Streaming bool

	// Truncated is set when the stream ended before the upstream
	// finished, usually a client disconnect.
	Truncated bool

	// Passthrough, set by a hook, suppresses the remaining hooks for
	// this flow. Forwarding continues unaffected.
	Passthrough bool

	// Local, set during OnRequest, short-circuits the flow: the engine
	// serves this response and never contacts the upstream.
	Local *LocalResponse

	// Tap, set during OnResponseHeaders, receives streamed body chunks
	// as they are forwarded. Tap errors never reach the client.
	Tap io.Writer

	// Data carries hook-private state between the three hook calls.
	Data any

	forwardErr error
}

// ForwardError reports the upstream failure for this flow, if any.
func (f *Flow) ForwardError() error { return f.forwardErr }

// Duration is the wall time between first byte in and last byte out.
func (f *Flow) Duration() time.Duration {
	if f.FinishedAt.IsZero() {
		return 0
	}
	return f.FinishedAt.Sub(f.StartedAt)
}

// LocalResponse is a hook-synthesized response served without touching
// the upstream.
type LocalResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Hook observes flows at three points, always in order and never
// concurrently for the same flow: OnRequest after the request body is
// read, OnResponseHeaders once upstream headers arrive, OnResponse
// after the body completes. A panicking hook is logged and the flow
// downgraded to passthrough.
type Hook interface {
	OnRequest(f *Flow)
	OnResponseHeaders(f *Flow)
	OnResponse(f *Flow)
}

func newFlow(req *http.Request, clientIP, host string) *Flow {
	return &Flow{
		ID:            uuid.New().String(),
		StartedAt:     time.Now().UTC(),
		ClientIP:      clientIP,
		Host:          host,
		Method:        req.Method,
		Path:          req.URL.Path,
		RequestHeader: req.Header.Clone(),
	}
}
