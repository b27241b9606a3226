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
	"fmt"
	"io"
	"net/http"
	"strings"
)

// hopByHopHeaders must not be forwarded between hops.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, name := range strings.Split(h.Get("Connection"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			h.Del(name)
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// chunkedWriter frames writes for Transfer-Encoding: chunked delivery
// on a hijacked connection. Close writes the terminal chunk.
type chunkedWriter struct {
	w io.Writer
}

func newChunkedWriter(w io.Writer) *chunkedWriter { return &chunkedWriter{w: w} }

func (c *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := c.w.Write(p); err != nil {
		return 0, err
	}
	if _, err := io.WriteString(c.w, "\r\n"); err != nil {
		return 0, err
	}
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
	return len(p), nil
}

func (c *chunkedWriter) Close() error {
	_, err := io.WriteString(c.w, "0\r\n\r\n")
	return err
}

// flushWriter flushes after every write so streamed events reach the
// client without buffering delay.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil && fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

// limitedBuffer keeps at most limit bytes and records whether anything
// was discarded.
type limitedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	room := b.limit - len(b.buf)
	if room <= 0 {
		b.truncated = true
		return n, nil
	}
	if n > room {
		b.truncated = true
		p = p[:room]
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *limitedBuffer) Bytes() []byte   { return b.buf }
func (b *limitedBuffer) Truncated() bool { return b.truncated }

// safeTap shields the forwarding path from tap failures. Writes always
// succeed from the caller's point of view.
type safeTap struct {
	w io.Writer
}

func (t safeTap) Write(p []byte) (n int, err error) {
	defer func() {
		_ = recover()
	}()
	_, _ = t.w.Write(p)
	return len(p), nil
}
