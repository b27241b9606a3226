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
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hookFuncs struct {
	onRequest         func(*Flow)
	onResponseHeaders func(*Flow)
	onResponse        func(*Flow)
}

func (h hookFuncs) OnRequest(f *Flow) {
	if h.onRequest != nil {
		h.onRequest(f)
	}
}

func (h hookFuncs) OnResponseHeaders(f *Flow) {
	if h.onResponseHeaders != nil {
		h.onResponseHeaders(f)
	}
}

func (h hookFuncs) OnResponse(f *Flow) {
	if h.onResponse != nil {
		h.onResponse(f)
	}
}

func TestHealthEndpoint(t *testing.T) {
	p := New(nil, Options{})

	req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:9000/health", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","proxy":true}`, rec.Body.String())
}

func TestPlainLocalResponse(t *testing.T) {
	hook := hookFuncs{onRequest: func(f *Flow) {
		f.Local = &LocalResponse{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   []byte(`{"ok":true}`),
		}
	}}
	p := New(nil, Options{Hook: hook})

	req := httptest.NewRequest(http.MethodGet, "http://localhost:9000/v1/models", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestPlainWithoutRewriteFails(t *testing.T) {
	p := New(nil, Options{Hook: hookFuncs{}})

	req := httptest.NewRequest(http.MethodPost, "http://localhost:9000/v1/messages", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHookPanicDowngradesToPassthrough(t *testing.T) {
	hook := hookFuncs{onRequest: func(*Flow) { panic("extractor bug") }}
	p := New(nil, Options{Hook: hook})

	flow := &Flow{ID: "f-1"}
	p.runHook("on_request", flow, p.hookOnRequest)

	assert.True(t, flow.Passthrough)

	// Later stages are skipped once the flow is passthrough.
	called := false
	p.hook = hookFuncs{onResponse: func(*Flow) { called = true }}
	p.runHook("on_response", flow, p.hookOnResponse)
	assert.False(t, called)
}

func TestChunkedWriterFraming(t *testing.T) {
	var buf bytes.Buffer
	cw := newChunkedWriter(&buf)

	_, err := cw.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = cw.Write(nil)
	require.NoError(t, err)
	require.NoError(t, cw.Close())

	assert.Equal(t, "5\r\nhello\r\n0\r\n\r\n", buf.String())
}

func TestLimitedBuffer(t *testing.T) {
	b := newLimitedBuffer(8)

	n, err := b.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.False(t, b.Truncated())

	// Reported length matches the input even past the cap.
	n, err = b.Write([]byte("world!"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.True(t, b.Truncated())
	assert.Equal(t, "hellowor", string(b.Bytes()))

	n, err = b.Write([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "hellowor", string(b.Bytes()))
}

func TestRemoveHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Custom-Hop")
	h.Set("X-Custom-Hop", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer tok")

	removeHopByHopHeaders(h)

	assert.Empty(t, h.Get("Connection"))
	assert.Empty(t, h.Get("X-Custom-Hop"))
	assert.Empty(t, h.Get("Keep-Alive"))
	assert.Empty(t, h.Get("Transfer-Encoding"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
}

func TestSafeTapSwallowsPanics(t *testing.T) {
	tap := safeTap{w: panicWriter{}}
	n, err := tap.Write([]byte("chunk"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
}

type panicWriter struct{}

func (panicWriter) Write([]byte) (int, error) { panic("tap failed") }

func TestIsEventStream(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	assert.True(t, isEventStream(h))

	h.Set("Content-Type", "application/json")
	assert.False(t, isEventStream(h))
}

func TestCAPersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateCA(dir)
	require.NoError(t, err)
	second, err := LoadOrCreateCA(dir)
	require.NoError(t, err)

	assert.Equal(t, first.CertPEM(), second.CertPEM())
	assert.NotEmpty(t, second.CertPath())
}

func TestCertCacheSignsAndReuses(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	require.NoError(t, err)
	cache := NewCertCache(ca)

	hello := &tls.ClientHelloInfo{ServerName: "api.anthropic.com"}
	cert, err := cache.GetCertificate(hello)
	require.NoError(t, err)

	again, err := cache.GetCertificate(hello)
	require.NoError(t, err)
	assert.Same(t, cert, again)

	// The leaf chains to the local CA and names the host.
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "api.anthropic.com")

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(ca.CertPEM()))
	_, err = leaf.Verify(x509.VerifyOptions{Roots: pool})
	assert.NoError(t, err)
}

func TestCertCacheIPLeaf(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	require.NoError(t, err)
	cache := NewCertCache(ca)

	cert, err := cache.GetCertificate(&tls.ClientHelloInfo{ServerName: "127.0.0.1"})
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())
}
