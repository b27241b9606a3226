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

// Package proxy implements the TLS-terminating interception engine.
// CONNECT tunnels for hosts the decider claims are re-terminated with
// certificates from the local CA; everything else is passed through as
// an opaque tunnel. Flow hooks observe each exchange but can never
// impede forwarding.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/tokentap/internal/log"
)

const (
	defaultDialTimeout = 15 * time.Second
	defaultMaxCapture  = 2 << 20
)

// Options configures a Server. Zero values take the defaults.
type Options struct {
	// Hook receives flow callbacks. Required for interception to be
	// useful; a nil hook still forwards correctly.
	Hook Hook

	// Intercept decides per host (no port) whether to terminate TLS.
	// Hosts it declines are tunneled opaquely. Nil intercepts all.
	Intercept func(host string) bool

	Logger *slog.Logger

	DialTimeout     time.Duration
	MaxCaptureBytes int
}

// Server is the proxy listener. One Server handles CONNECT tunnels,
// intercepted TLS flows and plain HTTP requests on a single port.
type Server struct {
	certs     *CertCache
	hook      Hook
	intercept func(host string) bool
	logger    *slog.Logger

	dialTimeout time.Duration
	maxCapture  int

	httpSrv *http.Server
}

// New builds a Server signing with certs.
func New(certs *CertCache, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	maxCapture := opts.MaxCaptureBytes
	if maxCapture <= 0 {
		maxCapture = defaultMaxCapture
	}
	return &Server{
		certs:       certs,
		hook:        opts.Hook,
		intercept:   opts.Intercept,
		logger:      log.WithComponent(logger, "proxy"),
		dialTimeout: dialTimeout,
		maxCapture:  maxCapture,
	}
}

// Serve accepts proxy connections on l until Shutdown.
func (p *Server) Serve(l net.Listener) error {
	p.httpSrv = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
	}
	err := p.httpSrv.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and waits for in-flight
// requests, up to ctx.
func (p *Server) Shutdown(ctx context.Context) error {
	if p.httpSrv == nil {
		return nil
	}
	return p.httpSrv.Shutdown(ctx)
}

func (p *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	if r.URL.Path == "/health" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"status":"ok","proxy":true}`+"\n")
		return
	}
	p.handlePlain(w, r)
}

// handleConnect splits CONNECT traffic: intercepted hosts get a local
// TLS endpoint, the rest an opaque tunnel.
func (p *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}
	host = strings.ToLower(host)

	if p.intercept != nil && !p.intercept(host) {
		p.handleConnectPassthrough(w, r)
		return
	}
	p.handleConnectMITM(w, r, host)
}

// handleConnectPassthrough relays bytes without touching them. The
// upstream dial happens before the 200 so a dead upstream surfaces as
// a proxy error, not a broken tunnel.
func (p *Server) handleConnectPassthrough(w http.ResponseWriter, r *http.Request) {
	upstream, err := net.DialTimeout("tcp", r.Host, p.dialTimeout)
	if err != nil {
		p.logger.Warn("passthrough dial failed",
			slog.String(log.HostKey, r.Host), log.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	clientConn, err := hijack(w)
	if err != nil {
		p.logger.Warn("hijack failed", log.Error(err))
		return
	}
	defer clientConn.Close()

	if _, err := io.WriteString(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(upstream, clientConn)
		close(done)
	}()
	_, _ = io.Copy(clientConn, upstream)
	<-done
}

// handleConnectMITM terminates TLS with a locally signed certificate
// and serves the decrypted requests one at a time.
func (p *Server) handleConnectMITM(w http.ResponseWriter, r *http.Request, host string) {
	clientConn, err := hijack(w)
	if err != nil {
		p.logger.Warn("hijack failed", slog.String(log.HostKey, host), log.Error(err))
		return
	}
	defer clientConn.Close()

	if _, err := io.WriteString(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	tlsConn := tls.Server(clientConn, &tls.Config{
		GetCertificate: p.certs.GetCertificate,
		NextProtos:     []string{"http/1.1"},
		MinVersion:     tls.VersionTLS12,
	})
	defer tlsConn.Close()

	if err := tlsConn.Handshake(); err != nil {
		p.logger.Debug("client handshake failed",
			slog.String(log.HostKey, host), log.Error(err))
		return
	}

	clientIP := remoteIP(r.RemoteAddr)
	reader := bufio.NewReader(tlsConn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		if !p.serveFlow(tlsConn, req, clientIP, r.Host) {
			return
		}
	}
}

// serveFlow handles one decrypted exchange. The return value reports
// whether the connection can serve another request.
func (p *Server) serveFlow(conn io.Writer, req *http.Request, clientIP, defaultHost string) bool {
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		p.writeRawError(conn, http.StatusBadRequest, "request body read failed")
		return false
	}

	flow := newFlow(req, clientIP, defaultHost)
	flow.RequestBody = body

	p.runHook("on_request", flow, p.hookOnRequest)

	if flow.Local != nil {
		p.writeRawLocal(conn, flow.Local)
		return !req.Close
	}

	resp, upstream, err := p.forward(flow, req, body)
	if err != nil {
		flow.StatusCode = http.StatusBadGateway
		flow.forwardErr = err
		flow.FinishedAt = time.Now().UTC()
		p.logger.Warn("upstream request failed",
			slog.String(log.FlowIDKey, flow.ID),
			slog.String(log.HostKey, flow.Host),
			log.Error(err))
		p.runHook("on_response", flow, p.hookOnResponse)
		p.writeRawError(conn, http.StatusBadGateway, "upstream unreachable")
		return false
	}
	defer upstream.Close()
	defer resp.Body.Close()

	flow.StatusCode = resp.StatusCode
	flow.ResponseHeader = resp.Header.Clone()
	flow.Streaming = isEventStream(resp.Header)

	p.runHook("on_response_headers", flow, p.hookOnResponseHeaders)

	removeHopByHopHeaders(resp.Header)

	keepalive := !req.Close && !resp.Close
	if flow.Streaming {
		if !p.relayStreamRaw(conn, flow, resp) {
			keepalive = false
		}
	} else {
		if !p.relayBufferedRaw(conn, flow, resp) {
			keepalive = false
		}
	}

	flow.FinishedAt = time.Now().UTC()
	p.runHook("on_response", flow, p.hookOnResponse)
	return keepalive
}

// forward sends the request upstream over a fresh TLS connection and
// returns the parsed response. The caller owns both.
func (p *Server) forward(flow *Flow, req *http.Request, body []byte) (*http.Response, net.Conn, error) {
	target := flow.Host
	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	} else {
		target = net.JoinHostPort(target, "443")
	}

	upstream, err := tls.DialWithDialer(
		&net.Dialer{Timeout: p.dialTimeout},
		"tcp", target,
		&tls.Config{ServerName: host, NextProtos: []string{"http/1.1"}, MinVersion: tls.VersionTLS12},
	)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", target, err)
	}

	out := req.Clone(context.Background())
	out.URL.Scheme = "https"
	out.URL.Host = host
	out.Host = host
	out.RequestURI = ""
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	removeHopByHopHeaders(out.Header)
	// Re-encoded bodies would defeat extraction, so no compression.
	out.Header.Del("Accept-Encoding")

	if err := out.Write(upstream); err != nil {
		upstream.Close()
		return nil, nil, fmt.Errorf("write upstream: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(upstream), out)
	if err != nil {
		upstream.Close()
		return nil, nil, fmt.Errorf("read upstream response: %w", err)
	}
	return resp, upstream, nil
}

// relayStreamRaw forwards an event stream chunk by chunk, teeing each
// chunk into the flow tap. Returns false when the connection is no
// longer reusable.
func (p *Server) relayStreamRaw(conn io.Writer, flow *Flow, resp *http.Response) bool {
	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	resp.Header.Del("Content-Length")
	for name, values := range resp.Header {
		for _, v := range values {
			fmt.Fprintf(&sb, "%s: %s\r\n", name, v)
		}
	}
	sb.WriteString("Transfer-Encoding: chunked\r\n\r\n")
	if _, err := io.WriteString(conn, sb.String()); err != nil {
		return false
	}

	cw := newChunkedWriter(conn)
	dst := io.Writer(cw)
	if flow.Tap != nil {
		dst = io.MultiWriter(cw, safeTap{w: flow.Tap})
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		flow.Truncated = true
		return false
	}
	return cw.Close() == nil
}

// relayBufferedRaw reads the whole body, captures a bounded copy on the
// flow, and forwards with an explicit Content-Length.
func (p *Server) relayBufferedRaw(conn io.Writer, flow *Flow, resp *http.Response) bool {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		flow.Truncated = true
		return false
	}
	p.captureBody(flow, data)

	resp.Body = io.NopCloser(bytes.NewReader(data))
	resp.ContentLength = int64(len(data))
	resp.TransferEncoding = nil
	resp.Header.Set("Content-Length", fmt.Sprint(len(data)))
	return resp.Write(conn) == nil
}

func (p *Server) captureBody(flow *Flow, data []byte) {
	if len(data) > p.maxCapture {
		flow.ResponseBody = data[:p.maxCapture]
		flow.ResponseTruncated = true
		return
	}
	flow.ResponseBody = data
}

// handlePlain serves clients that talk plain HTTP to the proxy port
// directly, the localhost base-URL compatibility mode. A hook rewrite
// of flow.Host promotes the request to an HTTPS upstream call.
func (p *Server) handlePlain(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		http.Error(w, "request body read failed", http.StatusBadRequest)
		return
	}

	originalHost := strings.ToLower(r.Host)
	flow := newFlow(r, remoteIP(r.RemoteAddr), originalHost)
	flow.RequestBody = body

	p.runHook("on_request", flow, p.hookOnRequest)

	if flow.Local != nil {
		writeLocal(w, flow.Local)
		return
	}
	if strings.EqualFold(flow.Host, originalHost) {
		// Nothing rewrote the target, so the request points back at
		// this listener and cannot be forwarded.
		http.Error(w, "no upstream for host", http.StatusBadGateway)
		return
	}

	resp, upstream, err := p.forward(flow, r, body)
	if err != nil {
		flow.StatusCode = http.StatusBadGateway
		flow.forwardErr = err
		flow.FinishedAt = time.Now().UTC()
		p.logger.Warn("upstream request failed",
			slog.String(log.FlowIDKey, flow.ID),
			slog.String(log.HostKey, flow.Host),
			log.Error(err))
		p.runHook("on_response", flow, p.hookOnResponse)
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer upstream.Close()
	defer resp.Body.Close()

	flow.StatusCode = resp.StatusCode
	flow.ResponseHeader = resp.Header.Clone()
	flow.Streaming = isEventStream(resp.Header)

	p.runHook("on_response_headers", flow, p.hookOnResponseHeaders)

	removeHopByHopHeaders(resp.Header)
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}

	if flow.Streaming {
		w.Header().Del("Content-Length")
		w.WriteHeader(resp.StatusCode)
		fw := io.Writer(w)
		if f, ok := w.(http.Flusher); ok {
			fw = flushWriter{w: w, f: f}
		}
		dst := fw
		if flow.Tap != nil {
			dst = io.MultiWriter(fw, safeTap{w: flow.Tap})
		}
		if _, err := io.Copy(dst, resp.Body); err != nil {
			flow.Truncated = true
		}
	} else {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			flow.Truncated = true
		}
		p.captureBody(flow, data)
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(data)
	}

	flow.FinishedAt = time.Now().UTC()
	p.runHook("on_response", flow, p.hookOnResponse)
}

// runHook calls one hook stage with panic isolation. A panic downgrades
// the flow to passthrough and forwarding continues.
func (p *Server) runHook(stage string, flow *Flow, fn func(*Flow)) {
	if fn == nil || flow.Passthrough {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			flow.Passthrough = true
			p.logger.Warn("flow hook panicked",
				slog.String(log.FlowIDKey, flow.ID),
				slog.String("stage", stage),
				slog.Any("panic", r))
		}
	}()
	fn(flow)
}

func (p *Server) hookOnRequest(f *Flow) {
	if p.hook != nil {
		p.hook.OnRequest(f)
	}
}

func (p *Server) hookOnResponseHeaders(f *Flow) {
	if p.hook != nil {
		p.hook.OnResponseHeaders(f)
	}
}

func (p *Server) hookOnResponse(f *Flow) {
	if p.hook != nil {
		p.hook.OnResponse(f)
	}
}

func (p *Server) writeRawLocal(conn io.Writer, local *LocalResponse) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", local.Status, http.StatusText(local.Status))
	for name, values := range local.Header {
		for _, v := range values {
			fmt.Fprintf(&sb, "%s: %s\r\n", name, v)
		}
	}
	fmt.Fprintf(&sb, "Content-Length: %d\r\n\r\n", len(local.Body))
	sb.Write(local.Body)
	_, _ = io.WriteString(conn, sb.String())
}

func (p *Server) writeRawError(conn io.Writer, status int, msg string) {
	body := msg + "\n"
	_, _ = fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
}

func writeLocal(w http.ResponseWriter, local *LocalResponse) {
	for name, values := range local.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(local.Status)
	_, _ = w.Write(local.Body)
}

func hijack(w http.ResponseWriter) (net.Conn, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return nil, fmt.Errorf("hijack: %w", err)
	}
	return conn, nil
}

func remoteIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}
