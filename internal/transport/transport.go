// Package transport provides the TLS-terminating listener that feeds the
// relay's per-connection pipelines, plus the client-side transport used by
// the probe tool.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// =============================================================================
// PROBE CLIENT TRANSPORT
// =============================================================================
//
// The probe needs to look like a browser: a relay deployment is only proven
// good if it negotiates the same protocol a real client would get. Go's
// standard TLS client has a distinctive fingerprint, so the probe uses uTLS
// with a Chrome ClientHello and lets ALPN run its normal course (h2,
// http/1.1). HTTP/2 framing comes from golang.org/x/net/http2 when h2 wins.
//
// =============================================================================

// ProbeTransport is an http.RoundTripper presenting a Chrome TLS fingerprint.
// It records the ALPN result of the most recent handshake so the probe can
// report what the relay actually negotiated.
type ProbeTransport struct {
	h2 *http2.Transport
	h1 *http.Transport

	// lastProto holds the ALPN token from the most recent handshake.
	lastProto atomic.Value
}

// NewProbeTransport creates a probe transport with the given dial timeout.
// insecure skips certificate verification, for relays running self-signed
// development certificates.
func NewProbeTransport(timeout time.Duration, insecure bool) *ProbeTransport {
	t := &ProbeTransport{}
	dialer := &net.Dialer{Timeout: timeout}

	t.h2 = &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return t.dialFingerprintTLS(ctx, dialer, network, addr, insecure)
		},
	}
	t.h1 = &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return t.dialFingerprintTLS(ctx, dialer, network, addr, insecure)
		},
		ForceAttemptHTTP2: false,
	}
	return t
}

// RoundTrip implements http.RoundTripper. HTTP/2 is attempted first, with an
// HTTP/1.1 retry for servers (or relay routes) that negotiated away from h2.
func (t *ProbeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.h2.RoundTrip(req)
	if err == nil {
		return resp, nil
	}
	return t.h1.RoundTrip(req)
}

// NegotiatedProtocol returns the ALPN token from the most recent handshake,
// or "" if no handshake has completed.
func (t *ProbeTransport) NegotiatedProtocol() string {
	if v, ok := t.lastProto.Load().(string); ok {
		return v
	}
	return ""
}

// dialFingerprintTLS establishes a TLS connection with Chrome's ClientHello.
func (t *ProbeTransport) dialFingerprintTLS(ctx context.Context, dialer *net.Dialer, network, addr string, insecure bool) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	cfg := &utls.Config{
		ServerName:         host,
		InsecureSkipVerify: insecure,
	}
	tlsConn := utls.UClient(conn, cfg, utls.HelloChrome_Auto)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	t.lastProto.Store(tlsConn.ConnectionState().NegotiatedProtocol)
	return tlsConn, nil
}
