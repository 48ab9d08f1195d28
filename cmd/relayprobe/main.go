// relayprobe checks what a deployed relay actually negotiates. It connects
// with a Chrome TLS fingerprint, reports the ALPN result, and optionally
// issues an HTTP request through the relay to prove the forwarding path.
//
// Examples:
//
//	relayprobe -addr relay.example.com:8443
//	relayprobe -addr localhost:8443 -insecure -path /healthz
//	relayprobe -addr localhost:8443 -insecure -handshake-only
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	utls "github.com/refraction-networking/utls"

	"alpn-relay/internal/transport"
)

var (
	addr          = flag.String("addr", "", "relay address (host:port), required")
	path          = flag.String("path", "/", "request path for the HTTP probe")
	insecure      = flag.Bool("insecure", false, "skip certificate verification (self-signed dev certs)")
	handshakeOnly = flag.Bool("handshake-only", false, "stop after the TLS handshake, report ALPN only")
	timeout       = flag.Duration("timeout", 15*time.Second, "overall probe timeout")
)

func main() {
	flag.Parse()
	if *addr == "" {
		fmt.Fprintln(os.Stderr, "relayprobe: -addr is required")
		flag.Usage()
		os.Exit(2)
	}

	if err := probe(); err != nil {
		fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
		os.Exit(1)
	}
}

func probe() error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *handshakeOnly {
		return handshakeProbe(ctx)
	}
	return httpProbe(ctx)
}

// handshakeProbe performs just the TLS handshake and reports the outcome.
func handshakeProbe(ctx context.Context) error {
	host, _, err := net.SplitHostPort(*addr)
	if err != nil {
		host = *addr
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", *addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	tlsConn := utls.UClient(conn, &utls.Config{
		ServerName:         host,
		InsecureSkipVerify: *insecure,
	}, utls.HelloChrome_Auto)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}

	state := tlsConn.ConnectionState()
	printOutcome(state.NegotiatedProtocol)
	fmt.Printf("tls version:  %s\n", tls.VersionName(state.Version))
	return nil
}

// httpProbe issues a request through the relay with the fingerprint
// transport and reports both the ALPN result and the HTTP status.
func httpProbe(ctx context.Context) error {
	pt := transport.NewProbeTransport(*timeout, *insecure)
	client := &http.Client{Transport: pt, Timeout: *timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+*addr+*path, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	printOutcome(pt.NegotiatedProtocol())
	fmt.Printf("http status:  %s (%s)\n", resp.Status, resp.Proto)
	fmt.Printf("body bytes:   %d\n", len(body))
	return nil
}

func printOutcome(proto string) {
	if proto == "" {
		fmt.Println("alpn outcome: fallback (no protocol agreed)")
		return
	}
	fmt.Printf("alpn outcome: negotiated %q\n", proto)
}
