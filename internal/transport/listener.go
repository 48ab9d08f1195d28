package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"alpn-relay/internal/negotiation"
	"alpn-relay/internal/pipeline"
)

// readBufferSize is the size of the per-connection inbound read buffer.
const readBufferSize = 32 * 1024

// defaultHandshakeTimeout bounds the TLS handshake; a client that connects
// and stalls must not pin a goroutine forever.
const defaultHandshakeTimeout = 10 * time.Second

// BuildFunc assembles the inbound pipeline for one accepted connection.
// clientConn is the decrypted (TLS-terminated) side; the application writes
// its outbound bytes directly to it.
type BuildFunc func(ctx context.Context, clientConn net.Conn) (*pipeline.Pipeline, error)

// Server terminates TLS and drives one pipeline per accepted connection.
// After the handshake it fires a single ProtocolSelected event carrying the
// ALPN result, then feeds decrypted reads into the pipeline as data units,
// each batch followed by a ReadComplete notification.
type Server struct {
	TLSConfig *tls.Config
	Build     BuildFunc
	Logger    *slog.Logger

	// HandshakeTimeout overrides defaultHandshakeTimeout when positive.
	HandshakeTimeout time.Duration
}

// NewServerTLSConfig builds the listener-side TLS configuration advertising
// the given ALPN protocols, in preference order.
func NewServerTLSConfig(cert tls.Certificate, protos []string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   protos,
	}
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// Each connection is handled on its own goroutines; Serve itself returns the
// accept-loop error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Unblock Accept when the context ends.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go s.handle(ctx, conn)
	}
}

// handle runs the full lifecycle of one client connection: handshake,
// pipeline construction, the protocol event, then the read loop.
func (s *Server) handle(ctx context.Context, raw net.Conn) {
	logger := s.Logger.With(slog.String("remote", raw.RemoteAddr().String()))

	tc := tls.Server(raw, s.TLSConfig)
	timeout := s.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	err := tc.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		logger.Warn("tls handshake failed", slog.String("error", err.Error()))
		raw.Close()
		return
	}

	proto := tc.ConnectionState().NegotiatedProtocol
	logger.Debug("tls handshake complete", slog.String("protocol", proto))

	connCtx, connCancel := context.WithCancel(ctx)

	p, err := s.Build(connCtx, tc)
	if err != nil {
		logger.Error("pipeline build failed", slog.String("error", err.Error()))
		connCancel()
		tc.Close()
		return
	}

	// The pipeline goroutine owns all stage state; the read loop below only
	// submits work to it. When Run returns, cancelling connCtx releases any
	// watcher goroutines tied to the connection.
	go func() {
		p.Run(connCtx)
		connCancel()
		tc.Close()
	}()

	// The handshake settles before any application data is read, so the
	// selection event is always the first thing the pipeline sees.
	p.Submit(func() {
		p.FeedEvent(negotiation.ProtocolSelected{Protocol: proto})
	})

	buf := make([]byte, readBufferSize)
	for {
		n, err := tc.Read(buf)
		if n > 0 {
			unit := make([]byte, n)
			copy(unit, buf[:n])
			p.Submit(func() {
				// Each Read is one delivery batch, so the flush signal
				// follows every unit. If a read is ever split into several
				// units, the signal belongs after the last of them.
				p.FeedData(unit)
				p.FeedEvent(pipeline.ReadComplete{})
			})
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				// Clean end of the inbound side. The outbound direction may
				// still be mid-response, so the connection stays up; the
				// pipeline's builder stops it once forwarding finishes.
				p.Submit(func() {
					p.FeedEvent(pipeline.InboundClosed{})
				})
				return
			}
			readErr := err
			logger.Debug("inbound read failed", slog.String("error", readErr.Error()))
			p.Submit(func() {
				p.FeedEvent(pipeline.InboundClosed{Err: readErr})
			})
			// A transport error leaves nothing to drain; cancel from inside
			// the task queue so the close event above is delivered first.
			p.Submit(connCancel)
			return
		}
	}
}
