// Package relay wires the negotiation gate into a working TLS relay: once
// the handshake settles, the decision callback dials the upstream mapped to
// the negotiated protocol and installs the forwarding stage. Data arriving
// while the dial is in flight is held by the gate and replayed afterwards.
package relay

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"alpn-relay/internal/negotiation"
	"alpn-relay/internal/pipeline"
)

// Stage names within a connection's pipeline.
const (
	gateStageName    = "negotiation-gate"
	forwardStageName = "forward"
)

// defaultDialTimeout bounds one upstream connection attempt. The gate
// buffers client data for the whole attempt, so this also bounds how long a
// connection can sit in the buffering state.
const defaultDialTimeout = 15 * time.Second

// Relay builds per-connection pipelines for the transport server.
type Relay struct {
	router *Router
	dialer *net.Dialer
	logger *slog.Logger
}

// New creates a relay over the given router.
func New(router *Router, logger *slog.Logger) *Relay {
	return &Relay{
		router: router,
		dialer: &net.Dialer{Timeout: defaultDialTimeout},
		logger: logger,
	}
}

// NewPipeline assembles the inbound pipeline for one client connection:
// a negotiation gate draining into a logging sink. The forwarding stage is
// installed behind the gate by the decision callback once the upstream dial
// finishes.
//
// The relay owns graceful teardown: the pipeline stops once the inbound side
// has ended AND the upstream direction is finished, so a client half-close
// still drains the upstream's in-flight response.
func (r *Relay) NewPipeline(ctx context.Context, clientConn net.Conn) (*pipeline.Pipeline, error) {
	logger := r.logger.With(slog.String("remote", clientConn.RemoteAddr().String()))

	sink := &connSink{logger: logger}
	p := pipeline.New(sink)
	life := &lifecycle{stop: p.Stop}
	sink.life = life

	gate := negotiation.NewGate(r.decisionFunc(ctx, p, life, clientConn, logger), logger)
	if err := p.Append(gateStageName, gate); err != nil {
		return nil, err
	}
	return p, nil
}

// lifecycle coordinates per-connection teardown. The pipeline is stopped
// once both directions have finished: the inbound side (InboundClosed
// reaching the sink) and the upstream side (the copy goroutine returning,
// or the decision failing before an upstream existed).
type lifecycle struct {
	stop func()
	once sync.Once
	in   atomic.Bool
	out  atomic.Bool
}

func (l *lifecycle) inboundDone() {
	l.in.Store(true)
	l.maybeStop()
}

func (l *lifecycle) relayDone() {
	l.out.Store(true)
	l.maybeStop()
}

func (l *lifecycle) maybeStop() {
	if l.in.Load() && l.out.Load() {
		l.once.Do(l.stop)
	}
}

// decisionFunc returns the gate's decision callback for one connection.
//
// The callback resolves the upstream for the outcome and dials it off the
// pipeline goroutine. On success it installs the forwarding stage and starts
// the upstream→client copy before settling, so the gate's replay lands on a
// live upstream. On failure it settles anyway — the gate's contract is to
// replay and retire regardless — and the connection is torn down here.
func (r *Relay) decisionFunc(ctx context.Context, p *pipeline.Pipeline, life *lifecycle, clientConn net.Conn, logger *slog.Logger) negotiation.DecisionFunc {
	return func(outcome negotiation.Outcome) <-chan error {
		done := make(chan error, 1)
		go func() {
			addr, err := r.router.Upstream(outcome)
			if err != nil {
				logger.Warn("no route for outcome", slog.String("outcome", outcome.String()))
				clientConn.Close()
				done <- err
				life.relayDone()
				return
			}

			upstream, err := r.dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				dialErr := NewDialError(outcome.String(), addr, err)
				logger.Warn("upstream dial failed",
					slog.String("upstream", addr),
					slog.String("error", err.Error()))
				clientConn.Close()
				done <- dialErr
				life.relayDone()
				return
			}

			// Stage installation must happen on the pipeline goroutine,
			// and before the gate observes settlement. Settling inside the
			// submitted task guarantees both.
			p.Submit(func() {
				if err := p.InsertAfter(gateStageName, forwardStageName, newForwardStage(upstream, logger)); err != nil {
					logger.Error("installing forward stage", slog.String("error", err.Error()))
					upstream.Close()
					clientConn.Close()
					done <- err
					life.relayDone()
					return
				}
				go func() {
					copyToClient(clientConn, upstream, logger)
					life.relayDone()
				}()
				go func() {
					<-ctx.Done()
					upstream.Close()
				}()
				logger.Info("upstream connected",
					slog.String("outcome", outcome.String()),
					slog.String("upstream", addr))
				done <- nil
			})
		}()
		return done
	}
}

// connSink terminates the pipeline. Once the forwarding stage is installed
// it consumes data, so anything reaching the sink arrived either before an
// upstream existed (decision failure) or after the forward stage died; both
// are drops worth logging.
type connSink struct {
	logger  *slog.Logger
	life    *lifecycle
	dropped int
}

func (s *connSink) ConsumeData(buf []byte) {
	s.dropped += len(buf)
	s.logger.Debug("dropping data with no upstream", slog.Int("bytes", len(buf)))
}

func (s *connSink) ConsumeEvent(ev pipeline.Event) {
	if _, ok := ev.(pipeline.InboundClosed); !ok {
		return
	}
	if s.dropped > 0 {
		s.logger.Warn("connection closed with undeliverable data",
			slog.Int("dropped_bytes", s.dropped))
	}
	s.life.inboundDone()
}
