package negotiation

import (
	"log/slog"

	"alpn-relay/internal/pipeline"
)

// DecisionFunc is the application's response to a negotiation outcome,
// typically installing or removing pipeline stages for the chosen protocol.
// It runs on the pipeline goroutine and must not block; long-running work
// belongs behind the returned channel, which settles (one send, or a close)
// when the work is finished. The gate only observes settlement — a failure
// value is the application's problem and does not change gate behavior.
type DecisionFunc func(outcome Outcome) <-chan error

// Gate is the buffering decision-and-replay stage. While idle it is fully
// transparent. On the first ProtocolSelected event it invokes the decision
// callback exactly once and buffers every inbound data unit until the
// callback settles; it then replays the buffer in arrival order, emits one
// read-complete if anything was replayed, and removes itself from the
// pipeline for good.
//
// Invariant: pending is non-empty only while awaiting is true. Units are
// never dropped, duplicated, or reordered relative to arrival.
type Gate struct {
	decide DecisionFunc
	logger *slog.Logger

	awaiting bool
	decided  bool
	pending  [][]byte
}

// NewGate creates a gate around the given decision callback. The callback is
// invoked at most once for the lifetime of the gate.
func NewGate(decide DecisionFunc, logger *slog.Logger) *Gate {
	return &Gate{decide: decide, logger: logger}
}

// OnData forwards buf immediately while idle and buffers it while a decision
// is outstanding. Never called again once the gate has removed itself.
func (g *Gate) OnData(c *pipeline.Context, buf []byte) {
	if g.awaiting {
		g.pending = append(g.pending, buf)
		return
	}
	c.ForwardData(buf)
}

// OnEvent intercepts the ProtocolSelected event; everything else passes
// through unchanged regardless of state.
func (g *Gate) OnEvent(c *pipeline.Context, ev pipeline.Event) {
	sel, ok := ev.(ProtocolSelected)
	if !ok {
		c.ForwardEvent(ev)
		return
	}

	// A second selection event would mean the transport re-ran the
	// handshake under us. Dropping it keeps the at-most-once contract on
	// the decision callback; see DESIGN.md.
	if g.decided {
		g.logger.Debug("duplicate protocol selection dropped",
			slog.String("protocol", sel.Protocol))
		return
	}
	g.decided = true
	g.awaiting = true

	done := g.decide(outcomeOf(sel))
	go func() {
		<-done
		c.Submit(func() { g.flush(c) })
	}()
}

// flush replays the buffer downstream, signals one read-complete if anything
// was replayed, and retires the gate. Runs on the pipeline goroutine.
func (g *Gate) flush(c *pipeline.Context) {
	pending := g.pending
	g.pending = nil
	g.awaiting = false

	for _, buf := range pending {
		c.ForwardData(buf)
	}
	if len(pending) > 0 {
		c.FireReadComplete()
	}
	c.Remove()
}
