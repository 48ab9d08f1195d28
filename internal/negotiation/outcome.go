// Package negotiation reconfigures a connection's pipeline around the
// protocol selected during the TLS handshake.
//
// The transport fires one ProtocolSelected event into the pipeline once the
// handshake settles. The Gate stage intercepts that event, hands the mapped
// Outcome to an application decision callback, and buffers inbound data until
// the callback's asynchronous work finishes. Buffered data is then replayed
// in arrival order and the gate removes itself, leaving the reconfigured
// pipeline in place.
package negotiation

import "fmt"

// Outcome is the result of application-protocol negotiation. Outcomes are
// comparable: two are equal iff both are fallbacks, or both carry the same
// protocol token.
type Outcome struct {
	// Protocol is the agreed token, e.g. "h2" or "http/1.1". Empty for a
	// fallback outcome.
	Protocol string

	// Negotiated reports whether the peers agreed on a protocol. False
	// means the peer offered no overlap (or no ALPN at all) and the
	// application must pick a default or hang up.
	Negotiated bool
}

// Negotiated returns the outcome for an agreed protocol token.
func Negotiated(proto string) Outcome {
	return Outcome{Protocol: proto, Negotiated: true}
}

// Fallback returns the outcome for a handshake that agreed on nothing.
func Fallback() Outcome {
	return Outcome{}
}

func (o Outcome) String() string {
	if !o.Negotiated {
		return "fallback"
	}
	return fmt.Sprintf("negotiated(%s)", o.Protocol)
}

// ProtocolSelected is the pipeline event announcing the handshake result.
// An empty Protocol means no protocol was agreed.
type ProtocolSelected struct {
	Protocol string
}

// outcomeOf maps the wire-level event to an Outcome.
func outcomeOf(ev ProtocolSelected) Outcome {
	if ev.Protocol == "" {
		return Fallback()
	}
	return Negotiated(ev.Protocol)
}
