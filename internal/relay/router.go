package relay

import (
	"alpn-relay/internal/negotiation"
)

// Router maps negotiation outcomes to upstream addresses.
//
// A negotiated protocol routes to its configured upstream; a fallback
// outcome, or a negotiated token with no entry of its own, routes to the
// default upstream when one is configured.
type Router struct {
	routes          map[string]string
	defaultUpstream string
}

// NewRouter creates a router over the given protocol→address table.
// defaultUpstream may be empty, in which case unrouted outcomes are errors.
func NewRouter(routes map[string]string, defaultUpstream string) *Router {
	cp := make(map[string]string, len(routes))
	for proto, addr := range routes {
		cp[proto] = addr
	}
	return &Router{routes: cp, defaultUpstream: defaultUpstream}
}

// Upstream resolves the upstream address for an outcome.
func (r *Router) Upstream(o negotiation.Outcome) (string, error) {
	if o.Negotiated {
		if addr, ok := r.routes[o.Protocol]; ok {
			return addr, nil
		}
	}
	if r.defaultUpstream != "" {
		return r.defaultUpstream, nil
	}
	return "", NewRouteError(o.String())
}

// Protocols returns the protocol tokens with explicit routes, for building
// the ALPN advertisement. Order is unspecified; callers that care about
// preference order should use the configuration's ordering instead.
func (r *Router) Protocols() []string {
	out := make([]string, 0, len(r.routes))
	for proto := range r.routes {
		out = append(out, proto)
	}
	return out
}
