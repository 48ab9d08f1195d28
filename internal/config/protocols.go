package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dunglas/httpsfv"
)

// ParseRoutes parses a protocol route table from an RFC 8941 structured-field
// list. Each member is a protocol token with an optional upstream parameter.
//
// Examples:
//   - `h2;upstream="10.0.0.5:8443", http/1.1;upstream="10.0.0.5:8080"`
//   - `h2, http/1.1` (all routed to the default upstream)
//
// List order is the ALPN preference order advertised to clients.
// Returns an error if the value is empty, malformed, or a member is not an
// item, and on duplicate protocol tokens.
func ParseRoutes(value string) ([]ProtocolRoute, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("empty protocol list")
	}

	list, err := httpsfv.UnmarshalList([]string{value})
	if err != nil {
		return nil, fmt.Errorf("invalid protocol list: %w", err)
	}

	routes := make([]ProtocolRoute, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, member := range list {
		item, ok := member.(httpsfv.Item)
		if !ok {
			return nil, errors.New("protocol entries must be items, not inner lists")
		}

		var proto string
		switch v := item.Value.(type) {
		case httpsfv.Token:
			proto = string(v)
		case string:
			proto = v
		default:
			return nil, fmt.Errorf("protocol must be a token or string, got %T", item.Value)
		}
		if seen[proto] {
			return nil, fmt.Errorf("duplicate protocol %q", proto)
		}
		seen[proto] = true

		route := ProtocolRoute{Protocol: proto}
		if raw, ok := item.Params.Get("upstream"); ok {
			addr, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("upstream for %q must be a string", proto)
			}
			route.Upstream = addr
		}
		routes = append(routes, route)
	}
	return routes, nil
}
