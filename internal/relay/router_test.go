package relay

import (
	"errors"
	"testing"

	"alpn-relay/internal/negotiation"
)

func TestRouterUpstream(t *testing.T) {
	r := NewRouter(map[string]string{
		"h2":       "backend:9443",
		"http/1.1": "backend:8080",
	}, "backend:8080")

	tests := []struct {
		name    string
		outcome negotiation.Outcome
		want    string
	}{
		{"explicit route", negotiation.Negotiated("h2"), "backend:9443"},
		{"other explicit route", negotiation.Negotiated("http/1.1"), "backend:8080"},
		{"unrouted token falls back", negotiation.Negotiated("h3"), "backend:8080"},
		{"fallback outcome", negotiation.Fallback(), "backend:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Upstream(tt.outcome)
			if err != nil {
				t.Fatalf("Upstream(%v) error: %v", tt.outcome, err)
			}
			if got != tt.want {
				t.Errorf("Upstream(%v) = %s, want %s", tt.outcome, got, tt.want)
			}
		})
	}
}

func TestRouterNoDefault(t *testing.T) {
	r := NewRouter(map[string]string{"h2": "backend:9443"}, "")

	if _, err := r.Upstream(negotiation.Negotiated("h2")); err != nil {
		t.Errorf("Upstream(h2) error: %v", err)
	}

	_, err := r.Upstream(negotiation.Fallback())
	if !errors.Is(err, ErrNoRoute) {
		t.Errorf("Upstream(fallback) error = %v, want ErrNoRoute", err)
	}

	_, err = r.Upstream(negotiation.Negotiated("h3"))
	if !errors.Is(err, ErrNoRoute) {
		t.Errorf("Upstream(h3) error = %v, want ErrNoRoute", err)
	}
}

func TestRouterCopiesRoutes(t *testing.T) {
	routes := map[string]string{"h2": "a:1"}
	r := NewRouter(routes, "")
	routes["h2"] = "mutated:1"

	got, err := r.Upstream(negotiation.Negotiated("h2"))
	if err != nil {
		t.Fatalf("Upstream error: %v", err)
	}
	if got != "a:1" {
		t.Errorf("Upstream = %s, want a:1 (router must copy the table)", got)
	}
}

func TestRelayErrorUnwrap(t *testing.T) {
	err := NewDialError("negotiated(h2)", "backend:9443", errors.New("refused"))
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("DialError should unwrap to ErrUpstream, got %v", err)
	}

	if !errors.Is(NewRouteError("fallback"), ErrNoRoute) {
		t.Error("RouteError should unwrap to ErrNoRoute")
	}
}
