package gate

import (
	"testing"

	"github.com/corfr/ha-api-limiter/internal/allowlist"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	a := allowlist.New("")
	a.AddEndpoint("/api/states/{entity_id}")
	a.AddEndpoint("/api/history/period/{timestamp}")
	a.AddEndpoint("/api/logbook/{timestamp}")
	a.AddEndpoint("/api/config")
	a.AddEntity("light.kitchen")
	a.AddEntity("sensor.living_room")
	return New(a)
}

func TestCheckRequest_HealthAlwaysAllowed(t *testing.T) {
	g := newTestGate(t)
	res := g.CheckRequest("/health", "GET", "")
	if !res.Allowed {
		t.Errorf("expected /health to always be allowed, got reason=%q", res.Reason)
	}
}

func TestCheckRequest_EndpointDenied(t *testing.T) {
	g := newTestGate(t)
	res := g.CheckRequest("/api/forbidden", "GET", "")
	if res.Allowed {
		t.Error("expected endpoint not in whitelist to be denied")
	}
}

func TestCheckRequest_EndpointAllowedNoEntity(t *testing.T) {
	g := newTestGate(t)
	res := g.CheckRequest("/api/config", "GET", "")
	if !res.Allowed {
		t.Errorf("expected /api/config to be allowed, got reason=%q", res.Reason)
	}
}

func TestCheckRequest_EntityInPathAllowed(t *testing.T) {
	g := newTestGate(t)
	res := g.CheckRequest("/api/states/light.kitchen", "GET", "")
	if !res.Allowed {
		t.Errorf("expected allowed entity path to be allowed, got reason=%q", res.Reason)
	}
}

func TestCheckRequest_EntityInPathDenied(t *testing.T) {
	g := newTestGate(t)
	res := g.CheckRequest("/api/states/light.bedroom", "GET", "")
	if res.Allowed {
		t.Error("expected entity not in whitelist to be denied even though endpoint template is allowed")
	}
}

func TestCheckRequest_EntityInHistoryQueryAllowed(t *testing.T) {
	g := newTestGate(t)
	res := g.CheckRequest("/api/history/period/2024-01-01T00:00:00", "GET", "filter_entity_id=light.kitchen,sensor.living_room")
	if !res.Allowed {
		t.Errorf("expected allowed history entities to be allowed, got reason=%q", res.Reason)
	}
}

func TestCheckRequest_EntityInHistoryQueryDenied(t *testing.T) {
	g := newTestGate(t)
	res := g.CheckRequest("/api/history/period/2024-01-01T00:00:00", "GET", "filter_entity_id=light.bedroom")
	if res.Allowed {
		t.Error("expected denied entity in history query to be rejected")
	}
}

func TestCheckRequest_EntityInLogbookQueryDenied(t *testing.T) {
	g := newTestGate(t)
	res := g.CheckRequest("/api/logbook/2024-01-01T00:00:00", "GET", "entity=light.bedroom")
	if res.Allowed {
		t.Error("expected denied entity in logbook query to be rejected")
	}
}

func TestCheckRequest_EntityInLogbookQueryAllowed(t *testing.T) {
	g := newTestGate(t)
	res := g.CheckRequest("/api/logbook/2024-01-01T00:00:00", "GET", "entity=sensor.living_room")
	if !res.Allowed {
		t.Errorf("expected allowed entity in logbook query to be allowed, got reason=%q", res.Reason)
	}
}

func TestCheckRequest_MalformedQueryIgnored(t *testing.T) {
	g := newTestGate(t)
	res := g.CheckRequest("/api/history/period/2024-01-01T00:00:00", "GET", "%zz")
	if !res.Allowed {
		t.Errorf("expected unparseable query to fall back to endpoint-only check, got reason=%q", res.Reason)
	}
}
