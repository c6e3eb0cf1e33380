// Package gate implements the HTTP request gate (C3): for each request,
// decide allow/deny from path and query, consulting the allowlist.
package gate

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/corfr/ha-api-limiter/internal/allowlist"
	"github.com/corfr/ha-api-limiter/internal/normalizer"
)

// CheckResult is the outcome of a gate decision.
type CheckResult struct {
	Allowed bool
	Reason  string
}

// Gate enforces whitelist restrictions on incoming HTTP requests.
type Gate struct {
	allowlist *allowlist.Allowlist
}

// New returns a Gate backed by the given allowlist.
func New(a *allowlist.Allowlist) *Gate {
	return &Gate{allowlist: a}
}

// CheckRequest decides whether an HTTP request may be forwarded
// upstream, per spec.md §4.3. method is captured for diagnostics only —
// it does not gate the decision.
func (g *Gate) CheckRequest(path, method, query string) CheckResult {
	_ = method

	if path == "/health" {
		return CheckResult{Allowed: true, Reason: "Health check endpoint"}
	}

	if !g.allowlist.IsEndpointAllowed(path) {
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("Endpoint not in whitelist: %s", path)}
	}

	if entityID := normalizer.EntityFromPath(path); entityID != "" {
		if !g.allowlist.IsEntityAllowed(entityID) {
			return CheckResult{Allowed: false, Reason: fmt.Sprintf("Entity not in whitelist: %s", entityID)}
		}
	}

	for _, entityID := range entitiesFromQuery(path, query) {
		if !g.allowlist.IsEntityAllowed(entityID) {
			return CheckResult{Allowed: false, Reason: fmt.Sprintf("Entity not in whitelist: %s", entityID)}
		}
	}

	return CheckResult{Allowed: true, Reason: "Allowed by whitelist"}
}

// entitiesFromQuery extracts entity IDs from query parameters for the
// two endpoint families that filter by entity via the query string.
func entitiesFromQuery(path, query string) []string {
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil
	}

	var entities []string
	switch {
	case strings.HasPrefix(path, "/api/history/period/"):
		for _, raw := range values["filter_entity_id"] {
			for _, e := range strings.Split(raw, ",") {
				e = strings.TrimSpace(e)
				if e != "" {
					entities = append(entities, e)
				}
			}
		}
	case strings.HasPrefix(path, "/api/logbook/"):
		entities = append(entities, values["entity"]...)
	}
	return entities
}
