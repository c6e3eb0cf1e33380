// Package normalizer collapses concrete request paths into parameterized
// templates, the way the learner's endpoint table converges instead of
// growing one entry per entity ever observed.
package normalizer

import "regexp"

// Matches the ordered ruleset in spec.md §4.2. First match wins; domain
// is [a-z_]+, object_id is [a-z0-9_]+.
var rules = []struct {
	pattern  *regexp.Regexp
	template string
}{
	{regexp.MustCompile(`^/api/states/[a-z_]+\.[a-z0-9_]+$`), "/api/states/{entity_id}"},
	{regexp.MustCompile(`^/api/services/[a-z_]+/[a-z_]+$`), "/api/services/{domain}/{service}"},
	{regexp.MustCompile(`^/api/camera_proxy/[a-z_]+\.[a-z0-9_]+$`), "/api/camera_proxy/{entity_id}"},
	{regexp.MustCompile(`^/api/history/period/\d{4}-\d{2}-\d{2}`), "/api/history/period/{timestamp}"},
	{regexp.MustCompile(`^/api/logbook/\d{4}-\d{2}-\d{2}`), "/api/logbook/{timestamp}"},
}

// Normalize rewrites a concrete request path to its learning template.
// Paths that match none of the recognized shapes are returned unchanged.
//
// Idempotent: Normalize(Normalize(p)) == Normalize(p), since a template
// never matches its own generating rule again (the rules all anchor on
// the concrete shape — digits, domain.object_id — that a template
// doesn't reproduce).
func Normalize(path string) string {
	for _, r := range rules {
		if r.pattern.MatchString(path) {
			return r.template
		}
	}
	return path
}

// entityPathPatterns pull the entity_id out of a /api/states/<e> or
// /api/camera_proxy/<e> path, as used by the HTTP gate and the learner's
// path-based entity extraction.
var entityPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^/api/states/([a-z_]+\.[a-z0-9_]+)$`),
	regexp.MustCompile(`^/api/camera_proxy/([a-z_]+\.[a-z0-9_]+)$`),
}

// EntityFromPath extracts the entity_id embedded in a states/camera_proxy
// path, returning "" if the path has no embedded entity.
func EntityFromPath(path string) string {
	for _, p := range entityPathPatterns {
		if m := p.FindStringSubmatch(path); m != nil {
			return m[1]
		}
	}
	return ""
}
