package allowlist

import (
	"regexp"
	"strings"
)

// paramPattern matches a {name} placeholder in an endpoint template.
var paramPattern = regexp.MustCompile(`\{[^}]+\}`)

// paramMarker is a string that cannot appear in a raw endpoint template
// (by construction of the templates this system recognizes) and that
// survives regexp.QuoteMeta unchanged, so it can stand in for a
// placeholder through the escaping step.
const paramMarker = "\x00PARAM\x00"

// compileEndpoints translates each endpoint template into an anchored
// regular expression.
//
// Compilation order matters (spec.md §4.1): "{name}" placeholders are
// substituted with a reserved marker BEFORE escaping literal characters,
// so the braces are never themselves escaped. After escaping, the marker
// is replaced with "[^/]+" and any escaped "*" (which QuoteMeta turns
// into "\*") is turned into ".*".
func compileEndpoints(templates []string) ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(templates))
	for _, tmpl := range templates {
		re, err := compileEndpoint(tmpl)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, re)
	}
	return patterns, nil
}

func compileEndpoint(tmpl string) (*regexp.Regexp, error) {
	marked := paramPattern.ReplaceAllString(tmpl, paramMarker)
	escaped := regexp.QuoteMeta(marked)
	escaped = strings.ReplaceAll(escaped, paramMarker, "[^/]+")
	escaped = strings.ReplaceAll(escaped, `\*`, ".*")
	return regexp.Compile("^" + escaped + "$")
}
