// Package allowlist holds the endpoint/entity/device/area taxonomy that
// the proxy's HTTP gate and WebSocket filter consult on every request.
//
// An Allowlist is process-wide. Reads take a shared read lock, so they
// run concurrently with each other. In limit mode the collections change
// only when Reload swaps in a re-read file. In learn mode it is mutated
// from every worker goroutine; all mutation (and the periodic save) is
// serialized through a single mutex, matching the pattern the rule
// engine it was modeled on uses for its combined rule set.
package allowlist

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/gobwas/glob"
)

// Allowlist holds the seven collections described in the data model:
// endpoint path templates, entity/device/area identifiers, and three
// override lists that relax built-in WebSocket policy.
type Allowlist struct {
	mu sync.RWMutex

	path string

	endpoints []string
	entities  []string
	devices   []string
	areas     []string

	allowedWSTypes    []string
	allowedEventTypes []string
	allowedServices   []string

	endpointPatterns []*regexp.Regexp
	entityGlobs      []glob.Glob
	deviceGlobs      []glob.Glob
	areaGlobs        []glob.Glob
}

// New returns an empty Allowlist that will persist to path on Save.
func New(path string) *Allowlist {
	return &Allowlist{path: path}
}

// Load reads the allowlist YAML document at path. A missing file is not
// an error — it leaves the Allowlist empty, matching the original's
// "missing is equivalent to empty" rule for every recognized key.
func Load(path string) (*Allowlist, error) {
	a := New(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return a, nil
		}
		return nil, fmt.Errorf("reading allowlist %s: %w", path, err)
	}
	if len(data) == 0 {
		return a, nil
	}

	doc, err := decodeDoc(data)
	if err != nil {
		return nil, fmt.Errorf("parsing allowlist %s: %w", path, err)
	}

	a.endpoints = doc.stringList("endpoints")
	a.entities = doc.stringList("entities")
	a.devices = doc.stringList("devices")
	a.areas = doc.stringList("areas")
	a.allowedWSTypes = doc.stringList("allowed_ws_types")
	a.allowedEventTypes = doc.stringList("allowed_event_types")
	a.allowedServices = doc.stringList("allowed_services")

	if err := a.recompile(); err != nil {
		return nil, fmt.Errorf("compiling allowlist %s: %w", path, err)
	}
	return a, nil
}

// Path returns the file the allowlist will persist to.
func (a *Allowlist) Path() string { return a.path }

// Reload re-reads the allowlist from its own path and swaps in the new
// collections under the write lock, so every existing holder of this
// *Allowlist (gate, filter, learner) sees the update without any of
// them needing to be handed a new pointer. Used by the config watcher
// to hot-reload an operator's hand-edit of the allowlist file in limit
// mode.
func (a *Allowlist) Reload() error {
	fresh, err := Load(a.path)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.endpoints = fresh.endpoints
	a.entities = fresh.entities
	a.devices = fresh.devices
	a.areas = fresh.areas
	a.allowedWSTypes = fresh.allowedWSTypes
	a.allowedEventTypes = fresh.allowedEventTypes
	a.allowedServices = fresh.allowedServices
	a.endpointPatterns = fresh.endpointPatterns
	a.entityGlobs = fresh.entityGlobs
	a.deviceGlobs = fresh.deviceGlobs
	a.areaGlobs = fresh.areaGlobs
	return nil
}

// Snapshot is a point-in-time, read-only copy of the allowlist's
// collections. Used by callers (the learner, tests) that want a
// consistent view without holding the lock for the duration of their work.
type Snapshot struct {
	Endpoints         []string
	Entities          []string
	Devices           []string
	Areas             []string
	AllowedWSTypes    []string
	AllowedEventTypes []string
	AllowedServices   []string
}

func (a *Allowlist) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{
		Endpoints:         append([]string(nil), a.endpoints...),
		Entities:          append([]string(nil), a.entities...),
		Devices:           append([]string(nil), a.devices...),
		Areas:             append([]string(nil), a.areas...),
		AllowedWSTypes:    append([]string(nil), a.allowedWSTypes...),
		AllowedEventTypes: append([]string(nil), a.allowedEventTypes...),
		AllowedServices:   append([]string(nil), a.allowedServices...),
	}
}

// --- membership queries ---

// IsEndpointAllowed reports whether some compiled endpoint pattern
// matches path fully (anchored at both ends).
func (a *Allowlist) IsEndpointAllowed(path string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, p := range a.endpointPatterns {
		if p.MatchString(path) {
			return true
		}
	}
	return false
}

// IsEntityAllowed reports whether id matches some entity entry under
// glob (fnmatch-style, case-sensitive) rules.
func (a *Allowlist) IsEntityAllowed(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return matchAny(a.entityGlobs, id)
}

// IsDeviceAllowed reports whether id matches some device entry.
func (a *Allowlist) IsDeviceAllowed(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return matchAny(a.deviceGlobs, id)
}

// IsAreaAllowed reports whether id matches some area entry.
func (a *Allowlist) IsAreaAllowed(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return matchAny(a.areaGlobs, id)
}

// HasAnyArea reports whether at least one area is allowlisted. Used by
// the floor-list filter (spec.md §4.5.2 / §9): pass floors through
// wholesale if any area is allowlisted, else return none — the source
// does not join floors to areas, so this deliberately coarse rule is
// preserved rather than guessed at.
func (a *Allowlist) HasAnyArea() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.areas) > 0
}

// IsWSTypeOverridden reports whether typ is present in allowed_ws_types,
// the operator override that unblocks an otherwise-blocked message type.
func (a *Allowlist) IsWSTypeOverridden(typ string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return contains(a.allowedWSTypes, typ)
}

// IsEventTypeOverridden reports whether typ is present in
// allowed_event_types.
func (a *Allowlist) IsEventTypeOverridden(typ string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return contains(a.allowedEventTypes, typ)
}

// IsServiceOverridden reports whether "domain.service" or "domain.*" is
// present in allowed_services.
func (a *Allowlist) IsServiceOverridden(domain, service string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return contains(a.allowedServices, domain+"."+service) || contains(a.allowedServices, domain+".*")
}

// --- mutation (learn mode only) ---

// AddEndpoint appends template to the endpoint collection if it is not
// already present literally and not already subsumed by an existing
// pattern. Returns whether it was appended. Recompiles patterns on
// success — idempotent growth (spec.md §8).
func (a *Allowlist) AddEndpoint(template string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if contains(a.endpoints, template) {
		return false
	}
	if matchEndpointLocked(a.endpointPatterns, template) {
		return false
	}
	a.endpoints = append(a.endpoints, template)
	// Only the new pattern needs compiling, but recompiling the whole
	// set keeps this symmetric with Load and trivially correct.
	_ = a.recompileLocked()
	return true
}

// AddEntity appends id to the entity collection if it is not already
// present literally and not already matched by an existing glob.
func (a *Allowlist) AddEntity(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if contains(a.entities, id) || matchAny(a.entityGlobs, id) {
		return false
	}
	a.entities = append(a.entities, id)
	g, err := glob.Compile(id)
	if err == nil {
		a.entityGlobs = append(a.entityGlobs, g)
	}
	return true
}

// AddDevice appends id to the device collection under the same rule as
// AddEntity.
func (a *Allowlist) AddDevice(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if contains(a.devices, id) || matchAny(a.deviceGlobs, id) {
		return false
	}
	a.devices = append(a.devices, id)
	g, err := glob.Compile(id)
	if err == nil {
		a.deviceGlobs = append(a.deviceGlobs, g)
	}
	return true
}

// AddArea appends id to the area collection under the same rule as
// AddEntity.
func (a *Allowlist) AddArea(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if contains(a.areas, id) || matchAny(a.areaGlobs, id) {
		return false
	}
	a.areas = append(a.areas, id)
	g, err := glob.Compile(id)
	if err == nil {
		a.areaGlobs = append(a.areaGlobs, g)
	}
	return true
}

// AddWSType appends typ to the allowed_ws_types override list if not
// already present, unblocking an otherwise built-in-blocked message type.
func (a *Allowlist) AddWSType(typ string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if contains(a.allowedWSTypes, typ) {
		return false
	}
	a.allowedWSTypes = append(a.allowedWSTypes, typ)
	return true
}

// AddEventType appends typ to the allowed_event_types override list if
// not already present.
func (a *Allowlist) AddEventType(typ string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if contains(a.allowedEventTypes, typ) {
		return false
	}
	a.allowedEventTypes = append(a.allowedEventTypes, typ)
	return true
}

// AddService appends "domain.service" (or "domain.*") to the
// allowed_services override list if not already present.
func (a *Allowlist) AddService(domainService string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if contains(a.allowedServices, domainService) {
		return false
	}
	a.allowedServices = append(a.allowedServices, domainService)
	return true
}

// Save persists the allowlist to its YAML path, merging into the
// existing file so comments, ordering, and quoting are preserved; newly
// learned items are sorted and appended within their respective keys.
// The write lock is held for the whole save, so saves never overlap
// with each other or with a mutation.
func (a *Allowlist) Save() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := Snapshot{
		Endpoints:         append([]string(nil), a.endpoints...),
		Entities:          append([]string(nil), a.entities...),
		Devices:           append([]string(nil), a.devices...),
		Areas:             append([]string(nil), a.areas...),
		AllowedWSTypes:    append([]string(nil), a.allowedWSTypes...),
		AllowedEventTypes: append([]string(nil), a.allowedEventTypes...),
		AllowedServices:   append([]string(nil), a.allowedServices...),
	}
	path := a.path

	if path == "" {
		return nil
	}
	return saveMerged(path, snap)
}

// recompile rebuilds every compiled matcher from the current collections.
// Caller must NOT hold the lock (used by Load).
func (a *Allowlist) recompile() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recompileLocked()
}

func (a *Allowlist) recompileLocked() error {
	patterns, err := compileEndpoints(a.endpoints)
	if err != nil {
		return err
	}
	a.endpointPatterns = patterns
	a.entityGlobs = compileGlobs(a.entities)
	a.deviceGlobs = compileGlobs(a.devices)
	a.areaGlobs = compileGlobs(a.areas)
	return nil
}

func compileGlobs(items []string) []glob.Glob {
	globs := make([]glob.Glob, 0, len(items))
	for _, item := range items {
		g, err := glob.Compile(item)
		if err != nil {
			// An unparsable pattern can never match; skip it rather
			// than fail the whole load.
			continue
		}
		globs = append(globs, g)
	}
	return globs
}

func matchAny(globs []glob.Glob, id string) bool {
	for _, g := range globs {
		if g.Match(id) {
			return true
		}
	}
	return false
}

func matchEndpointLocked(patterns []*regexp.Regexp, template string) bool {
	for _, p := range patterns {
		if p.MatchString(template) {
			return true
		}
	}
	return false
}

func contains(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}
