// Package learner implements learn mode (C4): it watches request paths,
// response bodies, and WebSocket frames for endpoints, entities, devices,
// and areas not yet in the allowlist, and grows the allowlist to cover
// them.
package learner

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/corfr/ha-api-limiter/internal/allowlist"
	"github.com/corfr/ha-api-limiter/internal/learnstore"
	"github.com/corfr/ha-api-limiter/internal/normalizer"
)

// defaultSaveInterval is how many learned requests accumulate before
// maybeSave flushes the allowlist to disk, matching the original
// implementation's fixed cadence.
const defaultSaveInterval = 10

// Learner tracks API endpoints, entities, devices, and areas observed
// while the proxy runs in learn mode, and grows the given allowlist to
// cover them.
type Learner struct {
	allowlist *allowlist.Allowlist
	store     *learnstore.Store // optional; nil disables bookkeeping
	log       *slog.Logger

	requestCount  atomic.Int64
	saveInterval  int64
}

// New returns a Learner that grows a and, if store is non-nil, records
// first-seen/last-seen/hit-count bookkeeping for every identifier it
// learns.
func New(a *allowlist.Allowlist, store *learnstore.Store, log *slog.Logger) *Learner {
	if log == nil {
		log = slog.Default()
	}
	return &Learner{
		allowlist:    a,
		store:        store,
		log:          log,
		saveInterval: defaultSaveInterval,
	}
}

// LearnFromRequest extracts the normalized endpoint template and any
// path-embedded entity from an incoming request.
func (l *Learner) LearnFromRequest(path, query string) {
	normalized := normalizer.Normalize(path)
	if l.allowlist.AddEndpoint(normalized) {
		l.log.Info("learned new endpoint", "endpoint", normalized)
	}
	l.recordHit(learnstore.KindEndpoint, normalized)

	if entityID := normalizer.EntityFromPath(path); entityID != "" {
		if l.allowlist.AddEntity(entityID) {
			l.log.Info("learned new entity from path", "entity", entityID)
		}
		l.recordHit(learnstore.KindEntity, entityID)
	}
}

// LearnFromResponse extracts entity, device, and area IDs from a JSON
// response body. Non-JSON responses (by content-type) are ignored.
func (l *Learner) LearnFromResponse(contentType string, body []byte) {
	if !isJSON(contentType) {
		return
	}

	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return
	}
	l.learnFromJSON(data, "response")
}

// LearnFromWebSocketMessage extracts entity, device, and area IDs from
// a raw WebSocket text frame. Non-JSON frames are ignored.
func (l *Learner) LearnFromWebSocketMessage(message []byte) {
	var data any
	if err := json.Unmarshal(message, &data); err != nil {
		return
	}
	l.learnFromJSON(data, "websocket")
}

func (l *Learner) learnFromJSON(data any, source string) {
	entities := map[string]struct{}{}
	devices := map[string]struct{}{}
	areas := map[string]struct{}{}
	extractIDs(data, entities, devices, areas)

	for entityID := range entities {
		if l.allowlist.AddEntity(entityID) {
			l.log.Info("learned new entity", "source", source, "entity", entityID)
		}
		l.recordHit(learnstore.KindEntity, entityID)
	}
	for deviceID := range devices {
		if l.allowlist.AddDevice(deviceID) {
			l.log.Info("learned new device", "source", source, "device", deviceID)
		}
		l.recordHit(learnstore.KindDevice, deviceID)
	}
	for areaID := range areas {
		if l.allowlist.AddArea(areaID) {
			l.log.Info("learned new area", "source", source, "area", areaID)
		}
		l.recordHit(learnstore.KindArea, areaID)
	}
}

// MaybeSave increments the request counter and flushes the allowlist to
// disk every saveInterval requests, so a crash never loses more than a
// handful of learned entries.
func (l *Learner) MaybeSave() {
	n := l.requestCount.Add(1)
	if n >= l.saveInterval {
		l.requestCount.Store(0)
		l.Save()
	}
}

// Save forces an immediate allowlist flush.
func (l *Learner) Save() {
	snap := l.allowlist.Snapshot()
	l.log.Info("saving allowlist",
		"endpoints", len(snap.Endpoints),
		"entities", len(snap.Entities),
		"devices", len(snap.Devices),
		"areas", len(snap.Areas),
	)
	if err := l.allowlist.Save(); err != nil {
		l.log.Error("failed to save allowlist", "error", err)
	}
}

func (l *Learner) recordHit(kind learnstore.Kind, id string) {
	if l.store == nil || id == "" {
		return
	}
	if err := l.store.RecordHit(kind, id); err != nil {
		l.log.Warn("failed to record learn-store hit", "kind", kind, "id", id, "error", err)
	}
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		// http.DetectContentType-style values and bare "application/json"
		// without parameters still parse fine; only truly malformed
		// Content-Type headers fall back to a plain prefix check.
		return strings.HasPrefix(contentType, "application/json")
	}
	return mediaType == "application/json"
}

// extractIDs walks an arbitrary decoded-JSON tree looking for
// entity_id/device_id/area_id fields, each either a bare string or a
// list of strings, at any nesting depth. Uses an explicit worklist
// rather than recursion so a deeply nested response can't blow the
// stack.
func extractIDs(root any, entities, devices, areas map[string]struct{}) {
	stack := []any{root}
	for len(stack) > 0 {
		data := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch v := data.(type) {
		case map[string]any:
			collectIDField(v["entity_id"], entities, hasDot)
			collectIDField(v["device_id"], devices, nonEmpty)
			collectIDField(v["area_id"], areas, nonEmpty)
			for _, value := range v {
				stack = append(stack, value)
			}
		case []any:
			for _, item := range v {
				stack = append(stack, item)
			}
		}
	}
}

func hasDot(s string) bool  { return strings.Contains(s, ".") }
func nonEmpty(s string) bool { return s != "" }

// collectIDField adds field to dst if it's a string passing keep, or
// adds every qualifying string if it's a list — mirroring the
// string-or-list duck typing of the source JSON API.
func collectIDField(field any, dst map[string]struct{}, keep func(string) bool) {
	switch v := field.(type) {
	case string:
		if keep(v) {
			dst[v] = struct{}{}
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && keep(s) {
				dst[s] = struct{}{}
			}
		}
	}
}

// ContentTypeOf is a small helper for callers holding an *http.Response
// header set: it returns the Content-Type header value.
func ContentTypeOf(h http.Header) string {
	return h.Get("Content-Type")
}
