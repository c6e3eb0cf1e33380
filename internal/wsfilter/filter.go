// Package wsfilter implements per-connection WebSocket message
// filtering (C5): it inspects every client→server and server→client
// frame against the allowlist and the built-in policy tables, blocking
// dangerous message types and services outright and trimming entity,
// device, area, and floor lists down to what the allowlist permits.
package wsfilter

import (
	"encoding/json"
	"log/slog"

	"github.com/corfr/ha-api-limiter/internal/allowlist"
)

// Filter holds the per-connection state needed to correlate requests
// with their eventual responses. One Filter belongs to exactly one
// WebSocket connection — it is not safe to share across connections.
type Filter struct {
	allowlist *allowlist.Allowlist
	log       *slog.Logger

	// pendingRequests maps a request id to the message type that asked
	// for it, so the matching "result" response knows which list-filter
	// to apply.
	pendingRequests map[float64]string
	// entitySubscriptions marks request ids that were subscribe_entities
	// calls, so their "event" messages get delta filtering instead of
	// ordinary state_changed filtering.
	entitySubscriptions map[float64]bool
}

// New returns a Filter for a single WebSocket connection, backed by a.
func New(a *allowlist.Allowlist, log *slog.Logger) *Filter {
	if log == nil {
		log = slog.Default()
	}
	return &Filter{
		allowlist:           a,
		log:                 log,
		pendingRequests:     make(map[float64]string),
		entitySubscriptions: make(map[float64]bool),
	}
}

// FilterClientMessage inspects a raw text frame sent by the client
// toward the hub. It returns (true, nil) to forward the frame
// unmodified, or (false, errResponse) to drop it and send errResponse
// to the client instead. Malformed JSON is allowed through — the hub
// itself handles that.
func (f *Filter) FilterClientMessage(message []byte) (allowed bool, errResponse []byte) {
	var data map[string]any
	if err := json.Unmarshal(message, &data); err != nil {
		return true, nil
	}

	msgType, _ := data["type"].(string)
	msgID, hasID := numericID(data["id"])

	if msgType != "" && f.isMessageTypeBlocked(msgType) {
		f.log.Warn("blocked dangerous message type", "type", msgType)
		return false, errorResponse(data["id"], "Message type not allowed: "+msgType)
	}

	if msgType == "subscribe_events" {
		eventType, hasEventType := data["event_type"].(string)
		if !hasEventType {
			f.log.Warn("blocked subscribe_events without event_type")
			return false, errorResponse(data["id"], "subscribe_events requires event_type parameter")
		}
		if !f.isEventTypeAllowed(eventType) {
			f.log.Warn("blocked subscribe_events", "event_type", eventType)
			return false, errorResponse(data["id"], "Event type not allowed: "+eventType)
		}
	}

	if hasID {
		switch {
		case entityListTypes[msgType], deviceListTypes[msgType], areaListTypes[msgType], floorListTypes[msgType]:
			f.log.Info("tracking request for response filtering", "id", msgID, "type", msgType)
			f.pendingRequests[msgID] = msgType
		case entitySubscriptionTypes[msgType]:
			f.log.Info("tracking entity subscription", "id", msgID, "type", msgType)
			f.entitySubscriptions[msgID] = true
		}
	}

	if msgType != "call_service" {
		return true, nil
	}

	domain, _ := data["domain"].(string)
	service, _ := data["service"].(string)

	if f.isServiceBlocked(domain, service) {
		f.log.Warn("blocked dangerous service", "domain", domain, "service", service)
		return false, errorResponse(data["id"], "Service not allowed: "+domain+"."+service)
	}

	entities, devices, areas := extractTargetIDs(data)

	if blocked := firstDisallowed(entities, f.allowlist.IsEntityAllowed); blocked != "" {
		f.log.Warn("blocked call_service for entity", "domain", domain, "service", service, "entity", blocked)
		return false, errorResponse(data["id"], "Entity not in whitelist: "+blocked)
	}
	if blocked := firstDisallowed(devices, f.allowlist.IsDeviceAllowed); blocked != "" {
		f.log.Warn("blocked call_service for device", "domain", domain, "service", service, "device", blocked)
		return false, errorResponse(data["id"], "Device not in whitelist: "+blocked)
	}
	if blocked := firstDisallowed(areas, f.allowlist.IsAreaAllowed); blocked != "" {
		f.log.Warn("blocked call_service for area", "domain", domain, "service", service, "area", blocked)
		return false, errorResponse(data["id"], "Area not in whitelist: "+blocked)
	}

	if entityControlledDomains[domain] && len(entities) == 0 && len(devices) == 0 && len(areas) == 0 {
		f.log.Warn("blocked call_service with no explicit targets", "domain", domain, "service", service)
		return false, errorResponse(data["id"], "Service "+domain+"."+service+" requires explicit targets")
	}

	return true, nil
}

// FilterServerMessage inspects a raw text frame sent by the hub toward
// the client. It returns the frame to forward (possibly rewritten), or
// nil to drop it entirely. Malformed JSON and message shapes outside
// the object/array forms are passed through unmodified.
func (f *Filter) FilterServerMessage(message []byte) []byte {
	var asArray []json.RawMessage
	if err := json.Unmarshal(message, &asArray); err == nil {
		return f.filterBatch(message, asArray)
	}

	var data map[string]any
	if err := json.Unmarshal(message, &data); err != nil {
		return message
	}

	result := f.filterSingleMessage(data)
	if result == nil {
		return nil
	}
	if !result.modified {
		return message
	}
	out, err := json.Marshal(result.data)
	if err != nil {
		return message
	}
	return out
}

func (f *Filter) filterBatch(original []byte, items []json.RawMessage) []byte {
	var filtered []any
	modified := false

	for _, raw := range items {
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			// Not an object we understand; keep as-is.
			var generic any
			json.Unmarshal(raw, &generic)
			filtered = append(filtered, generic)
			continue
		}

		result := f.filterSingleMessage(data)
		switch {
		case result == nil:
			modified = true
		case result.modified:
			filtered = append(filtered, result.data)
			modified = true
		default:
			filtered = append(filtered, data)
		}
	}

	if len(filtered) == 0 {
		return nil
	}
	if !modified {
		return original
	}
	out, err := json.Marshal(filtered)
	if err != nil {
		return original
	}
	return out
}

// filterResult wraps the outcome of filtering one message object: the
// (possibly rewritten) data, and whether it was actually changed, so
// callers can avoid re-marshaling (and reordering keys in) untouched
// messages.
type filterResult struct {
	data     map[string]any
	modified bool
}

func (f *Filter) filterSingleMessage(data map[string]any) *filterResult {
	msgType, _ := data["type"].(string)
	msgID, hasID := numericID(data["id"])

	if msgType == "result" && hasID {
		if requestType, tracked := f.pendingRequests[msgID]; tracked {
			delete(f.pendingRequests, msgID)
			result, isList := data["result"].([]any)
			if !isList {
				return &filterResult{data: data}
			}

			var filtered []any
			switch {
			case deviceListTypes[requestType]:
				filtered = f.filterDeviceList(result, requestType)
			case areaListTypes[requestType]:
				filtered = f.filterAreaList(result, requestType)
			case floorListTypes[requestType]:
				filtered = f.filterFloorList(result, requestType)
			default:
				filtered = f.filterEntityList(result, requestType)
			}

			// The list filters only ever drop elements, so an unchanged
			// length means nothing was removed.
			if len(filtered) == len(result) {
				return &filterResult{data: data}
			}

			out := cloneMessage(data)
			out["result"] = filtered
			return &filterResult{data: out, modified: true}
		}
	}

	if msgType != "event" {
		return &filterResult{data: data}
	}

	event, _ := data["event"].(map[string]any)
	if event == nil {
		return &filterResult{data: data}
	}

	if hasID && f.entitySubscriptions[msgID] {
		_, hasA := event["a"]
		_, hasC := event["c"]
		_, hasR := event["r"]
		if hasA || hasC || hasR {
			filteredEvent := f.filterSubscribeEntitiesEvent(event)
			if filteredEvent == nil {
				return nil
			}
			out := cloneMessage(data)
			out["event"] = filteredEvent
			return &filterResult{data: out, modified: true}
		}
		return &filterResult{data: data}
	}

	eventType, _ := event["event_type"].(string)
	if eventType != "state_changed" {
		return &filterResult{data: data}
	}

	eventData, _ := event["data"].(map[string]any)
	entityID, _ := eventData["entity_id"].(string)
	if entityID == "" {
		return &filterResult{data: data}
	}

	if !f.allowlist.IsEntityAllowed(entityID) {
		f.log.Debug("filtered state_changed event", "entity", entityID)
		return nil
	}
	return &filterResult{data: data}
}

func (f *Filter) filterEntityList(result []any, requestType string) []any {
	filtered := make([]any, 0, len(result))
	for _, item := range result {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entityID, _ := obj["entity_id"].(string)
		if entityID != "" && f.allowlist.IsEntityAllowed(entityID) {
			filtered = append(filtered, obj)
		}
	}
	f.logListFilter(requestType, "entities", len(result), len(filtered))
	return filtered
}

func (f *Filter) filterDeviceList(result []any, requestType string) []any {
	filtered := make([]any, 0, len(result))
	for _, item := range result {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		deviceID, _ := obj["id"].(string)
		if deviceID != "" && f.allowlist.IsDeviceAllowed(deviceID) {
			filtered = append(filtered, obj)
		}
	}
	f.logListFilter(requestType, "devices", len(result), len(filtered))
	return filtered
}

func (f *Filter) filterAreaList(result []any, requestType string) []any {
	filtered := make([]any, 0, len(result))
	for _, item := range result {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		areaID, _ := obj["area_id"].(string)
		if areaID != "" && f.allowlist.IsAreaAllowed(areaID) {
			filtered = append(filtered, obj)
		}
	}
	f.logListFilter(requestType, "areas", len(result), len(filtered))
	return filtered
}

// filterFloorList hides every floor when no area is whitelisted at
// all, and otherwise passes floors through unfiltered — a coarser cut
// than per-floor area membership, but floor registry entries don't
// carry the area list needed to do better.
func (f *Filter) filterFloorList(result []any, requestType string) []any {
	if !f.allowlist.HasAnyArea() {
		f.log.Info("filtered floor list", "type", requestType, "allowed", 0, "total", len(result))
		return []any{}
	}
	return result
}

func (f *Filter) logListFilter(requestType, kind string, total, allowed int) {
	if total != allowed {
		f.log.Info("filtered list response", "type", requestType, "kind", kind, "allowed", allowed, "total", total)
	}
}

// filterSubscribeEntitiesEvent filters a compact subscribe_entities
// delta payload shaped {"a": {id: state}, "c": {id: state}, "r": [id]}.
// Returns nil if nothing in the delta survives filtering.
func (f *Filter) filterSubscribeEntitiesEvent(event map[string]any) map[string]any {
	out := map[string]any{}

	if additions, ok := event["a"].(map[string]any); ok {
		filtered := map[string]any{}
		for entityID, state := range additions {
			if f.allowlist.IsEntityAllowed(entityID) {
				filtered[entityID] = state
			}
		}
		if len(filtered) > 0 {
			out["a"] = filtered
		}
	}

	if changes, ok := event["c"].(map[string]any); ok {
		filtered := map[string]any{}
		for entityID, state := range changes {
			if f.allowlist.IsEntityAllowed(entityID) {
				filtered[entityID] = state
			}
		}
		if len(filtered) > 0 {
			out["c"] = filtered
		}
	}

	if removals, ok := event["r"].([]any); ok {
		var filtered []any
		for _, item := range removals {
			if entityID, ok := item.(string); ok && f.allowlist.IsEntityAllowed(entityID) {
				filtered = append(filtered, entityID)
			}
		}
		if len(filtered) > 0 {
			out["r"] = filtered
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func (f *Filter) isMessageTypeBlocked(msgType string) bool {
	if f.allowlist.IsWSTypeOverridden(msgType) {
		return false
	}
	if allowedMessageTypes[msgType] {
		return false
	}
	if blockedMessageTypes[msgType] {
		return true
	}
	for _, pattern := range blockedMessagePatterns {
		if pattern.MatchString(msgType) {
			return true
		}
	}
	return false
}

func (f *Filter) isEventTypeAllowed(eventType string) bool {
	return allowedEventTypes[eventType] || f.allowlist.IsEventTypeOverridden(eventType)
}

func (f *Filter) isServiceBlocked(domain, service string) bool {
	if f.allowlist.IsServiceOverridden(domain, service) {
		return false
	}
	if blockedServices[serviceKey{domain, service}] {
		return true
	}
	if blockedServices[serviceKey{domain, "*"}] {
		return true
	}
	return false
}

// extractTargetIDs pulls entity/device/area ids out of a call_service
// message's service_data and target fields, in that order — Home
// Assistant accepts both as ways to specify the same thing.
func extractTargetIDs(data map[string]any) (entities, devices, areas []string) {
	for _, field := range []string{"service_data", "target"} {
		container, ok := data[field].(map[string]any)
		if !ok {
			continue
		}
		entities = append(entities, stringOrList(container["entity_id"])...)
		devices = append(devices, stringOrList(container["device_id"])...)
		areas = append(areas, stringOrList(container["area_id"])...)
	}
	return entities, devices, areas
}

func stringOrList(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func firstDisallowed(ids []string, allowed func(string) bool) string {
	for _, id := range ids {
		if !allowed(id) {
			return id
		}
	}
	return ""
}

// numericID normalizes a decoded "id" field (always a JSON number,
// decoded as float64) into a lookup key, reporting whether one was
// present at all.
func numericID(v any) (float64, bool) {
	id, ok := v.(float64)
	return id, ok
}

// cloneMessage makes a shallow copy of a message object so mutating a
// field (e.g. replacing "result") never aliases the input map.
func cloneMessage(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// errorResponse builds the JSON error frame sent back to the client in
// place of a blocked message, echoing its original id verbatim (it may
// be absent, a number, or even malformed — it's passed through as-is).
func errorResponse(id any, message string) []byte {
	out, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    "result",
		"success": false,
		"error": map[string]any{
			"code":    "not_allowed",
			"message": message,
		},
	})
	if err != nil {
		return []byte(`{"type":"result","success":false,"error":{"code":"not_allowed","message":"internal error"}}`)
	}
	return out
}
