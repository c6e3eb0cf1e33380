package wsfilter

import (
	"encoding/json"
	"testing"

	"github.com/corfr/ha-api-limiter/internal/allowlist"
)

func newTestFilter(t *testing.T) *Filter {
	t.Helper()
	a := allowlist.New("")
	a.AddEntity("light.kitchen")
	a.AddDevice("dev1")
	a.AddArea("living_room")
	return New(a, nil)
}

func decodeError(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	return m
}

func TestFilterClientMessage_MalformedPassesThrough(t *testing.T) {
	f := newTestFilter(t)
	allowed, resp := f.FilterClientMessage([]byte("not json"))
	if !allowed || resp != nil {
		t.Error("expected malformed message to pass through unmodified")
	}
}

func TestFilterClientMessage_BlockedType(t *testing.T) {
	f := newTestFilter(t)
	allowed, resp := f.FilterClientMessage([]byte(`{"id":1,"type":"render_template"}`))
	if allowed {
		t.Fatal("expected render_template to be blocked")
	}
	errData := decodeError(t, resp)
	if errData["success"] != false {
		t.Error("expected success=false in error response")
	}
}

func TestFilterClientMessage_BlockedPattern(t *testing.T) {
	f := newTestFilter(t)
	allowed, _ := f.FilterClientMessage([]byte(`{"id":1,"type":"auth/sign_path"}`))
	if allowed {
		t.Error("expected auth/sign_path to be blocked by pattern")
	}
}

func TestFilterClientMessage_ExplicitAllowOverridesPattern(t *testing.T) {
	f := newTestFilter(t)
	allowed, _ := f.FilterClientMessage([]byte(`{"id":1,"type":"lovelace/config"}`))
	if !allowed {
		t.Error("expected lovelace/config to be explicitly allowed")
	}
}

func TestFilterClientMessage_WSTypeOverride(t *testing.T) {
	a := allowlist.New("")
	a.AddWSType("render_template")
	f := New(a, nil)
	allowed, _ := f.FilterClientMessage([]byte(`{"id":1,"type":"render_template"}`))
	if !allowed {
		t.Error("expected allowlisted ws type override to unblock a built-in blocked type")
	}
}

func TestFilterClientMessage_SubscribeEventsRequiresEventType(t *testing.T) {
	f := newTestFilter(t)
	allowed, _ := f.FilterClientMessage([]byte(`{"id":1,"type":"subscribe_events"}`))
	if allowed {
		t.Error("expected subscribe_events without event_type to be blocked")
	}
}

func TestFilterClientMessage_SubscribeEventsDisallowedType(t *testing.T) {
	f := newTestFilter(t)
	allowed, _ := f.FilterClientMessage([]byte(`{"id":1,"type":"subscribe_events","event_type":"automation_triggered"}`))
	if allowed {
		t.Error("expected subscribe_events for a disallowed event_type to be blocked")
	}
}

func TestFilterClientMessage_SubscribeEventsAllowedType(t *testing.T) {
	f := newTestFilter(t)
	allowed, _ := f.FilterClientMessage([]byte(`{"id":1,"type":"subscribe_events","event_type":"state_changed"}`))
	if !allowed {
		t.Error("expected subscribe_events for state_changed to be allowed")
	}
}

func TestFilterClientMessage_BlockedService(t *testing.T) {
	f := newTestFilter(t)
	allowed, _ := f.FilterClientMessage([]byte(`{"id":1,"type":"call_service","domain":"homeassistant","service":"restart"}`))
	if allowed {
		t.Error("expected homeassistant.restart to be blocked")
	}
}

func TestFilterClientMessage_BlockedServiceWildcard(t *testing.T) {
	f := newTestFilter(t)
	allowed, _ := f.FilterClientMessage([]byte(`{"id":1,"type":"call_service","domain":"shell_command","service":"anything"}`))
	if allowed {
		t.Error("expected shell_command.* wildcard to block any service")
	}
}

func TestFilterClientMessage_ServiceAllowedOverride(t *testing.T) {
	a := allowlist.New("")
	a.AddService("homeassistant.restart")
	f := New(a, nil)
	allowed, _ := f.FilterClientMessage([]byte(`{"id":1,"type":"call_service","domain":"homeassistant","service":"restart"}`))
	if !allowed {
		t.Error("expected allowed_services override to unblock homeassistant.restart")
	}
}

func TestFilterClientMessage_CallServiceEntityNotAllowed(t *testing.T) {
	f := newTestFilter(t)
	msg := `{"id":1,"type":"call_service","domain":"light","service":"turn_on","service_data":{"entity_id":"light.bedroom"}}`
	allowed, resp := f.FilterClientMessage([]byte(msg))
	if allowed {
		t.Fatal("expected call_service targeting a non-whitelisted entity to be blocked")
	}
	errData := decodeError(t, resp)
	errObj := errData["error"].(map[string]any)
	if errObj["message"] != "Entity not in whitelist: light.bedroom" {
		t.Errorf("unexpected error message: %v", errObj["message"])
	}
}

func TestFilterClientMessage_CallServiceEntityAllowed(t *testing.T) {
	f := newTestFilter(t)
	msg := `{"id":1,"type":"call_service","domain":"light","service":"turn_on","target":{"entity_id":"light.kitchen"}}`
	allowed, _ := f.FilterClientMessage([]byte(msg))
	if !allowed {
		t.Error("expected call_service targeting a whitelisted entity to be allowed")
	}
}

func TestFilterClientMessage_CallServiceNoTargetRequiresExplicit(t *testing.T) {
	f := newTestFilter(t)
	msg := `{"id":1,"type":"call_service","domain":"light","service":"turn_on"}`
	allowed, _ := f.FilterClientMessage([]byte(msg))
	if allowed {
		t.Error("expected untargeted call_service in an entity-controlled domain to be blocked")
	}
}

func TestFilterClientMessage_CallServiceNonControlledDomainNoTargetOK(t *testing.T) {
	f := newTestFilter(t)
	msg := `{"id":1,"type":"call_service","domain":"system_log","service":"write"}`
	allowed, _ := f.FilterClientMessage([]byte(msg))
	if !allowed {
		t.Error("expected untargeted call outside entity-controlled domains to be allowed")
	}
}

func TestFilterClientMessage_TracksEntityListRequest(t *testing.T) {
	f := newTestFilter(t)
	f.FilterClientMessage([]byte(`{"id":5,"type":"get_states"}`))
	if f.pendingRequests[5] != "get_states" {
		t.Error("expected get_states request id to be tracked for response filtering")
	}
}

func TestFilterClientMessage_TracksEntitySubscription(t *testing.T) {
	f := newTestFilter(t)
	f.FilterClientMessage([]byte(`{"id":7,"type":"subscribe_entities"}`))
	if !f.entitySubscriptions[7] {
		t.Error("expected subscribe_entities request id to be tracked")
	}
}

func TestFilterServerMessage_MalformedPassesThrough(t *testing.T) {
	f := newTestFilter(t)
	out := f.FilterServerMessage([]byte("not json"))
	if string(out) != "not json" {
		t.Error("expected malformed message to pass through unchanged")
	}
}

func TestFilterServerMessage_FiltersGetStatesResult(t *testing.T) {
	f := newTestFilter(t)
	f.FilterClientMessage([]byte(`{"id":1,"type":"get_states"}`))

	msg := `{"id":1,"type":"result","success":true,"result":[{"entity_id":"light.kitchen"},{"entity_id":"light.bedroom"}]}`
	out := f.FilterServerMessage([]byte(msg))

	var decoded map[string]any
	json.Unmarshal(out, &decoded)
	result := decoded["result"].([]any)
	if len(result) != 1 {
		t.Fatalf("expected 1 allowed entity in filtered result, got %d", len(result))
	}
}

func TestFilterServerMessage_UnmodifiedResultReturnsOriginalBytes(t *testing.T) {
	f := newTestFilter(t)
	f.FilterClientMessage([]byte(`{"id":1,"type":"get_states"}`))

	msg := []byte(`{"id":1,"type":"result","success":true,"result":[{"entity_id":"light.kitchen"}]}`)
	out := f.FilterServerMessage(msg)
	if string(out) != string(msg) {
		t.Error("expected unmodified filter result to return the original bytes")
	}
}

func TestFilterServerMessage_FiltersDeviceList(t *testing.T) {
	f := newTestFilter(t)
	f.FilterClientMessage([]byte(`{"id":2,"type":"config/device_registry/list"}`))

	msg := `{"id":2,"type":"result","success":true,"result":[{"id":"dev1"},{"id":"dev2"}]}`
	out := f.FilterServerMessage([]byte(msg))
	var decoded map[string]any
	json.Unmarshal(out, &decoded)
	result := decoded["result"].([]any)
	if len(result) != 1 {
		t.Fatalf("expected 1 allowed device, got %d", len(result))
	}
}

func TestFilterServerMessage_FloorListHiddenWithoutAreas(t *testing.T) {
	a := allowlist.New("")
	f := New(a, nil)
	f.FilterClientMessage([]byte(`{"id":3,"type":"config/floor_registry/list"}`))

	msg := `{"id":3,"type":"result","success":true,"result":[{"floor_id":"ground"}]}`
	out := f.FilterServerMessage([]byte(msg))
	var decoded map[string]any
	json.Unmarshal(out, &decoded)
	result := decoded["result"].([]any)
	if len(result) != 0 {
		t.Error("expected floors to be hidden entirely when no area is whitelisted")
	}
}

func TestFilterServerMessage_FloorListPassedThroughWithAreas(t *testing.T) {
	f := newTestFilter(t)
	f.FilterClientMessage([]byte(`{"id":3,"type":"config/floor_registry/list"}`))

	msg := `{"id":3,"type":"result","success":true,"result":[{"floor_id":"ground"}]}`
	out := f.FilterServerMessage([]byte(msg))
	var decoded map[string]any
	json.Unmarshal(out, &decoded)
	result := decoded["result"].([]any)
	if len(result) != 1 {
		t.Error("expected floors to pass through when at least one area is whitelisted")
	}
}

func TestFilterServerMessage_FiltersStateChangedEvent(t *testing.T) {
	f := newTestFilter(t)
	msg := `{"type":"event","event":{"event_type":"state_changed","data":{"entity_id":"light.bedroom"}}}`
	out := f.FilterServerMessage([]byte(msg))
	if out != nil {
		t.Error("expected state_changed event for non-whitelisted entity to be dropped")
	}
}

func TestFilterServerMessage_PassesAllowedStateChangedEvent(t *testing.T) {
	f := newTestFilter(t)
	msg := `{"type":"event","event":{"event_type":"state_changed","data":{"entity_id":"light.kitchen"}}}`
	out := f.FilterServerMessage([]byte(msg))
	if out == nil {
		t.Error("expected state_changed event for a whitelisted entity to pass through")
	}
}

func TestFilterServerMessage_FiltersSubscribeEntitiesDelta(t *testing.T) {
	f := newTestFilter(t)
	f.FilterClientMessage([]byte(`{"id":9,"type":"subscribe_entities"}`))

	msg := `{"id":9,"type":"event","event":{"a":{"light.kitchen":{"s":"on"},"light.bedroom":{"s":"off"}}}}`
	out := f.FilterServerMessage([]byte(msg))
	if out == nil {
		t.Fatal("expected delta with at least one allowed entity to survive")
	}
	var decoded map[string]any
	json.Unmarshal(out, &decoded)
	event := decoded["event"].(map[string]any)
	additions := event["a"].(map[string]any)
	if len(additions) != 1 {
		t.Errorf("expected 1 allowed entity in additions, got %d", len(additions))
	}
	if _, ok := additions["light.kitchen"]; !ok {
		t.Error("expected light.kitchen to survive filtering")
	}
}

func TestFilterServerMessage_DropsSubscribeEntitiesDeltaWhenEmpty(t *testing.T) {
	f := newTestFilter(t)
	f.FilterClientMessage([]byte(`{"id":9,"type":"subscribe_entities"}`))

	msg := `{"id":9,"type":"event","event":{"a":{"light.bedroom":{"s":"off"}}}}`
	out := f.FilterServerMessage([]byte(msg))
	if out != nil {
		t.Error("expected delta with no allowed entities to be dropped entirely")
	}
}

func TestFilterServerMessage_BatchDropsEmptyMembers(t *testing.T) {
	f := newTestFilter(t)
	msg := `[
		{"type":"event","event":{"event_type":"state_changed","data":{"entity_id":"light.bedroom"}}},
		{"type":"event","event":{"event_type":"state_changed","data":{"entity_id":"light.kitchen"}}}
	]`
	out := f.FilterServerMessage([]byte(msg))
	var decoded []any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("expected valid JSON array output: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("expected 1 surviving batch member, got %d", len(decoded))
	}
}

func TestFilterServerMessage_BatchAllDroppedReturnsNil(t *testing.T) {
	f := newTestFilter(t)
	msg := `[{"type":"event","event":{"event_type":"state_changed","data":{"entity_id":"light.bedroom"}}}]`
	out := f.FilterServerMessage([]byte(msg))
	if out != nil {
		t.Error("expected batch with every member dropped to resolve to nil")
	}
}

func TestFilterServerMessage_BatchUnmodifiedReturnsOriginal(t *testing.T) {
	f := newTestFilter(t)
	msg := []byte(`[{"type":"event","event":{"event_type":"state_changed","data":{"entity_id":"light.kitchen"}}}]`)
	out := f.FilterServerMessage(msg)
	if string(out) != string(msg) {
		t.Error("expected unmodified batch to return original bytes")
	}
}
