package wsfilter

import "regexp"

// entityListTypes are message types whose "result" is a list of entity
// state/registry objects that must be filtered by entity_id.
var entityListTypes = map[string]bool{
	"get_states":                              true,
	"config/entity_registry/list":             true,
	"config/entity_registry/list_for_display":  true,
}

// deviceListTypes are message types whose "result" is a list of device
// registry objects that must be filtered by id.
var deviceListTypes = map[string]bool{
	"config/device_registry/list": true,
}

// areaListTypes are message types whose "result" is a list of area
// registry objects that must be filtered by area_id.
var areaListTypes = map[string]bool{
	"config/area_registry/list": true,
}

// floorListTypes are message types whose "result" is a list of floor
// registry objects, filtered wholesale on whether any area is allowed.
var floorListTypes = map[string]bool{
	"config/floor_registry/list": true,
}

// entitySubscriptionTypes mark a request whose subsequent "event"
// messages carry entity-keyed add/change/remove deltas.
var entitySubscriptionTypes = map[string]bool{
	"subscribe_entities": true,
}

// blockedMessageTypes are refused outright unless the operator lists
// them in allowed_ws_types — these expose control surfaces no entity
// whitelist can make safe.
var blockedMessageTypes = map[string]bool{
	"render_template": true, // can read any entity state via templates
	"fire_event":      true, // can trigger automations indirectly
	"execute_script":  true, // can execute arbitrary scripts
	"subscribe_trigger": true, // can subscribe to any entity's triggers
	"intent/handle":   true, // voice command handling can control entities
}

// blockedMessagePatterns blocks whole families of config/supervisor
// access by prefix.
var blockedMessagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^config/automation/`),
	regexp.MustCompile(`^config/script/`),
	regexp.MustCompile(`^config/scene/`),
	regexp.MustCompile(`^config_entries/`),
	regexp.MustCompile(`^hassio/`),
	regexp.MustCompile(`^backup/`),
	regexp.MustCompile(`^auth/sign_path$`),
	regexp.MustCompile(`^auth/refresh_token`),
	regexp.MustCompile(`^auth/delete_refresh_token`),
}

// allowedMessageTypes punch a hole through blockedMessagePatterns for
// message types the UI needs that don't expose anything sensitive.
var allowedMessageTypes = map[string]bool{
	"auth/current_user": true, // needed for UI to show current user
	"lovelace/config":   true, // needed for dashboard (entities filtered separately)
	"lovelace/resources": true, // needed for custom cards
}

type serviceKey struct{ domain, service string }

// blockedServices are dangerous (domain, service) pairs refused
// entirely, independent of entity/device/area targeting.
var blockedServices = map[serviceKey]bool{
	{"homeassistant", "restart"}:             true,
	{"homeassistant", "stop"}:                true,
	{"homeassistant", "reload_all"}:          true,
	{"homeassistant", "reload_core_config"}:  true,
	{"homeassistant", "reload_config_entry"}: true,
	{"homeassistant", "set_location"}:        true,

	{"automation", "trigger"}:  true,
	{"automation", "reload"}:   true,
	{"automation", "turn_on"}:  true,
	{"automation", "turn_off"}: true,
	{"automation", "toggle"}:   true,
	{"script", "reload"}:       true,
	{"script", "turn_on"}:      true,
	{"script", "turn_off"}:     true,
	{"script", "toggle"}:       true,
	{"scene", "reload"}:        true,
	{"scene", "apply"}:         true,
	{"scene", "create"}:        true,

	{"input_boolean", "reload"}:  true,
	{"input_number", "reload"}:   true,
	{"input_select", "reload"}:   true,
	{"input_text", "reload"}:     true,
	{"input_datetime", "reload"}: true,
	{"input_button", "reload"}:   true,

	{"shell_command", "*"}:  true, // any shell command
	{"python_script", "*"}:  true, // any python script
	{"pyscript", "*"}:       true, // any pyscript
	{"rest_command", "*"}:   true, // any REST command
	{"notify", "*"}:         true, // notifications could leak info

	{"persistent_notification", "create"}: true,
	{"system_log", "clear"}:               true,
	{"recorder", "purge"}:                 true,
	{"recorder", "purge_entities"}:        true,
	{"recorder", "disable"}:               true,
	{"recorder", "enable"}:                true,
	{"logger", "set_level"}:               true,
	{"logger", "set_default_level"}:       true,
	// system_log.write is NOT blocked - used by frontend for error reporting
}

// entityControlledDomains require an explicit entity/device/area target
// on call_service — an untargeted call in one of these domains would
// affect every entity home assistant knows about in that domain.
var entityControlledDomains = map[string]bool{
	"light": true, "switch": true, "cover": true, "fan": true,
	"climate": true, "media_player": true, "vacuum": true, "lock": true,
	"alarm_control_panel": true, "camera": true, "humidifier": true,
	"water_heater": true, "remote": true, "button": true, "number": true,
	"select": true, "siren": true, "text": true, "valve": true,
	"lawn_mower": true, "update": true,
}

// allowedEventTypes are subscribe_events event_type values that are
// either inherently safe metadata or filtered separately downstream.
var allowedEventTypes = map[string]bool{
	"state_changed":                   true, // filtered by entity
	"component_loaded":                true,
	"service_registered":              true,
	"service_removed":                 true,
	"themes_updated":                  true,
	"panels_updated":                  true,
	"lovelace_updated":                true,
	"core_config_updated":             true,
	"entity_registry_updated":         true, // filtered separately
	"device_registry_updated":         true, // filtered separately
	"area_registry_updated":           true, // filtered separately
	"floor_registry_updated":          true, // filtered separately
	"label_registry_updated":          true,
	"repairs_issue_registry_updated":  true,
}
