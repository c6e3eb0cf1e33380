package normalizer

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/api/states/sensor.temp", "/api/states/{entity_id}"},
		{"/api/states/light.kitchen", "/api/states/{entity_id}"},
		{"/api/services/light/turn_on", "/api/services/{domain}/{service}"},
		{"/api/camera_proxy/camera.front_door", "/api/camera_proxy/{entity_id}"},
		{"/api/history/period/2024-01-01T00:00:00", "/api/history/period/{timestamp}"},
		{"/api/logbook/2024-01-01T00:00:00", "/api/logbook/{timestamp}"},
		{"/api/config", "/api/config"},
		{"/static/app.js", "/static/app.js"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeStability(t *testing.T) {
	inputs := []string{
		"/api/states/sensor.a",
		"/api/services/light/turn_on",
		"/api/camera_proxy/camera.x",
		"/api/history/period/2024-01-01",
		"/api/logbook/2024-01-01",
		"/api/config",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not stable for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestEntityFromPath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/api/states/light.kitchen", "light.kitchen"},
		{"/api/camera_proxy/camera.front_door", "camera.front_door"},
		{"/api/config", ""},
		{"/api/states/bad", ""},
	}
	for _, tt := range tests {
		if got := EntityFromPath(tt.in); got != tt.want {
			t.Errorf("EntityFromPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
