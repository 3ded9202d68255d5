package relay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/remote-hub-bridge/bridge/internal/model"
)

func writeOverride(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay_origin")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}
	return path
}

func TestResolveOrigin_DefaultWhenNothingConfigured(t *testing.T) {
	origin := ResolveOrigin("", "")
	if origin.Source != model.OriginSourceDefault {
		t.Fatalf("expected default source, got %q", origin.Source)
	}
	if origin.URL != DefaultOrigin {
		t.Errorf("expected %q, got %q", DefaultOrigin, origin.URL)
	}
	if !origin.Configured() {
		t.Error("default origin must be usable")
	}
}

func TestResolveOrigin_EnvWinsOverDefault(t *testing.T) {
	origin := ResolveOrigin("", "https://relay.example.com")
	if origin.Source != model.OriginSourceEnv {
		t.Fatalf("expected env source, got %q", origin.Source)
	}
	if origin.URL != "https://relay.example.com" {
		t.Errorf("got %q", origin.URL)
	}
}

func TestResolveOrigin_OverrideFileWinsOverEnv(t *testing.T) {
	path := writeOverride(t, "# staging relay\n\nhttps://staging.example.com/\n")

	origin := ResolveOrigin(path, "https://relay.example.com")
	if origin.Source != model.OriginSourceOverride {
		t.Fatalf("expected override source, got %q", origin.Source)
	}
	if origin.URL != "https://staging.example.com" {
		t.Errorf("expected comment skipped and slash trimmed, got %q", origin.URL)
	}
}

func TestResolveOrigin_InvalidOverrideDoesNotFallThrough(t *testing.T) {
	path := writeOverride(t, "not a url at all\n")

	origin := ResolveOrigin(path, "https://relay.example.com")
	if origin.Source != model.OriginSourceOverrideInvalid {
		t.Fatalf("expected override-invalid, got %q", origin.Source)
	}
	if origin.Configured() {
		t.Error("invalid override must leave the origin unconfigured")
	}
}

func TestResolveOrigin_MissingOverrideFallsToEnv(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")

	origin := ResolveOrigin(missing, "wss://relay.example.com")
	if origin.Source != model.OriginSourceEnv {
		t.Fatalf("expected env source, got %q", origin.Source)
	}
	if origin.URL != "https://relay.example.com" {
		t.Errorf("expected wss coerced to https, got %q", origin.URL)
	}
}

func TestResolveOrigin_InvalidEnvRecordsSource(t *testing.T) {
	origin := ResolveOrigin("", "ftp://relay.example.com")
	if origin.Source != model.OriginSourceEnvInvalid {
		t.Fatalf("expected env-invalid, got %q", origin.Source)
	}
	if origin.Configured() {
		t.Error("invalid env origin must leave the manager unconfigured")
	}
}

func TestNormalizeOrigin(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		want  string
		valid bool
	}{
		{"plain https", "https://relay.example.com", "https://relay.example.com", true},
		{"ws coerced", "ws://relay.example.com", "http://relay.example.com", true},
		{"wss coerced", "wss://relay.example.com", "https://relay.example.com", true},
		{"trailing slash", "https://relay.example.com/", "https://relay.example.com", true},
		{"path kept", "https://relay.example.com/base/", "https://relay.example.com/base", true},
		{"query dropped", "https://relay.example.com?x=1", "https://relay.example.com", true},
		{"whitespace trimmed", "  https://relay.example.com  ", "https://relay.example.com", true},
		{"no host", "https://", "", false},
		{"bad scheme", "ftp://relay.example.com", "", false},
		{"garbage", "not a url", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, valid := normalizeOrigin(tc.in)
			if valid != tc.valid {
				t.Fatalf("valid=%v, want %v", valid, tc.valid)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}
