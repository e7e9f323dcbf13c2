package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Events.BufferSize != 2000 {
		t.Errorf("unexpected default buffer size: %d", cfg.Events.BufferSize)
	}
	if cfg.Agent.InactivityTimeoutMinutes != 15 {
		t.Errorf("unexpected default inactivity timeout: %d", cfg.Agent.InactivityTimeoutMinutes)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("defaults not written: %v", err)
	}

	// Second load reads the file back.
	cfg2, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg2.HTTP.Listen != cfg.HTTP.Listen {
		t.Errorf("reload mismatch: %q vs %q", cfg2.HTTP.Listen, cfg.HTTP.Listen)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("CLAWBRIDGE_AUTH_TOKEN", "from-env")
	t.Setenv("CLAWBRIDGE_LISTEN", "127.0.0.1:9999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.AuthToken != "from-env" {
		t.Errorf("auth token override missed: %q", cfg.HTTP.AuthToken)
	}
	if cfg.HTTP.Listen != "127.0.0.1:9999" {
		t.Errorf("listen override missed: %q", cfg.HTTP.Listen)
	}
}

func TestGetSetValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}

	if err := SetValue(path, "events.buffer_size", "500"); err != nil {
		t.Fatal(err)
	}
	value, err := GetValue(path, "events.buffer_size")
	if err != nil {
		t.Fatal(err)
	}
	if value != float64(500) {
		t.Errorf("expected 500, got %v", value)
	}

	if err := SetValue(path, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if _, err := GetValue(path, "no.such.key"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestFlattenRoundTrip(t *testing.T) {
	nested := map[string]any{
		"http": map[string]any{"listen": ":1", "auth_token": "secret-token"},
		"top":  "level",
	}
	flat := Flatten(nested)
	if flat["http.listen"] != ":1" || flat["top"] != "level" {
		t.Errorf("flatten wrong: %v", flat)
	}

	back := Unflatten(flat)
	inner, ok := back["http"].(map[string]any)
	if !ok || inner["listen"] != ":1" {
		t.Errorf("unflatten wrong: %v", back)
	}
}

func TestMaskSecrets(t *testing.T) {
	flat := map[string]any{
		"http.auth_token": "secret-token",
		"http.listen":     ":8787",
	}
	masked := MaskSecrets(flat)
	if masked["http.auth_token"] != "***oken" {
		t.Errorf("secret not masked: %v", masked["http.auth_token"])
	}
	if masked["http.listen"] != ":8787" {
		t.Errorf("non-secret modified: %v", masked["http.listen"])
	}

	if !IsSecretKey("http.auth_token") || IsSecretKey("http.listen") {
		t.Error("secret key classification wrong")
	}
}
