package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
dgg:
  enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DGG.URL != "wss://chat.destiny.gg/ws" {
		t.Errorf("default dgg url missing, got %q", cfg.DGG.URL)
	}
	if cfg.YouTube.DelayMultiplier != 1.0 {
		t.Errorf("default delay multiplier = %v", cfg.YouTube.DelayMultiplier)
	}
	if cfg.BufferSize != 256 {
		t.Errorf("default buffer size = %d", cfg.BufferSize)
	}
	if cfg.Health.Addr != ":8080" {
		t.Errorf("default health addr = %q", cfg.Health.Addr)
	}
}

func TestLoadRejectsNoPlatform(t *testing.T) {
	path := writeConfig(t, `
buffer_size: 10
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when no platform is enabled")
	}
}

func TestLoadRequiresChannelsWhenEnabled(t *testing.T) {
	path := writeConfig(t, `
twitch:
  enabled: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for twitch enabled with no channels")
	}
}

func TestLoadS3Validation(t *testing.T) {
	path := writeConfig(t, `
dgg:
  enabled: true
s3:
  enabled: true
  bucket: diag-bucket
  region: us-east-1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for s3 enabled without credentials")
	}
}

func TestEnvOverridesCookie(t *testing.T) {
	t.Setenv("DGG_AUTH_COOKIE", "sid=abc")
	path := writeConfig(t, `
dgg:
  enabled: true
  auth_cookie: from-file
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DGG.AuthCookie != "sid=abc" {
		t.Errorf("env override not applied, got %q", cfg.DGG.AuthCookie)
	}
}

func TestKickChannelsParse(t *testing.T) {
	path := writeConfig(t, `
kick:
  enabled: true
  channels:
    - slug: somechannel
      chatroom_id: 12345
    - slug: another
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Kick.Channels) != 2 {
		t.Fatalf("expected 2 kick channels, got %d", len(cfg.Kick.Channels))
	}
	if cfg.Kick.Channels[0].ChatroomID != 12345 {
		t.Errorf("chatroom_id = %d", cfg.Kick.Channels[0].ChatroomID)
	}
	if cfg.Kick.Channels[1].ChatroomID != 0 {
		t.Errorf("unresolved channel should have chatroom_id 0")
	}
}
