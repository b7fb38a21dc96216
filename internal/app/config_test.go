package app

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(zap.NewNop(), "does-not-exist")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr: %q", cfg.Server.Addr)
	}
	if cfg.Server.WSPath != "/ws/chat" {
		t.Fatalf("unexpected ws path: %q", cfg.Server.WSPath)
	}
	if cfg.Auth.TokenTTL != 24*time.Hour {
		t.Fatalf("unexpected token ttl: %v", cfg.Auth.TokenTTL)
	}
	if cfg.Limits.SendBuffer != 256 {
		t.Fatalf("unexpected send buffer: %d", cfg.Limits.SendBuffer)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CARECHAT_SERVER_ADDR", ":9999")
	cfg, err := Load(zap.NewNop(), "does-not-exist")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("env override not applied: %q", cfg.Server.Addr)
	}
}

func TestNormalizeWSPath(t *testing.T) {
	cases := map[string]string{
		"":           "/ws/chat",
		"ws/chat":    "/ws/chat",
		"/ws/chat/":  "/ws/chat",
		"/custom/ws": "/custom/ws",
	}
	for input, want := range cases {
		if got := NormalizeWSPath(input); got != want {
			t.Fatalf("NormalizeWSPath(%q) = %q, want %q", input, got, want)
		}
	}
}
