package infra

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("RENDER_RETRY_LIMIT", "")
	t.Setenv("RENDER_FAN_OUT", "")
	t.Setenv("STAGE_TIMEOUT_SECONDS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.RenderRetryLimit != 2 {
		t.Fatalf("RenderRetryLimit = %d, want 2", cfg.RenderRetryLimit)
	}
	if cfg.RenderFanOut != 3 {
		t.Fatalf("RenderFanOut = %d, want 3", cfg.RenderFanOut)
	}
	if cfg.StageTimeout != 120*time.Second {
		t.Fatalf("StageTimeout = %s, want 120s", cfg.StageTimeout)
	}
	if cfg.GeminiBaseURL == "" || cfg.CleanupBaseURL == "" {
		t.Fatal("expected default upstream base URLs")
	}
}

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
}

func TestLoadConfigRejectsZeroFanOut(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("RENDER_FAN_OUT", "0")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for zero fan-out")
	}
}
