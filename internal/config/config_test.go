package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.DatabaseDriver != DatabaseDriverSQLite {
		t.Fatalf("expected sqlite driver by default, got %q", cfg.DatabaseDriver)
	}
	if cfg.CursorThrottle != 16*time.Millisecond {
		t.Fatalf("unexpected cursor throttle %s", cfg.CursorThrottle)
	}
	if cfg.PresenceStale != 30*time.Second {
		t.Fatalf("unexpected presence staleness %s", cfg.PresenceStale)
	}
	if cfg.RaidThreshold != 3 || cfg.RaidRewardXP != 100 {
		t.Fatalf("unexpected raid defaults %d/%d", cfg.RaidThreshold, cfg.RaidRewardXP)
	}
	if cfg.ChatHistoryLimit != 100 {
		t.Fatalf("unexpected chat history limit %d", cfg.ChatHistoryLimit)
	}
	if cfg.NATSURL != "" {
		t.Fatalf("expected nats relay to be disabled by default")
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		wantError string
	}{
		{
			name:      "missing-secret",
			overrides: map[string]any{},
			wantError: "auth.signing_secret",
		},
		{
			name: "postgres-without-dsn",
			overrides: map[string]any{
				"auth.signing_secret": "secret",
				"database.driver":     "postgres",
			},
			wantError: "database.dsn",
		},
		{
			name: "unknown-driver",
			overrides: map[string]any{
				"auth.signing_secret": "secret",
				"database.driver":     "mysql",
			},
			wantError: "not supported",
		},
		{
			name: "zero-threshold",
			overrides: map[string]any{
				"auth.signing_secret": "secret",
				"raid.threshold":      0,
			},
			wantError: "raid.threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range tt.overrides {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantError)
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Fatalf("expected error containing %q, got %v", tt.wantError, err)
			}
		})
	}
}
