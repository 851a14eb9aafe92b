package config

import (
	"testing"
	"time"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("IRRIGO_URL", "wss://irrigo.example.com/ws")
	t.Setenv("IRRIGO_TOKEN", "token")
	t.Setenv("IRRIGO_USER_ID", "7")
	t.Setenv("IRRIGO_CHECK_INTERVAL", "30")
	t.Setenv("IRRIGO_LOG_LEVEL", "debug")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.UserID != 7 {
		t.Errorf("UserID = %d, want 7", cfg.UserID)
	}
	if cfg.CheckInterval != 30*time.Second {
		t.Errorf("CheckInterval = %v, want 30s", cfg.CheckInterval)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing url", map[string]string{"IRRIGO_URL": ""}},
		{"missing token", map[string]string{"IRRIGO_TOKEN": ""}},
		{"missing user", map[string]string{"IRRIGO_USER_ID": ""}},
		{"bad user", map[string]string{"IRRIGO_USER_ID": "seven"}},
		{"negative user", map[string]string{"IRRIGO_USER_ID": "-1"}},
		{"bad interval", map[string]string{"IRRIGO_CHECK_INTERVAL": "often"}},
		{"short interval", map[string]string{"IRRIGO_CHECK_INTERVAL": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("IRRIGO_URL", "ws://localhost:8000/ws")
			t.Setenv("IRRIGO_TOKEN", "token")
			t.Setenv("IRRIGO_USER_ID", "7")
			t.Setenv("IRRIGO_CHECK_INTERVAL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadFromEnv(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
