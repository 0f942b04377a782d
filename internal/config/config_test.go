package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"  debug ", slog.LevelDebug, false},
		{"trace", LevelTrace, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
provider:
  model: gpt-4o-mini
business:
  name: Meridian Works
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Port != 8600 {
		t.Errorf("default port = %d, want 8600", cfg.Listen.Port)
	}
	if cfg.Session.MessagesPerSession != 25 {
		t.Errorf("default messages_per_session = %d, want 25", cfg.Session.MessagesPerSession)
	}
	if cfg.Session.SessionsPerOriginPerDay != 10 {
		t.Errorf("default sessions_per_origin_per_day = %d, want 10", cfg.Session.SessionsPerOriginPerDay)
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Errorf("default max_iterations = %d, want 5", cfg.Agent.MaxIterations)
	}
	if got := cfg.SessionTTL().Hours(); got != 24 {
		t.Errorf("default TTL = %v hours, want 24", got)
	}
	if !cfg.SMTP.StartTLS || cfg.SMTP.Port != 587 {
		t.Errorf("default SMTP = %d/starttls=%v, want 587/true", cfg.SMTP.Port, cfg.SMTP.StartTLS)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name:    "missing model",
			raw:     "listen:\n  port: 8601\n",
			wantErr: "provider.model",
		},
		{
			name: "calendar enabled without endpoint",
			raw: `
provider:
  model: gpt-4o-mini
calendar:
  enabled: true
`,
			wantErr: "calendar.endpoint",
		},
		{
			name: "inverted business hours",
			raw: `
provider:
  model: gpt-4o-mini
calendar:
  open_hour: 18
  close_hour: 9
`,
			wantErr: "close_hour",
		},
		{
			name: "mqtt enabled without broker",
			raw: `
provider:
  model: gpt-4o-mini
mqtt:
  enabled: true
`,
			wantErr: "mqtt.broker",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.raw), 0o600); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	_, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should fail")
	}
}
