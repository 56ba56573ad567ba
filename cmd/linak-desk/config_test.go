package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "desk:\n  address: \"C2:6D:5A:01:02:03\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Transport.Type != "bluez" {
		t.Errorf("transport = %q, want bluez", cfg.Transport.Type)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" || !cfg.Web.Enabled {
		t.Errorf("web = %+v, want enabled on 127.0.0.1:8080", cfg.Web)
	}
	if cfg.Store.Path != "linak-desk.db" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
	if !cfg.Automation.Enabled || cfg.Automation.ScriptsDir != "scripts" {
		t.Errorf("automation = %+v", cfg.Automation)
	}
	if cfg.MQTT.TopicPrefix != "linak" {
		t.Errorf("topic prefix = %q, want linak", cfg.MQTT.TopicPrefix)
	}
}

func TestLoadConfigDurationsAndOverrides(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
desk:
  address: "C2:6D:5A:01:02:03"
  move_interval: 300ms
  move_timeout: 45s
transport:
  type: serial
  port: /dev/ttyACM0
protocol:
  response_timeout: 2s
  max_attempts: 5
characteristics:
  control:
    handle: 0x0020
web:
  enabled: false
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Desk.MoveInterval.Duration != 300*time.Millisecond {
		t.Errorf("move_interval = %v, want 300ms", cfg.Desk.MoveInterval.Duration)
	}
	if cfg.Desk.MoveTimeout.Duration != 45*time.Second {
		t.Errorf("move_timeout = %v, want 45s", cfg.Desk.MoveTimeout.Duration)
	}
	if cfg.Protocol.ResponseTimeout.Duration != 2*time.Second || cfg.Protocol.MaxAttempts != 5 {
		t.Errorf("protocol = %+v", cfg.Protocol)
	}
	if cfg.Transport.Baud != 115200 {
		t.Errorf("baud = %d, want 115200", cfg.Transport.Baud)
	}
	if cfg.Web.Enabled {
		t.Error("web should be disabled")
	}
	o := cfg.characteristicOverrides()
	if o["control"].Handle != 0x0020 {
		t.Errorf("control override = %+v", o["control"])
	}
}

func TestLoadConfigBadDuration(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "desk:\n  move_interval: soon\n"))
	if err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing address", "transport:\n  type: bluez\n", "desk.address"},
		{"serial without port", "desk:\n  address: a\ntransport:\n  type: serial\n", "transport.port"},
		{"unknown transport", "desk:\n  address: a\ntransport:\n  type: usb\n", "transport.type"},
		{"mqtt without broker", "desk:\n  address: a\nmqtt:\n  enabled: true\n", "mqtt.broker"},
		{"bad characteristic", "desk:\n  address: a\ncharacteristics:\n  bogus:\n    handle: 1\n", "characteristics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.body))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestSimNeedsNoAddress(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "transport:\n  type: sim\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Desk.Address == "" {
		t.Error("sim transport should get a placeholder address")
	}
}

func TestNewLoggerFormats(t *testing.T) {
	for _, format := range []string{"text", "json", "console"} {
		var buf bytes.Buffer
		logger := newLogger(&buf, "debug", format)
		logger.Debug("hello", "format", format)
		if !strings.Contains(buf.String(), "hello") {
			t.Errorf("%s logger output = %q", format, buf.String())
		}
	}

	var buf bytes.Buffer
	newLogger(&buf, "warn", "text").Info("quiet")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}
