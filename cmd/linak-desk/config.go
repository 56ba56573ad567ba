package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"linak-desk/internal/gatt"
)

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	d.Duration = v
	return nil
}

type Config struct {
	Desk struct {
		Address       string   `yaml:"address"`
		MoveInterval  Duration `yaml:"move_interval"`
		MoveTimeout   Duration `yaml:"move_timeout"`
		MaxIterations int      `yaml:"max_iterations"`
		DeadBand      uint16   `yaml:"dead_band"`
		ReconnectMin  Duration `yaml:"reconnect_min"`
		ReconnectMax  Duration `yaml:"reconnect_max"`
	} `yaml:"desk"`
	Transport struct {
		Type           string   `yaml:"type"` // "bluez", "serial" or "sim"
		Adapter        string   `yaml:"adapter"`
		Port           string   `yaml:"port"`
		Baud           int      `yaml:"baud"`
		ConnectTimeout Duration `yaml:"connect_timeout"`
	} `yaml:"transport"`
	Protocol struct {
		ResponseTimeout   Duration `yaml:"response_timeout"`
		MaxAttempts       int      `yaml:"max_attempts"`
		ConnectAttempts   int      `yaml:"connect_attempts"`
		ConnectRetryDelay Duration `yaml:"connect_retry_delay"`
		PumpTimeout       Duration `yaml:"pump_timeout"`
		PullTimeout       Duration `yaml:"pull_timeout"`
	} `yaml:"protocol"`
	Characteristics map[string]struct {
		UUID   string `yaml:"uuid"`
		Handle uint16 `yaml:"handle"`
	} `yaml:"characteristics"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Web struct {
		Enabled        bool     `yaml:"enabled"`
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Automation struct {
		Enabled    bool   `yaml:"enabled"`
		ScriptsDir string `yaml:"scripts_dir"`
	} `yaml:"automation"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // "text", "json" or "console"
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Desk.Address == "" && c.Transport.Type != "sim" {
		return fmt.Errorf("desk.address is required")
	}
	switch c.Transport.Type {
	case "bluez", "sim":
	case "serial":
		if c.Transport.Port == "" {
			return fmt.Errorf("transport.port is required for the serial transport")
		}
	default:
		return fmt.Errorf("transport.type must be bluez, serial or sim, got %q", c.Transport.Type)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if _, err := gatt.DefaultMap().WithOverrides(c.characteristicOverrides()); err != nil {
		return fmt.Errorf("characteristics: %w", err)
	}
	return nil
}

func (c *Config) characteristicOverrides() map[string]gatt.Override {
	if len(c.Characteristics) == 0 {
		return nil
	}
	out := make(map[string]gatt.Override, len(c.Characteristics))
	for name, o := range c.Characteristics {
		out[name] = gatt.Override{UUID: o.UUID, Handle: o.Handle}
	}
	return out
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	cfg.Web.Enabled = true
	cfg.Automation.Enabled = true
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Transport.Type == "" {
		cfg.Transport.Type = "bluez"
	}
	if cfg.Transport.Type == "sim" && cfg.Desk.Address == "" {
		cfg.Desk.Address = "00:00:00:00:00:00"
	}
	if cfg.Transport.Baud == 0 {
		cfg.Transport.Baud = 115200
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "linak-desk.db"
	}
	if cfg.Automation.ScriptsDir == "" {
		cfg.Automation.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "linak"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}
