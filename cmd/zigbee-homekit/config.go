package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"zigbee-homekit/internal/coordinator"
)

const defaultStorageDir = ".zigbee-homekit"

type Config struct {
	NCP struct {
		Type string `yaml:"type"` // "nrf52840"
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"ncp"`
	Network struct {
		Channel  uint8  `yaml:"channel"`
		PanID    uint16 `yaml:"pan_id"`
		ExtPanID string `yaml:"extended_pan_id"`
	} `yaml:"network"`
	StoragePath string `yaml:"storage_path"`
	Database    string `yaml:"database"`
	DevicesDir  string `yaml:"devices_dir"`
	HomeKit     struct {
		Name   string `yaml:"name"`
		Pin    string `yaml:"pin"`
		Listen string `yaml:"listen"`
	} `yaml:"homekit"`
	Accessories []struct {
		IEEE string `yaml:"ieee"`
		Name string `yaml:"name"`
	} `yaml:"accessories"`
	PermitJoin uint8 `yaml:"permit_join"`
	Web        struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.NCP.Port == "" {
		return fmt.Errorf("ncp.port is required")
	}
	if c.Network.Channel < 11 || c.Network.Channel > 26 {
		return fmt.Errorf("network.channel must be 11-26, got %d", c.Network.Channel)
	}
	if c.Network.PanID == 0 || c.Network.PanID == 0xFFFF {
		return fmt.Errorf("network.pan_id must not be 0x0000 or 0xFFFF")
	}
	if _, err := coordinator.ParseExtPanID(c.Network.ExtPanID); err != nil {
		return fmt.Errorf("network.extended_pan_id: %w", err)
	}
	if len(c.HomeKit.Pin) != 8 || strings.Trim(c.HomeKit.Pin, "0123456789") != "" {
		return fmt.Errorf("homekit.pin must be 8 digits")
	}
	for i, acc := range c.Accessories {
		if _, err := coordinator.NormalizeIEEE(acc.IEEE); err != nil {
			return fmt.Errorf("accessories[%d]: %w", i, err)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.NCP.Type == "" {
		cfg.NCP.Type = "nrf52840"
	}
	if cfg.NCP.Baud == 0 {
		cfg.NCP.Baud = 460800
	}
	if cfg.StoragePath == "" || cfg.StoragePath == "~" || strings.HasPrefix(cfg.StoragePath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve storage_path: %w", err)
		}
		switch {
		case cfg.StoragePath == "":
			cfg.StoragePath = filepath.Join(home, defaultStorageDir)
		default:
			cfg.StoragePath = filepath.Join(home, strings.TrimPrefix(cfg.StoragePath, "~"))
		}
	}
	if cfg.DevicesDir == "" {
		cfg.DevicesDir = "devices"
	}
	if cfg.HomeKit.Name == "" {
		cfg.HomeKit.Name = "Zigbee Bridge"
	}
	if cfg.HomeKit.Pin == "" {
		cfg.HomeKit.Pin = "00102003"
	}
	if cfg.HomeKit.Listen == "" {
		cfg.HomeKit.Listen = ":0"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zigbee-homekit"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
