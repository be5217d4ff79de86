package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/solarcharge/core/charge"
	"github.com/kilianp07/solarcharge/core/metrics"
	"github.com/kilianp07/solarcharge/infra/mqtt"
)

type Config struct {
	MQTT     mqtt.Config    `json:"mqtt"`
	Charging charge.Config  `json:"charging"`
	Schedule ScheduleConfig `json:"schedule"`
	Server   ServerConfig   `json:"server"`
	Metrics  metrics.Config `json:"metrics"`
}

// ScheduleConfig locates the persisted schedule on disk.
type ScheduleConfig struct {
	StorePath string `json:"store_path"`
}

func (c *ScheduleConfig) SetDefaults() {
	if c.StorePath == "" {
		c.StorePath = "data/schedule.json"
	}
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Addr string `json:"addr"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("K_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.MQTT.SetDefaults()
	cfg.Charging.SetDefaults()
	cfg.Schedule.SetDefaults()
	cfg.Server.SetDefaults()
	cfg.Metrics.SetDefaults()
	if err := cfg.MQTT.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Charging.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
