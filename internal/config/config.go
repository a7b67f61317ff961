package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		URL         string `yaml:"url"`
		DialTimeout string `yaml:"dialTimeout"`
		CallTimeout string `yaml:"callTimeout"`
	} `yaml:"server"`
	Reconnect struct {
		Base        string `yaml:"base"`
		Cap         string `yaml:"cap"`
		MaxAttempts int    `yaml:"maxAttempts"`
	} `yaml:"reconnect"`
	Timer struct {
		Grace string `yaml:"grace"`
	} `yaml:"timer"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
}

// Load reads YAML config from path. A missing file yields the zero config
// so the CLI can run on flags alone.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// DurationOr parses a duration string or returns the fallback if empty or invalid.
func DurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
