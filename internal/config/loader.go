package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Bot.Token == "" {
		errs = append(errs, errors.New("bot.token must be set"))
	}
	if cfg.Bot.LogLevel != "" && !cfg.Bot.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("bot.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Bot.LogLevel))
	}

	if len(cfg.Nodes) == 0 {
		errs = append(errs, errors.New("at least one node must be configured"))
	}
	seen := map[string]bool{}
	for i, n := range cfg.Nodes {
		if n.Host == "" {
			errs = append(errs, fmt.Errorf("nodes[%d].host must be set", i))
		}
		if n.Port <= 0 || n.Port > 65535 {
			errs = append(errs, fmt.Errorf("nodes[%d].port %d is out of range", i, n.Port))
		}
		if n.Password == "" {
			errs = append(errs, fmt.Errorf("nodes[%d].password must be set", i))
		}
		id := n.Identifier
		if id == "" {
			id = fmt.Sprintf("%s:%d", n.Host, n.Port)
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("nodes[%d]: duplicate identifier %q", i, id))
		}
		seen[id] = true
	}

	if v := cfg.Player.InitialVolume; v < 0 || v > 1000 {
		errs = append(errs, fmt.Errorf("player.initial_volume %d must be in [0,1000]", v))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
