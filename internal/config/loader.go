package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Load reads and parses a configuration file. The format is chosen by
// extension: .toml parses as TOML, everything else as YAML. Environment
// variables in the form ${VAR} are expanded before parsing. The result is
// validated before it is returned.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return parse(content, format)
}

// LoadFromReader parses YAML configuration from r with the same expansion and
// validation as Load.
func LoadFromReader(r io.Reader) (*Config, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(content, "yaml")
}

func parse(content []byte, format string) (*Config, error) {
	expanded := []byte(os.ExpandEnv(string(content)))

	var cfg Config
	var err error
	switch format {
	case "toml":
		err = toml.Unmarshal(expanded, &cfg)
	default:
		err = yaml.Unmarshal(expanded, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", format, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
