// Package config loads and validates the relay and VM server
// configuration files.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// load reads a YAML file, expands ${ENV} references, and decodes it
// strictly into out.
func load(path string, out any) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
