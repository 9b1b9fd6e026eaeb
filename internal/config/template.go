package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WriteTemplate writes a starter config file with the default values. It
// refuses to overwrite an existing file.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	cfg := Default()
	cfg.Token = "your-bot-token"
	cfg.Personas = []Persona{{Name: "default", Prompt: "A friendly forum regular."}}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("render config template: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
