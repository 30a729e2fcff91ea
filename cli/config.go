package main

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the selink CLI configuration.
type Config struct {
	BackendURL string `yaml:"backend_url"`
	AuthToken  string `yaml:"auth_token"`
	Socket     string `yaml:"socket"`
}

// DefaultConfigPath returns the default config file path: ~/.selink/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".selink", "config.yaml")
	}
	return filepath.Join(home, ".selink", "config.yaml")
}

// LoadConfig reads the configuration from the given YAML file path. If the
// file does not exist, it returns a default Config with no error.
func LoadConfig(path string) (*Config, error) {

	cfg := &Config{
		BackendURL: "http://127.0.0.1:8475",
		Socket:     "/tmp/selink-card.sock",
	}

	data, err := os.ReadFile(path)

	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil

}
