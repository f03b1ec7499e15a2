package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Global represents ~/.chatsync/config.toml.
type Global struct {
	DefaultSession string `toml:"default_session"`
}

// Load reads the global config from the given path. Returns nil and an error if the file is missing.
func Load(path string) (*Global, error) {
	var cfg Global
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes v as TOML to the given path, creating parent dirs as needed.
func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
