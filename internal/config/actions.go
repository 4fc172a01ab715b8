package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"remotenode/internal/core"
)

// LoadActions reads the action file at path. JSON files load as YAML.
func LoadActions(path string) (core.Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Configuration{}, fmt.Errorf("read actions file: %w", err)
	}
	cfg, err := ParseActions(data)
	if err != nil {
		return core.Configuration{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseActions decodes and validates an action document.
func ParseActions(data []byte) (core.Configuration, error) {
	var cfg core.Configuration
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return core.Configuration{}, &core.ConfigError{Msg: "decode actions", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return core.Configuration{}, err
	}
	return cfg, nil
}
