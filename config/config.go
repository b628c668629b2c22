package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ReadYAMLFileAndUnmarshal decodes the YAML content of file into v.
// Unknown fields are rejected.
func ReadYAMLFileAndUnmarshal(file string, v interface{}) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("error opening yaml config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("error decoding config from yaml: %w", err)
	}
	return nil
}
