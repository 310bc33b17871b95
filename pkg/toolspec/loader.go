package toolspec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a tool spec from the given file path.
//
// The file format is determined by extension: .yaml/.yml for YAML, .json for
// JSON. If the extension is unrecognized, YAML is attempted first, then JSON.
// After parsing, defaults are applied and the spec is validated.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("tool spec file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading tool spec: %s", path)
		}
		return nil, fmt.Errorf("failed to read tool spec file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a tool spec from raw bytes.
//
// The path parameter is used for error messages and format detection. Unknown
// fields are rejected so a typo in a spec fails loudly instead of silently
// falling back to defaults.
func LoadFromBytes(data []byte, path string) (*Spec, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("tool spec file is empty")
	}

	var spec Spec
	var parseErr error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		parseErr = dec.Decode(&spec)
	case ".yaml", ".yml":
		parseErr = parseStrictYAML(data, &spec)
	default:
		parseErr = parseStrictYAML(data, &spec)
		if parseErr != nil {
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.DisallowUnknownFields()
			if jsonErr := dec.Decode(&spec); jsonErr == nil {
				parseErr = nil
			}
		}
	}
	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse tool spec %s: %w", path, parseErr)
	}

	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func parseStrictYAML(data []byte, out *Spec) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(out)
}
