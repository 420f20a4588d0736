package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// The daemon accepts the same config as JSON or YAML. Rather than keep two
// decoders honest, YAML input is converted to JSON bytes and fed through
// the one strict JSON decoder in Manager.Parse, so unknown-field rejection
// behaves identically for both formats.

// coerceToJSONBytes passes .json input through untouched and converts
// .yaml/.yml to JSON. The returned format tag ("json" or "yaml") only
// matters for error messages.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}

	j, err := json.Marshal(stringifyKeys(v))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// stringifyKeys rewrites YAML's map[any]any nodes into map[string]any,
// which json.Marshal requires. Non-string keys (YAML allows them) are
// rendered with fmt.Sprint.
func stringifyKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringifyKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringifyKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringifyKeys(x[i])
		}
		return x
	default:
		return in
	}
}
