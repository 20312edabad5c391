package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// Load reads, merges, and defaults the configuration at path. A missing
// file yields the defaults; a present but broken file is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}

	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// LoadRaw reads the file at path and resolves $include directives into a
// single merged document. Included files merge first, so the including
// file's own keys win.
func LoadRaw(path string) (map[string]any, error) {
	seen := make(map[string]bool)
	return loadRawRecursive(path, seen)
}

func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	if seen[abs] {
		return nil, fmt.Errorf("include cycle at %s", abs)
	}
	seen[abs] = true
	defer delete(seen, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", abs, err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	doc, err := parseRawBytes(abs, data)
	if err != nil {
		return nil, err
	}

	includes, err := extractIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := make(map[string]any)
	dir := filepath.Dir(abs)
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(dir, inc)
		}
		sub, err := loadRawRecursive(inc, seen)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, sub)
	}
	return mergeMaps(merged, doc), nil
}

func parseRawBytes(path string, data []byte) (map[string]any, error) {
	doc := make(map[string]any)
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" || ext == ".json5" {
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return doc, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	var extra map[string]any
	if err := dec.Decode(&extra); err == nil {
		return nil, fmt.Errorf("parse %s: multiple YAML documents", path)
	}
	return doc, nil
}

// extractIncludes pulls the $include directive out of doc, removing the key.
// The value may be a single path or a list of paths.
func extractIncludes(doc map[string]any) ([]string, error) {
	raw, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []any:
		paths := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings, got %T", item)
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("$include must be a string or list of strings, got %T", raw)
	}
}

// mergeMaps deep-merges override onto base. Maps merge recursively; any
// other value in override replaces the base value.
func mergeMaps(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if baseMap, ok := out[k].(map[string]any); ok {
			if overMap, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(baseMap, overMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// decodeRawConfig converts a merged raw document into a Config. Unknown
// keys are ignored so configs can carry fields this build does not know.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("remarshal: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
