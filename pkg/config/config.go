// Package config loads YAML or JSON config files and applies them as
// defaults to command-line flags.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML (or JSON, which YAML accepts) config file and returns
// its top-level keys.
func Load(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg map[string]any
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return cfg, nil
}

// ApplyToFlags overrides flag defaults from cfg for any flag not set on
// the command line. Call it after parsing. Keys may use hyphens or
// underscores ("log-level" and "log_level" both match --log-level).
func ApplyToFlags(fs *pflag.FlagSet, cfg map[string]any) error {
	var firstErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || firstErr != nil {
			return
		}
		val, ok := cfg[f.Name]
		if !ok {
			val, ok = cfg[strings.ReplaceAll(f.Name, "-", "_")]
		}
		if !ok || val == nil {
			return
		}
		var s string
		switch v := val.(type) {
		case string:
			s = v
		case []any:
			parts := make([]string, len(v))
			for i, p := range v {
				parts[i] = fmt.Sprint(p)
			}
			s = strings.Join(parts, ",")
		default:
			s = fmt.Sprint(v)
		}
		if err := f.Value.Set(s); err != nil {
			firstErr = fmt.Errorf("config key %q: %w", f.Name, err)
		}
	})
	return firstErr
}
