package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file and returns it as a map.
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
		cfg = make(map[string]any)
	}
	return cfg, nil
}

// ApplyToFlags overrides flag values from config for any flag not
// explicitly set on the command line. Call this AFTER parsing.
// Keys in the config can use either hyphens or underscores (e.g.
// "log-level" or "log_level" both match the --log-level flag). A YAML list
// replaces the value of a slice flag, or is Set element by element on any
// other repeatable flag.
func ApplyToFlags(fs *pflag.FlagSet, cfg map[string]any) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		val, ok := cfg[f.Name]
		if !ok {
			// Try underscore variant: log-level → log_level
			val, ok = cfg[strings.ReplaceAll(f.Name, "-", "_")]
		}
		if !ok {
			return
		}
		if err := apply(f, val); err != nil {
			errs = append(errs, fmt.Errorf("config key %q: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

func apply(f *pflag.Flag, val any) error {
	list, ok := val.([]any)
	if !ok {
		return f.Value.Set(scalar(val))
	}
	items := make([]string, len(list))
	for i, v := range list {
		items[i] = scalar(v)
	}
	if sv, ok := f.Value.(pflag.SliceValue); ok {
		return sv.Replace(items)
	}
	for _, item := range items {
		if err := f.Value.Set(item); err != nil {
			return err
		}
	}
	return nil
}

func scalar(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}
