// Package config resolves daemon settings with the precedence
// CLI flag > GLOWGRAB_ environment variable > TOML file > default,
// and hot-reloads the runtime-tunable subset while the daemon runs.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/smazurov/glowgrab/internal/logging"
)

// Load applies TOML and environment values onto an options struct by
// reflection over its `toml` and `env` tags. Fields whose CLI flag was
// explicitly set are left alone, which gives flags the last word. The
// struct's Config field names the TOML file; a missing file is fine, a
// malformed one is an error.
func Load(opts any, cmd *cobra.Command) error {
	v := reflect.ValueOf(opts).Elem()
	t := v.Type()

	changed := flagsChanged(cmd)

	var path string
	for i := 0; i < v.NumField(); i++ {
		if t.Field(i).Name == "Config" {
			path = v.Field(i).String()
			break
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			var file map[string]any
			if err := toml.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			for i := 0; i < v.NumField(); i++ {
				field := t.Field(i)
				if changed[flagName(field.Name)] {
					continue
				}
				key := field.Tag.Get("toml")
				if key == "" {
					continue
				}
				if value := lookupTOML(file, key); value != nil {
					setFromTOML(v.Field(i), value)
				}
			}
		}
	}

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		if changed[flagName(field.Name)] {
			continue
		}
		key := field.Tag.Get("env")
		if key == "" {
			continue
		}
		if value := os.Getenv("GLOWGRAB_" + key); value != "" {
			setFromString(v.Field(i), value)
		}
	}

	return nil
}

// flagsChanged collects the flag names the user set on the command line.
func flagsChanged(cmd *cobra.Command) map[string]bool {
	changed := make(map[string]bool)
	if cmd == nil {
		return changed
	}
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			changed[f.Name] = true
		}
	})
	return changed
}

// flagName maps a struct field name to its kebab-case CLI flag name
// the same way humacli derives it, keeping acronym runs together:
// "MaxRetries" -> "max-retries", "FPS" -> "fps", "DiagLog" -> "diag-log".
func flagName(field string) string {
	runes := []rune(field)
	var out []rune
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
			acronymEnd := unicode.IsUpper(runes[i-1]) && i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || acronymEnd {
				out = append(out, '-')
			}
		}
		out = append(out, unicode.ToLower(r))
	}
	return string(out)
}

// lookupTOML resolves a dotted key through nested TOML tables.
func lookupTOML(data map[string]any, key string) any {
	parts := strings.Split(key, ".")
	current := data
	for i, part := range parts {
		if i == len(parts)-1 {
			return current[part]
		}
		next, ok := current[part].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return nil
}

func setFromTOML(field reflect.Value, value any) {
	if !field.CanSet() {
		return
	}
	switch field.Kind() {
	case reflect.String:
		if s, ok := value.(string); ok {
			field.SetString(s)
		}
	case reflect.Bool:
		if b, ok := value.(bool); ok {
			field.SetBool(b)
		}
	case reflect.Int:
		switch n := value.(type) {
		case int64:
			field.SetInt(n)
		case int:
			field.SetInt(int64(n))
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return
		}
		arr, ok := value.([]any)
		if !ok {
			return
		}
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		field.Set(reflect.ValueOf(out))
	}
}

// setFromString applies an environment value. Values that do not parse
// for the field's type are skipped rather than failing startup.
func setFromString(field reflect.Value, value string) {
	if !field.CanSet() {
		return
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		if b, err := strconv.ParseBool(value); err == nil {
			field.SetBool(b)
		}
	case reflect.Int:
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			field.SetInt(n)
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return
		}
		parts := strings.Split(value, ",")
		out := make([]string, len(parts))
		for i, part := range parts {
			out[i] = strings.TrimSpace(part)
		}
		field.Set(reflect.ValueOf(out))
	}
}

// LoadLogging reads the [logging] table: level and format plus
// per-module level overrides under their own keys. Defaults come back
// when the file is absent or unparseable so logging always starts.
func LoadLogging(path string) logging.Config {
	cfg := logging.Config{
		Level:   "info",
		Format:  "text",
		Modules: make(map[string]string),
	}
	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	var raw struct {
		Logging map[string]any `toml:"logging"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return cfg
	}

	for key, value := range raw.Logging {
		if key == "modules" {
			moduleLevels(value, cfg.Modules)
			continue
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		switch key {
		case "level":
			cfg.Level = s
		case "format":
			cfg.Format = s
		default:
			cfg.Modules[key] = s
		}
	}
	return cfg
}

// moduleLevels decodes the modules key, accepting both the nested
// [logging.modules] table and the flat "capture=debug,sink=warn"
// string the CLI flag uses.
func moduleLevels(value any, into map[string]string) {
	switch v := value.(type) {
	case string:
		for _, pair := range strings.Split(v, ",") {
			if module, level, ok := strings.Cut(strings.TrimSpace(pair), "="); ok {
				into[strings.TrimSpace(module)] = strings.TrimSpace(level)
			}
		}
	case map[string]any:
		for module, raw := range v {
			if level, ok := raw.(string); ok {
				into[module] = level
			}
		}
	}
}
