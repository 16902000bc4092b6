package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"meshledger/internal/identity"
)

// EnvLoader provides type-safe environment variable loading with validation.
// Values from a YAML file fill in keys the environment leaves unset.
type EnvLoader struct {
	prefix string
	vars   map[string]string
}

// NewEnvLoader creates a new environment variable loader with the given prefix
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix: prefix,
		vars:   make(map[string]string),
	}
}

// LoadAll loads all environment variables with the configured prefix
func (e *EnvLoader) LoadAll() {
	for _, env := range os.Environ() {
		if key, val, ok := strings.Cut(env, "="); ok && strings.HasPrefix(key, e.prefix) {
			e.vars[key] = val
		}
	}
}

// LoadFile reads a YAML file of settings. Nested maps are flattened with
// underscores and keys upper-cased, so
//
//	raft:
//	  node_id: a
//
// supplies RAFT_NODE_ID. Lists become comma-separated values.
func (e *EnvLoader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	for key, val := range flatten("", doc) {
		fullKey := e.prefix + key
		if _, set := e.vars[fullKey]; !set {
			e.vars[fullKey] = val
		}
	}
	return nil
}

func flatten(prefix string, doc map[string]any) map[string]string {
	out := make(map[string]string)
	for k, v := range doc {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch val := v.(type) {
		case map[string]any:
			for nk, nv := range flatten(key, val) {
				out[nk] = nv
			}
		case []any:
			items := make([]string, 0, len(val))
			for _, item := range val {
				items = append(items, fmt.Sprint(item))
			}
			out[key] = strings.Join(items, ",")
		case nil:
		default:
			out[key] = fmt.Sprint(val)
		}
	}
	return out
}

// GetString returns a string value from environment variables
func (e *EnvLoader) GetString(key string, defaultValue string) string {
	fullKey := e.prefix + key
	if val, ok := e.vars[fullKey]; ok {
		return val
	}
	return defaultValue
}

// GetStringSlice splits a comma-separated value, dropping empty items
func (e *EnvLoader) GetStringSlice(key string) []string {
	var out []string
	for _, item := range strings.Split(e.GetString(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// GetInt returns an integer value from environment variables
func (e *EnvLoader) GetInt(key string, defaultValue int) (int, error) {
	if val := e.GetString(key, ""); val != "" {
		return strconv.Atoi(val)
	}
	return defaultValue, nil
}

// GetUint16 returns a uint16 value from environment variables
func (e *EnvLoader) GetUint16(key string, defaultValue uint16) (uint16, error) {
	if val := e.GetString(key, ""); val != "" {
		n, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid uint16 value for %s: %w", key, err)
		}
		return uint16(n), nil
	}
	return defaultValue, nil
}

// GetBool returns a boolean value from environment variables
func (e *EnvLoader) GetBool(key string, defaultValue bool) bool {
	if val := e.GetString(key, ""); val != "" {
		return strings.ToLower(val) == "true" || val == "1"
	}
	return defaultValue
}

// GetDuration returns a duration value from environment variables
func (e *EnvLoader) GetDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if val := e.GetString(key, ""); val != "" {
		return time.ParseDuration(val)
	}
	return defaultValue, nil
}

// GetFloat64 returns a float64 value from environment variables
func (e *EnvLoader) GetFloat64(key string, defaultValue float64) (float64, error) {
	if val := e.GetString(key, ""); val != "" {
		return strconv.ParseFloat(val, 64)
	}
	return defaultValue, nil
}

// Required ensures that a required environment variable is set
func (e *EnvLoader) Required(key string) (string, error) {
	fullKey := e.prefix + key
	if val, ok := e.vars[fullKey]; ok && val != "" {
		return val, nil
	}
	return "", fmt.Errorf("required environment variable %s not set", fullKey)
}

// ValidateSS58Address checks that val decodes as an SS58 address of the
// given network
func ValidateSS58Address(val string, prefix uint16) error {
	got, _, err := identity.DecodeAddress(val)
	if err != nil {
		return err
	}
	if uint16(got) != prefix {
		return fmt.Errorf("%w: network prefix %d, expected %d", identity.ErrInvalidAddress, got, prefix)
	}
	return nil
}
