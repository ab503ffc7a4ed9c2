package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
)

// EnvPrefix is the prefix of every configuration environment
// variable. BRIDGE_CONFIG_PATH names the config file; any other
// BRIDGE_<SECTION>_<KEY> overrides one scalar value.
const EnvPrefix = "BRIDGE_"

// EnvConfigPath names the config file via the environment.
const EnvConfigPath = "BRIDGE_CONFIG_PATH"

// sections maps env section spellings to the JSON section keys.
// CLIENT_SERVER and CLIENTSERVER are both accepted.
var sections = map[string]string{
	"COMPANION":     "companion",
	"CLIENT_SERVER": "clientServer",
	"CLIENTSERVER":  "clientServer",
	"OBSERVABILITY": "observability",
	"LOGGING":       "logging",
}

// Load reads the config file at path (JSON by default, YAML for
// .yaml/.yml), overlays it onto the defaults, then applies
// environment overrides. An empty path yields defaults plus
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "config", "Load", "read config file")
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrap(err, "config", "Load", "parse YAML")
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrap(err, "config", "Load", "parse JSON")
			}
		}
	}

	if err := applyEnv(cfg, os.Environ()); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overlays BRIDGE_<SECTION>_<KEY> variables onto the config.
// Keys map snake case to camel case (RATE_LIMIT_WINDOW_MS becomes
// rateLimitWindowMs); values parse as bool, number or comma list
// before falling back to string.
func applyEnv(cfg *Config, environ []string) error {
	// Work on a generic map so one code path serves every section.
	raw, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "config", "applyEnv", "marshal config")
	}
	var tree map[string]map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return errors.Wrap(err, "config", "applyEnv", "rebuild config tree")
	}

	touched := false
	for _, kv := range environ {
		name, value, found := strings.Cut(kv, "=")
		if !found || !strings.HasPrefix(name, EnvPrefix) || name == EnvConfigPath {
			continue
		}
		rest := strings.TrimPrefix(name, EnvPrefix)

		sectionEnv, jsonSection, key := matchSection(rest)
		if sectionEnv == "" {
			continue
		}
		section, ok := tree[jsonSection]
		if !ok {
			continue
		}

		camel := snakeToCamel(key)
		if _, known := section[camel]; !known {
			return errors.Newf(errors.CodeInternal,
				"unknown config key %s (from %s)", camel, name)
		}
		section[camel] = parseScalar(value)
		touched = true
	}

	if !touched {
		return nil
	}

	merged, err := json.Marshal(tree)
	if err != nil {
		return errors.Wrap(err, "config", "applyEnv", "marshal overrides")
	}
	if err := json.Unmarshal(merged, cfg); err != nil {
		return errors.Wrap(err, "config", "applyEnv", "apply overrides")
	}
	return nil
}

// matchSection finds the longest section spelling prefixing rest and
// returns it with the remaining key.
func matchSection(rest string) (envName, jsonName, key string) {
	for env, jsonKey := range sections {
		prefix := env + "_"
		if strings.HasPrefix(rest, prefix) && len(rest) > len(prefix) {
			if len(env) > len(envName) {
				envName, jsonName, key = env, jsonKey, rest[len(prefix):]
			}
		}
	}
	return envName, jsonName, key
}

// snakeToCamel maps RATE_LIMIT to rateLimit.
func snakeToCamel(s string) string {
	parts := strings.Split(strings.ToLower(s), "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
	}
	return strings.Join(parts, "")
}

// parseScalar interprets an override value: true/false, numbers and
// comma lists are typed, anything else stays a string.
func parseScalar(value string) any {
	switch value {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if strings.Contains(value, ",") {
		parts := strings.Split(value, ",")
		list := make([]any, 0, len(parts))
		for _, p := range parts {
			list = append(list, strings.TrimSpace(p))
		}
		return list
	}
	return value
}

// PathFromEnv returns the config path named by BRIDGE_CONFIG_PATH.
func PathFromEnv() string {
	return os.Getenv(EnvConfigPath)
}

// Describe renders the effective configuration for --validate output.
func Describe(cfg *Config) string {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Sprintf("unprintable config: %v", err)
	}
	return string(data)
}
