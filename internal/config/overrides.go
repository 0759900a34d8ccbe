package config

import (
	"fmt"
	"strconv"
	"strings"

	"dirwatch/internal/config/keys"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DIRWATCH_"

// envKeys maps environment variables to settings keys.
var envKeys = map[string]string{
	EnvPrefix + "BACKEND":       "watch.backend",
	EnvPrefix + "DEBOUNCE":      "watch.debounce",
	EnvPrefix + "POLL_INTERVAL": "watch.poll-interval",
	EnvPrefix + "IGNORE":        "watch.ignore",
	EnvPrefix + "LISTEN":        "server.listen",
	EnvPrefix + "TOKEN":         "server.token",
	EnvPrefix + "LOG_LEVEL":     "log.level",
	EnvPrefix + "FORMAT":        "output.format",
	EnvPrefix + "COLOR":         "output.color",
}

// EnvOverrides collects settings from DIRWATCH_* variables. Empty values are
// skipped.
func EnvOverrides(lookup func(string) (string, bool)) map[string]any {
	if lookup == nil {
		return nil
	}
	overrides := make(map[string]any)
	for name, key := range envKeys {
		value, ok := lookup(name)
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		overrides[key] = value
	}
	return overrides
}

// OverrideList collects repeated key=value flags.
type OverrideList []string

func (o *OverrideList) String() string {
	if o == nil {
		return ""
	}
	return strings.Join(*o, ",")
}

func (o *OverrideList) Set(value string) error {
	*o = append(*o, value)
	return nil
}

// ParseOverrides turns key=value entries into a settings override map.
func ParseOverrides(entries []string) (map[string]any, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	overrides := make(map[string]any)
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			return nil, fmt.Errorf("config override cannot be empty")
		}
		parts := strings.SplitN(trimmed, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("config override must be key=value: %q", entry)
		}
		normalizedKey := keys.NormalizeKey(parts[0])
		if normalizedKey == "" {
			return nil, fmt.Errorf("config override key cannot be empty")
		}
		overrides[normalizedKey] = parseOverrideValue(strings.TrimSpace(parts[1]))
	}
	return overrides, nil
}

func parseOverrideValue(value string) any {
	if strings.EqualFold(value, "true") {
		return true
	}
	if strings.EqualFold(value, "false") {
		return false
	}
	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
		return parsed
	}
	return value
}

// Merge combines override maps; later maps win.
func Merge(layers ...map[string]any) map[string]any {
	merged := make(map[string]any)
	for _, layer := range layers {
		for key, value := range layer {
			if normalized := keys.NormalizeKey(key); normalized != "" {
				merged[normalized] = value
			}
		}
	}
	return merged
}
