package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"dirwatch/internal/config/keys"
)

type Settings struct {
	Watch  WatchSettings
	Output OutputSettings
	Server ServerSettings
	Log    LogSettings
}

type WatchSettings struct {
	Backend          string
	Debounce         time.Duration
	MaxSettlingDelay time.Duration
	MaxPendingEvents int
	PollInterval     time.Duration
	MaxWatches       int
	Recursive        bool
	Ignore           []string
	CancelTransient  bool
	QueueLimit       int
}

type OutputSettings struct {
	Format string
	Color  string
	// Tick is the ProcessEvents interval. Zero switches to push delivery.
	Tick time.Duration
}

type ServerSettings struct {
	Listen      string
	Token       string
	HistorySize int
}

type LogSettings struct {
	Level string
}

// LoadSettings layers defaults, the optional file at path and overrides, in
// that order. Override keys are normalized the same way file keys are.
func LoadSettings(path string, defaultsPayload []byte, overrides map[string]any) (Settings, error) {
	defaultsStore, err := keys.Decode(defaultsPayload, keys.FormatTOML)
	if err != nil {
		return Settings{}, fmt.Errorf("defaults: %w", err)
	}
	defaults := defaultsStore.Flat()
	values := defaultsStore.Flat()

	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
		raw, err := keys.DecodeMap(payload, keys.FormatForPath(path))
		if err != nil {
			return Settings{}, fmt.Errorf("%s: %w", path, err)
		}
		if err := validateFile(raw); err != nil {
			return Settings{}, fmt.Errorf("%s: %w", path, err)
		}
		for key, value := range keys.FromRaw(raw).Flat() {
			values[key] = value
		}
	}

	for key, value := range overrides {
		normalized := keys.NormalizeKey(key)
		if normalized == "" {
			continue
		}
		values[normalized] = value
	}

	var errs []error
	settings := Settings{}

	settings.Watch.Backend = stringSetting(values, "watch.backend", "auto")
	settings.Watch.Debounce = durationSetting(values, "watch.debounce", 0, &errs)
	settings.Watch.MaxSettlingDelay = durationSetting(values, "watch.max-settling-delay", 0, &errs)
	settings.Watch.MaxPendingEvents = int(intSetting(values, "watch.max-pending-events", 0))
	settings.Watch.PollInterval = durationSetting(values, "watch.poll-interval", 0, &errs)
	settings.Watch.MaxWatches = int(intSetting(values, "watch.max-watches", 0))
	settings.Watch.Recursive = boolSetting(values, "watch.recursive", boolSetting(defaults, "watch.recursive", true))
	settings.Watch.Ignore = stringListSetting(values, "watch.ignore")
	settings.Watch.CancelTransient = boolSetting(values, "watch.cancel-transient", false)
	settings.Watch.QueueLimit = int(intSetting(values, "watch.queue-limit", 0))

	settings.Output.Format = strings.ToLower(stringSetting(values, "output.format", ""))
	settings.Output.Color = strings.ToLower(stringSetting(values, "output.color", ""))
	settings.Output.Tick = durationSetting(values, "output.tick", 0, &errs)

	settings.Server.Listen = stringSetting(values, "server.listen", "")
	settings.Server.Token = stringSetting(values, "server.token", "")
	settings.Server.HistorySize = int(intSetting(values, "server.history-size", 0))

	settings.Log.Level = strings.ToLower(stringSetting(values, "log.level", ""))

	if err := errors.Join(errs...); err != nil {
		return Settings{}, err
	}
	return normalizeSettings(settings, defaults), nil
}

func normalizeSettings(settings Settings, defaults map[string]any) Settings {
	if settings.Watch.Backend == "" {
		settings.Watch.Backend = stringSetting(defaults, "watch.backend", "auto")
	}
	if settings.Watch.MaxPendingEvents <= 0 {
		settings.Watch.MaxPendingEvents = int(intSetting(defaults, "watch.max-pending-events", 0))
	}
	if settings.Watch.MaxWatches <= 0 {
		settings.Watch.MaxWatches = int(intSetting(defaults, "watch.max-watches", 0))
	}
	if settings.Output.Format == "" {
		settings.Output.Format = stringSetting(defaults, "output.format", "json")
	}
	if settings.Output.Color == "" {
		settings.Output.Color = stringSetting(defaults, "output.color", "auto")
	}
	if settings.Server.HistorySize <= 0 {
		settings.Server.HistorySize = int(intSetting(defaults, "server.history-size", 0))
	}
	if settings.Log.Level == "" {
		settings.Log.Level = stringSetting(defaults, "log.level", "warning")
	}
	return settings
}

func intSetting(values map[string]any, key string, fallback int64) int64 {
	value, ok := values[keys.NormalizeKey(key)]
	if !ok {
		return fallback
	}
	if parsed, ok := keys.AsInt64(value); ok {
		return parsed
	}
	return fallback
}

func stringSetting(values map[string]any, key string, fallback string) string {
	value, ok := values[keys.NormalizeKey(key)]
	if !ok {
		return fallback
	}
	if parsed, ok := value.(string); ok {
		return strings.TrimSpace(parsed)
	}
	return fallback
}

func boolSetting(values map[string]any, key string, fallback bool) bool {
	value, ok := values[keys.NormalizeKey(key)]
	if !ok {
		return fallback
	}
	if parsed, ok := value.(bool); ok {
		return parsed
	}
	return fallback
}

// durationSetting accepts Go duration strings or integer milliseconds. An
// empty string selects the fallback.
func durationSetting(values map[string]any, key string, fallback time.Duration, errs *[]error) time.Duration {
	value, ok := values[keys.NormalizeKey(key)]
	if !ok {
		return fallback
	}
	if millis, ok := keys.AsInt64(value); ok {
		return time.Duration(millis) * time.Millisecond
	}
	text, ok := value.(string)
	if !ok {
		*errs = append(*errs, fmt.Errorf("%s: expected duration, got %T", key, value))
		return fallback
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return parsed
}

// stringListSetting accepts a list or a comma-separated string.
func stringListSetting(values map[string]any, key string) []string {
	value, ok := values[keys.NormalizeKey(key)]
	if !ok {
		return nil
	}
	var items []string
	switch typed := value.(type) {
	case string:
		items = strings.Split(typed, ",")
	case []string:
		items = typed
	case []any:
		for _, item := range typed {
			if text, ok := item.(string); ok {
				items = append(items, text)
			}
		}
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
