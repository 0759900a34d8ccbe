package config

import (
	"errors"
	"fmt"
	"net"

	"github.com/bmatcuk/doublestar/v4"

	"dirwatch/internal/logging"
	"dirwatch/internal/watcher"
)

// Validate reports every invalid setting at once.
func Validate(settings Settings) error {
	var errs []error

	if _, err := watcher.ParseBackend(settings.Watch.Backend); err != nil {
		errs = append(errs, fmt.Errorf("watch.backend: %w", err))
	}
	for _, check := range []struct {
		key   string
		value int64
	}{
		{"watch.debounce", int64(settings.Watch.Debounce)},
		{"watch.max-settling-delay", int64(settings.Watch.MaxSettlingDelay)},
		{"watch.poll-interval", int64(settings.Watch.PollInterval)},
		{"watch.queue-limit", int64(settings.Watch.QueueLimit)},
		{"output.tick", int64(settings.Output.Tick)},
	} {
		if check.value < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", check.key))
		}
	}
	for _, pattern := range settings.Watch.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			errs = append(errs, fmt.Errorf("watch.ignore: invalid pattern %q", pattern))
		}
	}

	switch settings.Output.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("output.format: expected json or text, got %q", settings.Output.Format))
	}
	switch settings.Output.Color {
	case "auto", "always", "never":
	default:
		errs = append(errs, fmt.Errorf("output.color: expected auto, always or never, got %q", settings.Output.Color))
	}

	if settings.Server.Listen != "" {
		if _, _, err := net.SplitHostPort(settings.Server.Listen); err != nil {
			errs = append(errs, fmt.Errorf("server.listen: %w", err))
		}
	}
	if _, ok := logging.ParseLevel(settings.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", settings.Log.Level))
	}
	return errors.Join(errs...)
}
