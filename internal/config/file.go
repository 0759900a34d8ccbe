package config

import (
	"fmt"

	"github.com/invopop/jsonschema"

	"dirwatch/internal/config/keys"
	"dirwatch/internal/schema"
)

const SchemaSettingsFile = "settings-file"

// File documents the accepted settings file layout. Files are decoded into
// flattened keys; this type only drives the published schema and validation.
type File struct {
	Watch  *WatchFile  `json:"watch,omitempty"`
	Output *OutputFile `json:"output,omitempty"`
	Server *ServerFile `json:"server,omitempty"`
	Log    *LogFile    `json:"log,omitempty"`
}

type WatchFile struct {
	Backend          string   `json:"backend,omitempty" jsonschema:"enum=auto,enum=native,enum=poll"`
	Debounce         Duration `json:"debounce,omitempty"`
	MaxSettlingDelay Duration `json:"max-settling-delay,omitempty"`
	MaxPendingEvents int      `json:"max-pending-events,omitempty" jsonschema:"minimum=0"`
	PollInterval     Duration `json:"poll-interval,omitempty"`
	MaxWatches       int      `json:"max-watches,omitempty" jsonschema:"minimum=0"`
	Recursive        bool     `json:"recursive,omitempty"`
	Ignore           []string `json:"ignore,omitempty" jsonschema:"description=Doublestar patterns relative to each watch root"`
	CancelTransient  bool     `json:"cancel-transient,omitempty"`
	QueueLimit       int      `json:"queue-limit,omitempty" jsonschema:"minimum=0"`
}

type OutputFile struct {
	Format string   `json:"format,omitempty" jsonschema:"enum=json,enum=text"`
	Color  string   `json:"color,omitempty" jsonschema:"enum=auto,enum=always,enum=never"`
	Tick   Duration `json:"tick,omitempty"`
}

type ServerFile struct {
	Listen      string `json:"listen,omitempty"`
	Token       string `json:"token,omitempty" jsonschema:"description=Bearer token required by the HTTP API"`
	HistorySize int    `json:"history-size,omitempty" jsonschema:"minimum=0"`
}

type LogFile struct {
	Level string `json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warning,enum=warn,enum=error"`
}

// Duration is a Go duration string or a whole number of milliseconds.
type Duration string

func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		AnyOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "integer"},
		},
		Description: "Go duration string such as 250ms, or integer milliseconds",
	}
}

func init() {
	_ = schema.Register(SchemaSettingsFile, func() *jsonschema.Schema {
		return schema.Generate(File{})
	})
}

// validateFile checks a decoded settings document against the published
// schema after normalizing key spelling.
func validateFile(raw map[string]any) error {
	s, err := schema.Resolve(SchemaSettingsFile)
	if err != nil {
		return err
	}
	if err := schema.ValidateObject(s, normalizeTree(raw)); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

func normalizeTree(raw map[string]any) map[string]any {
	normalized := make(map[string]any, len(raw))
	for key, value := range raw {
		if nested, ok := value.(map[string]any); ok {
			value = normalizeTree(nested)
		}
		normalized[keys.NormalizeKey(key)] = value
	}
	return normalized
}
