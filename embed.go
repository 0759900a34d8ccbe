package dirwatch

import "embed"

// EmbeddedConfigFS holds the built-in settings defaults.
//
//go:embed config
var EmbeddedConfigFS embed.FS

// DefaultConfigPath is the location of the defaults inside EmbeddedConfigFS.
const DefaultConfigPath = "config/dirwatch.toml"
