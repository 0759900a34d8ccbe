package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"dirwatch"
	"dirwatch/internal/cli"
	"dirwatch/internal/config"
)

type Config struct {
	Settings    config.Settings
	Dirs        []string
	ConfigPath  string
	ShowVersion bool
}

// flagKeys maps command-line flags to settings keys. Only flags given on the
// command line override lower layers.
var flagKeys = map[string]string{
	"backend":          "watch.backend",
	"debounce":         "watch.debounce",
	"poll-interval":    "watch.poll-interval",
	"ignore":           "watch.ignore",
	"cancel-transient": "watch.cancel-transient",
	"format":           "output.format",
	"color":            "output.color",
	"tick":             "output.tick",
	"listen":           "server.listen",
	"token":            "server.token",
	"log-level":        "log.level",
}

func parseArgs(args []string, errOut io.Writer, lookupEnv func(string) (string, bool)) (Config, error) {
	fs := flag.NewFlagSet("dirwatch", flag.ContinueOnError)
	fs.SetOutput(errOut)

	configPath := fs.String("config", "", "Settings file (TOML or YAML)")
	var sets config.OverrideList
	fs.Var(&sets, "set", "Override a setting (key=value, repeatable)")
	var ignore cli.StringList
	fs.Var(&ignore, "ignore", "Ignore pattern (repeatable)")
	values := map[string]*string{
		"backend":       fs.String("backend", "", "Event source: auto, native or poll"),
		"debounce":      fs.String("debounce", "", "Settling window"),
		"poll-interval": fs.String("poll-interval", "", "Polling interval"),
		"format":        fs.String("format", "", "Output format: json or text"),
		"color":         fs.String("color", "", "Color: auto, always or never"),
		"tick":          fs.String("tick", "", "ProcessEvents interval, 0 for push delivery"),
		"listen":        fs.String("listen", "", "HTTP API address"),
		"token":         fs.String("token", "", "HTTP API bearer token"),
		"log-level":     fs.String("log-level", "", "Log level"),
	}
	nonRecursive := fs.Bool("non-recursive", false, "Watch only the top level of each directory")
	cancelTransient := fs.Bool("cancel-transient", false, "Drop entries created and deleted within one batch")
	helpVersion := cli.AddHelpVersionFlags(fs, "Show this help message", "Print version and exit")
	fs.Usage = func() {
		printHelp(fs.Output())
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if helpVersion.Help {
		fs.Usage()
		return Config{}, flag.ErrHelp
	}
	if helpVersion.Version {
		return Config{ShowVersion: true}, nil
	}

	fileOverrides, err := config.ParseOverrides(sets)
	if err != nil {
		return Config{}, err
	}

	visited := cli.Visited(fs)
	flagOverrides := make(map[string]any)
	for name, key := range flagKeys {
		if !visited[name] {
			continue
		}
		switch name {
		case "ignore":
			flagOverrides[key] = []string(ignore)
		case "cancel-transient":
			flagOverrides[key] = *cancelTransient
		default:
			flagOverrides[key] = strings.TrimSpace(*values[name])
		}
	}
	if visited["non-recursive"] {
		flagOverrides["watch.recursive"] = !*nonRecursive
	}

	defaults, err := dirwatch.EmbeddedConfigFS.ReadFile(dirwatch.DefaultConfigPath)
	if err != nil {
		return Config{}, fmt.Errorf("read defaults: %w", err)
	}
	overrides := config.Merge(config.EnvOverrides(lookupEnv), fileOverrides, flagOverrides)
	settings, err := config.LoadSettings(*configPath, defaults, overrides)
	if err != nil {
		return Config{}, err
	}
	if err := config.Validate(settings); err != nil {
		return Config{}, err
	}

	dirs := make([]string, 0, fs.NArg())
	for _, arg := range fs.Args() {
		if trimmed := strings.TrimSpace(arg); trimmed != "" {
			dirs = append(dirs, trimmed)
		}
	}
	if len(dirs) == 0 && settings.Server.Listen == "" {
		fs.Usage()
		return Config{}, fmt.Errorf("at least one directory required")
	}

	return Config{
		Settings:   settings,
		Dirs:       dirs,
		ConfigPath: *configPath,
	}, nil
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: dirwatch [options] <dir>...")
	fmt.Fprintln(out, "       dirwatch schema [--list] [name]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Watch directories and print coalesced create, update and delete events")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	cli.WriteOption(out, "--config FILE", "Settings file, TOML or YAML")
	cli.WriteOption(out, "--set KEY=VALUE", "Override a setting (repeatable)")
	cli.WriteOption(out, "--backend NAME", "auto, native or poll (env: DIRWATCH_BACKEND)")
	cli.WriteOption(out, "--debounce DURATION", "Settling window (env: DIRWATCH_DEBOUNCE)")
	cli.WriteOption(out, "--poll-interval DURATION", "Polling interval (env: DIRWATCH_POLL_INTERVAL)")
	cli.WriteOption(out, "--ignore PATTERN", "Ignore pattern, repeatable (env: DIRWATCH_IGNORE)")
	cli.WriteOption(out, "--non-recursive", "Watch only the top level of each directory")
	cli.WriteOption(out, "--cancel-transient", "Drop entries created and deleted in one batch")
	cli.WriteOption(out, "--format FORMAT", "json or text (env: DIRWATCH_FORMAT)")
	cli.WriteOption(out, "--color WHEN", "auto, always or never (env: DIRWATCH_COLOR)")
	cli.WriteOption(out, "--tick DURATION", "Delivery interval, 0 delivers as events settle")
	cli.WriteOption(out, "--listen ADDR", "Serve the HTTP API (env: DIRWATCH_LISTEN)")
	cli.WriteOption(out, "--token TOKEN", "Bearer token for the HTTP API (env: DIRWATCH_TOKEN)")
	cli.WriteOption(out, "--log-level LEVEL", "debug, info, warning or error (env: DIRWATCH_LOG_LEVEL)")
	cli.WriteOption(out, "--help", "Show this help message")
	cli.WriteOption(out, "--version", "Print version and exit")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Examples:")
	fmt.Fprintln(out, "  dirwatch --ignore '**/.git' --format text ./src")
	fmt.Fprintln(out, "  dirwatch --backend poll --poll-interval 2s /mnt/share")
	fmt.Fprintln(out, "  dirwatch --listen 127.0.0.1:7070 --token secret ./data")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Exit codes:")
	fmt.Fprintln(out, "  0  Success")
	fmt.Fprintln(out, "  1  Usage error")
	fmt.Fprintln(out, "  2  Setup failed")
	fmt.Fprintln(out, "  3  Runtime error")
}
