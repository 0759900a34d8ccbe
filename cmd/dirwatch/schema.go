package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"dirwatch/internal/cli"
	"dirwatch/internal/config"
	"dirwatch/internal/schema"
	"dirwatch/internal/watcher"
)

// runSchema prints a registered JSON schema, the wire event by default.
func runSchema(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("dirwatch schema", flag.ContinueOnError)
	fs.SetOutput(errOut)
	list := fs.Bool("list", false, "List schema names")
	helpVersion := cli.AddHelpVersionFlags(fs, "Show this help message", "")
	fs.Usage = func() {
		printSchemaHelp(fs.Output())
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if helpVersion.Help {
		fs.Usage()
		return exitOK
	}
	if *list {
		for _, name := range schema.Names() {
			fmt.Fprintln(out, name)
		}
		return exitOK
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return exitUsage
	}

	name := watcher.SchemaWireEvent
	if fs.NArg() == 1 {
		name = fs.Arg(0)
	}
	resolved, err := schema.Resolve(name)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return exitUsage
	}
	payload, err := json.MarshalIndent(resolved, "", "  ")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return exitRuntime
	}
	fmt.Fprintln(out, string(payload))
	return exitOK
}

func printSchemaHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: dirwatch schema [--list] [name]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Print a JSON schema. Defaults to "+watcher.SchemaWireEvent+".")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	cli.WriteOption(out, "--list", "List schema names")
	cli.WriteOption(out, "--help", "Show this help message")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Schemas:")
	for _, name := range []string{watcher.SchemaWireEvent, watcher.SchemaWatchTarget, config.SchemaSettingsFile} {
		fmt.Fprintln(out, "  "+name)
	}
}
