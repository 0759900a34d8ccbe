package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"dirwatch/internal/watcher"
)

// printer writes delivered events to out as JSON lines or colored text.
type printer struct {
	mutex   sync.Mutex
	out     io.Writer
	encoder *json.Encoder
	text    bool
	colors  map[watcher.Kind]*color.Color
}

func newPrinter(out io.Writer, format, colorMode string) *printer {
	enabled := useColor(out, colorMode)
	colors := map[watcher.Kind]*color.Color{
		watcher.Create: color.New(color.FgGreen),
		watcher.Update: color.New(color.FgYellow),
		watcher.Delete: color.New(color.FgRed),
	}
	for _, c := range colors {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return &printer{
		out:     out,
		encoder: json.NewEncoder(out),
		text:    format == "text",
		colors:  colors,
	}
}

func useColor(out io.Writer, mode string) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	file, ok := out.(*os.File)
	if !ok {
		return false
	}
	if _, set := os.LookupEnv("NO_COLOR"); set {
		return false
	}
	return isatty.IsTerminal(file.Fd()) || isatty.IsCygwinTerminal(file.Fd())
}

func (printer *printer) Invoke(event watcher.SemanticEvent) error {
	printer.mutex.Lock()
	defer printer.mutex.Unlock()

	if !printer.text {
		return printer.encoder.Encode(event.Wire())
	}
	label := fmt.Sprintf("%-6s", event.Kind.String())
	if c, ok := printer.colors[event.Kind]; ok {
		label = c.Sprint(label)
	}
	_, err := fmt.Fprintf(printer.out, "%s %s\n", label, event.Path)
	return err
}
