package cli

import (
	"flag"
	"io"
	"testing"
)

func TestHelpFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flags := AddHelpVersionFlags(fs, "", "")

	if err := fs.Parse([]string{"-h"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !flags.Help {
		t.Fatalf("expected help flag set")
	}
}

func TestVersionFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flags := AddHelpVersionFlags(fs, "", "")

	if err := fs.Parse([]string{"--version"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !flags.Version {
		t.Fatalf("expected version flag set")
	}
}

func TestStringListRepeatsAndSplits(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var patterns StringList
	fs.Var(&patterns, "ignore", "")

	if err := fs.Parse([]string{"--ignore", ".git", "--ignore", "*.tmp, build/ ,"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	expected := []string{".git", "*.tmp", "build/"}
	if len(patterns) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, patterns)
	}
	for i := range expected {
		if patterns[i] != expected[i] {
			t.Fatalf("expected %v, got %v", expected, patterns)
		}
	}
	if patterns.String() != ".git,*.tmp,build/" {
		t.Fatalf("unexpected string form %q", patterns.String())
	}
}

func TestVisited(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.String("backend", "auto", "")
	fs.String("format", "json", "")

	if err := fs.Parse([]string{"--backend", "poll"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	visited := Visited(fs)
	if !visited["backend"] || visited["format"] {
		t.Fatalf("unexpected visited set %v", visited)
	}
}
