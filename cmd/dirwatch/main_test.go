package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dirwatch/internal/watcher"
)

func noEnv(string) (string, bool) {
	return "", false
}

func envMap(values map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		value, ok := values[name]
		return value, ok
	}
}

// syncBuffer is a bytes.Buffer safe for the printer and the test to share.
type syncBuffer struct {
	mutex  sync.Mutex
	buffer bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buffer.Write(p)
}

func (b *syncBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buffer.String()
}

func TestParseArgsDefaults(t *testing.T) {
	var stderr bytes.Buffer
	cfg, err := parseArgs([]string{"./src"}, &stderr, noEnv)
	if err != nil {
		t.Fatalf("parse args: %v", err)
	}
	if len(cfg.Dirs) != 1 || cfg.Dirs[0] != "./src" {
		t.Fatalf("unexpected dirs %v", cfg.Dirs)
	}
	settings := cfg.Settings
	if settings.Watch.Backend != "auto" {
		t.Fatalf("expected auto backend, got %q", settings.Watch.Backend)
	}
	if !settings.Watch.Recursive {
		t.Fatalf("expected recursive default")
	}
	if settings.Output.Format != "json" {
		t.Fatalf("expected json format, got %q", settings.Output.Format)
	}
	if settings.Output.Tick != 100*time.Millisecond {
		t.Fatalf("expected 100ms tick, got %v", settings.Output.Tick)
	}
	if settings.Server.Listen != "" {
		t.Fatalf("expected no listener, got %q", settings.Server.Listen)
	}
}

func TestParseArgsFlagOverridesEnv(t *testing.T) {
	var stderr bytes.Buffer
	env := envMap(map[string]string{
		"DIRWATCH_FORMAT":  "text",
		"DIRWATCH_BACKEND": "poll",
		"DIRWATCH_TOKEN":   "from-env",
	})
	cfg, err := parseArgs([]string{"--format", "json", "--token", "from-flag", "dir"}, &stderr, env)
	if err != nil {
		t.Fatalf("parse args: %v", err)
	}
	if cfg.Settings.Output.Format != "json" {
		t.Fatalf("expected flag to win, got %q", cfg.Settings.Output.Format)
	}
	if cfg.Settings.Watch.Backend != "poll" {
		t.Fatalf("expected env backend, got %q", cfg.Settings.Watch.Backend)
	}
	if cfg.Settings.Server.Token != "from-flag" {
		t.Fatalf("expected flag token, got %q", cfg.Settings.Server.Token)
	}
}

func TestParseArgsWatchFlags(t *testing.T) {
	var stderr bytes.Buffer
	args := []string{
		"--non-recursive",
		"--cancel-transient",
		"--ignore", "**/.git",
		"--ignore", "*.tmp,*.swp",
		"--debounce", "25ms",
		"--tick", "0",
		"--set", "watch.queue-limit=10",
		"dir",
	}
	cfg, err := parseArgs(args, &stderr, noEnv)
	if err != nil {
		t.Fatalf("parse args: %v", err)
	}
	watch := cfg.Settings.Watch
	if watch.Recursive {
		t.Fatalf("expected non-recursive")
	}
	if !watch.CancelTransient {
		t.Fatalf("expected cancel-transient")
	}
	if got := strings.Join(watch.Ignore, " "); got != "**/.git *.tmp *.swp" {
		t.Fatalf("unexpected ignore patterns %q", got)
	}
	if watch.Debounce != 25*time.Millisecond {
		t.Fatalf("expected 25ms debounce, got %v", watch.Debounce)
	}
	if watch.QueueLimit != 10 {
		t.Fatalf("expected queue limit 10, got %d", watch.QueueLimit)
	}
	if cfg.Settings.Output.Tick != 0 {
		t.Fatalf("expected push delivery, got tick %v", cfg.Settings.Output.Tick)
	}
}

func TestParseArgsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dirwatch.yaml")
	payload := "watch:\n  backend: poll\n  poll-interval: 250ms\noutput:\n  format: text\n"
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var stderr bytes.Buffer
	cfg, err := parseArgs([]string{"--config", path, "--format", "json", "dir"}, &stderr, noEnv)
	if err != nil {
		t.Fatalf("parse args: %v", err)
	}
	if cfg.Settings.Watch.Backend != "poll" {
		t.Fatalf("expected poll from file, got %q", cfg.Settings.Watch.Backend)
	}
	if cfg.Settings.Watch.PollInterval != 250*time.Millisecond {
		t.Fatalf("expected 250ms poll interval, got %v", cfg.Settings.Watch.PollInterval)
	}
	if cfg.Settings.Output.Format != "json" {
		t.Fatalf("expected flag to override file, got %q", cfg.Settings.Output.Format)
	}
	if cfg.ConfigPath != path {
		t.Fatalf("expected config path %q, got %q", path, cfg.ConfigPath)
	}
}

func TestParseArgsErrors(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{name: "no directory", args: nil, want: "directory required"},
		{name: "bad backend", args: []string{"--backend", "inotify", "dir"}, want: "watch.backend"},
		{name: "bad format", args: []string{"--format", "xml", "dir"}, want: "output.format"},
		{name: "bad duration", args: []string{"--debounce", "soon", "dir"}, want: "watch.debounce"},
		{name: "bad override", args: []string{"--set", "novalue", "dir"}, want: "key=value"},
		{name: "missing config", args: []string{"--config", "/nonexistent/dirwatch.toml", "dir"}, want: "read config"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stderr bytes.Buffer
			_, err := parseArgs(tc.args, &stderr, noEnv)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}

func TestParseArgsListenWithoutDirs(t *testing.T) {
	var stderr bytes.Buffer
	cfg, err := parseArgs([]string{"--listen", "127.0.0.1:0"}, &stderr, noEnv)
	if err != nil {
		t.Fatalf("parse args: %v", err)
	}
	if len(cfg.Dirs) != 0 {
		t.Fatalf("expected no dirs, got %v", cfg.Dirs)
	}
}

func TestParseArgsHelp(t *testing.T) {
	var stderr bytes.Buffer
	_, err := parseArgs([]string{"--help"}, &stderr, noEnv)
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
	if !strings.Contains(stderr.String(), "Usage: dirwatch") {
		t.Fatalf("expected usage output, got %q", stderr.String())
	}
}

func TestParseArgsVersion(t *testing.T) {
	var stderr bytes.Buffer
	cfg, err := parseArgs([]string{"-v"}, &stderr, noEnv)
	if err != nil {
		t.Fatalf("parse args: %v", err)
	}
	if !cfg.ShowVersion {
		t.Fatalf("expected version flag")
	}
}

func TestRunExitCodes(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--version"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("expected version exit 0, got %d", code)
	}
	if !strings.HasPrefix(stdout.String(), "dirwatch") {
		t.Fatalf("unexpected version output %q", stdout.String())
	}

	if code := run([]string{"--bogus"}, io.Discard, io.Discard); code != exitUsage {
		t.Fatalf("expected usage exit, got %d", code)
	}

	missing := filepath.Join(t.TempDir(), "missing")
	stderr.Reset()
	if code := run([]string{"--backend", "poll", missing}, io.Discard, &stderr); code != exitSetup {
		t.Fatalf("expected setup exit, got %d", code)
	}
	if !strings.Contains(stderr.String(), "path not found") {
		t.Fatalf("expected path error, got %q", stderr.String())
	}
}

func TestRunSchema(t *testing.T) {
	var stdout bytes.Buffer
	if code := run([]string{"schema"}, &stdout, io.Discard); code != exitOK {
		t.Fatalf("expected exit 0, got %d", code)
	}
	var decoded map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	properties, ok := decoded["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties in %v", decoded)
	}
	for _, key := range []string{"type", "path"} {
		if _, ok := properties[key]; !ok {
			t.Fatalf("expected %q property", key)
		}
	}

	stdout.Reset()
	if code := run([]string{"schema", "--list"}, &stdout, io.Discard); code != exitOK {
		t.Fatalf("expected exit 0, got %d", code)
	}
	for _, name := range []string{"settings-file", "watch-target", "wire-event"} {
		if !strings.Contains(stdout.String(), name) {
			t.Fatalf("expected %q in list %q", name, stdout.String())
		}
	}

	if code := run([]string{"schema", "nope"}, io.Discard, io.Discard); code != exitUsage {
		t.Fatalf("expected usage exit for unknown schema, got %d", code)
	}
}

func TestPrinterFormats(t *testing.T) {
	var jsonOut bytes.Buffer
	jsonPrinter := newPrinter(&jsonOut, "json", "never")
	if err := jsonPrinter.Invoke(watcher.SemanticEvent{Kind: watcher.Create, Path: "/tmp/a"}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got := jsonOut.String(); got != "{\"type\":\"create\",\"path\":\"/tmp/a\"}\n" {
		t.Fatalf("unexpected json line %q", got)
	}

	var textOut bytes.Buffer
	textPrinter := newPrinter(&textOut, "text", "never")
	_ = textPrinter.Invoke(watcher.SemanticEvent{Kind: watcher.Delete, Path: "/tmp/b"})
	if got := textOut.String(); got != "delete /tmp/b\n" {
		t.Fatalf("unexpected text line %q", got)
	}

	var colorOut bytes.Buffer
	colorPrinter := newPrinter(&colorOut, "text", "always")
	_ = colorPrinter.Invoke(watcher.SemanticEvent{Kind: watcher.Update, Path: "/tmp/c"})
	if !strings.Contains(colorOut.String(), "\x1b[") {
		t.Fatalf("expected ANSI escape, got %q", colorOut.String())
	}
}

func TestUseColorAutoWithoutTerminal(t *testing.T) {
	if useColor(&bytes.Buffer{}, "auto") {
		t.Fatalf("expected no color for a buffer")
	}
	if !useColor(&bytes.Buffer{}, "always") {
		t.Fatalf("expected forced color")
	}
}

func startSession(t *testing.T, args []string, out io.Writer) (string, func() int) {
	t.Helper()
	cfg, err := parseArgs(args, io.Discard, noEnv)
	if err != nil {
		t.Fatalf("parse args: %v", err)
	}
	current, err := newSession(cfg, out, io.Discard)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan string, 1)
	done := make(chan int, 1)
	go func() {
		done <- current.run(ctx, func(addr string) {
			addrCh <- addr
		})
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("session did not become ready")
	}
	stop := func() int {
		cancel()
		select {
		case code := <-done:
			return code
		case <-time.After(5 * time.Second):
			t.Fatal("session did not stop")
			return -1
		}
	}
	return addr, stop
}

func waitForOutput(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %q in output %q", want, out.String())
}

func tempRoot(t *testing.T) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}
	return root
}

func TestSessionPrintsEvents(t *testing.T) {
	for _, tick := range []string{"10ms", "0"} {
		t.Run("tick="+tick, func(t *testing.T) {
			root := tempRoot(t)
			out := &syncBuffer{}
			_, stop := startSession(t, []string{
				"--backend", "poll",
				"--poll-interval", "20ms",
				"--debounce", "30ms",
				"--tick", tick,
				"--format", "text",
				"--color", "never",
				root,
			}, out)

			path := filepath.Join(root, "hello.txt")
			if err := os.WriteFile(path, []byte("hi"), 0o644); err != nil {
				t.Fatalf("write file: %v", err)
			}
			waitForOutput(t, out, "create "+path)

			if code := stop(); code != exitOK {
				t.Fatalf("expected exit 0, got %d", code)
			}
		})
	}
}

func TestSessionServesAPI(t *testing.T) {
	root := tempRoot(t)
	out := &syncBuffer{}
	addr, stop := startSession(t, []string{
		"--backend", "poll",
		"--poll-interval", "20ms",
		"--listen", "127.0.0.1:0",
		"--token", "secret",
		root,
	}, out)
	defer stop()

	if addr == "" {
		t.Fatal("expected listener address")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + addr + "/watches")
	if err != nil {
		t.Fatalf("watches: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/watches", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("watches: %v", err)
	}
	defer resp.Body.Close()
	var targets []watcher.WatchTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		t.Fatalf("decode watches: %v", err)
	}
	if len(targets) != 1 || targets[0].Root != root {
		t.Fatalf("unexpected targets %+v", targets)
	}
}
