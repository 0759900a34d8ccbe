package keys

import "testing"

func TestTableAndDottedKeysAreEquivalent(t *testing.T) {
	cases := []string{
		`[watch]
max-watches = 4096
`,
		`watch.max-watches = 4096
`,
	}
	for _, input := range cases {
		store, err := Decode([]byte(input), FormatTOML)
		if err != nil {
			t.Fatalf("decode toml: %v", err)
		}
		value, ok := store.GetInt("watch.max-watches")
		if !ok {
			t.Fatalf("expected watch.max-watches value")
		}
		if value != 4096 {
			t.Fatalf("expected 4096, got %d", value)
		}
	}
}

func TestNormalizationHandlesUnderscoresAndCase(t *testing.T) {
	input := `[Watch]
MAX_WATCHES = 123
`
	store, err := Decode([]byte(input), FormatTOML)
	if err != nil {
		t.Fatalf("decode toml: %v", err)
	}
	value, ok := store.GetInt("watch.max-watches")
	if !ok || value != 123 {
		t.Fatalf("expected normalized key to resolve to 123, got %d (%v)", value, ok)
	}
}

func TestYAMLMatchesTOML(t *testing.T) {
	input := `watch:
  backend: poll
  cancel_transient: true
  max-watches: 64
  ignore:
    - .git
`
	store, err := Decode([]byte(input), FormatYAML)
	if err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if backend, ok := store.GetString("watch.backend"); !ok || backend != "poll" {
		t.Fatalf("expected backend poll, got %q", backend)
	}
	if cancel, ok := store.GetBool("watch.cancel-transient"); !ok || !cancel {
		t.Fatalf("expected cancel-transient true")
	}
	if limit, ok := store.GetInt("watch.max-watches"); !ok || limit != 64 {
		t.Fatalf("expected max-watches 64, got %d", limit)
	}
	if _, ok := store.Flat()["watch.ignore"].([]any); !ok {
		t.Fatalf("expected ignore list, got %T", store.Flat()["watch.ignore"])
	}
}

func TestTypeMismatchReportsMissing(t *testing.T) {
	store, err := Decode([]byte("flag = \"yes\"\ncount = \"7\"\n"), FormatTOML)
	if err != nil {
		t.Fatalf("decode toml: %v", err)
	}
	if _, ok := store.GetBool("flag"); ok {
		t.Fatal("string must not read as bool")
	}
	if _, ok := store.GetInt("count"); ok {
		t.Fatal("string must not read as int")
	}
}

func TestFormatForPath(t *testing.T) {
	cases := map[string]Format{
		"dirwatch.toml": FormatTOML,
		"dirwatch.YAML": FormatYAML,
		"dirwatch.yml":  FormatYAML,
		"dirwatch":      FormatTOML,
	}
	for path, expected := range cases {
		if got := FormatForPath(path); got != expected {
			t.Fatalf("%s: expected %s, got %s", path, expected, got)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode([]byte("[watch\n"), FormatTOML); err == nil {
		t.Fatal("expected toml error")
	}
	if _, err := Decode([]byte("watch: [unclosed\n"), FormatYAML); err == nil {
		t.Fatal("expected yaml error")
	}
	if _, err := Decode(nil, Format("ini")); err == nil {
		t.Fatal("expected unsupported format error")
	}
}
