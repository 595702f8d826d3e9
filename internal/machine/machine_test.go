package machine

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolve(t *testing.T) {
	def, _ := Lookup(DefaultTable, "medium-1x")

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", "medium-1x"},
		{"null", "null", "medium-1x"},
		{"empty object", "{}", "medium-1x"},
		{"named preset", `{"preset":"large-2x"}`, "large-2x"},
		{"unknown preset", `{"preset":"huge"}`, "medium-1x"},
		{"malformed json", `{"cpu":`, "small-1x"},
		{"wrong type", `{"cpu":"two"}`, "small-1x"},
		{"negative cpu", `{"cpu":-1,"memory":1}`, "small-1x"},
		{"exact fit", `{"cpu":1,"memory":1}`, "small-2x"},
		{"declaration order tie-break", `{"cpu":1,"memory":1.5}`, "medium-1x"},
		{"cpu only", `{"cpu":3}`, "large-1x"},
		{"memory only", `{"memory":0.3}`, "small-1x"},
		{"smallest", `{"cpu":0.1,"memory":0.1}`, "micro"},
		{"nothing covers", `{"cpu":64,"memory":256}`, "medium-1x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(def, DefaultTable, json.RawMessage(tt.raw), discard())
			if got.Name != tt.want {
				t.Errorf("Resolve(%s) = %q, want %q", tt.raw, got.Name, tt.want)
			}
		})
	}
}

func TestResolveFallbackMissingFromTable(t *testing.T) {
	table := []Preset{{Name: "only", CPU: 1, Memory: 1}}
	def := table[0]

	got := Resolve(def, table, json.RawMessage(`not json`), discard())
	if got.Name != "only" {
		t.Errorf("Resolve = %q, want %q", got.Name, "only")
	}
}

func TestLookup(t *testing.T) {
	p, ok := Lookup(DefaultTable, "large-1x")
	if !ok {
		t.Fatal("Lookup(large-1x) not found")
	}
	if p.CPU != 4 || p.Memory != 8 {
		t.Errorf("large-1x = %v/%v, want 4/8", p.CPU, p.Memory)
	}
	if _, ok := Lookup(DefaultTable, "nope"); ok {
		t.Error("Lookup(nope) found, want missing")
	}
}
