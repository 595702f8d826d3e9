// Package machine resolves a task's declared resource requirements to a named
// machine preset.
package machine

import (
	"encoding/json"
	"log/slog"

	"github.com/go-playground/validator/v10"
)

// FallbackPreset is used when a machine config cannot be parsed.
const FallbackPreset = "small-1x"

// Preset is a named CPU and memory tier. Memory is in GB.
type Preset struct {
	Name   string  `json:"name"`
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}

// DefaultTable lists the presets in declaration order, smallest first.
// Resolution scans it in this order, so order is the tie-break.
var DefaultTable = []Preset{
	{Name: "micro", CPU: 0.25, Memory: 0.25},
	{Name: "small-1x", CPU: 0.5, Memory: 0.5},
	{Name: "small-2x", CPU: 1, Memory: 1},
	{Name: "medium-1x", CPU: 1, Memory: 2},
	{Name: "medium-2x", CPU: 2, Memory: 4},
	{Name: "large-1x", CPU: 4, Memory: 8},
	{Name: "large-2x", CPU: 8, Memory: 16},
}

// Config is the machine section of a task definition: either a named preset or
// explicit minimum cpu and memory.
type Config struct {
	Preset string  `json:"preset,omitempty"`
	CPU    float64 `json:"cpu,omitempty" validate:"omitempty,gt=0"`
	Memory float64 `json:"memory,omitempty" validate:"omitempty,gt=0"`
}

var validate = validator.New()

// Lookup returns the preset called name from table.
func Lookup(table []Preset, name string) (Preset, bool) {
	for _, p := range table {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// Resolve maps raw to a preset from table. Malformed or invalid config falls
// back to small-1x. A named preset is returned as is, and unknown names give
// def. Explicit cpu and memory select the first preset covering both, or def
// when none does. An empty config gives def.
func Resolve(def Preset, table []Preset, raw json.RawMessage, logger *slog.Logger) Preset {
	if len(raw) == 0 || string(raw) == "null" {
		return def
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		logger.Warn("invalid machine config, using fallback", "error", err, "preset", FallbackPreset)
		return fallback(def, table)
	}
	if err := validate.Struct(cfg); err != nil {
		logger.Warn("invalid machine config, using fallback", "error", err, "preset", FallbackPreset)
		return fallback(def, table)
	}

	if cfg.Preset != "" {
		if p, ok := Lookup(table, cfg.Preset); ok {
			return p
		}
		logger.Warn("unknown machine preset, using default", "preset", cfg.Preset, "default", def.Name)
		return def
	}

	if cfg.CPU == 0 && cfg.Memory == 0 {
		return def
	}
	for _, p := range table {
		if p.CPU >= cfg.CPU && p.Memory >= cfg.Memory {
			return p
		}
	}
	logger.Info("no machine preset covers requirements, using default",
		"cpu", cfg.CPU, "memory", cfg.Memory, "default", def.Name)
	return def
}

func fallback(def Preset, table []Preset) Preset {
	if p, ok := Lookup(table, FallbackPreset); ok {
		return p
	}
	return def
}
