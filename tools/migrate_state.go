// tools/migrate_state.go
// CLI to migrate legacy bot state (snake_case, naive ISO timestamps) -> current schema.
//
// Usage:
//   go run tools/migrate_state.go -in <legacy.json> -out <new.json>
//   go run tools/migrate_state.go -in <legacy.json> -inplace
//
// Notes:
// - Legacy files use snake_case keys (entry_price, scale_in_count, ...) and Python
//   isoformat timestamps without a timezone; those are assumed UTC.
// - Files already in the current schema are passed through unchanged.
// - Missing average_price falls back to entry_price; missing counters to zero.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ----- Minimal shared types (compatible with persisted JSON) -----

type legacyPosition struct {
	EntryPrice   float64 `json:"entry_price"`
	AveragePrice float64 `json:"average_price"`
	Size         float64 `json:"size"`
	Leverage     float64 `json:"leverage"`
	ScaleInCount int     `json:"scale_in_count"`
	EntryTime    string  `json:"entry_time"`
}

type legacyState struct {
	Timestamp         string          `json:"timestamp"`
	Position          *legacyPosition `json:"position"`
	LastEntryPrice    float64         `json:"last_entry_price"`
	TotalPositionSize float64         `json:"total_position_size"`
	CurrentLeverage   float64         `json:"current_leverage"`
	ScaleInCount      int             `json:"scale_in_count"`
}

type newPosition struct {
	EntryPrice   float64   `json:"entryPrice"`
	AveragePrice float64   `json:"averagePrice"`
	Size         float64   `json:"size"`
	Leverage     float64   `json:"leverage"`
	ScaleInCount int       `json:"scaleInCount"`
	EntryTime    time.Time `json:"entryTime"`
}

type newState struct {
	Timestamp         time.Time    `json:"timestamp"`
	Position          *newPosition `json:"position"`
	LastEntryPrice    float64      `json:"lastEntryPrice"`
	TotalPositionSize float64      `json:"totalPositionSize"`
	CurrentLeverage   float64      `json:"currentLeverage"`
	ScaleInCount      int          `json:"scaleInCount"`
}

func main() {
	in := flag.String("in", "", "path to legacy state JSON")
	out := flag.String("out", "", "path to write migrated state JSON (ignored if -inplace)")
	inplace := flag.Bool("inplace", false, "overwrite input file in place (creates .bak)")
	flag.Parse()

	if *in == "" {
		exitf("missing -in <file>")
	}
	if !*inplace && *out == "" {
		exitf("either specify -out <file> or use -inplace")
	}

	raw, err := os.ReadFile(*in)
	if err != nil {
		exitf("read input: %v", err)
	}

	// Already migrated? Current schema carries camelCase lastEntryPrice.
	if bytes.Contains(raw, []byte(`"lastEntryPrice"`)) {
		fmt.Println("Input already uses the current schema, nothing to do.")
		return
	}

	var old legacyState
	if err := json.Unmarshal(raw, &old); err != nil {
		exitf("parse legacy JSON: %v", err)
	}

	nb := newState{
		Timestamp:         parseWhen(old.Timestamp),
		LastEntryPrice:    old.LastEntryPrice,
		TotalPositionSize: old.TotalPositionSize,
		CurrentLeverage:   old.CurrentLeverage,
		ScaleInCount:      old.ScaleInCount,
	}

	if p := old.Position; p != nil {
		np := &newPosition{
			EntryPrice:   p.EntryPrice,
			AveragePrice: p.AveragePrice,
			Size:         p.Size,
			Leverage:     p.Leverage,
			ScaleInCount: p.ScaleInCount,
			EntryTime:    parseWhen(p.EntryTime),
		}
		if np.AveragePrice == 0 {
			np.AveragePrice = np.EntryPrice
		}
		nb.Position = np

		// Keep the top-level duplicates consistent with the position.
		if nb.TotalPositionSize == 0 {
			nb.TotalPositionSize = np.Size
		}
		if nb.CurrentLeverage == 0 {
			nb.CurrentLeverage = np.Leverage
		}
		if nb.LastEntryPrice == 0 {
			nb.LastEntryPrice = np.EntryPrice
		}
	}

	outBytes, err := json.MarshalIndent(nb, "", "  ")
	if err != nil {
		exitf("marshal new JSON: %v", err)
	}

	// Write output (in place or new file)
	if *inplace {
		backup := *in + ".bak"
		if err := copyFile(*in, backup); err != nil {
			exitf("create backup: %v", err)
		}
		if err := os.WriteFile(*in, outBytes, 0644); err != nil {
			exitf("write new state: %v", err)
		}
		fmt.Printf("Migrated in-place. Backup: %s\n", backup)
	} else {
		if err := os.MkdirAll(filepath.Dir(*out), 0755); err != nil {
			exitf("ensure out dir: %v", err)
		}
		if err := os.WriteFile(*out, outBytes, 0644); err != nil {
			exitf("write out: %v", err)
		}
		fmt.Printf("Migrated state written to: %s\n", *out)
	}
}

// parseWhen tolerates RFC3339 and Python's naive isoformat; naive times are
// treated as UTC. Unparseable or empty input falls back to the current time.
func parseWhen(s string) time.Time {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// small helpers

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0644)
}

func exitf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "migrate_state: "+format+"\n", a...)
	os.Exit(1)
}
