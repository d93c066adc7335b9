// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// PersonalityLevel defines the richness of CLI output.
type PersonalityLevel string

const (
	// PersonalityStandard enables colors, icons and boxes.
	PersonalityStandard PersonalityLevel = "standard"

	// PersonalityMinimal uses icons and basic formatting only.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine outputs plain text suitable for scripting.
	PersonalityMachine PersonalityLevel = "machine"
)

var (
	currentLevel = PersonalityStandard
	levelMu      sync.RWMutex
)

// Level returns the current personality level.
func Level() PersonalityLevel {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return currentLevel
}

// SetLevel updates the personality level.
func SetLevel(level PersonalityLevel) {
	levelMu.Lock()
	defer levelMu.Unlock()
	currentLevel = level
}

// ParseLevel converts a string to a PersonalityLevel. Unknown values map
// to standard.
func ParseLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q":
		return PersonalityMachine
	default:
		return PersonalityStandard
	}
}

// Init sets the level from GROKYSIS_PERSONALITY, falling back to machine
// output when stdout is not a terminal.
func Init() {
	if env := os.Getenv("GROKYSIS_PERSONALITY"); env != "" {
		SetLevel(ParseLevel(env))
		return
	}
	fd := os.Stdout.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		SetLevel(PersonalityMachine)
		return
	}
	SetLevel(PersonalityStandard)
}
