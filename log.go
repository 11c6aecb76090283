// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

import (
	"io"
	"log"
	"os"
)

// LogLevel controls which of a Logger's sinks are wired to a real
// destination and which are no-op functions.
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelVerbose
)

// Logger bundles the two verbosity sinks a Host reports through. Unset
// sinks are wired to a no-op function rather than left nil so call
// sites never need a nil check.
type Logger struct {
	Verbosef func(format string, args ...any)
	Errorf   func(format string, args ...any)
}

// NewLogger builds a Logger whose sinks below level are no-op functions.
// Mirrors the teacher's (*device.Device).log field contract: callers never
// check for a nil Logger or nil sink, they just call it.
func NewLogger(level LogLevel, prepend string) *Logger {
	output := func(w io.Writer, tag string) func(string, ...any) {
		l := log.New(w, prepend+tag, log.Ldate|log.Ltime|log.Lmicroseconds)
		return l.Printf
	}

	logger := &Logger{
		Verbosef: discardf,
		Errorf:   discardf,
	}

	if level >= LogLevelVerbose {
		logger.Verbosef = output(os.Stdout, "DEBUG: ")
	}
	if level >= LogLevelError {
		logger.Errorf = output(os.Stderr, "ERROR: ")
	}

	return logger
}

func discardf(format string, args ...any) {}
