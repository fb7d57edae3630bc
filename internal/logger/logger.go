// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package logger provides the internal logging solution for the driver.
// Messages are logged against a component (command, server selection, ...)
// at a level, and handed to a pluggable LogSink.
package logger

import (
	"io"
	"os"
)

// LogSink is an interface that can be implemented to provide a custom sink
// for the driver's logs.
type LogSink interface {
	// Info logs a non-error message with the given key/value pairs. The
	// level argument is provided for optional logging.
	Info(level int, msg string, keysAndValues ...interface{})

	// Error logs an error, with the given message and key/value pairs.
	Error(err error, msg string, keysAndValues ...interface{})
}

// Logger is the driver's logger. It routes component-leveled messages to a
// LogSink. The zero value is unusable; use New.
type Logger struct {
	componentLevels map[Component]Level
	sink            LogSink
}

// New will construct a new logger. If the given LogSink is nil, the logger
// will write to os.Stderr.
//
// The componentLevels parameter is variadic with the latest value taking
// precedence. If no level is set for a component, the constructor will
// attempt to source it from the environment.
func New(sink LogSink, componentLevels ...map[Component]Level) *Logger {
	logger := &Logger{
		componentLevels: mergeComponentLevels(
			getEnvComponentLevels(),
			mergeComponentLevels(componentLevels...),
		),
	}

	if sink != nil {
		logger.sink = sink
	} else {
		logger.sink = NewOSSink(os.Stderr)
	}

	return logger
}

// NewWithWriter will construct a new logger that writes to the given writer.
// If the writer is nil, the logger writes to os.Stderr.
func NewWithWriter(w io.Writer, componentLevels ...map[Component]Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return New(NewOSSink(w), componentLevels...)
}

// Is will return true if the given level is enabled for the given component.
// A nil logger reports false for every query so callers can log without nil
// checks.
func (logger *Logger) Is(level Level, component Component) bool {
	if logger == nil {
		return false
	}
	return logger.componentLevels[component] >= level ||
		logger.componentLevels[ComponentAll] >= level
}

// Print logs the message against the component if the component's configured
// level includes the given level.
func (logger *Logger) Print(level Level, component Component, msg string, keysAndValues ...interface{}) {
	if !logger.Is(level, component) {
		return
	}

	logger.sink.Info(int(level)-DiffToInfo, msg, keysAndValues...)
}

// Error logs an error against the component at the given level.
func (logger *Logger) Error(level Level, component Component, err error, msg string, keysAndValues ...interface{}) {
	if !logger.Is(level, component) {
		return
	}

	logger.sink.Error(err, msg, keysAndValues...)
}

func mergeComponentLevels(levels ...map[Component]Level) map[Component]Level {
	merged := make(map[Component]Level)
	for _, levels := range levels {
		for component, level := range levels {
			merged[component] = level
		}
	}
	return merged
}
