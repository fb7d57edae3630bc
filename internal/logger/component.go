// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"os"
	"strings"
)

// DiffToInfo is the number of levels in the Level enumeration between LevelInfo
// and the lowest level, used to align level integers with logr-style sinks.
const DiffToInfo = 1

// Level is an enumeration representing the supported log severity levels.
type Level int

const (
	// LevelOff suppresses logging.
	LevelOff Level = iota

	// LevelInfo enables logging of informational messages. These are
	// high-level information about normal driver behavior.
	LevelInfo

	// LevelDebug enables logging of messages useful for debugging, such as
	// per-attempt retry decisions.
	LevelDebug
)

// Component is an enumeration representing the "components" which can be
// logged against. A level can be configured on a per-component basis.
type Component int

const (
	// ComponentAll enables logging for all components.
	ComponentAll Component = iota

	// ComponentCommand enables command monitor logging.
	ComponentCommand

	// ComponentServerSelection enables server selection logging.
	ComponentServerSelection

	// ComponentSession enables session lifecycle logging.
	ComponentSession
)

const (
	logComponentAllEnvVar             = "DOCDB_LOG_ALL"
	logComponentCommandEnvVar         = "DOCDB_LOG_COMMAND"
	logComponentServerSelectionEnvVar = "DOCDB_LOG_SERVER_SELECTION"
	logComponentSessionEnvVar         = "DOCDB_LOG_SESSION"
)

var componentEnvVarMap = map[string]Component{
	logComponentAllEnvVar:             ComponentAll,
	logComponentCommandEnvVar:         ComponentCommand,
	logComponentServerSelectionEnvVar: ComponentServerSelection,
	logComponentSessionEnvVar:         ComponentSession,
}

// ParseLevel will check if the given string is a valid environment variable
// for a logging severity level. If it is, then it will return the associated
// driver's Level. The default Level is "LevelOff".
func ParseLevel(str string) Level {
	switch strings.ToLower(str) {
	case "info", "notice", "warn", "warning", "error":
		return LevelInfo
	case "debug", "trace":
		return LevelDebug
	default:
		return LevelOff
	}
}

// getEnvComponentLevels returns a component-to-level mapping defined by the
// environment variables, with "DOCDB_LOG_ALL" taking priority.
func getEnvComponentLevels() map[Component]Level {
	componentLevels := make(map[Component]Level)

	if all := ParseLevel(os.Getenv(logComponentAllEnvVar)); all != LevelOff {
		for _, component := range componentEnvVarMap {
			componentLevels[component] = all
		}
		return componentLevels
	}

	for envVar, component := range componentEnvVarMap {
		if envVar == logComponentAllEnvVar {
			continue
		}
		componentLevels[component] = ParseLevel(os.Getenv(envVar))
	}

	return componentLevels
}
