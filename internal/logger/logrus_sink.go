// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"github.com/sirupsen/logrus"
)

type logrusSink struct {
	entry *logrus.Entry
}

// NewLogrusSink returns a LogSink that forwards messages to a logrus logger.
// If logger is nil, the logrus standard logger is used.
func NewLogrusSink(logger *logrus.Logger) LogSink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &logrusSink{entry: logrus.NewEntry(logger)}
}

func (sink *logrusSink) fields(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 1; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i-1].(string)
		if !ok {
			continue
		}
		fields[key] = keysAndValues[i]
	}
	return fields
}

func (sink *logrusSink) Info(level int, msg string, keysAndValues ...interface{}) {
	entry := sink.entry.WithFields(sink.fields(keysAndValues))
	if level > 0 {
		entry.Debug(msg)
		return
	}
	entry.Info(msg)
}

func (sink *logrusSink) Error(err error, msg string, keysAndValues ...interface{}) {
	sink.entry.WithFields(sink.fields(keysAndValues)).WithError(err).Error(msg)
}
