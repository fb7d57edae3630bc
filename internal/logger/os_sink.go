// Copyright (C) DocDB, Inc. 2026-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"encoding/json"
	"io"
	"log"
	"time"
)

type osSink struct {
	log *log.Logger
}

// NewOSSink returns a LogSink that writes JSON lines to the given writer.
func NewOSSink(out io.Writer) LogSink {
	return &osSink{
		log: log.New(out, "", 0),
	}
}

func (sink *osSink) Info(_ int, msg string, keysAndValues ...interface{}) {
	kvMap := make(map[string]interface{}, len(keysAndValues)/2+1)
	for i := 1; i < len(keysAndValues); i += 2 {
		kvMap[keysAndValues[i-1].(string)] = keysAndValues[i]
	}
	kvMap["message"] = msg
	kvMap["timestamp"] = time.Now().UnixNano()

	enc, err := json.Marshal(kvMap)
	if err != nil {
		sink.log.Printf("%s | %s | %v", time.Now().Format(time.RFC3339), msg, kvMap)
		return
	}

	sink.log.Print(string(enc))
}

func (sink *osSink) Error(err error, msg string, keysAndValues ...interface{}) {
	kv := append([]interface{}{"error", err.Error()}, keysAndValues...)
	sink.Info(0, msg, kv...)
}
