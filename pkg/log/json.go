// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

var levelNames = [...]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// jsonLog is one record written by JSONEmitter.
type jsonLog struct {
	Time   time.Time `json:"time"`
	Level  Level     `json:"level"`
	Caller string    `json:"caller,omitempty"`
	Msg    string    `json:"msg"`
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	if int(l) >= len(levelNames) {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return json.Marshal(levelNames[l])
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. Levels decode from
// their name or their number.
func (l *Level) UnmarshalJSON(b []byte) error {
	var n uint32
	if err := json.Unmarshal(b, &n); err == nil {
		if int(n) < len(levelNames) {
			*l = Level(n)
			return nil
		}
		return fmt.Errorf("unknown level %d", n)
	}
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("unknown level %s", b)
	}
	for i, s := range levelNames {
		if s == name {
			*l = Level(i)
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", name)
}

// JSONEmitter logs one JSON object per line.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	j := jsonLog{
		Time:  timestamp,
		Level: level,
		Msg:   strings.TrimSuffix(fmt.Sprintf(format, v...), "\n"),
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
		j.Caller = fmt.Sprintf("%s:%d", file, line)
	}
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	e.Writer.Write(b)
}
