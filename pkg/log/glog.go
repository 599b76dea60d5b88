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
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

var pid = os.Getpid()

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg...
//
// where the fields are defined as follows:
//
//	L                A single character, representing the log level (eg 'I' for INFO)
//	mm               The month (zero padded; ie May is '05')
//	dd               The day (zero padded)
//	hh:mm:ss.uuuuuu  Time in hours, minutes and fractional seconds
//	pid              The space-padded process ID
//	file             The file name
//	line             The line number
//	msg              The user-supplied message
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var b strings.Builder
	b.Grow(64 + len(format))

	switch level {
	case Debug:
		b.WriteByte('D')
	case Info:
		b.WriteByte('I')
	default:
		b.WriteByte('W')
	}

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	fmt.Fprintf(&b, "%02d%02d %02d:%02d:%02d.%06d %7d ",
		int(month), day, hour, minute, second, timestamp.Nanosecond()/1000, pid)

	file, line := "x", 0
	if _, f, l, ok := runtime.Caller(depth + 1); ok {
		file, line = f, l
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
	}
	fmt.Fprintf(&b, "%s:%d] ", file, line)

	// User-provided format string, copied. Arguments are expanded by the
	// underlying emitter.
	b.WriteString(format)
	b.WriteByte('\n')

	g.Emitter.Emit(depth+1, level, timestamp, b.String(), args...)
}
