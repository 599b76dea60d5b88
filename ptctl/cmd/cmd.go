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

// Package cmd holds implementations of the ptctl commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/kcore-os/pagetable/pkg/log"
)

// ErrorOutput is where command errors are written.
var ErrorOutput io.Writer = os.Stderr

// Errorf logs the error and writes it to ErrorOutput. It returns
// subcommands.ExitFailure for the caller to return from Execute.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(ErrorOutput, "ptctl: %s\n", msg)
	return subcommands.ExitFailure
}
