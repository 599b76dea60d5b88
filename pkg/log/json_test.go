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
	"testing"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		level Level
		name  string
	}{
		{Warning, `"warning"`},
		{Info, `"info"`},
		{Debug, `"debug"`},
	} {
		b, err := json.Marshal(tc.level)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", tc.level, err)
		}
		if string(b) != tc.name {
			t.Errorf("Marshal(%v) = %s, want %s", tc.level, b, tc.name)
		}
		// Levels decode from their name and from their number.
		for _, in := range []string{tc.name, string(rune('0' + tc.level))} {
			var got Level
			if err := json.Unmarshal([]byte(in), &got); err != nil {
				t.Errorf("Unmarshal(%s): %v", in, err)
				continue
			}
			if got != tc.level {
				t.Errorf("Unmarshal(%s) = %v, want %v", in, got, tc.level)
			}
		}
	}
	var l Level
	if err := json.Unmarshal([]byte(`"trace"`), &l); err == nil {
		t.Errorf("Unmarshal of unknown level succeeded")
	}
	if _, err := json.Marshal(Level(7)); err == nil {
		t.Errorf("Marshal of unknown level succeeded")
	}
}
