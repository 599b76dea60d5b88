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

// Package hostarch contains the address types and page geometry shared by
// the paging code and its collaborators.
package hostarch

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size, which is also the size of a frame.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the first huge page size.
	HugePageShift = 21

	// HugePageSize is the first huge page size (2 MiB).
	HugePageSize = 1 << HugePageShift

	// GiantPageShift is the binary log of the second huge page size.
	GiantPageShift = 30

	// GiantPageSize is the second huge page size (1 GiB).
	GiantPageSize = 1 << GiantPageShift
)
