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

// Package config holds the replay scenario format of ptctl.
//
// A scenario is a TOML file naming a paging scheme and a list of operations
// against one or more tables:
//
//	arch = "x86"
//	frame_limit = 64
//
//	[[ops]]
//	kind = "map_region"
//	vaddr = "0x40000000"
//	paddr = "0x80000000"
//	size = "1G"
//	flags = "rw"
//	huge = true
//
// Addresses are integers or strings in any base strconv accepts. Sizes may
// carry a K, M or G suffix. Flags are letters from "rwxudc", with '-' allowed
// as a placeholder.
//
// Files ending in .yaml or .yml are read as YAML with the same keys.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/kcore-os/pagetable/pkg/hostarch"
	"github.com/kcore-os/pagetable/pkg/pagetables"
)

// DefaultTable is the table used by operations that do not name one.
const DefaultTable = "main"

// Kind is an operation kind.
type Kind string

// Operation kinds.
const (
	KindMap           Kind = "map"
	KindRemap         Kind = "remap"
	KindProtect       Kind = "protect"
	KindUnmap         Kind = "unmap"
	KindQuery         Kind = "query"
	KindMapRegion     Kind = "map_region"
	KindUnmapRegion   Kind = "unmap_region"
	KindProtectRegion Kind = "protect_region"
	KindCopyFrom      Kind = "copy_from"
	KindRelease       Kind = "release"
)

var kinds = map[Kind]struct {
	needSize  bool
	needFrom  bool
	pageSized bool
}{
	KindMap:           {pageSized: true},
	KindRemap:         {},
	KindProtect:       {},
	KindUnmap:         {},
	KindQuery:         {},
	KindMapRegion:     {needSize: true},
	KindUnmapRegion:   {needSize: true},
	KindProtectRegion: {needSize: true},
	KindCopyFrom:      {needSize: true, needFrom: true},
	KindRelease:       {},
}

// Addr is an address or length that decodes from a TOML integer or string.
type Addr uint64

// UnmarshalTOML implements toml.Unmarshaler.
func (a *Addr) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case int64:
		if v < 0 {
			return fmt.Errorf("negative address %d", v)
		}
		*a = Addr(v)
	case string:
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", v, err)
		}
		*a = Addr(n)
	default:
		return fmt.Errorf("invalid address %v of type %T", v, v)
	}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Addr) UnmarshalYAML(value *yaml.Node) error {
	n, err := strconv.ParseUint(value.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q: %w", value.Line, value.Value, err)
	}
	*a = Addr(n)
	return nil
}

// Size is a byte count that decodes from a TOML integer or a string with an
// optional K, M or G suffix.
type Size uint64

// ParseSize parses s as a Size.
func ParseSize(s string) (Size, error) {
	shift := 0
	switch {
	case strings.HasSuffix(s, "K"):
		shift = 10
	case strings.HasSuffix(s, "M"):
		shift = 20
	case strings.HasSuffix(s, "G"):
		shift = 30
	}
	num := s
	if shift != 0 {
		num = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(num, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return Size(n << shift), nil
}

// UnmarshalTOML implements toml.Unmarshaler.
func (s *Size) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case int64:
		if v < 0 {
			return fmt.Errorf("negative size %d", v)
		}
		*s = Size(v)
		return nil
	case string:
		n, err := ParseSize(v)
		if err != nil {
			return err
		}
		*s = n
		return nil
	default:
		return fmt.Errorf("invalid size %v of type %T", v, v)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	n, err := ParseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = n
	return nil
}

// PageSize returns s as a page size.
func (s Size) PageSize() (pagetables.PageSize, error) {
	switch ps := pagetables.PageSize(s); ps {
	case pagetables.Size4K, pagetables.Size2M, pagetables.Size1G:
		return ps, nil
	}
	return 0, fmt.Errorf("%d is not a page size", uint64(s))
}

// ParseFlags parses a flag string such as "rw-u".
func ParseFlags(s string) (pagetables.Flags, error) {
	const names = "rwxudc"
	var f pagetables.Flags
	for _, r := range s {
		if r == '-' {
			continue
		}
		i := strings.IndexRune(names, r)
		if i < 0 {
			return 0, fmt.Errorf("unknown flag %q in %q", r, s)
		}
		f |= 1 << i
	}
	return f, nil
}

// Flags decodes from a TOML string through ParseFlags.
type Flags pagetables.Flags

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Flags) UnmarshalText(text []byte) error {
	v, err := ParseFlags(string(text))
	if err != nil {
		return err
	}
	*f = Flags(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *Flags) UnmarshalYAML(value *yaml.Node) error {
	if err := f.UnmarshalText([]byte(value.Value)); err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	return nil
}

// Op is one operation of a scenario.
type Op struct {
	// Table names the target table. Tables are created on first use.
	Table string `toml:"table" yaml:"table"`

	// Kind selects the operation.
	Kind Kind `toml:"kind" yaml:"kind"`

	VAddr Addr  `toml:"vaddr" yaml:"vaddr"`
	PAddr Addr  `toml:"paddr" yaml:"paddr"`
	Size  Size  `toml:"size" yaml:"size"`
	Flags Flags `toml:"flags" yaml:"flags"`

	// Huge allows huge pages in map_region.
	Huge bool `toml:"huge" yaml:"huge"`

	// Atomic makes a failed map_region unmap what it mapped.
	Atomic bool `toml:"atomic" yaml:"atomic"`

	// From names the source table of copy_from.
	From string `toml:"from" yaml:"from"`

	// Expect is the expected error, by name ("not_mapped",
	// "already_mapped", ...). Empty expects success.
	Expect string `toml:"expect" yaml:"expect"`
}

// Scenario is a decoded scenario file.
type Scenario struct {
	// Arch names the paging scheme.
	Arch string `toml:"arch" yaml:"arch"`

	// FrameLimit caps the frames available to all tables. Zero means no
	// limit.
	FrameLimit uint64 `toml:"frame_limit" yaml:"frame_limit"`

	// Ops run in order.
	Ops []Op `toml:"ops" yaml:"ops"`
}

// errorNames maps Op.Expect values to errors.
var errorNames = map[string]error{
	"no_memory":           pagetables.ErrNoMemory,
	"not_mapped":          pagetables.ErrNotMapped,
	"already_mapped":      pagetables.ErrAlreadyMapped,
	"mapped_to_huge_page": pagetables.ErrMappedToHugePage,
	"not_aligned":         pagetables.ErrNotAligned,
	"invalid_address":     pagetables.ErrInvalidAddress,
}

// ExpectedError returns the error op expects, or nil.
func (op *Op) ExpectedError() error {
	return errorNames[op.Expect]
}

// VAddrOf returns the virtual address of op.
func (op *Op) VAddrOf() hostarch.Addr {
	return hostarch.Addr(op.VAddr)
}

// PAddrOf returns the physical address of op.
func (op *Op) PAddrOf() hostarch.PhysAddr {
	return hostarch.PhysAddr(op.PAddr)
}

// Validate checks the fields op needs for its kind.
func (op *Op) Validate() error {
	k, ok := kinds[op.Kind]
	if !ok {
		return fmt.Errorf("unknown kind %q", op.Kind)
	}
	if k.needSize && op.Size == 0 && op.Kind != KindCopyFrom {
		return fmt.Errorf("%s needs a size", op.Kind)
	}
	if k.pageSized {
		if _, err := op.Size.PageSize(); err != nil {
			return fmt.Errorf("%s: %w", op.Kind, err)
		}
	}
	if k.needFrom && op.From == "" {
		return fmt.Errorf("%s needs a source table", op.Kind)
	}
	if k.needFrom {
		table := op.Table
		if table == "" {
			table = DefaultTable
		}
		if op.From == table {
			return fmt.Errorf("%s of table %q into itself", op.Kind, table)
		}
	}
	if op.Expect != "" {
		if _, ok := errorNames[op.Expect]; !ok {
			return fmt.Errorf("unknown expected error %q", op.Expect)
		}
	}
	return nil
}

// Parse decodes a scenario from TOML text.
func Parse(text string) (*Scenario, error) {
	var s Scenario
	md, err := toml.Decode(text, &s)
	if err != nil {
		return nil, err
	}
	return finish(&s, md)
}

// ParseYAML decodes a scenario from YAML text.
func ParseYAML(text []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(text))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	return validate(&s)
}

// Load decodes the scenario file at path, as YAML or TOML depending on its
// extension.
func Load(path string) (*Scenario, error) {
	var (
		sc  *Scenario
		err error
	)
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		var text []byte
		if text, err = os.ReadFile(path); err != nil {
			return nil, err
		}
		sc, err = ParseYAML(text)
	default:
		var (
			s  Scenario
			md toml.MetaData
		)
		if md, err = toml.DecodeFile(path, &s); err != nil {
			return nil, err
		}
		sc, err = finish(&s, md)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

func finish(s *Scenario, md toml.MetaData) (*Scenario, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys %v", undecoded)
	}
	return validate(s)
}

func validate(s *Scenario) (*Scenario, error) {
	if s.Arch == "" {
		return nil, errors.New("missing arch")
	}
	for i := range s.Ops {
		op := &s.Ops[i]
		if op.Table == "" {
			op.Table = DefaultTable
		}
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
	}
	return s, nil
}
