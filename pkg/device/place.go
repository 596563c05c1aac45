// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package device

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind represents known kinds of memory domains.
type Kind int

const (
	KindHost         Kind = iota // ordinary host memory
	KindAccelerator              // memory of an accelerator with its own execution queues
	KindPinnedHost               // page-locked host memory, usable for fast device transfers
	KindCustomDevice             // memory of a pluggable custom device backend
)

var (
	kindToString = map[Kind]string{
		KindHost:         "cpu",
		KindAccelerator:  "gpu",
		KindPinnedHost:   "pinned",
		KindCustomDevice: "custom",
	}
	stringToKind = map[string]Kind{
		"cpu":    KindHost,
		"host":   KindHost,
		"gpu":    KindAccelerator,
		"pinned": KindPinnedHost,
		"custom": KindCustomDevice,
	}
)

// ParseKind parses the given string into a memory domain Kind.
func ParseKind(str string) (Kind, error) {
	if k, ok := stringToKind[strings.ToLower(strings.TrimSpace(str))]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidPlace, str)
}

// IsValid returns true if the kind is known.
func (k Kind) IsValid() bool {
	_, ok := kindToString[k]
	return ok
}

// IsIndexed returns true if places of this kind are told apart by an index.
func (k Kind) IsIndexed() bool {
	return k == KindAccelerator || k == KindCustomDevice
}

// String returns a string representation of the kind.
func (k Kind) String() string {
	if str, ok := kindToString[k]; ok {
		return str
	}
	return fmt.Sprintf("%%!(device:Bad-Kind %d)", int(k))
}

// Place identifies a physical or logical memory domain. Places are
// immutable values and compare equal if they identify the same domain.
type Place struct {
	kind  Kind
	index int
}

// HostPlace returns the place for ordinary host memory.
func HostPlace() Place {
	return Place{kind: KindHost}
}

// PinnedPlace returns the place for pinned host memory.
func PinnedPlace() Place {
	return Place{kind: KindPinnedHost}
}

// AcceleratorPlace returns the place for the accelerator with the given index.
func AcceleratorPlace(index int) Place {
	return Place{kind: KindAccelerator, index: index}
}

// CustomPlace returns the place for the custom device with the given index.
func CustomPlace(index int) Place {
	return Place{kind: KindCustomDevice, index: index}
}

// NewPlace returns a place of the given kind and index.
func NewPlace(kind Kind, index int) (Place, error) {
	if !kind.IsValid() {
		return Place{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidPlace, kind)
	}
	if index < 0 || (!kind.IsIndexed() && index != 0) {
		return Place{}, fmt.Errorf("%w: invalid index %d for %s", ErrInvalidPlace, index, kind)
	}
	return Place{kind: kind, index: index}, nil
}

// ParsePlace parses strings of the form cpu, pinned, gpu:N or custom:N.
func ParsePlace(str string) (Place, error) {
	kindStr, idxStr, indexed := strings.Cut(strings.TrimSpace(str), ":")

	kind, err := ParseKind(kindStr)
	if err != nil {
		return Place{}, err
	}

	index := 0
	if indexed {
		if index, err = strconv.Atoi(idxStr); err != nil {
			return Place{}, fmt.Errorf("%w: invalid index in %q", ErrInvalidPlace, str)
		}
	}

	return NewPlace(kind, index)
}

// MustParsePlace parses the given string into a Place.
// It panicks on failure.
func MustParsePlace(str string) Place {
	p, err := ParsePlace(str)
	if err != nil {
		panic(err)
	}
	return p
}

// Kind returns the kind of memory domain for the place.
func (p Place) Kind() Kind {
	return p.kind
}

// Index returns the device index for the place.
func (p Place) Index() int {
	return p.index
}

// IsHost returns true for both ordinary and pinned host memory.
func (p Place) IsHost() bool {
	return p.kind == KindHost || p.kind == KindPinnedHost
}

// String returns a string representation of the place.
func (p Place) String() string {
	if p.kind.IsIndexed() {
		return p.kind.String() + ":" + strconv.Itoa(p.index)
	}
	return p.kind.String()
}

// MarshalText implements encoding.TextMarshaler for Place.
func (p Place) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for Place.
func (p *Place) UnmarshalText(data []byte) error {
	parsed, err := ParsePlace(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Capabilities describes what a device backing a place is capable of.
type Capabilities int

const (
	// SupportsStreams marks devices with asynchronous execution queues.
	SupportsStreams Capabilities = 1 << iota
	// SupportsMultiStream marks devices which can track multiple streams
	// accessing a single allocation.
	SupportsMultiStream
	// SupportsPinned marks page-locked host memory.
	SupportsPinned
)

// Has returns true if all the given capabilities are present.
func (c Capabilities) Has(o Capabilities) bool {
	return c&o == o
}

// String returns a string representation of the capabilities.
func (c Capabilities) String() string {
	var names []string
	if c.Has(SupportsStreams) {
		names = append(names, "streams")
	}
	if c.Has(SupportsMultiStream) {
		names = append(names, "multi-stream")
	}
	if c.Has(SupportsPinned) {
		names = append(names, "pinned")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}
