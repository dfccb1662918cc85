// Copyright (C) 2024 modhost contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package endpoint implements [Address], the opaque, serializable
// logical-endpoint identity used throughout the messaging fabric.
package endpoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Address is an opaque, UTF-8 logical-endpoint identity. Two addresses
// are equal iff their trimmed byte sequences are equal. The zero value
// is the distinguished Unknown address.
type Address struct {
	raw string
}

// Unknown is the sentinel address for the empty byte sequence.
var Unknown = Address{}

// New creates an Address from a raw string identity.
func New(id string) Address {
	return Address{raw: strings.TrimSpace(id)}
}

// IsUnknown reports whether this address is the Unknown sentinel.
func (a Address) IsUnknown() bool {
	return a.raw == ""
}

// String returns the address's textual form.
func (a Address) String() string {
	if a.IsUnknown() {
		return "<unknown>"
	}
	return a.raw
}

// Equal reports structural equality: sequence-equality of UTF-8 bytes
// after trim.
func (a Address) Equal(other Address) bool {
	return a.raw == other.raw
}

// Key returns a value suitable for use as a map key, equivalent to the
// address's canonical textual form. It exists so callers don't reach
// into the unexported field.
func (a Address) Key() string {
	return a.raw
}

// Encode writes the address in the wire format
// <byteLen:varint><utf8-bytes>. Empty encodes as a zero-length varint.
func (a Address) Encode(w io.Writer) error {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, uint64(len(a.raw)))
	if _, err := w.Write(buf[:n]); err != nil {
		return fmt.Errorf("endpoint: write length: %w", err)
	}
	if len(a.raw) == 0 {
		return nil
	}
	if _, err := io.WriteString(w, a.raw); err != nil {
		return fmt.Errorf("endpoint: write bytes: %w", err)
	}
	return nil
}

// Decode reads an Address from r in the wire format written by Encode.
func Decode(r io.ByteReader) (Address, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return Address{}, fmt.Errorf("endpoint: read length: %w", err)
	}
	if length == 0 {
		return Unknown, nil
	}

	buf := make([]byte, length)
	for i := range buf {
		b, err := r.ReadByte()
		if err != nil {
			return Address{}, fmt.Errorf("endpoint: read bytes: %w", err)
		}
		buf[i] = b
	}
	return New(string(buf)), nil
}
