// Copyright 2018 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package binary provides support for operating on the little endian binary
// structures found in BAM files and their indexes.
package binary

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ExpectBytes reads len(want) bytes from r and checks that they match want.
func ExpectBytes(r io.Reader, want []byte) error {
	got := make([]byte, len(want))
	if _, err := io.ReadFull(r, got); err != nil {
		return fmt.Errorf("reading %d bytes: %v", len(want), err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("wrong bytes %q (wanted %q)", got, want)
	}
	return nil
}

// Read reads a little endian value from r into v using binary.Read.
func Read(r io.Reader, v interface{}) error {
	return binary.Read(r, binary.LittleEndian, v)
}

// ReadString reads an int32 length followed by that many bytes holding a NUL
// terminated string.  Lengths above limit are rejected to avoid arbitrarily
// large allocations on malformed input.
func ReadString(r io.Reader, limit int32) (string, error) {
	var length int32
	if err := Read(r, &length); err != nil {
		return "", fmt.Errorf("reading length: %v", err)
	}
	// The length includes the terminating NUL character.
	if length < 1 || length > limit {
		return "", fmt.Errorf("invalid length (%d bytes)", length)
	}
	value := make([]byte, length)
	if _, err := io.ReadFull(r, value); err != nil {
		return "", fmt.Errorf("reading value: %v", err)
	}
	return string(value[:length-1]), nil
}
