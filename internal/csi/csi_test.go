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

package csi

import (
	"bytes"
	encoding "encoding/binary"
	"testing"

	"github.com/googlegenomics/countreads/internal/bgzf"
	"github.com/googlegenomics/countreads/internal/genomics"
)

var (
	early = bgzf.Chunk{Start: bgzf.NewAddress(10, 0), End: bgzf.NewAddress(20, 0)}
	late  = bgzf.Chunk{Start: bgzf.NewAddress(20, 0), End: bgzf.NewAddress(30, 0)}
)

// buildIndex returns a compressed CSI index using the BAI compatible scheme
// (min_shift 14, depth 5) with one reference holding two chunks.
func buildIndex(t *testing.T) []byte {
	var buf bytes.Buffer
	write := func(v interface{}) {
		if err := encoding.Write(&buf, encoding.LittleEndian, v); err != nil {
			t.Fatalf("Writing index: %v", err)
		}
	}

	buf.WriteString(csiMagic)
	write(int32(14))
	write(int32(5))
	write(int32(3))
	buf.WriteString("aux")
	write(int32(1))

	write(int32(3))
	write(uint32(4681))
	write(uint64(early.Start))
	write(int32(1))
	write(early)
	write(uint32(4681 + 100))
	write(uint64(late.Start))
	write(int32(1))
	write(late)
	write(uint32(37450))
	write(uint64(0))
	write(int32(1))
	write(bgzf.Chunk{Start: 0, End: 1})

	block, err := bgzf.EncodeBlock(buf.Bytes())
	if err != nil {
		t.Fatalf("EncodeBlock() failed: %v", err)
	}
	return block
}

func TestRead_Region(t *testing.T) {
	testCases := []struct {
		name   string
		region genomics.Region
		chunks int
	}{
		{"whole reference", genomics.Region{ReferenceID: 0}, 2},
		{"first window", genomics.Region{ReferenceID: 0, Start: 0, End: 1000}, 1},
		{"between chunks", genomics.Region{ReferenceID: 0, Start: 50000, End: 60000}, 0},
		{"other reference", genomics.Region{ReferenceID: 1}, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			chunks, err := Read(bytes.NewReader(buildIndex(t)), tc.region)
			if err != nil {
				t.Fatalf("Read() returned unexpected error: %v", err)
			}
			if got, want := len(chunks.Data), tc.chunks; got != want {
				t.Fatalf("Wrong number of chunks: got %d, want %d", got, want)
			}
			if got, want := chunks.Header.End, early.Start; got != want {
				t.Errorf("Wrong header end: got %s, want %s", got, want)
			}
		})
	}
}

func TestRead_NotCompressed(t *testing.T) {
	if _, err := Read(bytes.NewReader([]byte(csiMagic)), genomics.AllMappedReads); err == nil {
		t.Errorf("Read(): expected error, not success")
	}
}
