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

// Package bam provides support for reading the header of BAM files and for
// querying their BAI indexes.
package bam

import (
	"compress/gzip"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/googlegenomics/countreads/internal/bgzf"
	"github.com/googlegenomics/countreads/internal/binary"
	"github.com/googlegenomics/countreads/internal/genomics"
	"github.com/googlegenomics/countreads/internal/index"
)

const (
	baiMagic = "BAI\x01"
	bamMagic = "BAM\x01"

	// This ID is used as a virtual bin ID for (unused) chunk metadata.
	metadataID = 37450

	// This is just to prevent arbitrarily long allocations due to malformed
	// data.  No reference name should be longer than this in practice.
	maximumNameLength = 1024

	// The BAI binning scheme: 16kbp minimal bins and six levels.
	minimumShift = 14
	depth        = 5

	// The size of each tiling window from the linear index, as specified in the
	// SAM specification section 5.1.3.
	linearWindowSize = 1 << minimumShift
)

// References reads the BAM header from bam and returns the reference
// sequences it declares, in header order.  The position of a reference in the
// returned slice is its reference ID.
func References(bam io.Reader) ([]genomics.Reference, error) {
	bam, err := gzip.NewReader(bam)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %v", err)
	}

	if err := binary.ExpectBytes(bam, []byte(bamMagic)); err != nil {
		return nil, fmt.Errorf("reading magic: %v", err)
	}
	var length int32
	if err := binary.Read(bam, &length); err != nil {
		return nil, fmt.Errorf("reading SAM header length: %v", err)
	}
	if length < 0 {
		return nil, fmt.Errorf("invalid SAM header length (%d bytes)", length)
	}
	if _, err := io.CopyN(ioutil.Discard, bam, int64(length)); err != nil {
		return nil, fmt.Errorf("reading past SAM header: %v", err)
	}
	var count int32
	if err := binary.Read(bam, &count); err != nil {
		return nil, fmt.Errorf("reading references count: %v", err)
	}
	if count < 0 {
		return nil, fmt.Errorf("invalid references count (%d)", count)
	}

	var references []genomics.Reference
	for i := int32(0); i < count; i++ {
		name, err := binary.ReadString(bam, maximumNameLength)
		if err != nil {
			return nil, fmt.Errorf("reading name of reference %d: %v", i, err)
		}
		var length int32
		if err := binary.Read(bam, &length); err != nil {
			return nil, fmt.Errorf("reading length of reference %q: %v", name, err)
		}
		references = append(references, genomics.Reference{Name: name, Length: int64(length)})
	}
	return references, nil
}

// Read reads BAI index data from bai and returns the header chunk plus the
// chunks that may hold reads inside the specified region.
func Read(bai io.Reader, region genomics.Region) (*index.Chunks, error) {
	return index.Read(bai, region, baiMagic, &indexReader{})
}

// indexReader decodes the BAI specific parts of an index.
type indexReader struct{}

func (*indexReader) ReadSchemeSize(io.Reader) (int32, int32, error) {
	return minimumShift, depth, nil
}

func (*indexReader) ReadBin(r io.Reader) (*index.Bin, error) {
	var bin struct {
		ID     uint32
		Chunks int32
	}
	if err := binary.Read(r, &bin); err != nil {
		return nil, fmt.Errorf("reading bin header: %v", err)
	}
	return &index.Bin{ID: bin.ID, Chunks: bin.Chunks}, nil
}

func (*indexReader) IsVirtualBin(id uint32) bool {
	return id == metadataID
}

// SelectChunks reads the linear index of the reference and drops candidates
// that end before the first read that could overlap the region.
func (*indexReader) SelectChunks(r io.Reader, region genomics.Region, candidates []*bgzf.Chunk) ([]*bgzf.Chunk, error) {
	var intervals int32
	if err := binary.Read(r, &intervals); err != nil {
		return nil, fmt.Errorf("reading interval count: %v", err)
	}
	if intervals < 0 {
		return nil, fmt.Errorf("invalid interval count (%d intervals)", intervals)
	}
	offsets := make([]uint64, intervals)
	if err := binary.Read(r, &offsets); err != nil {
		return nil, fmt.Errorf("reading offsets: %v", err)
	}

	var firstReadOffset bgzf.Address
	if i := int(region.Start / linearWindowSize); i < len(offsets) {
		firstReadOffset = bgzf.Address(offsets[i])
	}

	var selected []*bgzf.Chunk
	for _, chunk := range candidates {
		if chunk.End < firstReadOffset {
			continue
		}
		selected = append(selected, chunk)
	}
	return selected, nil
}
