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

// Package csi contains support for querying CSI indexes of BAM files
// (http://samtools.github.io/hts-specs/CSIv1.pdf).
package csi

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
	csiMagic = "CSI\x01"

	// Pseudo-bin holding per-reference metadata, derived from the depth.
	metadataOffset = 1
)

// Read reads CSI formatted index data from r and returns the header chunk plus
// the chunks that may hold records inside region.
func Read(r io.Reader, region genomics.Region) (*index.Chunks, error) {
	csi, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("initializing gzip reader: %v", err)
	}
	defer csi.Close()
	return index.Read(csi, region, csiMagic, &indexReader{})
}

// indexReader decodes the CSI specific parts of an index.
type indexReader struct {
	depth int32
}

func (ir *indexReader) ReadSchemeSize(csi io.Reader) (int32, int32, error) {
	var header struct {
		MinimumShift    int32
		Depth           int32
		AuxiliaryLength int32
	}
	if err := binary.Read(csi, &header); err != nil {
		return 0, 0, fmt.Errorf("reading the csi header: %v", err)
	}
	if header.AuxiliaryLength < 0 {
		return 0, 0, fmt.Errorf("invalid auxiliary length (%d bytes)", header.AuxiliaryLength)
	}
	if _, err := io.CopyN(ioutil.Discard, csi, int64(header.AuxiliaryLength)); err != nil {
		return 0, 0, fmt.Errorf("reading past auxiliary data: %v", err)
	}
	ir.depth = header.Depth
	return header.MinimumShift, header.Depth, nil
}

func (*indexReader) ReadBin(r io.Reader) (*index.Bin, error) {
	var bin index.Bin
	if err := binary.Read(r, &bin); err != nil {
		return nil, fmt.Errorf("reading bin header: %v", err)
	}
	return &bin, nil
}

// IsVirtualBin reports whether id is the metadata pseudo-bin, which is one
// past the last real bin of the scheme: ((1<<(3*(depth+1)))-1)/7 + 1.
func (ir *indexReader) IsVirtualBin(id uint32) bool {
	return id == uint32(((1<<uint(3*(ir.depth+1)))-1)/7+metadataOffset)
}

// SelectChunks returns all candidates: CSI has no linear index, the bin
// offsets already filtered them.
func (*indexReader) SelectChunks(_ io.Reader, _ genomics.Region, candidates []*bgzf.Chunk) ([]*bgzf.Chunk, error) {
	return candidates, nil
}
