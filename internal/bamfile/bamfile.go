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

// Package bamfile reads the alignments of indexed BAM files, either one shard
// at a time through the BAI or CSI index or in a single sequential pass.
package bamfile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"sync"

	hbam "github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"

	"github.com/googlegenomics/countreads/internal/bam"
	"github.com/googlegenomics/countreads/internal/bgzf"
	"github.com/googlegenomics/countreads/internal/csi"
	"github.com/googlegenomics/countreads/internal/genomics"
	"github.com/googlegenomics/countreads/internal/index"
	"github.com/googlegenomics/countreads/internal/shard"
	"github.com/googlegenomics/countreads/internal/storage"
)

const (
	// DefaultBlockSizeLimit bounds the size of merged chunks.
	DefaultBlockSizeLimit = 1 << 30

	batchSize = 512
)

// IndexFormat identifies the kind of a BAM index.
type IndexFormat int

const (
	BAI IndexFormat = iota
	CSI
)

func (f IndexFormat) String() string {
	if f == CSI {
		return "CSI"
	}
	return "BAI"
}

// Index is a candidate index object for a BAM file.
type Index struct {
	Object storage.ObjectHandle
	Format IndexFormat
}

// Reader reads the alignments of a single BAM file.  It is safe for
// concurrent use.
type Reader struct {
	object  storage.ObjectHandle
	indexes []Index

	// BlockSizeLimit bounds the size of merged chunks.
	BlockSizeLimit uint64

	mu         sync.Mutex
	references []genomics.Reference
	index      []byte
	format     IndexFormat
}

// NewReader returns a Reader for the BAM data in object.  The first index in
// indexes that exists is used for sharded reads.
func NewReader(object storage.ObjectHandle, indexes ...Index) *Reader {
	return &Reader{
		object:         object,
		indexes:        indexes,
		BlockSizeLimit: DefaultBlockSizeLimit,
	}
}

// Open returns a Reader for the BAM file at path.  The index is looked up
// next to the file as path.bai, path without its .bam suffix plus .bai and
// path.csi, in that order.
func Open(ctx context.Context, locator *storage.Locator, path string) (*Reader, error) {
	p, err := storage.ParsePath(path)
	if err != nil {
		return nil, err
	}
	object, err := locator.Object(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %v", p, err)
	}

	candidates := []struct {
		path   storage.Path
		format IndexFormat
	}{
		{p.WithSuffix(".bai"), BAI},
		{p.TrimSuffix(".bam").WithSuffix(".bai"), BAI},
		{p.WithSuffix(".csi"), CSI},
	}
	var indexes []Index
	for _, c := range candidates {
		handle, err := locator.Object(ctx, c.path)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %v", c.path, err)
		}
		indexes = append(indexes, Index{handle, c.format})
	}
	if !strings.HasSuffix(p.Object, ".bam") {
		// The second candidate duplicates the first.
		indexes = append(indexes[:1], indexes[2:]...)
	}
	return NewReader(object, indexes...), nil
}

// Header returns the references declared by the BAM header.
func (r *Reader) Header(ctx context.Context) ([]genomics.Reference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.references != nil {
		return r.references, nil
	}

	data, err := r.object.NewRangeReader(ctx, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("opening BAM file: %w", err)
	}
	defer data.Close()

	references, err := bam.References(data)
	if err != nil {
		return nil, fmt.Errorf("reading BAM header: %v", err)
	}
	if references == nil {
		references = []genomics.Reference{}
	}
	r.references = references
	return references, nil
}

// References implements shard.Metadata.
func (r *Reader) References(ctx context.Context) ([]genomics.Reference, error) {
	return r.Header(ctx)
}

// ReferenceLength implements shard.Metadata.
func (r *Reader) ReferenceLength(ctx context.Context, name string) (int64, error) {
	_, ref, err := r.reference(ctx, name)
	if err != nil {
		return 0, err
	}
	return ref.Length, nil
}

func (r *Reader) reference(ctx context.Context, name string) (int32, genomics.Reference, error) {
	references, err := r.Header(ctx)
	if err != nil {
		return 0, genomics.Reference{}, err
	}
	for i, ref := range references {
		if ref.Name == name {
			return int32(i), ref, nil
		}
	}
	return 0, genomics.Reference{}, fmt.Errorf("no reference named %q found", name)
}

// loadIndex returns the contents of the first index that exists.
func (r *Reader) loadIndex(ctx context.Context) ([]byte, IndexFormat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.index != nil {
		return r.index, r.format, nil
	}
	if len(r.indexes) == 0 {
		return nil, 0, fmt.Errorf("no index configured")
	}

	var lastErr error
	for _, candidate := range r.indexes {
		data, err := readAll(ctx, candidate.Object)
		if storage.IsNotExist(err) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("reading %s index: %w", candidate.Format, err)
		}
		r.index, r.format = data, candidate.Format
		return data, candidate.Format, nil
	}
	return nil, 0, fmt.Errorf("opening index: %w", lastErr)
}

func readAll(ctx context.Context, object storage.ObjectHandle) ([]byte, error) {
	r, err := object.NewRangeReader(ctx, 0, -1)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ioutil.ReadAll(r)
}

// chunks queries the index for the chunks of interval.
func (r *Reader) chunks(ctx context.Context, iv genomics.Interval) (*index.Chunks, error) {
	id, _, err := r.reference(ctx, iv.ReferenceName)
	if err != nil {
		return nil, err
	}
	data, format, err := r.loadIndex(ctx)
	if err != nil {
		return nil, err
	}

	region := iv.Region(id)
	switch format {
	case CSI:
		return csi.Read(bytes.NewReader(data), region)
	default:
		return bam.Read(bytes.NewReader(data), region)
	}
}

// ReadShard calls emit with batches of the mapped reads that start inside the
// interval of req.
func (r *Reader) ReadShard(ctx context.Context, req shard.Request, emit func([]genomics.Read) error) error {
	iv := req.Interval
	if err := iv.Validate(); err != nil {
		return err
	}

	chunks, err := r.chunks(ctx, iv)
	if err != nil {
		return fmt.Errorf("querying index: %w", err)
	}
	if chunks.Header.End == bgzf.LastAddress || len(chunks.Data) == 0 {
		return nil
	}

	merged := []bgzf.Chunk{chunks.Header}
	for _, chunk := range bgzf.Merge(chunks.Data, r.BlockSizeLimit) {
		merged = append(merged, *chunk)
	}
	stream := &chunkStream{ctx: ctx, object: r.object, chunks: merged}
	defer stream.Close()

	return decode(ctx, stream, func(rec *sam.Record) bool {
		return rec.Ref.Name() == iv.ReferenceName && iv.Contains(int64(rec.Pos))
	}, emit)
}

// Scan reads the whole file sequentially and calls emit with batches of the
// mapped reads that start inside any of intervals.  If intervals is empty
// every mapped read is returned.
func (r *Reader) Scan(ctx context.Context, intervals []genomics.Interval, emit func([]genomics.Read) error) error {
	byReference := make(map[string][]genomics.Interval)
	for _, iv := range intervals {
		if err := iv.Validate(); err != nil {
			return err
		}
		byReference[iv.ReferenceName] = append(byReference[iv.ReferenceName], iv)
	}

	data, err := r.object.NewRangeReader(ctx, 0, -1)
	if err != nil {
		return fmt.Errorf("opening BAM file: %w", err)
	}
	defer data.Close()

	return decode(ctx, data, func(rec *sam.Record) bool {
		if len(intervals) == 0 {
			return true
		}
		for _, iv := range byReference[rec.Ref.Name()] {
			if iv.Contains(int64(rec.Pos)) {
				return true
			}
		}
		return false
	}, emit)
}

// decode reads BAM records from data and emits the mapped ones accepted by
// keep, in batches.
func decode(ctx context.Context, data io.Reader, keep func(*sam.Record) bool, emit func([]genomics.Read) error) error {
	br, err := hbam.NewReader(data, 1)
	if err != nil {
		return fmt.Errorf("reading BAM header: %v", err)
	}
	defer br.Close()

	batch := make([]genomics.Read, 0, batchSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := br.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading BAM record: %v", err)
		}
		if rec.Ref == nil || rec.Flags&sam.Unmapped != 0 || !keep(rec) {
			continue
		}

		batch = append(batch, convert(rec))
		if len(batch) == batchSize {
			if err := emit(batch); err != nil {
				return err
			}
			batch = make([]genomics.Read, 0, batchSize)
		}
	}
	if len(batch) > 0 {
		return emit(batch)
	}
	return nil
}

func convert(rec *sam.Record) genomics.Read {
	read := genomics.Read{
		FragmentName:  rec.Name,
		ReferenceName: rec.Ref.Name(),
		Position:      int64(rec.Pos),
		ReverseStrand: rec.Flags&sam.Reverse != 0,
	}
	if rec.Flags&sam.Read2 != 0 {
		read.ReadNumber = 1
	}
	return read
}
