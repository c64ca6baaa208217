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

// Package shard turns genomic intervals into an ordered list of independent
// fetch requests, one per shard.
package shard

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/googlegenomics/countreads/internal/genomics"
)

// Kind selects the source a Request is served from.
type Kind int

const (
	// APIRequest is served by the Genomics reads API.
	APIRequest Kind = iota
	// FileRequest is served from an indexed BAM file.
	FileRequest
)

func (k Kind) String() string {
	switch k {
	case APIRequest:
		return "api"
	case FileRequest:
		return "file"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// OverlapPolicy states which reads a source returns for an interval.
type OverlapPolicy int

const (
	// Strict sources return only reads that start inside the interval.
	Strict OverlapPolicy = iota
	// Overlaps sources return every read overlapping the interval, including
	// reads that start before it.
	Overlaps
)

func (p OverlapPolicy) String() string {
	if p == Overlaps {
		return "OVERLAPS"
	}
	return "STRICT"
}

// Request describes the reads of one shard.  Fields that do not apply to the
// request's Kind are left empty.
type Request struct {
	Kind Kind
	// Index is the position of the request in the ordered output of Build.
	Index    int
	Interval genomics.Interval

	// API requests.
	ReadGroupSetID string
	Policy         OverlapPolicy
	PageSize       int64

	// File requests.
	Path string
}

func (r Request) String() string {
	return fmt.Sprintf("shard %d (%s %s)", r.Index, r.Kind, r.Interval)
}

// Metadata provides reference lengths.
type Metadata interface {
	// ReferenceLength returns the length of the named reference.
	ReferenceLength(ctx context.Context, name string) (int64, error)
	// References returns every reference, in their canonical order.
	References(ctx context.Context) ([]genomics.Reference, error)
}

// Builder builds shard requests.
type Builder struct {
	// Metadata resolves intervals that extend to the end of their reference
	// and the whole genome.  It may be nil when every interval is bounded.
	Metadata  Metadata
	ShardSize int64

	Source         Kind
	ReadGroupSetID string
	Path           string
	PageSize       int64
}

// Build splits intervals into shards and returns one request per shard.
// Intervals are grouped by reference, in order of the first appearance of
// each reference, and sorted by start within a reference.  Overlapping
// intervals of a reference are merged, so every base is covered by at most
// one shard.  If intervals is empty every reference known to the metadata is
// used in full.
func (b *Builder) Build(ctx context.Context, intervals []genomics.Interval) ([]Request, error) {
	shardSize := b.ShardSize
	if shardSize == 0 {
		shardSize = genomics.DefaultShardSize
	}

	if len(intervals) == 0 {
		whole, err := b.wholeGenome(ctx)
		if err != nil {
			return nil, err
		}
		intervals = whole
	}

	var resolved []genomics.Interval
	for _, iv := range intervals {
		if err := iv.Validate(); err != nil {
			return nil, err
		}

		length := int64(genomics.UnknownLength)
		if iv.End == genomics.ToEnd {
			var err error
			if length, err = b.referenceLength(ctx, iv.ReferenceName); err != nil {
				log.Printf("Length of %s unknown, using a single unbounded shard: %v", iv.ReferenceName, err)
				length = genomics.UnknownLength
			}
		}
		r, err := iv.Resolve(length)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, r)
	}

	var requests []Request
	for _, iv := range mergeOverlapping(orderIntervals(resolved)) {
		shards, err := genomics.Split(iv, genomics.UnknownLength, shardSize)
		if err != nil {
			return nil, err
		}
		for _, s := range shards {
			requests = append(requests, b.request(len(requests), s))
		}
	}
	return requests, nil
}

func (b *Builder) request(index int, interval genomics.Interval) Request {
	req := Request{
		Kind:     b.Source,
		Index:    index,
		Interval: interval,
	}
	switch b.Source {
	case APIRequest:
		req.ReadGroupSetID = b.ReadGroupSetID
		req.Policy = Overlaps
		req.PageSize = b.PageSize
	case FileRequest:
		req.Path = b.Path
		req.Policy = Strict
	}
	return req
}

func (b *Builder) referenceLength(ctx context.Context, name string) (int64, error) {
	if b.Metadata == nil {
		return 0, fmt.Errorf("no reference metadata available")
	}
	return b.Metadata.ReferenceLength(ctx, name)
}

func (b *Builder) wholeGenome(ctx context.Context) ([]genomics.Interval, error) {
	if b.Metadata == nil {
		return nil, fmt.Errorf("no references given and no reference metadata available")
	}
	references, err := b.Metadata.References(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing references: %w", err)
	}
	var intervals []genomics.Interval
	for _, ref := range references {
		end := ref.Length
		if end < 0 {
			end = genomics.ToEnd
		}
		intervals = append(intervals, genomics.Interval{ReferenceName: ref.Name, End: end})
	}
	return intervals, nil
}

// orderIntervals groups intervals by reference in order of first appearance
// and sorts each group by start.  The input is not modified.
func orderIntervals(intervals []genomics.Interval) []genomics.Interval {
	rank := make(map[string]int)
	for _, iv := range intervals {
		if _, ok := rank[iv.ReferenceName]; !ok {
			rank[iv.ReferenceName] = len(rank)
		}
	}

	ordered := append([]genomics.Interval(nil), intervals...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if rank[a.ReferenceName] != rank[b.ReferenceName] {
			return rank[a.ReferenceName] < rank[b.ReferenceName]
		}
		return a.Start < b.Start
	})
	return ordered
}

// mergeOverlapping joins overlapping intervals of the same reference so that
// no base belongs to two shards.  ordered must be grouped by reference and
// sorted by start, as returned by orderIntervals.  Adjacent intervals are
// kept apart.
func mergeOverlapping(ordered []genomics.Interval) []genomics.Interval {
	var merged []genomics.Interval
	for _, iv := range ordered {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.ReferenceName == iv.ReferenceName && (last.End == genomics.ToEnd || iv.Start < last.End) {
				if last.End != genomics.ToEnd && (iv.End == genomics.ToEnd || iv.End > last.End) {
					last.End = iv.End
				}
				continue
			}
		}
		merged = append(merged, iv)
	}
	return merged
}

// MapMetadata is a Metadata backed by a fixed list of references.
type MapMetadata []genomics.Reference

// ReferenceLength implements Metadata.
func (m MapMetadata) ReferenceLength(_ context.Context, name string) (int64, error) {
	for _, ref := range m {
		if ref.Name == name {
			return ref.Length, nil
		}
	}
	return 0, fmt.Errorf("unknown reference %q", name)
}

// References implements Metadata.
func (m MapMetadata) References(context.Context) ([]genomics.Reference, error) {
	return m, nil
}
