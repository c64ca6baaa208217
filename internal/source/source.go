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

// Package source reads the shards of a request list concurrently and merges
// their reads into a single unordered stream in which every read appears
// once.
package source

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/googlegenomics/countreads/internal/bamfile"
	"github.com/googlegenomics/countreads/internal/fetch"
	"github.com/googlegenomics/countreads/internal/genomics"
	"github.com/googlegenomics/countreads/internal/shard"
)

const (
	// DefaultWorkers is the default number of shards read concurrently.
	DefaultWorkers = 4

	defaultBatchSize = 512
)

// ShardReader reads the reads attributed to a single shard.
type ShardReader interface {
	// ReadShard calls emit with batches of reads.  It stops and returns the
	// error if emit fails.
	ReadShard(ctx context.Context, req shard.Request, emit func([]genomics.Read) error) error
}

// ShardError reports the failure of a shard.
type ShardError struct {
	Request shard.Request
	Err     error
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("shard %d (%s) failed: %v", e.Request.Index, e.Request.Interval, e.Err)
}

func (e *ShardError) Unwrap() error { return e.Err }

// Attributed reports whether read belongs to the shard of req: its alignment
// starts inside the shard's interval.  Every read is attributed to exactly
// one of a set of shards tiling an interval.
func Attributed(req shard.Request, read genomics.Read) bool {
	return read.ReferenceName == req.Interval.ReferenceName && req.Interval.Contains(read.Position)
}

// APIReader reads shards through a paginated fetcher.
type APIReader struct {
	Fetcher   *fetch.Fetcher
	BatchSize int
}

// ReadShard implements ShardReader.  Reads that overlap the shard without
// starting in it are dropped when the request has the Overlaps policy.
func (r *APIReader) ReadShard(ctx context.Context, req shard.Request, emit func([]genomics.Read) error) error {
	size := r.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}

	it := r.Fetcher.Fetch(ctx, req)
	batch := make([]genomics.Read, 0, size)
	for it.Next() {
		read := it.Read()
		if req.Policy == shard.Overlaps && !Attributed(req, read) {
			continue
		}
		batch = append(batch, read)
		if len(batch) == size {
			if err := emit(batch); err != nil {
				return err
			}
			batch = make([]genomics.Read, 0, size)
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return emit(batch)
	}
	return nil
}

// FileReader reads shards from an indexed BAM file.
type FileReader struct {
	Reader *bamfile.Reader
}

// ReadShard implements ShardReader.
func (r *FileReader) ReadShard(ctx context.Context, req shard.Request, emit func([]genomics.Read) error) error {
	if req.Kind != shard.FileRequest {
		return fmt.Errorf("cannot read %s request from a BAM file", req.Kind)
	}
	return r.Reader.ReadShard(ctx, req, emit)
}

// Sharded reads many shards concurrently.
type Sharded struct {
	Reader  ShardReader
	Workers int
	// ShardDone, if set, is called after each shard completes with the number
	// of reads it produced.  It may be called from several goroutines.
	ShardDone func(req shard.Request, reads int)
}

// Stream starts reading reqs and returns the merged stream of read batches
// together with a function that waits for the workers.  The channel is closed
// once every worker has stopped.  The wait function returns the first shard
// failure as a *ShardError; after a failure the remaining shards are
// cancelled and the stream must not be considered complete.
func (s *Sharded) Stream(ctx context.Context, reqs []shard.Request) (<-chan []genomics.Read, func() error) {
	workers := s.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	g, ctx := errgroup.WithContext(ctx)
	jobs := make(chan shard.Request)
	out := make(chan []genomics.Read, workers*2)

	g.Go(func() error {
		defer close(jobs)
		for _, req := range reqs {
			select {
			case jobs <- req:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for req := range jobs {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := s.readShard(ctx, req, out); err != nil {
					return &ShardError{Request: req, Err: err}
				}
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(out)
	}()

	var (
		once sync.Once
		err  error
	)
	wait := func() error {
		once.Do(func() { err = <-done })
		return err
	}
	return out, wait
}

func (s *Sharded) readShard(ctx context.Context, req shard.Request, out chan<- []genomics.Read) error {
	var reads int
	err := s.Reader.ReadShard(ctx, req, func(batch []genomics.Read) error {
		select {
		case out <- batch:
			reads += len(batch)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return err
	}
	log.Printf("Finished %s: %d reads", req, reads)
	if s.ShardDone != nil {
		s.ShardDone(req, reads)
	}
	return nil
}

// Scanner reads a whole file in a single pass.
type Scanner interface {
	Scan(ctx context.Context, intervals []genomics.Interval, emit func([]genomics.Read) error) error
}

// Sequential streams the reads of a single sequential scan, keeping the reads
// that start in any of Intervals.
type Sequential struct {
	Scanner   Scanner
	Intervals []genomics.Interval
}

// Stream behaves like Sharded.Stream for a single pass over the whole input.
func (s *Sequential) Stream(ctx context.Context) (<-chan []genomics.Read, func() error) {
	g, ctx := errgroup.WithContext(ctx)
	out := make(chan []genomics.Read, 2)
	g.Go(func() error {
		defer close(out)
		return s.Scanner.Scan(ctx, s.Intervals, func(batch []genomics.Read) error {
			select {
			case out <- batch:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	var (
		once sync.Once
		err  error
	)
	wait := func() error {
		once.Do(func() { err = g.Wait() })
		return err
	}
	return out, wait
}
