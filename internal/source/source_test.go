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

package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/googlegenomics/countreads/internal/fetch"
	"github.com/googlegenomics/countreads/internal/genomics"
	"github.com/googlegenomics/countreads/internal/shard"
)

const (
	testShardSize = 1000000
	readsPerShard = 10
)

// overlappingSource behaves like the reads API with the Overlaps policy: each
// shard has readsPerShard reads, the last one ending past the shard, and the
// shard after it returns that read again.  Pages hold four reads.
type overlappingSource struct{}

func (overlappingSource) shardReads(iv genomics.Interval) []genomics.Read {
	var reads []genomics.Read
	if iv.Start > 0 {
		reads = append(reads, genomics.Read{
			FragmentName:  fmt.Sprintf("frag-%d", iv.Start-50),
			ReferenceName: iv.ReferenceName,
			Position:      iv.Start - 50,
		})
	}
	step := iv.Length() / readsPerShard
	for j := int64(0); j < readsPerShard; j++ {
		position := iv.Start + j*step + step - 50
		reads = append(reads, genomics.Read{
			FragmentName:  fmt.Sprintf("frag-%d", position),
			ReferenceName: iv.ReferenceName,
			Position:      position,
		})
	}
	return reads
}

func (s overlappingSource) SearchReads(ctx context.Context, req shard.Request, token string) (*fetch.Page, error) {
	reads := s.shardReads(req.Interval)
	start := 0
	if token != "" {
		fmt.Sscanf(token, "%d", &start)
	}
	end := start + 4
	if end >= len(reads) {
		return &fetch.Page{Reads: reads[start:]}, nil
	}
	return &fetch.Page{Reads: reads[start:end], NextPageToken: fmt.Sprint(end)}, nil
}

func exampleRequests(t *testing.T) []shard.Request {
	b := &shard.Builder{ShardSize: testShardSize, Source: shard.APIRequest, ReadGroupSetID: "rgs"}
	reqs, err := b.Build(context.Background(), []genomics.Interval{{"chr1", 0, 3000000}})
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	return reqs
}

// count drains a stream and returns the number of reads.
func count(batches <-chan []genomics.Read, wait func() error) (int, error) {
	var n int
	for batch := range batches {
		n += len(batch)
	}
	return n, wait()
}

func newAPIReader() *APIReader {
	return &APIReader{Fetcher: fetch.NewFetcher(overlappingSource{}), BatchSize: 3}
}

func TestSharded_ExampleRegion(t *testing.T) {
	s := &Sharded{Reader: newAPIReader(), Workers: 2}
	n, err := count(s.Stream(context.Background(), exampleRequests(t)))
	require.NoError(t, err)
	assert.Equal(t, 30, n)
}

func TestSharded_WithoutAttribution(t *testing.T) {
	reqs := exampleRequests(t)
	for i := range reqs {
		reqs[i].Policy = shard.Strict
	}
	s := &Sharded{Reader: newAPIReader()}
	n, err := count(s.Stream(context.Background(), reqs))
	require.NoError(t, err)
	assert.Equal(t, 32, n, "boundary reads are returned twice when not attributed")
}

func TestSharded_Idempotent(t *testing.T) {
	reqs := exampleRequests(t)
	s := &Sharded{Reader: newAPIReader(), Workers: 3}

	first, err := count(s.Stream(context.Background(), reqs))
	require.NoError(t, err)
	second, err := count(s.Stream(context.Background(), reqs))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// fixedSource returns, like the reads API, every read of reads that overlaps
// the requested interval.  Reads are 100 bases long.
type fixedSource []genomics.Read

func (s fixedSource) SearchReads(ctx context.Context, req shard.Request, token string) (*fetch.Page, error) {
	iv := req.Interval
	var page fetch.Page
	for _, read := range s {
		if read.ReferenceName == iv.ReferenceName && read.Position+100 > iv.Start && (iv.End == genomics.ToEnd || read.Position < iv.End) {
			page.Reads = append(page.Reads, read)
		}
	}
	return &page, nil
}

func TestSharded_OverlappingIntervals(t *testing.T) {
	intervals, err := genomics.ParseIntervals("chr1:0:2000,chr1:1000:3000")
	require.NoError(t, err)
	b := &shard.Builder{ShardSize: 1000, Source: shard.APIRequest, ReadGroupSetID: "rgs"}
	reqs, err := b.Build(context.Background(), intervals)
	require.NoError(t, err)

	source := fixedSource{{FragmentName: "frag", ReferenceName: "chr1", Position: 1500}}
	s := &Sharded{Reader: &APIReader{Fetcher: fetch.NewFetcher(source)}, Workers: 2}
	n, err := count(s.Stream(context.Background(), reqs))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSharded_Empty(t *testing.T) {
	s := &Sharded{Reader: newAPIReader()}
	n, err := count(s.Stream(context.Background(), nil))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSharded_ShardDone(t *testing.T) {
	var (
		mu   sync.Mutex
		done = make(map[int]int)
	)
	s := &Sharded{
		Reader: newAPIReader(),
		ShardDone: func(req shard.Request, reads int) {
			mu.Lock()
			defer mu.Unlock()
			done[req.Index] = reads
		},
	}
	_, err := count(s.Stream(context.Background(), exampleRequests(t)))
	require.NoError(t, err)
	assert.Equal(t, map[int]int{0: 10, 1: 10, 2: 10}, done)
}

// funcReader adapts a function to ShardReader.
type funcReader func(ctx context.Context, req shard.Request, emit func([]genomics.Read) error) error

func (f funcReader) ReadShard(ctx context.Context, req shard.Request, emit func([]genomics.Read) error) error {
	return f(ctx, req, emit)
}

func TestSharded_Failure(t *testing.T) {
	cause := errors.New("permission denied")
	reader := funcReader(func(ctx context.Context, req shard.Request, emit func([]genomics.Read) error) error {
		if req.Index == 1 {
			return &fetch.FatalError{Err: cause, Attempts: 1}
		}
		if err := emit([]genomics.Read{{ReferenceName: "chr1", Position: req.Interval.Start}}); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})

	s := &Sharded{Reader: reader, Workers: 3}
	_, err := count(s.Stream(context.Background(), exampleRequests(t)))

	var shardErr *ShardError
	require.True(t, errors.As(err, &shardErr), "got %v, want ShardError", err)
	assert.Equal(t, 1, shardErr.Request.Index)
	assert.True(t, errors.Is(err, cause))
	assert.True(t, strings.Contains(err.Error(), "chr1:[1000000,2000000)"), "message %q does not name the interval", err)
}

func TestSharded_WorkerBound(t *testing.T) {
	const workers = 2
	var active, peak int32
	reader := funcReader(func(ctx context.Context, req shard.Request, emit func([]genomics.Read) error) error {
		n := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return emit([]genomics.Read{{}})
	})

	var reqs []shard.Request
	for i := 0; i < 10; i++ {
		reqs = append(reqs, shard.Request{Index: i})
	}
	s := &Sharded{Reader: reader, Workers: workers}
	n, err := count(s.Stream(context.Background(), reqs))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.True(t, peak <= workers, "peak concurrency %d exceeds %d workers", peak, workers)
}

func TestSharded_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Sharded{Reader: newAPIReader()}
	_, err := count(s.Stream(ctx, exampleRequests(t)))
	assert.Error(t, err)
}

func TestAttributed(t *testing.T) {
	left := shard.Request{Interval: genomics.Interval{"chr1", 0, 1000}}
	right := shard.Request{Interval: genomics.Interval{"chr1", 1000, 2000}}

	testCases := []struct {
		name        string
		read        genomics.Read
		left, right bool
	}{
		{"inside left", genomics.Read{ReferenceName: "chr1", Position: 999}, true, false},
		{"at boundary", genomics.Read{ReferenceName: "chr1", Position: 1000}, false, true},
		{"other reference", genomics.Read{ReferenceName: "chr2", Position: 10}, false, false},
		{"past right", genomics.Read{ReferenceName: "chr1", Position: 2000}, false, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.left, Attributed(left, tc.read), "left shard")
			assert.Equal(t, tc.right, Attributed(right, tc.read), "right shard")
		})
	}
}

type fakeScanner struct {
	reads []genomics.Read
	err   error
}

func (s *fakeScanner) Scan(ctx context.Context, intervals []genomics.Interval, emit func([]genomics.Read) error) error {
	for _, read := range s.reads {
		for _, iv := range intervals {
			if iv.ReferenceName == read.ReferenceName && iv.Contains(read.Position) {
				if err := emit([]genomics.Read{read}); err != nil {
					return err
				}
				break
			}
		}
	}
	return s.err
}

func TestSequential(t *testing.T) {
	scanner := &fakeScanner{reads: []genomics.Read{
		{ReferenceName: "chr1", Position: 5},
		{ReferenceName: "chr1", Position: 50},
		{ReferenceName: "chr2", Position: 5},
	}}
	s := &Sequential{Scanner: scanner, Intervals: []genomics.Interval{{"chr1", 0, 10}, {"chr2", 0, genomics.ToEnd}}}
	n, err := count(s.Stream(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	scanner.err = errors.New("truncated file")
	_, err = count(s.Stream(context.Background()))
	assert.EqualError(t, err, "truncated file")
}
