// Copyright 2017 Google Inc.
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

package bamfile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/googlegenomics/countreads/internal/bgzf"
	"github.com/googlegenomics/countreads/internal/storage"
)

// readChunk returns the BGZF blocks that hold exactly the data of chunk.
// Partial blocks at either end are decoded, cut and re-encoded.
func readChunk(ctx context.Context, object storage.ObjectHandle, chunk bgzf.Chunk) (io.ReadCloser, error) {
	start, end := chunk.Start, chunk.End
	head, tail := int64(start.BlockOffset()), int64(end.BlockOffset())

	if chunk.Empty() {
		return ioutil.NopCloser(bytes.NewReader(nil)), nil
	}

	// The simple (unlikely) case is when the chunk resides in a single block.
	if head == tail {
		decoded, _, err := decodeBlockAt(ctx, object, head)
		if err != nil {
			return nil, fmt.Errorf("decoding block: %v", err)
		}
		if int(end.DataOffset()) > len(decoded) {
			return nil, fmt.Errorf("chunk %s ends past its block (%d bytes)", &chunk, len(decoded))
		}
		encoded, err := bgzf.EncodeBlock(decoded[start.DataOffset():end.DataOffset()])
		if err != nil {
			return nil, fmt.Errorf("encoding block: %v", err)
		}
		return ioutil.NopCloser(bytes.NewReader(encoded)), nil
	}

	var readers []io.Reader
	var closers []io.Closer

	// Read the first block and reconstruct a prefix block.
	if start.DataOffset() != 0 {
		decoded, length, err := decodeBlockAt(ctx, object, head)
		if err != nil {
			return nil, fmt.Errorf("decoding first block: %v", err)
		}
		if int(start.DataOffset()) > len(decoded) {
			return nil, fmt.Errorf("chunk %s starts past its block (%d bytes)", &chunk, len(decoded))
		}

		head += int64(length)

		encoded, err := bgzf.EncodeBlock(decoded[start.DataOffset():])
		if err != nil {
			return nil, fmt.Errorf("encoding prefix: %v", err)
		}
		readers = append(readers, bytes.NewReader(encoded))
	}

	// Read any intermediate blocks (no modification needed).
	if tail-head > 0 {
		r, err := object.NewRangeReader(ctx, head, tail-head)
		if err != nil {
			return nil, fmt.Errorf("opening body blocks: %w", err)
		}
		readers = append(readers, r)
		closers = append(closers, r)
	}

	// Read the last block and reconstruct a suffix block.
	if end.DataOffset() != 0 {
		decoded, _, err := decodeBlockAt(ctx, object, tail)
		if err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("decoding last block: %v", err)
		}
		if int(end.DataOffset()) > len(decoded) {
			closeAll(closers)
			return nil, fmt.Errorf("chunk %s ends past its block (%d bytes)", &chunk, len(decoded))
		}
		encoded, err := bgzf.EncodeBlock(decoded[:end.DataOffset()])
		if err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("encoding suffix: %v", err)
		}
		readers = append(readers, bytes.NewReader(encoded))
	}

	return &multiReadCloser{
		Reader:  io.MultiReader(readers...),
		closers: closers,
	}, nil
}

func decodeBlockAt(ctx context.Context, object storage.ObjectHandle, offset int64) ([]byte, uint16, error) {
	block, err := object.NewRangeReader(ctx, offset, bgzf.MaximumBlockSize)
	if err != nil {
		return nil, 0, fmt.Errorf("opening block at %d: %w", offset, err)
	}
	defer block.Close()
	return bgzf.DecodeBlock(block)
}

type multiReadCloser struct {
	io.Reader

	closers []io.Closer
}

func (mrc *multiReadCloser) Close() error {
	return closeAll(mrc.closers)
}

func closeAll(closers []io.Closer) error {
	var errors []error
	for _, closer := range closers {
		if err := closer.Close(); err != nil {
			errors = append(errors, err)
		}
	}
	if len(errors) > 0 {
		return fmt.Errorf("one or more errors: %v", errors)
	}
	return nil
}

// chunkStream concatenates the blocks of a sequence of chunks, opening each
// chunk only once the previous one is exhausted.  The stream is terminated
// by a BGZF end-of-file marker.
type chunkStream struct {
	ctx    context.Context
	object storage.ObjectHandle
	chunks []bgzf.Chunk

	current io.ReadCloser
	done    bool
}

func (s *chunkStream) Read(p []byte) (int, error) {
	for {
		if s.current == nil {
			if s.done {
				return 0, io.EOF
			}
			if len(s.chunks) == 0 {
				s.current = ioutil.NopCloser(bytes.NewReader(bgzf.EOFMarker))
				s.done = true
				continue
			}
			r, err := readChunk(s.ctx, s.object, s.chunks[0])
			if err != nil {
				return 0, fmt.Errorf("reading chunk %s: %w", &s.chunks[0], err)
			}
			s.current, s.chunks = r, s.chunks[1:]
		}

		n, err := s.current.Read(p)
		if err == io.EOF {
			closeErr := s.current.Close()
			s.current = nil
			if closeErr != nil {
				return n, closeErr
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *chunkStream) Close() error {
	s.chunks, s.done = nil, true
	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current = nil
	return err
}
