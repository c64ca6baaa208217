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

package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileClient is a Client for the local file system.  Buckets are ignored and
// object names are file names.
type FileClient struct{}

// NewObjectHandle returns a handle to the named file.
func (FileClient) NewObjectHandle(_, object string) ObjectHandle {
	return fileHandle(object)
}

type fileHandle string

// fileRangeReader reads a section of an open file and closes the file when
// done.
type fileRangeReader struct {
	*io.SectionReader
	file *os.File
}

func (r *fileRangeReader) Close() error {
	return r.file.Close()
}

func (name fileHandle) NewRangeReader(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(string(name))
	if err != nil {
		return nil, err
	}
	if length < 0 {
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("stat %s: %v", name, err)
		}
		length = info.Size() - offset
		if length < 0 {
			length = 0
		}
	}
	return &fileRangeReader{io.NewSectionReader(file, offset, length), file}, nil
}

func (name fileHandle) NewWriter(ctx context.Context) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(string(name)); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %v", dir, err)
		}
	}
	return os.Create(string(name))
}
