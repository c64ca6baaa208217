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

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Options configures access to an S3 compatible store.
type S3Options struct {
	Endpoint string
	Secure   bool
	// AccessKey and SecretKey are optional.  When empty, credentials are read
	// from the standard AWS environment variables.
	AccessKey, SecretKey string
}

// S3Client is a Client for S3 compatible object stores.
type S3Client struct {
	*minio.Client
}

// NewS3Client creates a client for the store described by opts.
func NewS3Client(opts S3Options) (Client, error) {
	creds := credentials.NewEnvAWS()
	if opts.AccessKey != "" {
		creds = credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, "")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("creating S3 client for %s: %v", opts.Endpoint, err)
	}
	return S3Client{client}, nil
}

// NewObjectHandle returns a handle to a specified object in the
// storage engine.
func (c S3Client) NewObjectHandle(bucket, object string) ObjectHandle {
	return &s3ObjectHandle{c.Client, bucket, object}
}

type s3ObjectHandle struct {
	client *minio.Client
	bucket string
	object string
}

func (h *s3ObjectHandle) NewRangeReader(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	var opts minio.GetObjectOptions
	switch {
	case length == 0:
		return io.NopCloser(&emptyReader{}), nil
	case length < 0 && offset > 0:
		if err := opts.SetRange(offset, 0); err != nil {
			return nil, err
		}
	case length > 0:
		if err := opts.SetRange(offset, offset+length-1); err != nil {
			return nil, err
		}
	}

	object, err := h.client.GetObject(ctx, h.bucket, h.object, opts)
	if err != nil {
		return nil, h.wrap(err)
	}
	// GetObject is lazy: Stat forces the request so that missing objects are
	// reported here instead of on the first read.
	if _, err := object.Stat(); err != nil {
		object.Close()
		return nil, h.wrap(err)
	}
	return object, nil
}

func (h *s3ObjectHandle) NewWriter(ctx context.Context) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := h.client.PutObject(ctx, h.bucket, h.object, pr, -1, minio.PutObjectOptions{})
		pr.CloseWithError(err)
		done <- err
	}()
	return &s3Writer{pw, done}, nil
}

func (h *s3ObjectHandle) wrap(err error) error {
	if IsNotExist(err) {
		return fmt.Errorf("s3://%s/%s: %w", h.bucket, h.object, ErrNotExist)
	}
	return err
}

// s3Writer streams writes to a pending PutObject call.
type s3Writer struct {
	*io.PipeWriter
	done <-chan error
}

func (w *s3Writer) Close() error {
	if err := w.PipeWriter.Close(); err != nil {
		return err
	}
	return <-w.done
}

type emptyReader struct{}

func (*emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
