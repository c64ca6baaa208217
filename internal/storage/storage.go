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

// Package storage provides uniform ranged access to objects held on the local
// file system, in Google Cloud Storage (gs://) or in an S3 compatible store
// (s3://).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	gcs "cloud.google.com/go/storage"
	"github.com/minio/minio-go/v7"
)

// ErrNotExist is returned (wrapped) when an object does not exist.
var ErrNotExist = errors.New("object does not exist")

// Client is an interface to the storage engine.
type Client interface {
	// NewObjectHandle returns a handle to a specified object in
	// the storage engine.
	NewObjectHandle(bucket, object string) ObjectHandle
}

// ObjectHandle is an interface to the actual storage engine in use.
type ObjectHandle interface {
	// NewRangeReader returns a reader that reads from a specified
	// range. Length of -1 means to capture everything until the
	// end.
	NewRangeReader(ctx context.Context, offset, length int64) (io.ReadCloser, error)
	// NewWriter returns a writer that replaces the object's contents.  The
	// object is only committed when the writer is closed without error.
	NewWriter(ctx context.Context) (io.WriteCloser, error)
}

// Path is a parsed object location.
type Path struct {
	// Scheme is "gs", "s3" or empty for local files.
	Scheme string
	Bucket string
	Object string
}

func (p Path) String() string {
	if p.Scheme == "" {
		return p.Object
	}
	return fmt.Sprintf("%s://%s/%s", p.Scheme, p.Bucket, p.Object)
}

// WithSuffix returns the path of a sibling object, such as an index.
func (p Path) WithSuffix(suffix string) Path {
	p.Object += suffix
	return p
}

// TrimSuffix returns p with suffix removed from the object name.
func (p Path) TrimSuffix(suffix string) Path {
	p.Object = strings.TrimSuffix(p.Object, suffix)
	return p
}

// ParsePath parses gs://bucket/object, s3://bucket/object or a local file
// name.
func ParsePath(path string) (Path, error) {
	for _, scheme := range []string{"gs", "s3"} {
		if rest := strings.TrimPrefix(path, scheme+"://"); rest != path {
			if parts := strings.SplitN(rest, "/", 2); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
				return Path{scheme, parts[0], parts[1]}, nil
			}
			return Path{}, fmt.Errorf("invalid %s path %q: want %s://bucket/object", scheme, path, scheme)
		}
	}
	if path == "" {
		return Path{}, errors.New("empty path")
	}
	return Path{Object: path}, nil
}

// Locator resolves paths to object handles.  Clients for remote stores are
// created on first use and then shared.
type Locator struct {
	// NewGCSClient creates the Google Cloud Storage client.  If nil, a client
	// using application default credentials is created.
	NewGCSClient func(context.Context) (Client, error)
	// NewS3Client creates the S3 client.  If nil, s3:// paths are rejected.
	NewS3Client func(context.Context) (Client, error)

	mu      sync.Mutex
	clients map[string]Client
}

// Object returns a handle to the object at path.
func (l *Locator) Object(ctx context.Context, path Path) (ObjectHandle, error) {
	client, err := l.client(ctx, path.Scheme)
	if err != nil {
		return nil, err
	}
	return client.NewObjectHandle(path.Bucket, path.Object), nil
}

func (l *Locator) client(ctx context.Context, scheme string) (Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if client, ok := l.clients[scheme]; ok {
		return client, nil
	}

	var (
		client Client
		err    error
	)
	switch scheme {
	case "":
		client = FileClient{}
	case "gs":
		if l.NewGCSClient != nil {
			client, err = l.NewGCSClient(ctx)
		} else {
			client, err = NewDefaultGCSClient(ctx)
		}
	case "s3":
		if l.NewS3Client == nil {
			return nil, errors.New("no S3 endpoint configured")
		}
		client, err = l.NewS3Client(ctx)
	default:
		return nil, fmt.Errorf("unsupported scheme %q", scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %v", scheme, err)
	}

	if l.clients == nil {
		l.clients = make(map[string]Client)
	}
	l.clients[scheme] = client
	return client, nil
}

// IsNotExist reports whether err indicates that an object does not exist, in
// any of the supported stores.
func IsNotExist(err error) bool {
	if errors.Is(err, ErrNotExist) || errors.Is(err, os.ErrNotExist) || errors.Is(err, gcs.ErrObjectNotExist) {
		return true
	}
	var response minio.ErrorResponse
	if errors.As(err, &response) {
		return response.Code == "NoSuchKey" || response.Code == "NoSuchBucket"
	}
	return false
}
