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
	"net/http"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSClient is Client for accessing Google Cloud Storage.
type GCSClient struct {
	*gcs.Client
}

// NewObjectHandle returns a handle to a specified object in the
// storage engine.
func (c GCSClient) NewObjectHandle(bucket, object string) ObjectHandle {
	return gcsObjectHandle{c.Bucket(bucket).Object(object)}
}

type gcsObjectHandle struct {
	*gcs.ObjectHandle
}

func (h gcsObjectHandle) NewRangeReader(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	r, err := h.ObjectHandle.NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, newGCSError(h.ObjectName(), err)
	}
	return r, nil
}

func (h gcsObjectHandle) NewWriter(ctx context.Context) (io.WriteCloser, error) {
	return h.ObjectHandle.NewWriter(ctx), nil
}

// NewDefaultGCSClient returns a storage client that uses the application
// default credentials.
func NewDefaultGCSClient(ctx context.Context) (Client, error) {
	return newGCSClient(ctx)
}

// NewPublicGCSClient returns a storage client that does not use any form of
// client authorization.  It can only be used to read publicly-readable
// objects.
func NewPublicGCSClient(ctx context.Context) (Client, error) {
	return newGCSClient(ctx, option.WithHTTPClient(http.DefaultClient))
}

// NewGCSClientFromToken constructs a storage client that authorizes its
// requests with the provided OAuth2 access token.
func NewGCSClientFromToken(ctx context.Context, accessToken string) (Client, error) {
	token := oauth2.Token{
		TokenType:   "Bearer",
		AccessToken: accessToken,
	}
	return newGCSClient(ctx, option.WithTokenSource(oauth2.StaticTokenSource(&token)))
}

func newGCSClient(ctx context.Context, opts ...option.ClientOption) (Client, error) {
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %v", err)
	}
	return GCSClient{client}, nil
}

func newGCSError(object string, err error) error {
	if err == gcs.ErrObjectNotExist {
		return fmt.Errorf("%s: %w", object, ErrNotExist)
	}
	if err, ok := err.(*googleapi.Error); ok {
		switch err.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%s: invalid authentication: %w", object, err)
		case http.StatusForbidden:
			return fmt.Errorf("%s: permission denied: %w", object, err)
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", object, ErrNotExist)
		}
	}
	return err
}
