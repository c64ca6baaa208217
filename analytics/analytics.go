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

// Package analytics provides functions for sending data to Google Analytics.
package analytics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultEndpoint  = "https://www.google-analytics.com/"
	defaultBatchSize = 20 // The maximum number supported by batch endpoint.

	// Category is the event category of every hit sent by countreads.
	Category = "countreads"
)

// Hit represents a single analytics event (called a 'hit').
type Hit map[string]string

// Event generates a new event typed hit.  The label may be empty and the
// value may be nil but category and action are required.
func Event(category, action, label string, value *int64) Hit {
	hit := Hit{
		"t":  "event",
		"ec": category,
		"ea": action,
	}
	if label != "" {
		hit["el"] = label
	}
	if value != nil {
		hit["ev"] = strconv.FormatInt(*value, 10)
	}
	return hit
}

// ShardCompleted records that a shard read from source produced reads.
func ShardCompleted(source string, reads int64) Hit {
	return Event(Category, "shard", source, &reads)
}

// CountCompleted records the final count of a run.
func CountCompleted(source string, total int64) Hit {
	return Event(Category, "count", source, &total)
}

// CountFailed records a failed run.
func CountFailed(source string) Hit {
	return Event(Category, "failure", source, nil)
}

// Client defines a type for communicating with Google Analytics.  To create a
// properly initialized Client instance, use NewClient.
type Client struct {
	propertyID string
	clientID   string
	endpoint   string
	batchSize  int
	httpClient *http.Client
}

// NewClient returns a Client sends hits to analytics using the provided IDs.
// If clientID is empty a random one is generated.
func NewClient(propertyID, clientID string) *Client {
	if clientID == "" {
		clientID = uuid.New().String()
	}
	return &Client{propertyID, clientID, defaultEndpoint, defaultBatchSize, http.DefaultClient}
}

// Send attempts to upload the provided hits to the analytics server.
func (c *Client) Send(ctx context.Context, hits []Hit) error {
	if len(hits) > 0 {
		if err := c.upload(ctx, hits); err != nil {
			return fmt.Errorf("uploading hits: %v", err)
		}
	}
	return nil
}

func (c *Client) upload(ctx context.Context, hits []Hit) error {
	for i := 0; i < len(hits); i += c.batchSize {
		start, end := i, i+c.batchSize
		if end > len(hits) {
			end = len(hits)
		}

		var body bytes.Buffer
		for _, hit := range hits[start:end] {
			payload := url.Values{
				"v":   []string{"1"},
				"tid": []string{c.propertyID},
				"cid": []string{c.clientID},
			}
			for key, value := range hit {
				payload.Add(key, value)
			}
			body.WriteString(payload.Encode())
			body.WriteByte('\n')
		}

		request, err := http.NewRequest("POST", c.endpoint+"/batch", &body)
		if err != nil {
			return fmt.Errorf("creating request: %v", err)
		}
		response, err := c.httpClient.Do(request.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("sending request: %v", err)
		}
		io.Copy(ioutil.Discard, response.Body)
		response.Body.Close()
		if response.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected response status: %v", response.Status)
		}
	}
	return nil
}

type contextKey int

var (
	hitsKey = contextKey(1)
)

// recorder accumulates hits from concurrent goroutines.
type recorder struct {
	mu   sync.Mutex
	hits []Hit
}

func (r *recorder) add(hit Hit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits = append(r.hits, hit)
}

func (r *recorder) collect() []Hit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Hit(nil), r.hits...)
}

// NewContext returns a context for use with TrackerFromContext and a
// function that returns the hits accumulated so far.
func NewContext(ctx context.Context) (context.Context, func() []Hit) {
	r := &recorder{}
	return context.WithValue(ctx, hitsKey, r), r.collect
}

// TrackingHandler returns a new http.Handler which wraps the provided
// handler.  The wrapper prepares the incoming request's context for use with
// the TrackerFromContext function.  When the underlying handler completes,
// the track function is invoked with any hits accumulated during the request.
func TrackingHandler(handler http.Handler, track func([]Hit)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx, hits := NewContext(req.Context())
		handler.ServeHTTP(w, req.WithContext(ctx))
		track(hits())
	})
}

// Middleware is the gin equivalent of TrackingHandler.
func Middleware(track func([]Hit)) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, hits := NewContext(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		track(hits())
	}
}

// TrackerFromContext is intended to be used with contexts that are generated
// by NewContext or by handlers returned from the TrackingHandler function.  It
// returns a function that buffers hits to be delivered to the track function
// provided in the original call to the TrackingHandler function.  The returned
// function is safe for concurrent use.
func TrackerFromContext(ctx context.Context) func(Hit) {
	if r, ok := ctx.Value(hitsKey).(*recorder); ok {
		return r.add
	}
	return func(Hit) {}
}
