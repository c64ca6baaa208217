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

// Package fetch pages through the reads of a shard request, retrying
// transient failures with exponential backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"

	"github.com/googlegenomics/countreads/internal/genomics"
	"github.com/googlegenomics/countreads/internal/shard"
)

const (
	// DefaultMaxRetries is the number of retries allowed for each page.
	DefaultMaxRetries = 10

	defaultBackoffBase = 100 * time.Millisecond
	defaultBackoffCap  = 10 * time.Second
)

// Page is one page of a paginated search.
type Page struct {
	Reads []genomics.Read
	// NextPageToken is empty on the last page.
	NextPageToken string
}

// PageSource serves single pages of reads.
type PageSource interface {
	// SearchReads returns the page of reads identified by pageToken.  The
	// first page has an empty token.
	SearchReads(ctx context.Context, req shard.Request, pageToken string) (*Page, error)
}

// RetriableError marks a failure as transient.
type RetriableError struct {
	Err error
}

func (e *RetriableError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *RetriableError) Unwrap() error { return e.Err }

// FatalError is returned when a page could not be fetched, either because the
// failure was not retriable or because the retries were exhausted.
type FatalError struct {
	Err      error
	Attempts int
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsRetriable reports whether err is a transient failure.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var retriable *RetriableError
	if errors.As(err, &retriable) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusRequestTimeout,
			apiErr.Code == http.StatusTooManyRequests,
			apiErr.Code >= 500:
			return true
		}
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Backoff computes exponential delays between attempts.
type Backoff struct {
	Base, Cap time.Duration
}

// Delay returns the delay before retry number retry (counting from 0).
func (b Backoff) Delay(retry int) time.Duration {
	base, limit := b.Base, b.Cap
	if base <= 0 {
		base = defaultBackoffBase
	}
	if limit <= 0 {
		limit = defaultBackoffCap
	}
	if retry > 30 {
		return limit
	}
	if d := base << uint(retry); d > 0 && d < limit {
		return d
	}
	return limit
}

// Fetcher fetches the reads of a request page by page.
type Fetcher struct {
	Source PageSource
	// MaxRetries is the number of retries after the first attempt of each
	// page.
	MaxRetries int
	Backoff    Backoff
	// Limiter paces page requests, if set.
	Limiter *rate.Limiter
}

// NewFetcher returns a Fetcher with the default retry policy.
func NewFetcher(source PageSource) *Fetcher {
	return &Fetcher{Source: source, MaxRetries: DefaultMaxRetries}
}

// Fetch returns an iterator over the reads of req.  No request is made until
// the first call to Next.
func (f *Fetcher) Fetch(ctx context.Context, req shard.Request) *Iterator {
	return &Iterator{
		fetcher: f,
		ctx:     ctx,
		req:     req,
		seen:    make(map[string]bool),
	}
}

func (f *Fetcher) fetchPage(ctx context.Context, req shard.Request, token string) (*Page, error) {
	var page *Page
	err := f.Retry(ctx, req.String(), func(ctx context.Context) error {
		var err error
		page, err = f.Source.SearchReads(ctx, req, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	if page == nil {
		page = &Page{}
	}
	return page, nil
}

// Retry calls call until it succeeds, fails with an error that is not
// retriable or runs out of retries.  Attempts are paced by the limiter and
// separated by the backoff delays; what names the call in log messages.
// Failures are reported as a FatalError, cancellation as ctx.Err().
func (f *Fetcher) Retry(ctx context.Context, what string, call func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= f.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(f.Backoff.Delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if f.Limiter != nil {
			if err := f.Limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := call(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !IsRetriable(err) {
			return &FatalError{Err: err, Attempts: attempt + 1}
		}
		lastErr = err
		if attempt < f.MaxRetries {
			log.Printf("%s: attempt %d failed, retrying: %v", what, attempt+1, err)
		}
	}
	return &FatalError{Err: lastErr, Attempts: f.MaxRetries + 1}
}

// Iterator is a lazy, finite sequence of reads.  Once Next returns false the
// iterator is exhausted and Err reports whether it stopped on a failure.
type Iterator struct {
	fetcher *Fetcher
	ctx     context.Context
	req     shard.Request

	page    []genomics.Read
	pos     int
	token   string
	seen    map[string]bool
	started bool
	done    bool
	current genomics.Read
	err     error
}

// Next advances to the next read, fetching the next page if needed.
func (it *Iterator) Next() bool {
	for !it.done {
		if it.pos < len(it.page) {
			it.current = it.page[it.pos]
			it.pos++
			return true
		}
		if it.started && it.token == "" {
			it.done = true
			break
		}

		page, err := it.fetcher.fetchPage(it.ctx, it.req, it.token)
		if err != nil {
			it.err, it.done = err, true
			break
		}
		it.started = true
		it.seen[it.token] = true
		if page.NextPageToken != "" && it.seen[page.NextPageToken] {
			it.err = &FatalError{Err: fmt.Errorf("page token %q repeated", page.NextPageToken), Attempts: 1}
			it.done = true
			break
		}
		it.page, it.pos, it.token = page.Reads, 0, page.NextPageToken
	}
	it.page = nil
	return false
}

// Read returns the current read.
func (it *Iterator) Read() genomics.Read {
	return it.current
}

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}
