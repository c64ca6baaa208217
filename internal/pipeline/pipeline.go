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

// Package pipeline wires the shard builder, the read sources and the counter
// into a single counting run.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"

	"golang.org/x/time/rate"

	"github.com/googlegenomics/countreads/analytics"
	"github.com/googlegenomics/countreads/internal/bamfile"
	"github.com/googlegenomics/countreads/internal/config"
	"github.com/googlegenomics/countreads/internal/count"
	"github.com/googlegenomics/countreads/internal/fetch"
	"github.com/googlegenomics/countreads/internal/genomics"
	"github.com/googlegenomics/countreads/internal/shard"
	"github.com/googlegenomics/countreads/internal/source"
	"github.com/googlegenomics/countreads/internal/storage"
	"github.com/googlegenomics/countreads/sam"
)

// Deps holds the external resources of a run.
type Deps struct {
	// Locator resolves BAM files, sequence dictionaries and outputs.
	Locator *storage.Locator
}

// NewLocator returns a locator for the stores configured in cfg.
func NewLocator(cfg config.Config) *storage.Locator {
	return &storage.Locator{
		NewS3Client: func(context.Context) (storage.Client, error) {
			return storage.NewS3Client(storage.S3Options{
				Endpoint: cfg.S3Endpoint,
				Secure:   cfg.S3Secure,
			})
		},
	}
}

// Run counts the reads selected by cfg.  No partial count is returned: if any
// shard fails the error is returned instead.
func Run(ctx context.Context, cfg config.Config, deps Deps) (int64, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	intervals, err := cfg.Intervals()
	if err != nil {
		return 0, err
	}
	if deps.Locator == nil {
		deps.Locator = NewLocator(cfg)
	}

	kind := "api"
	if cfg.UseBAMFile() {
		kind = "file"
	}
	track := analytics.TrackerFromContext(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches, wait, err := stream(ctx, cfg, deps, intervals, func(req shard.Request, reads int) {
		track(analytics.ShardCompleted(kind, int64(reads)))
	})
	if err != nil {
		track(analytics.CountFailed(kind))
		return 0, err
	}

	total, countErr := count.Count(ctx, batches)
	if countErr != nil {
		cancel()
	}
	if err := wait(); err != nil {
		track(analytics.CountFailed(kind))
		return 0, err
	}
	if countErr != nil {
		track(analytics.CountFailed(kind))
		return 0, countErr
	}

	log.Printf("Counted %d reads", total)
	track(analytics.CountCompleted(kind, total))
	return total, nil
}

// stream starts the source selected by cfg.
func stream(ctx context.Context, cfg config.Config, deps Deps, intervals []genomics.Interval, shardDone func(shard.Request, int)) (<-chan []genomics.Read, func() error, error) {
	var dictionary shard.Metadata
	if cfg.SequenceDictionary != "" {
		d, err := sam.LoadDictionary(ctx, deps.Locator, cfg.SequenceDictionary)
		if err != nil {
			return nil, nil, fmt.Errorf("loading sequence dictionary: %v", err)
		}
		dictionary = d
	}

	builder := &shard.Builder{
		Metadata:  dictionary,
		ShardSize: cfg.ShardSize,
	}
	sharded := &source.Sharded{Workers: cfg.Workers, ShardDone: shardDone}

	if cfg.UseBAMFile() {
		reader, err := bamfile.Open(ctx, deps.Locator, cfg.BAMFilePath)
		if err != nil {
			return nil, nil, err
		}
		if !cfg.ShardBAMReading {
			log.Printf("Reading %s sequentially", cfg.BAMFilePath)
			batches, wait := (&source.Sequential{Scanner: reader, Intervals: intervals}).Stream(ctx)
			return batches, wait, nil
		}

		if builder.Metadata == nil {
			builder.Metadata = reader
		}
		builder.Source = shard.FileRequest
		builder.Path = cfg.BAMFilePath
		sharded.Reader = &source.FileReader{Reader: reader}
	} else {
		service, err := fetch.NewService(ctx, fetch.ServiceOptions{
			APIKey:          cfg.APIKey,
			CredentialsFile: cfg.SecretsFile,
			BasePath:        cfg.BasePath,
			CABundle:        cfg.CABundle,
		})
		if err != nil {
			return nil, nil, err
		}

		fetcher := fetch.NewFetcher(&fetch.GenomicsSource{Service: service})
		fetcher.MaxRetries = cfg.NumberOfRetries
		if cfg.RequestsPerSecond > 0 {
			fetcher.Limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
		}

		if builder.Metadata == nil {
			builder.Metadata = &fetch.ReferenceSetMetadata{Service: service, ReadGroupSetID: cfg.ReadGroupSetID, Fetcher: fetcher}
		}
		builder.Source = shard.APIRequest
		builder.ReadGroupSetID = cfg.ReadGroupSetID
		builder.PageSize = cfg.PageSize

		sharded.Reader = &source.APIReader{Fetcher: fetcher}
	}

	reqs, err := builder.Build(ctx, intervals)
	if err != nil {
		return nil, nil, fmt.Errorf("building shards: %w", err)
	}
	log.Printf("Reading %d shards with %d workers", len(reqs), cfg.Workers)
	batches, wait := sharded.Stream(ctx, reqs)
	return batches, wait, nil
}

// WriteCount writes n as a single decimal line to dest: stdout when dest is
// empty or "-", otherwise the local file or object named by dest.
func WriteCount(ctx context.Context, locator *storage.Locator, dest string, stdout io.Writer, n int64) error {
	if dest == "" || dest == "-" {
		_, err := fmt.Fprintf(stdout, "%d\n", n)
		return err
	}

	path, err := storage.ParsePath(dest)
	if err != nil {
		return err
	}
	if locator == nil {
		locator = &storage.Locator{}
	}
	object, err := locator.Object(ctx, path)
	if err != nil {
		return err
	}
	w, err := object.NewWriter(ctx)
	if err != nil {
		return fmt.Errorf("opening %s: %v", path, err)
	}
	if _, err := fmt.Fprintf(w, "%d\n", n); err != nil {
		w.Close()
		return fmt.Errorf("writing %s: %v", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing %s: %v", path, err)
	}
	return nil
}
