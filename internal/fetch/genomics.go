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

package fetch

import (
	"context"
	"fmt"
	"sync"

	gapi "google.golang.org/api/genomics/v1"

	"github.com/googlegenomics/countreads/internal/genomics"
	"github.com/googlegenomics/countreads/internal/shard"
)

// GenomicsSource is a PageSource backed by the Genomics v1 reads API.
type GenomicsSource struct {
	Service *gapi.Service
}

// SearchReads implements PageSource.
func (s *GenomicsSource) SearchReads(ctx context.Context, req shard.Request, pageToken string) (*Page, error) {
	search := &gapi.SearchReadsRequest{
		ReadGroupSetIds: []string{req.ReadGroupSetID},
		ReferenceName:   req.Interval.ReferenceName,
		Start:           req.Interval.Start,
		PageSize:        req.PageSize,
		PageToken:       pageToken,
	}
	if req.Interval.End != genomics.ToEnd {
		search.End = req.Interval.End
	}

	resp, err := s.Service.Reads.Search(search).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	page := &Page{NextPageToken: resp.NextPageToken}
	for _, alignment := range resp.Alignments {
		if read, ok := convert(alignment); ok {
			page.Reads = append(page.Reads, read)
		}
	}
	return page, nil
}

// convert returns the read described by an API alignment.  Reads without an
// alignment position are rejected.
func convert(r *gapi.Read) (genomics.Read, bool) {
	if r == nil || r.Alignment == nil || r.Alignment.Position == nil {
		return genomics.Read{}, false
	}
	position := r.Alignment.Position
	return genomics.Read{
		ID:            r.Id,
		FragmentName:  r.FragmentName,
		ReadNumber:    int(r.ReadNumber),
		ReferenceName: position.ReferenceName,
		Position:      position.Position,
		ReverseStrand: position.ReverseStrand,
	}, true
}

// ReferenceSetMetadata resolves reference lengths through the reference set
// of a read group set.  Results are cached after the first lookup.
type ReferenceSetMetadata struct {
	Service        *gapi.Service
	ReadGroupSetID string
	// Fetcher retries failed lookups.  The default retry policy is used
	// when nil.
	Fetcher *Fetcher

	mu         sync.Mutex
	references []genomics.Reference
}

// References implements shard.Metadata.
func (m *ReferenceSetMetadata) References(ctx context.Context) ([]genomics.Reference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.references != nil {
		return m.references, nil
	}

	retry := m.Fetcher
	if retry == nil {
		retry = NewFetcher(nil)
	}

	var set *gapi.ReadGroupSet
	err := retry.Retry(ctx, "read group set "+m.ReadGroupSetID, func(ctx context.Context) error {
		var err error
		set, err = m.Service.Readgroupsets.Get(m.ReadGroupSetID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting read group set %q: %w", m.ReadGroupSetID, err)
	}
	if set.ReferenceSetId == "" {
		return nil, fmt.Errorf("read group set %q has no reference set", m.ReadGroupSetID)
	}

	references := []genomics.Reference{}
	search := &gapi.SearchReferencesRequest{ReferenceSetId: set.ReferenceSetId}
	seen := make(map[string]bool)
	for {
		var resp *gapi.SearchReferencesResponse
		err := retry.Retry(ctx, "references of "+set.ReferenceSetId, func(ctx context.Context) error {
			var err error
			resp, err = m.Service.References.Search(search).Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("searching references of %q: %w", set.ReferenceSetId, err)
		}
		for _, ref := range resp.References {
			references = append(references, genomics.Reference{Name: ref.Name, Length: ref.Length})
		}
		if resp.NextPageToken == "" {
			break
		}
		if seen[resp.NextPageToken] {
			return nil, fmt.Errorf("searching references of %q: page token %q repeated", set.ReferenceSetId, resp.NextPageToken)
		}
		seen[resp.NextPageToken] = true
		search.PageToken = resp.NextPageToken
	}
	m.references = references
	return references, nil
}

// ReferenceLength implements shard.Metadata.
func (m *ReferenceSetMetadata) ReferenceLength(ctx context.Context, name string) (int64, error) {
	references, err := m.References(ctx)
	if err != nil {
		return 0, err
	}
	for _, ref := range references {
		if ref.Name == name {
			return ref.Length, nil
		}
	}
	return 0, fmt.Errorf("reference %q not found in the reference set of %q", name, m.ReadGroupSetID)
}
