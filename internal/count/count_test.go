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

package count

import (
	"context"
	"testing"

	"github.com/googlegenomics/countreads/internal/genomics"
)

func TestCount(t *testing.T) {
	testCases := []struct {
		name    string
		batches [][]genomics.Read
		want    int64
	}{
		{"empty", nil, 0},
		{"empty batches", [][]genomics.Read{{}, {}}, 0},
		{"several batches", [][]genomics.Read{make([]genomics.Read, 3), make([]genomics.Read, 512), make([]genomics.Read, 1)}, 516},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			batches := make(chan []genomics.Read, len(tc.batches))
			for _, batch := range tc.batches {
				batches <- batch
			}
			close(batches)

			got, err := Count(context.Background(), batches)
			if err != nil {
				t.Fatalf("Count() returned error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Wrong count: got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestCount_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batches := make(chan []genomics.Read)
	if _, err := Count(ctx, batches); err != context.Canceled {
		t.Errorf("Wrong error: got %v, want %v", err, context.Canceled)
	}
}
