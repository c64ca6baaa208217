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

// Package count reduces a stream of read batches to a single count.
package count

import (
	"context"

	"github.com/googlegenomics/countreads/internal/genomics"
)

// Count drains batches and returns the total number of reads.  If ctx is
// cancelled first its error is returned instead.
func Count(ctx context.Context, batches <-chan []genomics.Read) (int64, error) {
	var total int64
	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				return total, nil
			}
			total += int64(len(batch))
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
