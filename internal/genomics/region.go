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

// Package genomics contains definitions related to Genomic data: reference
// intervals, their division into shards, and the reads counted over them.
package genomics

import (
	"fmt"
	"math"
)

// AllMappedReads defines a Region that matches all mapped reads.
var AllMappedReads = Region{ReferenceID: -1}

// Region defines a region of genomic interest in the form used by BAM and CSI
// indexes, where references are identified by their position in the header.
type Region struct {
	// ReferenceID specifies the reference to match.  If it is negative, any
	// reference matches the region.
	ReferenceID int32
	// Start and End specify the open range (in base pairs) relative to the
	// reference.  If End is zero, it is treated as though it was set to the last
	// possible read position.
	Start, End uint32
}

func (region Region) String() string {
	return fmt.Sprintf("[region:%d, start:%d, end:%d]", region.ReferenceID, region.Start, region.End)
}

// Region converts the interval into an index Region for the reference with the
// given header ID.  Coordinates beyond the 32-bit index space are clamped.
func (iv Interval) Region(referenceID int32) Region {
	region := Region{ReferenceID: referenceID, Start: clamp32(iv.Start)}
	if iv.End != ToEnd {
		region.End = clamp32(iv.End)
	}
	// An empty, non-zero region would otherwise read as "to end".
	if region.End == 0 && iv.End == 0 {
		region.End = 1
	}
	return region
}

func clamp32(v int64) uint32 {
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	if v < 0 {
		return 0
	}
	return uint32(v)
}
