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

package genomics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// ToEnd is the End value of an Interval that extends to the end of its
	// reference sequence.
	ToEnd = int64(-1)

	// UnknownLength is passed to Split when the length of the reference is not
	// available from any metadata source.
	UnknownLength = int64(-1)

	// DefaultShardSize is the default maximum number of bases covered by a
	// single shard.
	DefaultShardSize = int64(1000000)
)

var errInvalidShardSize = errors.New("shard size must be positive")

// Interval is a half-open range [Start, End) on a named reference sequence.
// Intervals are values and are never modified once constructed.
type Interval struct {
	ReferenceName string
	Start, End    int64
}

// NewInterval returns the interval [start, end) on reference, or an
// InvalidRangeError if the range is malformed.
func NewInterval(reference string, start, end int64) (Interval, error) {
	iv := Interval{ReferenceName: reference, Start: start, End: end}
	if err := iv.Validate(); err != nil {
		return Interval{}, err
	}
	return iv, nil
}

// Validate reports whether the interval satisfies 0 <= Start <= End (or End
// is ToEnd).
func (iv Interval) Validate() error {
	if iv.Start < 0 || (iv.End != ToEnd && iv.Start > iv.End) || iv.End < ToEnd {
		return &InvalidRangeError{Interval: iv}
	}
	return nil
}

// Contains reports whether position lies inside the interval.  An interval
// that extends to the end of its reference has no right bound.
func (iv Interval) Contains(position int64) bool {
	if position < iv.Start {
		return false
	}
	return iv.End == ToEnd || position < iv.End
}

// Length returns the number of bases covered by the interval, or ToEnd if
// the interval is unbounded.
func (iv Interval) Length() int64 {
	if iv.End == ToEnd {
		return ToEnd
	}
	return iv.End - iv.Start
}

func (iv Interval) String() string {
	end := "END"
	if iv.End != ToEnd {
		end = strconv.FormatInt(iv.End, 10)
	}
	return fmt.Sprintf("%s:[%d,%s)", iv.ReferenceName, iv.Start, end)
}

// InvalidRangeError is returned for intervals whose start lies after their
// end.  It is always reported before any reads are fetched.
type InvalidRangeError struct {
	Interval Interval
}

func (err *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range %s:%d-%d: start > end", err.Interval.ReferenceName, err.Interval.Start, err.Interval.End)
}

// Resolve returns iv with ToEnd replaced by length.  An interval with a known
// end, or a length of UnknownLength, is returned unchanged.
func (iv Interval) Resolve(length int64) (Interval, error) {
	if iv.End != ToEnd || length == UnknownLength {
		return iv, nil
	}
	if length < iv.Start {
		return Interval{}, &InvalidRangeError{Interval: Interval{iv.ReferenceName, iv.Start, length}}
	}
	iv.End = length
	return iv, nil
}

// Split divides iv into consecutive shards covering at most shardSize bases
// each.  The shards tile iv exactly and the last one may be shorter.
//
// If iv extends to the end of its reference, length must hold the reference
// length.  When it is UnknownLength a single unbounded shard is returned and
// the read source is left to bound it.
func Split(iv Interval, length, shardSize int64) ([]Interval, error) {
	if err := iv.Validate(); err != nil {
		return nil, err
	}
	if shardSize <= 0 {
		return nil, errInvalidShardSize
	}

	iv, err := iv.Resolve(length)
	if err != nil {
		return nil, err
	}
	if iv.End == ToEnd {
		return []Interval{iv}, nil
	}

	if iv.End-iv.Start <= shardSize {
		return []Interval{iv}, nil
	}

	shards := make([]Interval, 0, (iv.End-iv.Start+shardSize-1)/shardSize)
	for start := iv.Start; start < iv.End; start += shardSize {
		end := start + shardSize
		if end > iv.End {
			end = iv.End
		}
		shards = append(shards, Interval{iv.ReferenceName, start, end})
	}
	return shards, nil
}

// ParseIntervals parses a comma separated list of name[:start[:end]] entries.
// A missing start defaults to zero and a missing end to ToEnd.
func ParseIntervals(input string) ([]Interval, error) {
	var intervals []Interval
	for _, entry := range strings.Split(input, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		fields := strings.Split(entry, ":")
		if len(fields) > 3 || fields[0] == "" {
			return nil, fmt.Errorf("parsing %q: want name[:start[:end]]", entry)
		}

		iv := Interval{ReferenceName: fields[0], End: ToEnd}
		if len(fields) > 1 {
			n, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing start of %q: %w", entry, err)
			}
			iv.Start = n
		}
		if len(fields) > 2 {
			n, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing end of %q: %w", entry, err)
			}
			iv.End = n
		}

		if err := iv.Validate(); err != nil {
			return nil, err
		}
		intervals = append(intervals, iv)
	}
	return intervals, nil
}
