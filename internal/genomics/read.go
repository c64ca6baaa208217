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

import "fmt"

// Read is an aligned sequencing read.  Only the fields needed to place and
// identify the read are kept.
type Read struct {
	// ID is the identifier assigned by the serving API, if any.  BAM records
	// have no ID.
	ID string
	// FragmentName is the template (query) name shared by mates.
	FragmentName string
	// ReadNumber is the index of the read within its fragment (0 for the
	// first mate or an unpaired read, 1 for the second mate).
	ReadNumber int

	ReferenceName string
	// Position is the 0-based alignment start on ReferenceName.
	Position      int64
	ReverseStrand bool
}

// Key identifies a physical read independently of the source it was loaded
// from.  Two reads with the same Key are the same read.
type Key struct {
	ReferenceName string
	Position      int64
	FragmentName  string
	ReadNumber    int
	ReverseStrand bool
}

// Key returns the identity of r.  The API ID is not part of the key so that
// reads loaded from a BAM file and from the API compare equal.
func (r Read) Key() Key {
	return Key{r.ReferenceName, r.Position, r.FragmentName, r.ReadNumber, r.ReverseStrand}
}

func (r Read) String() string {
	return fmt.Sprintf("%s/%d@%s:%d", r.FragmentName, r.ReadNumber, r.ReferenceName, r.Position)
}

// Reference is a named reference sequence and its length in bases.
type Reference struct {
	Name   string
	Length int64
}
