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

// Package sam provides support for reading the sequence dictionary of SAM
// headers and .dict files.
package sam

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/googlegenomics/countreads/internal/genomics"
	"github.com/googlegenomics/countreads/internal/storage"
)

var tagRe = regexp.MustCompile(`\b(SN|LN|AN):(\S+)\b`)

// Dictionary is the list of reference sequences declared by @SQ lines.
type Dictionary struct {
	references []genomics.Reference
	// ids maps names and alternative names to positions in references.
	ids map[string]int32
}

// ReadDictionary parses the @SQ lines of a SAM header read from r.
func ReadDictionary(r io.Reader) (*Dictionary, error) {
	d := &Dictionary{ids: make(map[string]int32)}

	// @SQ SN:foo LN:5 AN:bar,baz ...
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "@SQ") {
			continue
		}

		id := int32(len(d.references))
		ref := genomics.Reference{Length: genomics.UnknownLength}
		var aliases []string
		for _, tag := range tagRe.FindAllStringSubmatch(line, -1) {
			switch tag[1] {
			case "SN":
				ref.Name = tag[2]
			case "LN":
				length, err := strconv.ParseInt(tag[2], 10, 64)
				if err != nil || length < 0 {
					return nil, fmt.Errorf("@SQ line %d: invalid length %q", id, tag[2])
				}
				ref.Length = length
			case "AN":
				aliases = append(aliases, strings.Split(tag[2], ",")...)
			}
		}
		if ref.Name == "" {
			return nil, fmt.Errorf("@SQ line %d: missing SN tag", id)
		}
		if _, ok := d.ids[ref.Name]; ok {
			return nil, fmt.Errorf("@SQ line %d: duplicate reference %q", id, ref.Name)
		}

		d.references = append(d.references, ref)
		d.ids[ref.Name] = id
		for _, alias := range aliases {
			if _, ok := d.ids[alias]; !ok {
				d.ids[alias] = id
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading header: %v", err)
	}
	return d, nil
}

// LoadDictionary reads the dictionary stored at path.
func LoadDictionary(ctx context.Context, locator *storage.Locator, path string) (*Dictionary, error) {
	p, err := storage.ParsePath(path)
	if err != nil {
		return nil, err
	}
	object, err := locator.Object(ctx, p)
	if err != nil {
		return nil, err
	}
	r, err := object.NewRangeReader(ctx, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("opening sequence dictionary %s: %w", p, err)
	}
	defer r.Close()
	return ReadDictionary(r)
}

// ReferenceID returns the ID of the named reference, which may be an
// alternative name.
func (d *Dictionary) ReferenceID(name string) (int32, error) {
	if id, ok := d.ids[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("reference %q not found", name)
}

// References returns the references in dictionary order.
func (d *Dictionary) References(context.Context) ([]genomics.Reference, error) {
	return d.references, nil
}

// ReferenceLength returns the length of the named reference.
func (d *Dictionary) ReferenceLength(_ context.Context, name string) (int64, error) {
	id, err := d.ReferenceID(name)
	if err != nil {
		return 0, err
	}
	if length := d.references[id].Length; length != genomics.UnknownLength {
		return length, nil
	}
	return 0, fmt.Errorf("reference %q has no length", name)
}
