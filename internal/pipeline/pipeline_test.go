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

package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	hbam "github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/googlegenomics/countreads/analytics"
	"github.com/googlegenomics/countreads/internal/config"
	"github.com/googlegenomics/countreads/internal/source"
	"github.com/googlegenomics/countreads/internal/storage"
)

// readsServer serves the reads search endpoint.  Every 1Mbp shard holds ten
// reads; the last read of a shard is also returned for the next shard, as the
// API does for reads that overlap a shard boundary.
func readsServer(t *testing.T) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/reads/search" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error": {"code": 404, "message": "not found"}}`))
			return
		}
		var body struct {
			ReadGroupSetIDs []string `json:"readGroupSetIds"`
			ReferenceName   string   `json:"referenceName"`
			Start           string   `json:"start"`
			End             string   `json:"end"`
		}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		if len(body.ReadGroupSetIDs) != 1 || body.ReadGroupSetIDs[0] != "rgs" {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error": {"code": 403, "message": "permission denied"}}`))
			return
		}
		start, _ := strconv.ParseInt(body.Start, 10, 64)
		end, _ := strconv.ParseInt(body.End, 10, 64)

		type position struct {
			ReferenceName string `json:"referenceName"`
			Position      string `json:"position"`
		}
		type read struct {
			ID           string `json:"id"`
			FragmentName string `json:"fragmentName"`
			Alignment    struct {
				Position position `json:"position"`
			} `json:"alignment"`
		}
		var reads []read
		add := func(p int64) {
			var r read
			r.ID = fmt.Sprintf("id-%d", p)
			r.FragmentName = fmt.Sprintf("frag-%d", p)
			r.Alignment.Position = position{body.ReferenceName, strconv.FormatInt(p, 10)}
			reads = append(reads, r)
		}
		step := (end - start) / 10
		if start > 0 {
			add(start - 50)
		}
		for j := int64(0); j < 10; j++ {
			add(start + j*step + step - 50)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"alignments": reads})
	}))
	t.Cleanup(server.Close)
	return server
}

func apiConfig(server *httptest.Server) config.Config {
	cfg := config.Default()
	cfg.ReadGroupSetID = "rgs"
	cfg.References = "chr1:0:3000000"
	cfg.APIKey = "test"
	cfg.BasePath = server.URL + "/"
	cfg.NumberOfRetries = 1
	return cfg
}

func TestRun_API(t *testing.T) {
	cfg := apiConfig(readsServer(t))
	ctx, hits := analytics.NewContext(context.Background())

	n, err := Run(ctx, cfg, Deps{})
	require.NoError(t, err)
	assert.Equal(t, int64(30), n)

	recorded := hits()
	require.Len(t, recorded, 4)
	assert.Equal(t, analytics.CountCompleted("api", 30), recorded[3])
}

func TestRun_APIFailure(t *testing.T) {
	cfg := apiConfig(readsServer(t))
	cfg.ReadGroupSetID = "someone-elses"
	ctx, hits := analytics.NewContext(context.Background())

	_, err := Run(ctx, cfg, Deps{})
	var shardErr *source.ShardError
	require.True(t, errors.As(err, &shardErr), "got %v, want ShardError", err)
	assert.Contains(t, err.Error(), "chr1:[")
	assert.Contains(t, hits(), analytics.CountFailed("api"))
}

// writeBAM writes a BAM file with a read every 1000 bases of a 200kbp
// reference, plus a BAI index when indexed is set.
func writeBAM(t *testing.T, indexed bool) string {
	ref, err := sam.NewReference("chr1", "", "", 200000, nil, nil)
	require.NoError(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{ref})
	require.NoError(t, err)

	var data bytes.Buffer
	w, err := hbam.NewWriter(&data, header, 1)
	require.NoError(t, err)
	cigar := []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 4)}
	for i := 0; i < 200; i++ {
		rec, err := sam.NewRecord(fmt.Sprintf("r%d", i), ref, nil, i*1000, -1, 0, 60, cigar, []byte("ACGT"), []byte{30, 30, 30, 30}, nil)
		require.NoError(t, err)
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Close())

	dir := t.TempDir()
	path := filepath.Join(dir, "sample.bam")
	require.NoError(t, os.WriteFile(path, data.Bytes(), 0644))
	if !indexed {
		return path
	}

	br, err := hbam.NewReader(bytes.NewReader(data.Bytes()), 1)
	require.NoError(t, err)
	var idx hbam.Index
	for {
		rec, err := br.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NoError(t, idx.Add(rec, br.LastChunk()))
	}
	var bai bytes.Buffer
	require.NoError(t, hbam.WriteIndex(&bai, &idx))
	require.NoError(t, os.WriteFile(path+".bai", bai.Bytes(), 0644))
	return path
}

func TestRun_BAM(t *testing.T) {
	path := writeBAM(t, true)

	testCases := []struct {
		name       string
		references string
		sharded    bool
		want       int64
	}{
		{"sharded whole genome", "", true, 200},
		{"sequential whole genome", "", false, 200},
		{"sharded region", "chr1:0:50000", true, 50},
		{"sequential region", "chr1:0:50000", false, 50},
		{"sharded to end", "chr1:150500", true, 49},
		{"empty region", "chr1:500:500", true, 0},
		{"sharded overlapping regions", "chr1:0:50000,chr1:25000:75000", true, 75},
		{"sequential overlapping regions", "chr1:0:50000,chr1:25000:75000", false, 75},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.BAMFilePath = path
			cfg.ReadGroupSetID = "ignored when a BAM file is given"
			cfg.References = tc.references
			cfg.ShardBAMReading = tc.sharded
			cfg.ShardSize = 30000

			n, err := Run(context.Background(), cfg, Deps{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, n)
		})
	}
}

func TestRun_SequenceDictionary(t *testing.T) {
	path := writeBAM(t, true)
	dict := filepath.Join(t.TempDir(), "ref.dict")
	require.NoError(t, os.WriteFile(dict, []byte("@SQ\tSN:chr1\tLN:100000\n"), 0644))

	cfg := config.Default()
	cfg.BAMFilePath = path
	cfg.SequenceDictionary = dict

	n, err := Run(context.Background(), cfg, Deps{})
	require.NoError(t, err)
	assert.Equal(t, int64(100), n, "the dictionary length bounds the whole-genome interval")
}

func TestRun_BAMWithoutIndex(t *testing.T) {
	cfg := config.Default()
	cfg.BAMFilePath = writeBAM(t, false)

	_, err := Run(context.Background(), cfg, Deps{})
	var shardErr *source.ShardError
	assert.True(t, errors.As(err, &shardErr), "got %v, want ShardError", err)

	cfg.ShardBAMReading = false
	n, err := Run(context.Background(), cfg, Deps{})
	require.NoError(t, err)
	assert.Equal(t, int64(200), n)
}

func TestRun_InvalidConfiguration(t *testing.T) {
	_, err := Run(context.Background(), config.Default(), Deps{})
	var configErr *config.ConfigurationError
	assert.True(t, errors.As(err, &configErr), "got %v, want ConfigurationError", err)
}

func TestWriteCount(t *testing.T) {
	ctx := context.Background()

	var stdout bytes.Buffer
	require.NoError(t, WriteCount(ctx, nil, "", &stdout, 30))
	require.NoError(t, WriteCount(ctx, nil, "-", &stdout, 7))
	assert.Equal(t, "30\n7\n", stdout.String())

	dest := filepath.Join(t.TempDir(), "out", "count.txt")
	require.NoError(t, WriteCount(ctx, &storage.Locator{}, dest, &stdout, 1234567890123))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "1234567890123\n", string(data))

	assert.Error(t, WriteCount(ctx, &storage.Locator{}, "s3://bucket/count.txt", &stdout, 1))
}
