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

// This binary counts the reads of a read group set in the Google Genomics API
// or of an indexed BAM file, and can serve the count over HTTP.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/googlegenomics/countreads/analytics"
	"github.com/googlegenomics/countreads/internal/config"
	"github.com/googlegenomics/countreads/internal/pipeline"
)

const trackingID = "UA-103022118-1"

var (
	settings   = viper.New()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "countreads",
	Short: "Count the reads covering genomic intervals",
	Long: `Count the reads of a read group set or an indexed BAM file that start
inside the requested intervals.  The intervals are split into shards that are
read concurrently and the global count is written as a single line.`,
	Example: `  countreads --read_group_set_id CMvnhpKTFhDnk4_9zcKO3_YB --references chr17:41196311:41277499
  countreads --bam_file_path gs://bucket/NA12878.bam --output gs://bucket/count.txt`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runCount,
}

func init() {
	d := config.Default()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "optional YAML, JSON or TOML settings file")

	flags.String("references", d.References, "comma separated name[:start[:end]] intervals, empty for the whole genome")
	flags.String("read_group_set_id", d.ReadGroupSetID, "read group set to count through the Genomics API")
	flags.String("bam_file_path", d.BAMFilePath, "BAM file to count (local path, gs:// or s3://)")
	flags.Bool("shard_bam_reading", d.ShardBAMReading, "read BAM files through their index, one shard at a time")
	flags.Int64("shard_size", d.ShardSize, "maximum number of bases in a shard")
	flags.Int("workers", d.Workers, "number of shards read concurrently")
	flags.Int("number_of_retries", d.NumberOfRetries, "retries of a failed API page request")
	flags.Int64("page_size", d.PageSize, "API page size, 0 for the server default")
	flags.Float64("requests_per_second", d.RequestsPerSecond, "API request rate, 0 for unlimited")
	flags.String("output", d.Output, "where to write the count: stdout, a local path or gs://")
	flags.String("api_key", d.APIKey, "Genomics API key")
	flags.String("secrets_file", d.SecretsFile, "Google credentials JSON file")
	flags.String("base_path", d.BasePath, "Genomics API endpoint override")
	flags.String("ca_bundle", d.CABundle, "extra root certificates for the Genomics API (default $CURL_CA_BUNDLE)")
	flags.String("sequence_dictionary", d.SequenceDictionary, "SAM sequence dictionary providing reference lengths")
	flags.String("s3_endpoint", d.S3Endpoint, "S3 compatible endpoint for s3:// paths")
	flags.Bool("s3_secure", d.S3Secure, "use HTTPS for the S3 endpoint")
	flags.String("cpu_profile", d.CPUProfile, "directory to write a CPU profile to")

	// Enable or disable anonymous usage tracking.
	//
	// If enabled, anonymous information about counting runs is logged to Google
	// via Google Analytics.  No user identifying information is ever sent.
	flags.Bool("track_usage", d.TrackUsage, "anonymous usage tracking")

	if err := settings.BindPFlags(flags); err != nil {
		log.Fatalf("Binding flags: %v", err)
	}
	rootCmd.AddCommand(serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		log.Fatalf("%v", err)
	}
}

// loadConfig reads the settings and starts CPU profiling when requested.  The
// returned function stops profiling.
func loadConfig() (config.Config, func(), error) {
	cfg, err := config.Load(settings, configFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	if cfg.CPUProfile == "" {
		return cfg, func() {}, nil
	}
	p := profile.Start(profile.CPUProfile, profile.ProfilePath(cfg.CPUProfile), profile.NoShutdownHook)
	return cfg, p.Stop, nil
}

func runCount(cmd *cobra.Command, _ []string) error {
	cfg, stop, err := loadConfig()
	if err != nil {
		return err
	}
	defer stop()

	ctx := cmd.Context()
	if cfg.TrackUsage {
		log.Printf("Enabling anonymous usage tracking")
		var hits func() []analytics.Hit
		ctx, hits = analytics.NewContext(ctx)
		client := analytics.NewClient(trackingID, "")
		defer func() {
			if err := client.Send(context.Background(), hits()); err != nil {
				log.Printf("Failed to send hits to analytics: %v", err)
			}
		}()
	}

	locator := pipeline.NewLocator(cfg)
	n, err := pipeline.Run(ctx, cfg, pipeline.Deps{Locator: locator})
	if err != nil {
		return err
	}
	return pipeline.WriteCount(ctx, locator, cfg.Output, os.Stdout, n)
}
