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

// Package config holds the settings of a counting run.  Settings are read by
// viper from flags, an optional config file and COUNTREADS_ environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/googlegenomics/countreads/internal/genomics"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "COUNTREADS"

// Config is the read-only configuration of a run.
type Config struct {
	// References is a comma separated list of name[:start[:end]] intervals.
	// Empty means the whole genome.
	References string `mapstructure:"references"`

	// ReadGroupSetID selects the reads API as the source.
	ReadGroupSetID string `mapstructure:"read_group_set_id"`
	// BAMFilePath selects a BAM file as the source (local, gs:// or s3://).
	// It takes precedence over ReadGroupSetID.
	BAMFilePath string `mapstructure:"bam_file_path"`
	// ShardBAMReading reads BAM files through their index, one shard at a
	// time.  When false the file is read sequentially.
	ShardBAMReading bool `mapstructure:"shard_bam_reading"`

	ShardSize int64 `mapstructure:"shard_size"`
	Workers   int   `mapstructure:"workers"`

	NumberOfRetries   int     `mapstructure:"number_of_retries"`
	PageSize          int64   `mapstructure:"page_size"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	// Output is where the count is written: stdout when empty or "-", a
	// gs:// object, or a local file.
	Output string `mapstructure:"output"`

	APIKey      string `mapstructure:"api_key"`
	SecretsFile string `mapstructure:"secrets_file"`
	// BasePath overrides the reads API endpoint.
	BasePath string `mapstructure:"base_path"`
	// CABundle is a PEM file of extra root certificates for the reads API.
	CABundle string `mapstructure:"ca_bundle"`

	// SequenceDictionary is a SAM file whose @SQ lines provide reference
	// lengths.
	SequenceDictionary string `mapstructure:"sequence_dictionary"`

	S3Endpoint string `mapstructure:"s3_endpoint"`
	S3Secure   bool   `mapstructure:"s3_secure"`

	TrackUsage bool   `mapstructure:"track_usage"`
	CPUProfile string `mapstructure:"cpu_profile"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		ShardBAMReading: true,
		ShardSize:       genomics.DefaultShardSize,
		Workers:         4,
		NumberOfRetries: 10,
		S3Endpoint:      "s3.amazonaws.com",
		S3Secure:        true,
	}
}

// SetDefaults registers the defaults of every key with v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("references", d.References)
	v.SetDefault("read_group_set_id", d.ReadGroupSetID)
	v.SetDefault("bam_file_path", d.BAMFilePath)
	v.SetDefault("shard_bam_reading", d.ShardBAMReading)
	v.SetDefault("shard_size", d.ShardSize)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("number_of_retries", d.NumberOfRetries)
	v.SetDefault("page_size", d.PageSize)
	v.SetDefault("requests_per_second", d.RequestsPerSecond)
	v.SetDefault("output", d.Output)
	v.SetDefault("api_key", d.APIKey)
	v.SetDefault("secrets_file", d.SecretsFile)
	v.SetDefault("base_path", d.BasePath)
	v.SetDefault("ca_bundle", d.CABundle)
	v.SetDefault("sequence_dictionary", d.SequenceDictionary)
	v.SetDefault("s3_endpoint", d.S3Endpoint)
	v.SetDefault("s3_secure", d.S3Secure)
	v.SetDefault("track_usage", d.TrackUsage)
	v.SetDefault("cpu_profile", d.CPUProfile)
}

// Load decodes the configuration held by v.  If configFile is not empty it is
// read first; explicitly set values in v take precedence over it.
func Load(v *viper.Viper, configFile string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// The cURL certificate authority override is honoured for compatibility
	// with other tools.
	if err := v.BindEnv("ca_bundle", EnvPrefix+"_CA_BUNDLE", "CURL_CA_BUNDLE"); err != nil {
		return Config{}, &ConfigurationError{Reason: fmt.Sprintf("binding ca_bundle: %v", err)}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &ConfigurationError{Reason: fmt.Sprintf("reading config file: %v", err)}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, &ConfigurationError{Reason: fmt.Sprintf("decoding configuration: %v", err)}
	}
	return c, nil
}

// ConfigurationError reports an unusable configuration.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Reason
}

// Validate checks c for consistency.  It is called once at startup.
func (c *Config) Validate() error {
	switch {
	case c.BAMFilePath == "" && c.ReadGroupSetID == "":
		return &ConfigurationError{"either a BAM file path or a read group set ID is required"}
	case c.ShardSize <= 0:
		return &ConfigurationError{fmt.Sprintf("shard size must be positive, got %d", c.ShardSize)}
	case c.Workers <= 0:
		return &ConfigurationError{fmt.Sprintf("worker count must be positive, got %d", c.Workers)}
	case c.NumberOfRetries < 0:
		return &ConfigurationError{fmt.Sprintf("number of retries must not be negative, got %d", c.NumberOfRetries)}
	case c.PageSize < 0:
		return &ConfigurationError{fmt.Sprintf("page size must not be negative, got %d", c.PageSize)}
	case c.RequestsPerSecond < 0:
		return &ConfigurationError{fmt.Sprintf("requests per second must not be negative, got %g", c.RequestsPerSecond)}
	}
	if _, err := c.Intervals(); err != nil {
		var rangeErr *genomics.InvalidRangeError
		if errors.As(err, &rangeErr) {
			return err
		}
		return &ConfigurationError{fmt.Sprintf("references: %v", err)}
	}
	return nil
}

// Intervals parses References.
func (c *Config) Intervals() ([]genomics.Interval, error) {
	return genomics.ParseIntervals(c.References)
}

// UseBAMFile reports whether reads come from a BAM file rather than the
// reads API.
func (c *Config) UseBAMFile() bool {
	return c.BAMFilePath != ""
}
