// Copyright 2017 Google Inc.
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

// Package api implements an HTTP endpoint that counts the reads of a read
// group set or a BAM file.
//
// A request to GET /count accepts the query parameters references,
// read_group_set_id, bam_file_path, shard_size, shard_bam_reading, workers and
// page_size.  Each overrides the matching setting of the server's base
// configuration.  The response is a JSON object {"count": n}.  Errors are
// reported as {"error": name, "message": text} using the htsget error names.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/googleapi"

	"github.com/googlegenomics/countreads/analytics"
	"github.com/googlegenomics/countreads/internal/config"
	"github.com/googlegenomics/countreads/internal/genomics"
	"github.com/googlegenomics/countreads/internal/pipeline"
	"github.com/googlegenomics/countreads/internal/storage"
)

const countPath = "/count"

var (
	errMissingOrInvalidToken = errors.New("missing or invalid token")
	errLocalFilesDisabled    = errors.New("local files are not served")
)

// LocatorFunc returns the storage locator used to satisfy req.
type LocatorFunc func(req *http.Request) (*storage.Locator, error)

// SharedLocator returns a LocatorFunc that serves every request from locator.
func SharedLocator(locator *storage.Locator) LocatorFunc {
	return func(*http.Request) (*storage.Locator, error) {
		return locator, nil
	}
}

// BearerTokenLocator returns a LocatorFunc that reads gs:// objects using the
// OAuth2 bearer token found in each request.
func BearerTokenLocator(cfg config.Config) LocatorFunc {
	return func(req *http.Request) (*storage.Locator, error) {
		fields := strings.Split(req.Header.Get("Authorization"), " ")
		if len(fields) != 2 || fields[0] != "Bearer" {
			return nil, errMissingOrInvalidToken
		}
		locator := pipeline.NewLocator(cfg)
		locator.NewGCSClient = func(ctx context.Context) (storage.Client, error) {
			return storage.NewGCSClientFromToken(ctx, fields[1])
		}
		return locator, nil
	}
}

// Server provides the counting endpoint.  Must be created with NewServer.
type Server struct {
	base       config.Config
	newLocator LocatorFunc
	whitelist  map[string]bool
	localFiles bool
}

// NewServer returns a new Server that starts every request from base and
// resolves BAM files with the locator returned by newLocator.
func NewServer(base config.Config, newLocator LocatorFunc) *Server {
	return &Server{base: base, newLocator: newLocator, whitelist: make(map[string]bool)}
}

// Whitelist adds buckets to the set of buckets which the server is allowed to
// access.  If Whitelist is never called for a given Server then reads from any
// bucket are allowed.
func (server *Server) Whitelist(buckets []string) {
	for _, bucket := range buckets {
		server.whitelist[bucket] = true
	}
}

// AllowLocalFiles permits requests to name BAM files on the local file system.
func (server *Server) AllowLocalFiles() {
	server.localFiles = true
}

// Export registers the counting endpoint with router.
func (server *Server) Export(router gin.IRoutes) {
	router.GET(countPath, forwardOrigin, server.serveCount)
}

func (server *Server) serveCount(c *gin.Context) {
	ctx := c.Request.Context()

	track := analytics.TrackerFromContext(ctx)
	track(analytics.Event(analytics.Category, "Count Request Received", "", nil))

	cfg, err := server.requestConfig(c.Request.URL.Query())
	if err != nil {
		writeError(c, newInvalidInputError("parsing query", err))
		return
	}

	if cfg.UseBAMFile() {
		if err := server.checkPath(cfg.BAMFilePath); err != nil {
			writeError(c, newPermissionDeniedError("checking whitelist", err))
			return
		}
	}

	locator, err := server.newLocator(c.Request)
	if err != nil {
		writeError(c, newStorageError("creating client", err))
		return
	}

	n, err := pipeline.Run(ctx, cfg, pipeline.Deps{Locator: locator})
	if err != nil {
		writeError(c, newCountError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": n})
	track(analytics.Event(analytics.Category, "Count Response Sent", "", &n))
}

// requestConfig applies the query parameters to the base configuration.  The
// output setting is never taken from a request.
func (server *Server) requestConfig(query url.Values) (config.Config, error) {
	cfg := server.base
	cfg.Output = ""

	if _, ok := query["references"]; ok {
		cfg.References = query.Get("references")
	}

	bamFile, rgs := query.Get("bam_file_path"), query.Get("read_group_set_id")
	if bamFile != "" || rgs != "" {
		cfg.BAMFilePath, cfg.ReadGroupSetID = bamFile, rgs
	}

	for _, param := range []struct {
		name  string
		value *int64
	}{
		{"shard_size", &cfg.ShardSize},
		{"page_size", &cfg.PageSize},
	} {
		if v := query.Get(param.name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return config.Config{}, fmt.Errorf("parsing %s: %v", param.name, err)
			}
			*param.value = n
		}
	}

	if v := query.Get("workers"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return config.Config{}, fmt.Errorf("parsing workers: %v", err)
		}
		if server.base.Workers > 0 && n > server.base.Workers {
			n = server.base.Workers
		}
		cfg.Workers = n
	}

	if v := query.Get("shard_bam_reading"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return config.Config{}, fmt.Errorf("parsing shard_bam_reading: %v", err)
		}
		cfg.ShardBAMReading = b
	}
	return cfg, nil
}

// checkPath reports whether the server may read the BAM file at path.
func (server *Server) checkPath(path string) error {
	p, err := storage.ParsePath(path)
	if err != nil {
		return err
	}
	if p.Scheme == "" {
		if !server.localFiles {
			return errLocalFilesDisabled
		}
		return nil
	}
	if len(server.whitelist) == 0 || server.whitelist[p.Bucket] {
		return nil
	}
	return fmt.Errorf("access to bucket %s is not allowed", p.Bucket)
}

// apiError is used to capture errors that have been defined in the API.
type apiError struct {
	name  string
	code  int
	cause error
}

func (err *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %v", err.name, err.code, err.cause)
}

func newApiError(name string, code int, context string, err error) error {
	return &apiError{name, code, fmt.Errorf("%s: %v", context, err)}
}

func newInvalidAuthenticationError(context string, err error) error {
	return newApiError("InvalidAuthentication", http.StatusUnauthorized, context, err)
}

func newInvalidInputError(context string, err error) error {
	return newApiError("InvalidInput", http.StatusBadRequest, context, err)
}

func newInvalidRangeError(err error) error {
	return &apiError{"InvalidRange", http.StatusBadRequest, err}
}

func newPermissionDeniedError(context string, err error) error {
	return newApiError("PermissionDenied", http.StatusForbidden, context, err)
}

func newNotFoundError(context string, err error) error {
	return newApiError("NotFound", http.StatusNotFound, context, err)
}

func newStorageError(context string, err error) error {
	if err == errMissingOrInvalidToken {
		return newPermissionDeniedError(context, err)
	}
	return err
}

// newCountError maps a failed run onto the API errors.
func newCountError(err error) error {
	var (
		rangeErr  *genomics.InvalidRangeError
		configErr *config.ConfigurationError
		apiErr    *googleapi.Error
	)
	switch {
	case errors.As(err, &rangeErr):
		return newInvalidRangeError(err)
	case errors.As(err, &configErr):
		return newInvalidInputError("checking configuration", err)
	case storage.IsNotExist(err):
		return newNotFoundError("object does not exist", err)
	case errors.As(err, &apiErr):
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return newInvalidAuthenticationError("counting reads", err)
		case http.StatusForbidden:
			return newPermissionDeniedError("counting reads", err)
		case http.StatusNotFound:
			return newNotFoundError("counting reads", err)
		}
	}
	return err
}

// writeError writes either a JSON object or bare HTTP error describing err.
// A JSON object is written only for the named htsget errors.
func writeError(c *gin.Context, err error) {
	if err, ok := err.(*apiError); ok {
		c.JSON(err.code, gin.H{
			"error":   err.name,
			"message": fmt.Sprintf("%s: %v", http.StatusText(err.code), err.cause),
		})
		return
	}

	code := http.StatusInternalServerError
	c.String(code, "%s: %v", http.StatusText(code), err)
}

func forwardOrigin(c *gin.Context) {
	if origin := c.GetHeader("Origin"); origin != "" {
		c.Header("Access-Control-Allow-Origin", origin)
	}
	c.Next()
}
