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

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/googlegenomics/countreads/analytics"
	"github.com/googlegenomics/countreads/api"
	"github.com/googlegenomics/countreads/internal/pipeline"
)

var serveFlags struct {
	port            int
	secure          bool
	httpsCert       string
	httpsKey        string
	buckets         string
	allowLocalFiles bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve read counts over HTTP",
	Long: `Serve GET /count.  Query parameters override the settings given on the
command line for a single request; the count is returned as {"count": n}.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.IntVar(&serveFlags.port, "port", 80, "HTTP service port")
	flags.BoolVar(&serveFlags.secure, "secure", false, "serve in HTTPS-only mode and forward client bearer tokens")
	flags.StringVar(&serveFlags.httpsCert, "https_cert", "", "HTTPS certificate file")
	flags.StringVar(&serveFlags.httpsKey, "https_key", "", "HTTPS key file")
	flags.StringVar(&serveFlags.buckets, "buckets", "", "if set, restricts reads to a comma-separated list of buckets")
	flags.BoolVar(&serveFlags.allowLocalFiles, "allow_local_files", false, "allow requests to name local BAM files")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if serveFlags.secure && (serveFlags.httpsCert == "" || serveFlags.httpsKey == "") {
		return errors.New("you must specify both --https_cert and --https_key in secure mode")
	}

	cfg, stop, err := loadConfig()
	if err != nil {
		return err
	}
	defer stop()

	newLocator := api.SharedLocator(pipeline.NewLocator(cfg))
	if serveFlags.secure {
		newLocator = api.BearerTokenLocator(cfg)
	}

	server := api.NewServer(cfg, newLocator)
	if serveFlags.buckets != "" {
		server.Whitelist(strings.Split(serveFlags.buckets, ","))
	}
	if serveFlags.allowLocalFiles {
		server.AllowLocalFiles()
	}

	router := gin.Default()
	if cfg.TrackUsage {
		log.Printf("Enabling anonymous usage tracking")

		client := analytics.NewClient(trackingID, "")
		router.Use(analytics.Middleware(func(hits []analytics.Hit) {
			if err := client.Send(context.Background(), hits); err != nil {
				log.Printf("Failed to send %d hits to analytics: %v", len(hits), err)
			}
		}))
	}
	server.Export(router)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", serveFlags.port),
		Handler: router,
	}
	go func() {
		<-cmd.Context().Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("Shutting down: %v", err)
		}
	}()

	log.Printf("Serving on %s", httpServer.Addr)
	if serveFlags.secure {
		err = httpServer.ListenAndServeTLS(serveFlags.httpsCert, serveFlags.httpsKey)
	} else {
		err = httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server returned an error: %v", err)
	}
	return nil
}
