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

package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gapi "google.golang.org/api/genomics/v1"
	"google.golang.org/api/googleapi/transport"
)

// ServiceOptions controls how the Genomics API client authenticates.
type ServiceOptions struct {
	// APIKey, if set, is sent with every request instead of OAuth2
	// credentials.
	APIKey string
	// CredentialsFile is a JSON credentials file.  When empty the application
	// default credentials are used.
	CredentialsFile string
	// CABundle is a PEM file of additional certificate authorities.
	CABundle string
	// BasePath overrides the API endpoint.
	BasePath string
}

// NewService returns a Genomics API client configured by opts.
func NewService(ctx context.Context, opts ServiceOptions) (*gapi.Service, error) {
	if opts.CABundle != "" {
		var err error
		if ctx, err = withCABundle(ctx, opts.CABundle); err != nil {
			return nil, err
		}
	}

	var client *http.Client
	switch {
	case opts.APIKey != "":
		base := http.DefaultTransport
		if c, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok && c.Transport != nil {
			base = c.Transport
		}
		client = &http.Client{Transport: &transport.APIKey{Key: opts.APIKey, Transport: base}}
	case opts.CredentialsFile != "":
		data, err := ioutil.ReadFile(opts.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("reading credentials file: %v", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, gapi.GenomicsReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("parsing credentials file %q: %v", opts.CredentialsFile, err)
		}
		client = oauth2.NewClient(ctx, creds.TokenSource)
	default:
		var err error
		if client, err = google.DefaultClient(ctx, gapi.GenomicsReadonlyScope); err != nil {
			return nil, fmt.Errorf("creating default client: %v", err)
		}
	}

	service, err := gapi.New(client)
	if err != nil {
		return nil, fmt.Errorf("creating genomics service: %v", err)
	}
	if opts.BasePath != "" {
		service.BasePath = opts.BasePath
	}
	return service, nil
}

// withCABundle returns a context whose OAuth2 HTTP client trusts the
// certificates in bundle in addition to the system pool.
func withCABundle(ctx context.Context, bundle string) (context.Context, error) {
	pem, err := ioutil.ReadFile(bundle)
	if err != nil {
		return nil, fmt.Errorf("reading CA override file %q: %v", bundle, err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("initializing system certificate pool: %v", err)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in bundle %q", bundle)
	}
	log.Printf("Using CA override bundle from %q", bundle)
	return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs: pool,
			}},
	}), nil
}
