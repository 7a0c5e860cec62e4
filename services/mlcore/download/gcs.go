// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/mlerrors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSConfig configures a GCSFetcher.
type GCSConfig struct {
	// UseDefaultCredentials falls back to Application Default Credentials
	// when the request carries no token. When false, tokenless requests
	// are unauthenticated (public buckets only).
	UseDefaultCredentials bool

	// Endpoint overrides the storage endpoint (emulators).
	Endpoint string
}

// GCSFetcher fetches artifacts from gs://bucket/object URLs.
//
// A request's bearer token becomes a static OAuth2 token source, so the
// same authToken field works for Hugging Face and for GCS.
type GCSFetcher struct {
	cfg GCSConfig
}

// NewGCSFetcher creates a GCSFetcher.
func NewGCSFetcher(cfg GCSConfig) *GCSFetcher {
	return &GCSFetcher{cfg: cfg}
}

// Open creates a per-request storage client and object reader.
func (f *GCSFetcher) Open(ctx context.Context, u *url.URL, req Request) (io.ReadCloser, int64, error) {
	bucket, object, err := parseGCSURL(u)
	if err != nil {
		return nil, 0, &mlerrors.Error{
			Kind:    mlerrors.KindDownload,
			Reason:  mlerrors.ReasonTransport,
			Model:   req.FileName,
			Message: "invalid gs:// URL",
			Err:     err,
		}
	}

	opts, err := f.clientOptions(req)
	if err != nil {
		return nil, 0, mlerrors.Transport(req.FileName, err)
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, 0, mlerrors.Transport(req.FileName, fmt.Errorf("create storage client: %w", err))
	}

	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		_ = client.Close()
		return nil, 0, mapGCSError(req.FileName, err)
	}

	return &gcsBody{Reader: reader, client: client}, reader.Attrs.Size, nil
}

func (f *GCSFetcher) clientOptions(req Request) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	if f.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(f.cfg.Endpoint))
	}

	token, err := req.AuthToken.Reveal()
	if err != nil {
		return nil, err
	}
	switch {
	case token != "":
		opts = append(opts, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: token,
			TokenType:   "Bearer",
		})))
	case !f.cfg.UseDefaultCredentials:
		opts = append(opts, option.WithoutAuthentication())
	}
	return opts, nil
}

// gcsBody closes the per-request client along with the reader.
type gcsBody struct {
	*storage.Reader
	client *storage.Client
}

func (b *gcsBody) Close() error {
	rerr := b.Reader.Close()
	cerr := b.client.Close()
	if rerr != nil {
		return rerr
	}
	return cerr
}

// parseGCSURL splits gs://bucket/path/to/object.
func parseGCSURL(u *url.URL) (bucket, object string, err error) {
	bucket = u.Host
	object = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("expected gs://bucket/object, got %q", u.String())
	}
	return bucket, object, nil
}

// mapGCSError folds storage errors into the download taxonomy.
func mapGCSError(fileName string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return mlerrors.FromHTTPStatus(http.StatusNotFound, fileName, err.Error())
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return mlerrors.FromHTTPStatus(gerr.Code, fileName, gerr.Message)
	}
	return mlerrors.Transport(fileName, err)
}
