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
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianEdge/services/mlcore/mlerrors"
)

// DefaultUserAgent is sent unless the request headers override it.
const DefaultUserAgent = "AleutianEdge/1.0"

// maxErrorBody caps how much of a failed response is kept as Detail.
const maxErrorBody = 512

// HTTPConfig configures an HTTPFetcher.
type HTTPConfig struct {
	// Timeout bounds the whole transfer. Default: DefaultTimeout.
	Timeout time.Duration

	// UserAgent is the default User-Agent. Default: DefaultUserAgent.
	UserAgent string

	// Client overrides the HTTP client entirely. Timeout is ignored
	// when set.
	Client *http.Client
}

// HTTPFetcher fetches artifacts over http and https.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	return &HTTPFetcher{client: client, userAgent: ua}
}

// Open issues the GET and maps non-200 responses.
//
// # Description
//
// The bearer token is revealed only to set the header. Caller headers are
// applied after the defaults, so a caller-supplied User-Agent wins. On a
// non-200 status up to 512 bytes of the body are kept as Detail.
//
// # Outputs
//
//   - io.ReadCloser: The response body.
//   - int64: Content-Length, or -1.
//   - error: *mlerrors.Error (transport or status mapping).
func (f *HTTPFetcher) Open(ctx context.Context, u *url.URL, req Request) (io.ReadCloser, int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, mlerrors.Transport(req.FileName, err)
	}
	httpReq.Header.Set("User-Agent", f.userAgent)

	token, err := req.AuthToken.Reveal()
	if err != nil {
		return nil, 0, mlerrors.Transport(req.FileName, err)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, 0, mlerrors.Transport(req.FileName, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, 0, mlerrors.FromHTTPStatus(resp.StatusCode, req.FileName, strings.TrimSpace(string(body)))
	}

	return resp.Body, resp.ContentLength, nil
}
