// Zaparoo Core
// Copyright (c) 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Zaparoo Core.
//
// Zaparoo Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Zaparoo Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Zaparoo Core.  If not, see <http://www.gnu.org/licenses/>.

// Package httpclient provides the shared HTTP client used for release index
// queries and runtime archive downloads.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/ZaparooProject/zaparoo-proton/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	// DefaultTimeoutSeconds is the default timeout for short HTTP requests.
	DefaultTimeoutSeconds = 30
	userAgent             = config.AppName
)

// ErrIncomplete is returned when a download ends before the advertised size.
var ErrIncomplete = errors.New("download incomplete")

// AuthTransport adds a bearer token to requests sent to the listed hosts.
type AuthTransport struct {
	Base  http.RoundTripper
	Token string
	Hosts []string
}

// RoundTrip implements http.RoundTripper.
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	if req.Header.Get("User-Agent") == "" || t.Token != "" {
		req = req.Clone(req.Context())
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", userAgent)
		}
		if t.Token != "" && slices.Contains(t.Hosts, req.URL.Hostname()) {
			req.Header.Set("Authorization", "Bearer "+t.Token)
		}
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform HTTP round trip: %w", err)
	}
	return resp, nil
}

// DefaultTransport provides a configured transport with connection pooling
// and reasonable timeouts.
var DefaultTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ResponseHeaderTimeout: 30 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
}

// Client wraps http.Client with download helpers.
type Client struct {
	*http.Client
}

// NewClient creates a client with no overall timeout, suitable for large
// downloads bounded by a context.
func NewClient() *Client {
	return &Client{
		Client: &http.Client{
			Transport: &AuthTransport{Base: DefaultTransport},
		},
	}
}

// NewClientWithTimeout creates a client with a custom overall timeout.
func NewClientWithTimeout(timeout time.Duration) *Client {
	return &Client{
		Client: &http.Client{
			Transport: &AuthTransport{Base: DefaultTransport},
			Timeout:   timeout,
		},
	}
}

// NewClientFromConfig creates a download client that authenticates against
// the release index host when a token is configured.
func NewClientFromConfig(cfg *config.Instance) *Client {
	hosts := []string{"api.github.com"}
	if u, err := url.Parse(cfg.IndexURL()); err == nil && u.Hostname() != "" {
		hosts = append(hosts, u.Hostname())
	}
	return &Client{
		Client: &http.Client{
			Transport: &AuthTransport{
				Base:  DefaultTransport,
				Token: cfg.GitHubToken(),
				Hosts: hosts,
			},
		},
	}
}

// DownloadFileArgs contains arguments for file download operations.
type DownloadFileArgs struct {
	// Fs is the destination filesystem. Nil uses the OS filesystem.
	Fs afero.Fs
	// Tee receives a copy of every byte written, e.g. a hash.
	Tee io.Writer
	// Progress is called after each chunk with the bytes written so far and
	// the expected total (0 when unknown).
	Progress   func(written, total int64)
	URL        string
	OutputPath string
	TempPath   string
	// ExpectedSize is checked when the server sends no Content-Length.
	ExpectedSize int64
}

type progressWriter struct {
	fn      func(written, total int64)
	written int64
	total   int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	p.fn(p.written, p.total)
	return len(b), nil
}

// DownloadFile downloads a file from the given URL to the output path.
// Partial files are removed on any error.
func (c *Client) DownloadFile(ctx context.Context, args DownloadFileArgs) error {
	fs := args.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	resp, err := c.Get(ctx, args.URL)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("error closing response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("invalid status code: %d", resp.StatusCode)
	}

	outputPath := args.OutputPath
	if args.TempPath != "" {
		outputPath = args.TempPath
	}

	file, err := fs.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("error creating file: %w", err)
	}

	discard := func() {
		if closeErr := file.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msgf("error closing file: %s", outputPath)
		}
		if removeErr := fs.Remove(outputPath); removeErr != nil {
			log.Warn().Err(removeErr).Msgf("error removing partial download: %s", outputPath)
		}
	}

	expected := resp.ContentLength
	if expected <= 0 {
		expected = args.ExpectedSize
	}

	writers := []io.Writer{file}
	if args.Tee != nil {
		writers = append(writers, args.Tee)
	}
	if args.Progress != nil {
		writers = append(writers, &progressWriter{fn: args.Progress, total: max(expected, 0)})
	}

	written, err := io.Copy(io.MultiWriter(writers...), resp.Body)
	if err != nil {
		discard()
		return fmt.Errorf("error downloading file: %w", err)
	}

	if expected > 0 && written != expected {
		discard()
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrIncomplete, expected, written)
	}

	if err := file.Sync(); err != nil {
		discard()
		return fmt.Errorf("error syncing file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("error closing file: %w", err)
	}

	if args.TempPath != "" && args.TempPath != args.OutputPath {
		if err := fs.Rename(args.TempPath, args.OutputPath); err != nil {
			if removeErr := fs.Remove(args.TempPath); removeErr != nil {
				log.Warn().Err(removeErr).Msgf("error removing temp file: %s", args.TempPath)
			}
			return fmt.Errorf("error renaming temp file: %w", err)
		}
	}

	return nil
}

// Get performs a GET request and returns the response.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error performing GET request: %w", err)
	}
	if resp == nil {
		return nil, errors.New("received nil response")
	}

	return resp, nil
}
