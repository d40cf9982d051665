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

// Package releases reads the remote release index of compatibility runtime
// builds. The index format is the GitHub releases API.
package releases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/ZaparooProject/zaparoo-proton/pkg/helpers/syncutil"
	"github.com/ZaparooProject/zaparoo-proton/pkg/shared/httpclient"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrIndexUnavailable means the index could not be fetched or parsed.
	// It is distinct from an index with no usable releases.
	ErrIndexUnavailable = errors.New("release index unavailable")
	ErrVersionNotFound  = errors.New("version not in release index")
)

// archive extensions accepted for runtime builds, in preference order
var archiveExts = []string{".tar.gz", ".tar.xz"}

const checksumExt = ".sha512sum"

// maxIndexBytes bounds the index response body.
const maxIndexBytes = 16 << 20

// Descriptor is one installable runtime release.
type Descriptor struct {
	PublishedAt time.Time
	Version     string
	Name        string
	AssetName   string
	DownloadURL string
	ChecksumURL string
	Size        int64
}

type ghAsset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
	Size        int64  `json:"size"`
}

type ghRelease struct {
	PublishedAt time.Time `json:"published_at"`
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Assets      []ghAsset `json:"assets"`
	Draft       bool      `json:"draft"`
}

type Options struct {
	Client  *httpclient.Client
	Clock   clockwork.Clock
	URL     string
	Max     int
	Timeout time.Duration
	// TTL is how long a successful fetch is reused. Zero disables caching.
	TTL time.Duration
}

// Index fetches and caches the release list.
type Index struct {
	fetchedAt time.Time
	client    *httpclient.Client
	clock     clockwork.Clock
	group     singleflight.Group
	url       string
	cached    []Descriptor
	max       int
	timeout   time.Duration
	ttl       time.Duration
	mu        syncutil.Mutex
}

func NewIndex(opts Options) *Index {
	if opts.Client == nil {
		opts.Client = httpclient.NewClient()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = httpclient.DefaultTimeoutSeconds * time.Second
	}
	return &Index{
		client:  opts.Client,
		clock:   opts.Clock,
		url:     opts.URL,
		max:     opts.Max,
		timeout: opts.Timeout,
		ttl:     opts.TTL,
	}
}

// List returns the newest releases that ship a usable archive. On failure it
// returns an empty sequence together with ErrIndexUnavailable. force skips
// the cache.
func (i *Index) List(ctx context.Context, force bool) (iter.Seq[Descriptor], error) {
	descs, err := i.descriptors(ctx, force)
	if err != nil {
		return func(func(Descriptor) bool) {}, err
	}
	return slices.Values(descs), nil
}

// Lookup finds version in the index.
func (i *Index) Lookup(ctx context.Context, version string) (Descriptor, error) {
	descs, err := i.descriptors(ctx, false)
	if err != nil {
		return Descriptor{}, err
	}
	for _, d := range descs {
		if d.Version == version {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
}

func (i *Index) descriptors(ctx context.Context, force bool) ([]Descriptor, error) {
	if !force {
		i.mu.Lock()
		if i.cached != nil && i.ttl > 0 && i.clock.Since(i.fetchedAt) < i.ttl {
			descs := i.cached
			i.mu.Unlock()
			return descs, nil
		}
		i.mu.Unlock()
	}

	v, err, _ := i.group.Do("index", func() (any, error) {
		descs, err := i.fetch(ctx)
		if err != nil {
			return nil, err
		}
		i.mu.Lock()
		i.cached = descs
		i.fetchedAt = i.clock.Now()
		i.mu.Unlock()
		return descs, nil
	})
	if err != nil {
		log.Warn().Err(err).Str("url", i.url).Msg("release index unavailable")
		return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	descs, ok := v.([]Descriptor)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected result type", ErrIndexUnavailable)
	}
	return descs, nil
}

func (i *Index) fetch(ctx context.Context) ([]Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	resp, err := i.client.Get(ctx, i.url)
	if err != nil {
		return nil, err //nolint:wrapcheck // already wrapped by client
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("error closing index response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("invalid status code: %d", resp.StatusCode)
	}

	var rels []ghRelease
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxIndexBytes))
	if err := dec.Decode(&rels); err != nil {
		return nil, fmt.Errorf("failed to decode release index: %w", err)
	}

	descs := parse(rels, i.max)
	log.Debug().Int("releases", len(rels)).Int("usable", len(descs)).Msg("fetched release index")
	return descs, nil
}

// parse keeps at most limit releases, in index order, that carry an archive
// asset. A limit of zero or less keeps all of them.
func parse(rels []ghRelease, limit int) []Descriptor {
	descs := make([]Descriptor, 0, len(rels))
	for _, rel := range rels {
		if limit > 0 && len(descs) >= limit {
			break
		}
		if rel.Draft || rel.TagName == "" {
			continue
		}
		d, ok := describe(rel)
		if !ok {
			continue
		}
		descs = append(descs, d)
	}
	return descs
}

func describe(rel ghRelease) (Descriptor, bool) {
	for _, ext := range archiveExts {
		for _, a := range rel.Assets {
			if !strings.HasSuffix(a.Name, ext) || a.DownloadURL == "" {
				continue
			}
			name := rel.Name
			if name == "" {
				name = rel.TagName
			}
			return Descriptor{
				Version:     rel.TagName,
				Name:        name,
				PublishedAt: rel.PublishedAt,
				AssetName:   a.Name,
				DownloadURL: a.DownloadURL,
				Size:        a.Size,
				ChecksumURL: checksumURL(rel.Assets, strings.TrimSuffix(a.Name, ext)),
			}, true
		}
	}
	return Descriptor{}, false
}

func checksumURL(assets []ghAsset, base string) string {
	fallback := ""
	for _, a := range assets {
		if a.Name == base+checksumExt {
			return a.DownloadURL
		}
		if fallback == "" && strings.HasSuffix(a.Name, checksumExt) {
			fallback = a.DownloadURL
		}
	}
	return fallback
}
