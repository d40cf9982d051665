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

package releases

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const indexJSON = `[
  {"tag_name": "GE-Proton9-21", "name": "GE-Proton9-21 draft", "draft": true,
   "published_at": "2024-12-01T00:00:00Z",
   "assets": [{"name": "GE-Proton9-21.tar.gz", "browser_download_url": "https://dl/9-21.tar.gz", "size": 10}]},
  {"tag_name": "GE-Proton9-20", "name": "GE-Proton9-20 Released", "published_at": "2024-11-20T10:00:00Z",
   "assets": [
     {"name": "GE-Proton9-20.sha512sum", "browser_download_url": "https://dl/9-20.sha512sum", "size": 150},
     {"name": "GE-Proton9-20.tar.gz", "browser_download_url": "https://dl/9-20.tar.gz", "size": 400}
   ]},
  {"tag_name": "GE-Proton9-19", "name": "",  "published_at": "2024-11-01T10:00:00Z",
   "assets": [{"name": "GE-Proton9-19.tar.xz", "browser_download_url": "https://dl/9-19.tar.xz", "size": 300}]},
  {"tag_name": "source-only", "name": "no archive", "published_at": "2024-10-01T10:00:00Z",
   "assets": [{"name": "notes.txt", "browser_download_url": "https://dl/notes.txt", "size": 1}]},
  {"tag_name": "GE-Proton9-18", "name": "GE-Proton9-18", "published_at": "2024-10-01T10:00:00Z",
   "assets": [{"name": "GE-Proton9-18.tar.gz", "browser_download_url": "https://dl/9-18.tar.gz", "size": 200}]}
]`

func newIndexServer(t *testing.T, body string, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestList_ParsesUsableReleases(t *testing.T) {
	t.Parallel()

	srv, _ := newIndexServer(t, indexJSON, http.StatusOK)
	idx := NewIndex(Options{URL: srv.URL, Max: 10})

	seq, err := idx.List(context.Background(), false)
	require.NoError(t, err)
	descs := slices.Collect(seq)

	require.Len(t, descs, 3)
	assert.Equal(t, "GE-Proton9-20", descs[0].Version)
	assert.Equal(t, "GE-Proton9-20 Released", descs[0].Name)
	assert.Equal(t, "https://dl/9-20.tar.gz", descs[0].DownloadURL)
	assert.Equal(t, "https://dl/9-20.sha512sum", descs[0].ChecksumURL)
	assert.Equal(t, int64(400), descs[0].Size)
	assert.Equal(t, time.Date(2024, 11, 20, 10, 0, 0, 0, time.UTC), descs[0].PublishedAt.UTC())

	assert.Equal(t, "GE-Proton9-19", descs[1].Version)
	assert.Equal(t, "GE-Proton9-19", descs[1].Name)
	assert.Equal(t, "GE-Proton9-19.tar.xz", descs[1].AssetName)
	assert.Empty(t, descs[1].ChecksumURL)

	assert.Equal(t, "GE-Proton9-18", descs[2].Version)
}

func TestList_RespectsMax(t *testing.T) {
	t.Parallel()

	srv, _ := newIndexServer(t, indexJSON, http.StatusOK)
	idx := NewIndex(Options{URL: srv.URL, Max: 2})

	seq, err := idx.List(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, slices.Collect(seq), 2)
}

func TestList_UnavailableYieldsEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "server error", body: "oops", status: http.StatusInternalServerError},
		{name: "rate limited", body: `{"message":"API rate limit exceeded"}`, status: http.StatusForbidden},
		{name: "malformed json", body: `[{"tag_name":`, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, _ := newIndexServer(t, tt.body, tt.status)
			idx := NewIndex(Options{URL: srv.URL})

			seq, err := idx.List(context.Background(), false)
			require.ErrorIs(t, err, ErrIndexUnavailable)
			require.NotNil(t, seq)
			assert.Empty(t, slices.Collect(seq))
		})
	}
}

func TestList_EmptyIndexIsNotAnError(t *testing.T) {
	t.Parallel()

	srv, _ := newIndexServer(t, `[]`, http.StatusOK)
	idx := NewIndex(Options{URL: srv.URL})

	seq, err := idx.List(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, slices.Collect(seq))
}

func TestList_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	idx := NewIndex(Options{URL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := idx.List(context.Background(), false)
	require.ErrorIs(t, err, ErrIndexUnavailable)
}

func TestList_CacheAndForceRefresh(t *testing.T) {
	t.Parallel()

	srv, hits := newIndexServer(t, indexJSON, http.StatusOK)
	clock := clockwork.NewFakeClock()
	idx := NewIndex(Options{URL: srv.URL, Clock: clock, TTL: 10 * time.Minute})

	ctx := context.Background()
	_, err := idx.List(ctx, false)
	require.NoError(t, err)
	_, err = idx.List(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	_, err = idx.List(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())

	clock.Advance(11 * time.Minute)
	_, err = idx.List(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestLookup(t *testing.T) {
	t.Parallel()

	srv, _ := newIndexServer(t, indexJSON, http.StatusOK)
	idx := NewIndex(Options{URL: srv.URL, TTL: time.Minute})

	d, err := idx.Lookup(context.Background(), "GE-Proton9-18")
	require.NoError(t, err)
	assert.Equal(t, "https://dl/9-18.tar.gz", d.DownloadURL)

	_, err = idx.Lookup(context.Background(), "GE-Proton9-21")
	require.ErrorIs(t, err, ErrVersionNotFound)
}
