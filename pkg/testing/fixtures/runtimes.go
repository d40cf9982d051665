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

package fixtures

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ulikunitz/xz"
)

// ProtonScript stands in for a runtime's proton entry point. It ignores its
// arguments and runs until terminated, exiting cleanly on SIGTERM.
const ProtonScript = `#!/bin/sh
trap 'exit 0' TERM
sleep 30 &
wait
`

// WineServerScript stands in for the bundled wineserver.
const WineServerScript = "#!/bin/sh\nexit 0\n"

// CompatToolManifest is the Steam compatibility tool manifest for name.
// The display name is name followed by " (test)".
func CompatToolManifest(name string) string {
	return fmt.Sprintf(`"compatibilitytools"
{
	"compat_tools"
	{
		%q
		{
			"install_path" "."
			"display_name" %q
			"from_oslist" "windows"
			"to_oslist" "linux"
		}
	}
}
`, name, name+" (test)")
}

// RuntimeArchive builds a runtime release archive with a single top-level
// directory named top, compressed with xz when useXZ is set.
func RuntimeArchive(top string, useXZ bool) ([]byte, error) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)

	entries := []struct {
		hdr  tar.Header
		body string
	}{
		{hdr: tar.Header{Name: top + "/", Typeflag: tar.TypeDir, Mode: 0o755}},
		{hdr: tar.Header{Name: top + "/proton", Typeflag: tar.TypeReg, Mode: 0o755}, body: ProtonScript},
		{hdr: tar.Header{Name: top + "/version", Typeflag: tar.TypeReg, Mode: 0o644}, body: "1732000000 " + top + "\n"},
		{
			hdr:  tar.Header{Name: top + "/compatibilitytool.vdf", Typeflag: tar.TypeReg, Mode: 0o644},
			body: CompatToolManifest(top),
		},
		{hdr: tar.Header{Name: top + "/files/bin/", Typeflag: tar.TypeDir, Mode: 0o755}},
		{
			hdr:  tar.Header{Name: top + "/files/bin/wineserver", Typeflag: tar.TypeReg, Mode: 0o755},
			body: WineServerScript,
		},
		{hdr: tar.Header{Name: top + "/files/bin/wine", Typeflag: tar.TypeSymlink, Linkname: "wineserver"}},
		{hdr: tar.Header{Name: top + "/files/bin/wine64", Typeflag: tar.TypeLink, Linkname: top + "/files/bin/wineserver"}},
	}

	for _, e := range entries {
		hdr := e.hdr
		hdr.Size = int64(len(e.body))
		hdr.ModTime = time.Date(2024, 11, 20, 0, 0, 0, 0, time.UTC)
		if err := tw.WriteHeader(&hdr); err != nil {
			return nil, fmt.Errorf("write header %s: %w", hdr.Name, err)
		}
		if e.body != "" {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				return nil, fmt.Errorf("write body %s: %w", hdr.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}

	var out bytes.Buffer
	if useXZ {
		xw, err := xz.NewWriter(&out)
		if err != nil {
			return nil, fmt.Errorf("xz writer: %w", err)
		}
		if _, err := xw.Write(tarBuf.Bytes()); err != nil {
			return nil, fmt.Errorf("xz write: %w", err)
		}
		if err := xw.Close(); err != nil {
			return nil, fmt.Errorf("xz close: %w", err)
		}
		return out.Bytes(), nil
	}

	gw := gzip.NewWriter(&out)
	if _, err := gw.Write(tarBuf.Bytes()); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return out.Bytes(), nil
}

// ReleaseServer serves a GitHub style release index plus the archives and
// checksum files it references.
type ReleaseServer struct {
	*httptest.Server
	archives map[string][]byte
	truncate map[string]bool
	badSum   map[string]bool
	hold     map[string]chan struct{}
	started  map[string]chan struct{}
	versions []string
	mu       sync.Mutex
}

// NewReleaseServer starts a server offering versions, newest first.
// Versions ending in "-xz" are packed as .tar.xz.
func NewReleaseServer(t testing.TB, versions ...string) *ReleaseServer {
	t.Helper()

	rs := &ReleaseServer{
		archives: make(map[string][]byte),
		truncate: make(map[string]bool),
		badSum:   make(map[string]bool),
		hold:     make(map[string]chan struct{}),
		started:  make(map[string]chan struct{}),
		versions: versions,
	}
	for _, v := range versions {
		data, err := RuntimeArchive(v, strings.HasSuffix(v, "-xz"))
		if err != nil {
			t.Fatalf("build archive %s: %v", v, err)
		}
		rs.archives[v] = data
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /releases", rs.serveIndex)
	mux.HandleFunc("GET /dl/{file}", rs.serveFile)
	rs.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		rs.mu.Lock()
		for v, ch := range rs.hold {
			close(ch)
			delete(rs.hold, v)
		}
		rs.mu.Unlock()
		rs.Close()
	})
	return rs
}

// IndexURL is the release index endpoint.
func (rs *ReleaseServer) IndexURL() string {
	return rs.URL + "/releases"
}

// Truncate makes the archive for v end early while advertising its full
// length.
func (rs *ReleaseServer) Truncate(v string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.truncate[v] = true
}

// CorruptChecksum publishes a checksum that does not match v's archive.
func (rs *ReleaseServer) CorruptChecksum(v string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.badSum[v] = true
}

// Hold makes the archive download for v stall after the first chunk until
// the test ends. The returned channel is closed once the stall begins.
func (rs *ReleaseServer) Hold(v string) <-chan struct{} {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.hold[v] = make(chan struct{})
	started := make(chan struct{})
	rs.started[v] = started
	return started
}

func archiveName(v string) string {
	if strings.HasSuffix(v, "-xz") {
		return v + ".tar.xz"
	}
	return v + ".tar.gz"
}

func (rs *ReleaseServer) serveIndex(w http.ResponseWriter, _ *http.Request) {
	type asset struct {
		Name string `json:"name"`
		URL  string `json:"browser_download_url"`
		Size int    `json:"size"`
	}
	type release struct {
		TagName     string  `json:"tag_name"`
		Name        string  `json:"name"`
		PublishedAt string  `json:"published_at"`
		Assets      []asset `json:"assets"`
	}

	rels := make([]release, 0, len(rs.versions))
	for _, v := range rs.versions {
		rels = append(rels, release{
			TagName:     v,
			Name:        v + " Released",
			PublishedAt: "2024-11-20T10:00:00Z",
			Assets: []asset{
				{Name: v + ".sha512sum", URL: rs.URL + "/dl/" + v + ".sha512sum", Size: 160},
				{Name: archiveName(v), URL: rs.URL + "/dl/" + archiveName(v), Size: len(rs.archives[v])},
			},
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rels)
}

func (rs *ReleaseServer) serveFile(w http.ResponseWriter, r *http.Request) {
	file := r.PathValue("file")

	if v, ok := strings.CutSuffix(file, ".sha512sum"); ok {
		rs.mu.Lock()
		data, found := rs.archives[v]
		bad := rs.badSum[v]
		rs.mu.Unlock()
		if !found {
			http.NotFound(w, r)
			return
		}
		sum := sha512.Sum512(data)
		if bad {
			sum = sha512.Sum512([]byte("tampered"))
		}
		_, _ = fmt.Fprintf(w, "%s  %s\n", hex.EncodeToString(sum[:]), archiveName(v))
		return
	}

	v := strings.TrimSuffix(strings.TrimSuffix(file, ".tar.gz"), ".tar.xz")
	rs.mu.Lock()
	data, found := rs.archives[v]
	short := rs.truncate[v]
	hold := rs.hold[v]
	started := rs.started[v]
	rs.mu.Unlock()
	if !found {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	switch {
	case short:
		_, _ = w.Write(data[:len(data)/2])
	case hold != nil:
		_, _ = w.Write(data[:len(data)/2])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		rs.mu.Lock()
		if started != nil && rs.started[v] == started {
			close(started)
			rs.started[v] = nil
		}
		rs.mu.Unlock()
		select {
		case <-hold:
		case <-r.Context().Done():
		}
	default:
		_, _ = w.Write(data)
	}
}
