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

package runtimes

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ZaparooProject/zaparoo-proton/pkg/runtimes/releases"
	"github.com/ZaparooProject/zaparoo-proton/pkg/shared/httpclient"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// extractFactor is the free space required as a multiple of the archive
// size: the archive itself plus its unpacked contents.
const extractFactor = 3

const (
	progressInterval = 250 * time.Millisecond
	maxChecksumBytes = 64 << 10
)

// Install downloads, verifies and unpacks version into the install root.
// Nothing is recorded in the registry until the runtime is fully in place;
// on any failure or cancellation the partial files are removed and the
// version reverts to NotInstalled.
func (m *Manager) Install(ctx context.Context, version string, progress ProgressFunc) error {
	if !validVersion(version) {
		return fmt.Errorf("%w: %q", ErrRuntimeNotFound, version)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := m.beginInstall(version, cancel); err != nil {
		return err
	}
	defer m.endInstall(version)

	log.Info().Str("version", version).Msg("installing runtime")

	desc, err := m.index.Lookup(ctx, version)
	if errors.Is(err, releases.ErrVersionNotFound) {
		return fmt.Errorf("%w: %s", ErrRuntimeNotFound, version)
	} else if err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	if err := m.checkSpace(desc.Size); err != nil {
		return err
	}

	archive := filepath.Join(m.root, downloadPrefix+version+archiveExt(desc.AssetName))
	staging := filepath.Join(m.root, stagingPrefix+version)
	defer m.removeArtifacts(archive, archive+".part", staging)

	if err := m.download(ctx, desc, archive, progress); err != nil {
		log.Error().Err(err).Str("version", version).Msg("runtime download failed")
		return err
	}

	if err := extractArchive(ctx, m.fs, archive, staging); err != nil {
		log.Error().Err(err).Str("version", version).Msg("runtime extraction failed")
		return classify(ctx, err)
	}

	top, err := m.runtimeDir(staging)
	if err != nil {
		return err
	}

	return m.commitInstall(ctx, version, top)
}

func validVersion(v string) bool {
	return v != "" && v != "." && v != ".." &&
		!strings.ContainsAny(v, `/\`) && !strings.HasPrefix(v, ".")
}

func (m *Manager) beginInstall(version string, cancel context.CancelFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	switch m.stateLocked(version) {
	case Installed:
		return fmt.Errorf("%w: %s", ErrAlreadyInstalled, version)
	case Downloading:
		return fmt.Errorf("%w: %s", ErrAlreadyInstalling, version)
	case Removing:
		return fmt.Errorf("%w: %s", ErrRemoving, version)
	case NotInstalled:
	}

	m.transient[version] = Downloading
	m.cancels[version] = cancel
	return nil
}

func (m *Manager) endInstall(version string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transient[version] == Downloading {
		delete(m.transient, version)
	}
	delete(m.cancels, version)
}

func (m *Manager) commitInstall(ctx context.Context, version, top string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	final := filepath.Join(m.root, version)
	if exists, _ := afero.DirExists(m.fs, final); exists {
		log.Warn().Str("path", final).Msg("replacing unregistered runtime directory")
		if err := m.fs.RemoveAll(final); err != nil {
			return fmt.Errorf("%w: failed to clear %s: %w", ErrDownloadFailed, final, err)
		}
	}

	if err := m.fs.Rename(top, final); err != nil {
		return fmt.Errorf("%w: failed to move runtime into place: %w", ErrDownloadFailed, err)
	}

	if err := m.reg.Record(version, final); err != nil {
		if rmErr := m.fs.RemoveAll(final); rmErr != nil {
			log.Error().Err(rmErr).Str("path", final).Msg("failed to remove unrecorded runtime")
		}
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	delete(m.transient, version)
	log.Info().Str("version", version).Str("path", final).Msg("runtime installed")
	return nil
}

func (m *Manager) checkSpace(size int64) error {
	if size <= 0 {
		return nil
	}
	free, err := m.freeSpace(m.root)
	if err != nil {
		log.Warn().Err(err).Msg("failed to check free space, continuing")
		return nil
	}
	need := uint64(size) * extractFactor
	if free < need {
		return fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientSpace, need, free)
	}
	return nil
}

func (m *Manager) download(
	ctx context.Context,
	desc releases.Descriptor,
	archive string,
	progress ProgressFunc,
) error {
	hash := sha512.New()
	var want string

	var onChunk func(written, total int64)
	if progress != nil {
		sometimes := rate.Sometimes{Interval: progressInterval}
		onChunk = func(written, total int64) {
			if total > 0 && written == total {
				progress(Progress{Version: desc.Version, Written: written, Total: total})
				return
			}
			sometimes.Do(func() {
				progress(Progress{Version: desc.Version, Written: written, Total: total})
			})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.client.DownloadFile(gctx, httpclient.DownloadFileArgs{ //nolint:wrapcheck // classified below
			Fs:           m.fs,
			Tee:          hash,
			Progress:     onChunk,
			URL:          desc.DownloadURL,
			OutputPath:   archive,
			TempPath:     archive + ".part",
			ExpectedSize: desc.Size,
		})
	})
	if desc.ChecksumURL != "" {
		g.Go(func() error {
			sum, err := m.fetchChecksum(gctx, desc.ChecksumURL)
			want = sum
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return classify(ctx, err)
	}

	if want != "" {
		got := hex.EncodeToString(hash.Sum(nil))
		if !strings.EqualFold(got, want) {
			return fmt.Errorf("%w: %w: got %s", ErrDownloadFailed, ErrChecksumMismatch, got)
		}
		log.Debug().Str("version", desc.Version).Msg("runtime checksum verified")
	}
	return nil
}

// fetchChecksum reads a sha512sum style file and returns its first digest.
func (m *Manager) fetchChecksum(ctx context.Context, url string) (string, error) {
	resp, err := m.client.Get(ctx, url)
	if err != nil {
		return "", err //nolint:wrapcheck // classified by caller
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("error closing checksum response body")
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("checksum: invalid status code: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxChecksumBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read checksum: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", errors.New("empty checksum file")
	}
	sum := fields[0]
	if _, err := hex.DecodeString(sum); err != nil || len(sum) != sha512.Size*2 {
		return "", fmt.Errorf("malformed checksum %q", sum)
	}
	return sum, nil
}

// runtimeDir finds the unpacked runtime inside staging. Release archives
// normally hold a single top-level directory.
func (m *Manager) runtimeDir(staging string) (string, error) {
	entries, err := afero.ReadDir(m.fs, staging)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidArchive, err)
	}
	top := staging
	if len(entries) == 1 && entries[0].IsDir() {
		top = filepath.Join(staging, entries[0].Name())
	}
	if _, err := m.fs.Stat(filepath.Join(top, EntryPoint)); err != nil {
		return "", fmt.Errorf("%w: no %s entry point", ErrInvalidArchive, EntryPoint)
	}
	return top, nil
}

func (m *Manager) removeArtifacts(paths ...string) {
	for _, p := range paths {
		if err := m.fs.RemoveAll(p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("failed to remove install artifact")
		}
	}
}

// classify maps a download or extraction error onto the install error
// kinds.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalidArchive):
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%w: %w", ErrInsufficientSpace, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", ErrDownloadFailed, ctx.Err())
	default:
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
}

func archiveExt(name string) string {
	if strings.HasSuffix(name, ".tar.xz") {
		return ".tar.xz"
	}
	return ".tar.gz"
}
