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

// Package runtimes installs, resolves and removes versioned compatibility
// runtimes (Proton builds) under a single install root.
//
// All state and registry mutations are serialized by the manager. Downloads
// run on the calling goroutine with a cancellable context the manager keeps
// so that Close, CancelInstall or a shutdown can abort them promptly.
package runtimes

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ZaparooProject/zaparoo-proton/pkg/helpers/syncutil"
	"github.com/ZaparooProject/zaparoo-proton/pkg/runtimes/registry"
	"github.com/ZaparooProject/zaparoo-proton/pkg/runtimes/releases"
	"github.com/ZaparooProject/zaparoo-proton/pkg/shared/httpclient"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	downloadPrefix = ".download-"
	stagingPrefix  = ".staging-"
	versionFile    = "version"
)

// ReleaseIndex is the remote list of installable runtime versions.
type ReleaseIndex interface {
	List(ctx context.Context, force bool) (iter.Seq[releases.Descriptor], error)
	Lookup(ctx context.Context, version string) (releases.Descriptor, error)
}

type Options struct {
	Fs       afero.Fs
	Index    ReleaseIndex
	Registry *registry.Registry
	Client   *httpclient.Client
	// FreeSpace reports free bytes on the volume holding path. Defaults to
	// a gopsutil disk usage query.
	FreeSpace func(path string) (uint64, error)
	Root      string
	// Discover records runtimes already present in Root at startup.
	Discover bool
}

type Manager struct {
	fs        afero.Fs
	index     ReleaseIndex
	reg       *registry.Registry
	client    *httpclient.Client
	guard     UsageGuard
	freeSpace func(string) (uint64, error)
	transient map[string]InstallState
	busy      map[string]bool
	cancels   map[string]context.CancelFunc
	root      string
	mu        syncutil.Mutex
	closed    bool
}

// NewManager prepares the install root, clears artifacts left by
// interrupted installs and reconciles the registry with what is on disk.
func NewManager(opts Options) (*Manager, error) {
	if opts.Registry == nil {
		return nil, errors.New("runtime manager requires a registry")
	}
	if opts.Index == nil {
		return nil, errors.New("runtime manager requires a release index")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Client == nil {
		opts.Client = httpclient.NewClient()
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = diskFree
	}

	m := &Manager{
		fs:        opts.Fs,
		index:     opts.Index,
		reg:       opts.Registry,
		client:    opts.Client,
		freeSpace: opts.FreeSpace,
		root:      filepath.Clean(opts.Root),
		transient: make(map[string]InstallState),
		busy:      make(map[string]bool),
		cancels:   make(map[string]context.CancelFunc),
	}

	if err := m.fs.MkdirAll(m.root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create runtime root: %w", err)
	}
	m.cleanStale()
	if err := m.reconcile(); err != nil {
		return nil, err
	}
	if opts.Discover {
		if err := m.discover(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// SetUsageGuard installs the check consulted before a runtime is removed.
func (m *Manager) SetUsageGuard(g UsageGuard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guard = g
}

func (m *Manager) Root() string {
	return m.root
}

// ListAvailable returns the installable releases. When the index cannot be
// reached the sequence is empty and the error is releases.ErrIndexUnavailable.
func (m *Manager) ListAvailable(ctx context.Context) (iter.Seq[releases.Descriptor], error) {
	return m.index.List(ctx, false) //nolint:wrapcheck // sentinel is part of the contract
}

// Refresh refetches the release index, ignoring any cached copy.
func (m *Manager) Refresh(ctx context.Context) (iter.Seq[releases.Descriptor], error) {
	return m.index.List(ctx, true) //nolint:wrapcheck // sentinel is part of the contract
}

// ListInstalled returns versions whose install completed.
func (m *Manager) ListInstalled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.ListInstalled()
}

func (m *Manager) State(version string) InstallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(version)
}

func (m *Manager) stateLocked(version string) InstallState {
	if st, ok := m.transient[version]; ok {
		return st
	}
	if _, err := m.reg.Lookup(version); err == nil {
		return Installed
	}
	return NotInstalled
}

// Resolve returns the installed runtime for version, or
// ErrRuntimeNotInstalled when it is absent or being installed or removed.
func (m *Manager) Resolve(version string) (Runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stateLocked(version) != Installed {
		return Runtime{}, fmt.Errorf("%w: %s", ErrRuntimeNotInstalled, version)
	}
	p, err := m.reg.Lookup(version)
	if err != nil {
		return Runtime{}, fmt.Errorf("%w: %s", ErrRuntimeNotInstalled, version)
	}
	rt := Runtime{Version: version, Path: p}
	if _, err := m.fs.Stat(rt.EntryPoint()); err != nil {
		log.Warn().Err(err).Str("version", version).Msg("registered runtime is missing its entry point")
		return Runtime{}, fmt.Errorf("%w: %s: missing %s", ErrRuntimeNotInstalled, version, EntryPoint)
	}
	return rt, nil
}

// Versions merges the release index with local state. Installed versions
// absent from the index are included. The index error, if any, is returned
// alongside the local-only list.
func (m *Manager) Versions(ctx context.Context) ([]RuntimeVersion, error) {
	seq, indexErr := m.index.List(ctx, false)

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var out []RuntimeVersion
	for d := range seq {
		seen[d.Version] = true
		rv := RuntimeVersion{
			Version:     d.Version,
			Name:        d.Name,
			DownloadURL: d.DownloadURL,
			State:       m.stateLocked(d.Version),
		}
		rv.InstallPath, _ = m.reg.Lookup(d.Version)
		out = append(out, rv)
	}

	local := m.reg.ListInstalled()
	for v := range m.transient {
		if !slices.Contains(local, v) {
			local = append(local, v)
		}
	}
	slices.Sort(local)
	for _, v := range local {
		if seen[v] {
			continue
		}
		p, _ := m.reg.Lookup(v)
		out = append(out, RuntimeVersion{
			Version:     v,
			Name:        v,
			InstallPath: p,
			State:       m.stateLocked(v),
		})
	}

	return out, indexErr //nolint:wrapcheck // sentinel is part of the contract
}

// Info reports the on-disk details of an installed runtime.
func (m *Manager) Info(version string) (Info, error) {
	rt, err := m.Resolve(version)
	if err != nil {
		return Info{}, err
	}

	info := Info{Version: version, Path: rt.Path}
	if data, err := afero.ReadFile(m.fs, filepath.Join(rt.Path, versionFile)); err == nil {
		info.Build = strings.TrimSpace(string(data))
	}
	if tool, ok := readCompatTool(m.fs, rt.Path); ok {
		info.DisplayName = tool.DisplayName
	}

	err = afero.Walk(m.fs, rt.Path, func(_ string, fi fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			info.Size += fi.Size()
		}
		return nil
	})
	if err != nil {
		return info, fmt.Errorf("failed to measure runtime %s: %w", version, err)
	}
	return info, nil
}

// Remove deletes an installed runtime. It fails with ErrRuntimeInUse while
// any running game references version. A failed delete leaves the version
// in the Removing state; calling Remove again retries it.
func (m *Manager) Remove(ctx context.Context, version string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	st := m.stateLocked(version)
	switch {
	case st == Downloading:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyInstalling, version)
	case m.busy[version]:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRemoving, version)
	case st == NotInstalled:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuntimeNotFound, version)
	}
	path, err := m.reg.Lookup(version)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuntimeNotFound, version)
	}
	m.busy[version] = true
	guard := m.guard
	m.mu.Unlock()

	done := func() {
		m.mu.Lock()
		delete(m.busy, version)
		m.mu.Unlock()
	}

	mark := func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.transient[version] = Removing
		return nil
	}

	if guard != nil {
		err = guard.ReserveRemoval(version, mark)
	} else {
		err = mark()
	}
	if err != nil {
		done()
		return fmt.Errorf("failed to reserve %s for removal: %w", version, err)
	}

	if err := ctx.Err(); err != nil {
		m.mu.Lock()
		delete(m.transient, version)
		delete(m.busy, version)
		m.mu.Unlock()
		return fmt.Errorf("remove %s: %w", version, err)
	}

	log.Info().Str("version", version).Str("path", path).Msg("removing runtime")
	if err := m.fs.RemoveAll(path); err != nil {
		done()
		log.Error().Err(err).Str("version", version).Msg("failed to delete runtime directory")
		return fmt.Errorf("failed to delete runtime %s: %w", version, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.busy, version)
	if err := m.reg.Forget(version); err != nil {
		return fmt.Errorf("failed to forget runtime %s: %w", version, err)
	}
	delete(m.transient, version)
	log.Info().Str("version", version).Msg("runtime removed")
	return nil
}

// CancelInstall aborts an in-flight install of version. It reports whether
// an install was running.
func (m *Manager) CancelInstall(version string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.cancels[version]
	if ok {
		cancel()
	}
	return ok
}

// Close aborts every in-flight install and rejects new operations.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for v, cancel := range m.cancels {
		log.Debug().Str("version", v).Msg("cancelling runtime install")
		cancel()
	}
}

// cleanStale removes download and staging artifacts left behind by an
// install that was interrupted by a crash or shutdown.
func (m *Manager) cleanStale() {
	entries, err := afero.ReadDir(m.fs, m.root)
	if err != nil {
		log.Warn().Err(err).Msg("failed to scan runtime root for stale artifacts")
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, downloadPrefix) && !strings.HasPrefix(name, stagingPrefix) {
			continue
		}
		p := filepath.Join(m.root, name)
		if err := m.fs.RemoveAll(p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("failed to remove stale install artifact")
			continue
		}
		log.Info().Str("path", p).Msg("removed stale install artifact")
	}
}

// reconcile forgets registered runtimes whose directory no longer exists.
func (m *Manager) reconcile() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range m.reg.ListInstalled() {
		p, err := m.reg.Lookup(v)
		if err != nil {
			continue
		}
		if _, err := m.fs.Stat(p); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("version", v).Msg("failed to check runtime directory")
			continue
		}
		log.Info().Str("version", v).Str("path", p).Msg("forgetting runtime with missing directory")
		if err := m.reg.Forget(v); err != nil {
			return fmt.Errorf("failed to reconcile registry: %w", err)
		}
	}
	return nil
}

// discover records runtimes in the install root that were installed by
// other tools. The directory name is the version.
func (m *Manager) discover() error {
	entries, err := afero.ReadDir(m.fs, m.root)
	if err != nil {
		return fmt.Errorf("failed to scan runtime root: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if _, err := m.reg.Lookup(name); err == nil {
			continue
		}
		p := filepath.Join(m.root, name)
		if _, err := m.fs.Stat(filepath.Join(p, EntryPoint)); err != nil {
			continue
		}
		if err := m.reg.Record(name, p); err != nil {
			return fmt.Errorf("failed to record discovered runtime: %w", err)
		}
		log.Info().Str("version", name).Msg("discovered existing runtime")
	}
	return nil
}
