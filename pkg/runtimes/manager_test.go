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
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZaparooProject/zaparoo-proton/pkg/runtimes/registry"
	"github.com/ZaparooProject/zaparoo-proton/pkg/runtimes/releases"
	"github.com/ZaparooProject/zaparoo-proton/pkg/testing/fixtures"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVersion = "GE-Proton9-20"

type testEnv struct {
	mgr   *Manager
	reg   *registry.Registry
	srv   *fixtures.ReleaseServer
	root  string
	state string
}

func plentyOfSpace(string) (uint64, error) { return 1 << 40, nil }

func newTestEnv(t *testing.T, srv *fixtures.ReleaseServer, mutate ...func(*Options)) *testEnv {
	t.Helper()

	base := t.TempDir()
	env := &testEnv{
		srv:   srv,
		root:  filepath.Join(base, "compatibilitytools.d"),
		state: filepath.Join(base, "state", "runtimes.toml"),
	}
	env.mgr, env.reg = env.open(t, mutate...)
	return env
}

func (e *testEnv) open(t *testing.T, mutate ...func(*Options)) (*Manager, *registry.Registry) {
	t.Helper()

	fs := afero.NewOsFs()
	reg, err := registry.Open(fs, e.state)
	require.NoError(t, err)

	opts := Options{
		Fs:        fs,
		Registry:  reg,
		Index:     releases.NewIndex(releases.Options{URL: e.srv.IndexURL(), TTL: time.Minute}),
		FreeSpace: plentyOfSpace,
		Root:      e.root,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	mgr, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	return mgr, reg
}

func (e *testEnv) assertNoArtifacts(t *testing.T, version string) {
	t.Helper()

	entries, err := os.ReadDir(e.root)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotEqual(t, version, entry.Name(), "install directory left behind")
		assert.NotContains(t, entry.Name(), downloadPrefix)
		assert.NotContains(t, entry.Name(), stagingPrefix)
	}
}

func TestInstall_Success(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fixtures.NewReleaseServer(t, testVersion))

	var mu sync.Mutex
	var last Progress
	err := env.mgr.Install(context.Background(), testVersion, func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		last = p
	})
	require.NoError(t, err)

	assert.Equal(t, []string{testVersion}, env.mgr.ListInstalled())
	assert.Equal(t, Installed, env.mgr.State(testVersion))

	rt, err := env.mgr.Resolve(testVersion)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.root, testVersion), rt.Path)

	fi, err := os.Stat(rt.EntryPoint())
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode().Perm()&0o100, "entry point must be executable")

	link, err := os.Lstat(filepath.Join(rt.Path, "files", "bin", "wine"))
	require.NoError(t, err)
	assert.Equal(t, os.ModeSymlink, link.Mode()&os.ModeSymlink)

	hard, err := os.Stat(filepath.Join(rt.Path, "files", "bin", "wine64"))
	require.NoError(t, err)
	assert.True(t, hard.Mode().IsRegular())
	assert.NotZero(t, hard.Mode().Perm()&0o100)

	mu.Lock()
	assert.Equal(t, testVersion, last.Version)
	assert.Positive(t, last.Total)
	assert.Equal(t, last.Total, last.Written)
	mu.Unlock()

	env.assertNoArtifacts(t, "")

	info, err := env.mgr.Info(testVersion)
	require.NoError(t, err)
	assert.Contains(t, info.Build, testVersion)
	assert.Equal(t, testVersion+" (test)", info.DisplayName)
	assert.Positive(t, info.Size)

	// the registry survives a restart
	reloaded, err := registry.Open(afero.NewOsFs(), env.state)
	require.NoError(t, err)
	assert.Equal(t, []string{testVersion}, reloaded.ListInstalled())
}

func TestInstall_XZArchive(t *testing.T) {
	t.Parallel()

	const v = "GE-Proton9-19-xz"
	env := newTestEnv(t, fixtures.NewReleaseServer(t, v))

	require.NoError(t, env.mgr.Install(context.Background(), v, nil))
	rt, err := env.mgr.Resolve(v)
	require.NoError(t, err)
	assert.FileExists(t, rt.EntryPoint())
}

func TestInstall_Rejections(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fixtures.NewReleaseServer(t, testVersion))
	ctx := context.Background()

	require.NoError(t, env.mgr.Install(ctx, testVersion, nil))
	require.ErrorIs(t, env.mgr.Install(ctx, testVersion, nil), ErrAlreadyInstalled)

	require.ErrorIs(t, env.mgr.Install(ctx, "GE-Proton1-1", nil), ErrRuntimeNotFound)
	require.ErrorIs(t, env.mgr.Install(ctx, "../escape", nil), ErrRuntimeNotFound)
	assert.Equal(t, NotInstalled, env.mgr.State("GE-Proton1-1"))
}

func TestInstall_InterruptedDownloadLeavesNothing(t *testing.T) {
	t.Parallel()

	srv := fixtures.NewReleaseServer(t, testVersion)
	srv.Truncate(testVersion)
	env := newTestEnv(t, srv)

	err := env.mgr.Install(context.Background(), testVersion, nil)
	require.ErrorIs(t, err, ErrDownloadFailed)

	assert.NotContains(t, env.mgr.ListInstalled(), testVersion)
	assert.Equal(t, NotInstalled, env.mgr.State(testVersion))
	assert.NoDirExists(t, filepath.Join(env.root, testVersion))
	env.assertNoArtifacts(t, testVersion)

	_, err = env.mgr.Resolve(testVersion)
	require.ErrorIs(t, err, ErrRuntimeNotInstalled)
}

func TestInstall_ChecksumMismatch(t *testing.T) {
	t.Parallel()

	srv := fixtures.NewReleaseServer(t, testVersion)
	srv.CorruptChecksum(testVersion)
	env := newTestEnv(t, srv)

	err := env.mgr.Install(context.Background(), testVersion, nil)
	require.ErrorIs(t, err, ErrDownloadFailed)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Empty(t, env.mgr.ListInstalled())
	env.assertNoArtifacts(t, testVersion)
}

func TestInstall_InsufficientSpace(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fixtures.NewReleaseServer(t, testVersion), func(o *Options) {
		o.FreeSpace = func(string) (uint64, error) { return 10, nil }
	})

	err := env.mgr.Install(context.Background(), testVersion, nil)
	require.ErrorIs(t, err, ErrInsufficientSpace)
	assert.Equal(t, NotInstalled, env.mgr.State(testVersion))
}

func TestInstall_CancelInFlight(t *testing.T) {
	t.Parallel()

	srv := fixtures.NewReleaseServer(t, testVersion)
	started := srv.Hold(testVersion)
	env := newTestEnv(t, srv)

	errCh := make(chan error, 1)
	go func() {
		errCh <- env.mgr.Install(context.Background(), testVersion, nil)
	}()

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("download never started")
	}

	assert.Equal(t, Downloading, env.mgr.State(testVersion))
	require.ErrorIs(t, env.mgr.Install(context.Background(), testVersion, nil), ErrAlreadyInstalling)
	require.ErrorIs(t, env.mgr.Remove(context.Background(), testVersion), ErrAlreadyInstalling)

	assert.True(t, env.mgr.CancelInstall(testVersion))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrDownloadFailed)
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("install did not abort")
	}

	assert.Equal(t, NotInstalled, env.mgr.State(testVersion))
	assert.Empty(t, env.mgr.ListInstalled())
	env.assertNoArtifacts(t, testVersion)
	assert.False(t, env.mgr.CancelInstall(testVersion))
}

func TestClose_AbortsInstalls(t *testing.T) {
	t.Parallel()

	srv := fixtures.NewReleaseServer(t, testVersion)
	started := srv.Hold(testVersion)
	env := newTestEnv(t, srv)

	errCh := make(chan error, 1)
	go func() {
		errCh <- env.mgr.Install(context.Background(), testVersion, nil)
	}()
	<-started

	env.mgr.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrDownloadFailed)
	case <-time.After(10 * time.Second):
		t.Fatal("install did not abort on close")
	}
	require.ErrorIs(t, env.mgr.Install(context.Background(), testVersion, nil), ErrManagerClosed)
}

type guardFunc func(version string, mark func() error) error

func (g guardFunc) ReserveRemoval(version string, mark func() error) error {
	return g(version, mark)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fixtures.NewReleaseServer(t, testVersion))
	ctx := context.Background()

	require.ErrorIs(t, env.mgr.Remove(ctx, testVersion), ErrRuntimeNotFound)
	require.NoError(t, env.mgr.Install(ctx, testVersion, nil))

	var inUse atomic.Bool
	inUse.Store(true)
	env.mgr.SetUsageGuard(guardFunc(func(version string, mark func() error) error {
		assert.Equal(t, testVersion, version)
		if inUse.Load() {
			return ErrRuntimeInUse
		}
		return mark()
	}))

	require.ErrorIs(t, env.mgr.Remove(ctx, testVersion), ErrRuntimeInUse)
	assert.Equal(t, Installed, env.mgr.State(testVersion))
	assert.DirExists(t, filepath.Join(env.root, testVersion))

	inUse.Store(false)
	require.NoError(t, env.mgr.Remove(ctx, testVersion))
	assert.Equal(t, NotInstalled, env.mgr.State(testVersion))
	assert.Empty(t, env.mgr.ListInstalled())
	assert.NoDirExists(t, filepath.Join(env.root, testVersion))

	// reinstall after removal is a fresh install
	require.NoError(t, env.mgr.Install(ctx, testVersion, nil))
}

type flakyRemoveFs struct {
	afero.Fs
	fail atomic.Bool
}

func (f *flakyRemoveFs) RemoveAll(path string) error {
	if f.fail.Load() {
		return errors.New("device busy")
	}
	return f.Fs.RemoveAll(path) //nolint:wrapcheck // test double
}

func TestRemove_FailureLeavesRemoving(t *testing.T) {
	t.Parallel()

	fs := &flakyRemoveFs{Fs: afero.NewOsFs()}
	env := newTestEnv(t, fixtures.NewReleaseServer(t, testVersion), func(o *Options) {
		o.Fs = fs
	})
	ctx := context.Background()
	require.NoError(t, env.mgr.Install(ctx, testVersion, nil))

	fs.fail.Store(true)
	require.Error(t, env.mgr.Remove(ctx, testVersion))
	assert.Equal(t, Removing, env.mgr.State(testVersion))
	assert.Contains(t, env.mgr.ListInstalled(), testVersion)

	_, err := env.mgr.Resolve(testVersion)
	require.ErrorIs(t, err, ErrRuntimeNotInstalled)
	require.ErrorIs(t, env.mgr.Install(ctx, testVersion, nil), ErrRemoving)

	fs.fail.Store(false)
	require.NoError(t, env.mgr.Remove(ctx, testVersion))
	assert.Equal(t, NotInstalled, env.mgr.State(testVersion))
}

func TestStartup_CleansAndReconciles(t *testing.T) {
	t.Parallel()

	srv := fixtures.NewReleaseServer(t, testVersion)
	env := newTestEnv(t, srv)
	require.NoError(t, env.mgr.Install(context.Background(), testVersion, nil))

	// an interrupted install from a previous run
	require.NoError(t, os.WriteFile(filepath.Join(env.root, ".download-GE-Proton9-21.tar.gz.part"), []byte("x"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(env.root, ".staging-GE-Proton9-21", "GE-Proton9-21"), 0o750))

	// a registered runtime deleted behind our back
	require.NoError(t, env.reg.Record("GE-Proton8-1", filepath.Join(env.root, "GE-Proton8-1")))

	// runtimes installed by other tools
	other := filepath.Join(env.root, "Proton-Custom")
	require.NoError(t, os.MkdirAll(other, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(other, EntryPoint), []byte(fixtures.ProtonScript), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(env.root, "not-a-runtime"), 0o750))

	mgr, _ := env.open(t)
	assert.Equal(t, []string{testVersion}, mgr.ListInstalled())
	env.assertNoArtifacts(t, "GE-Proton9-21")

	discovering, _ := env.open(t, func(o *Options) { o.Discover = true })
	assert.Equal(t, []string{testVersion, "Proton-Custom"}, discovering.ListInstalled())
}

func TestVersions_MergesIndexAndLocal(t *testing.T) {
	t.Parallel()

	srv := fixtures.NewReleaseServer(t, testVersion, "GE-Proton9-19")
	env := newTestEnv(t, srv)
	require.NoError(t, env.mgr.Install(context.Background(), testVersion, nil))
	require.NoError(t, env.reg.Record("local-build", filepath.Join(env.root, testVersion)))

	versions, err := env.mgr.Versions(context.Background())
	require.NoError(t, err)
	require.Len(t, versions, 3)

	assert.Equal(t, testVersion, versions[0].Version)
	assert.Equal(t, Installed, versions[0].State)
	assert.Equal(t, filepath.Join(env.root, testVersion), versions[0].InstallPath)
	assert.Equal(t, "GE-Proton9-19", versions[1].Version)
	assert.Equal(t, NotInstalled, versions[1].State)
	assert.NotEmpty(t, versions[1].DownloadURL)
	assert.Equal(t, "local-build", versions[2].Version)
	assert.Equal(t, Installed, versions[2].State)
}

func TestListAvailable_Unavailable(t *testing.T) {
	t.Parallel()

	srv := fixtures.NewReleaseServer(t, testVersion)
	env := newTestEnv(t, srv)
	srv.Close()

	seq, err := env.mgr.ListAvailable(context.Background())
	require.ErrorIs(t, err, releases.ErrIndexUnavailable)
	assert.Empty(t, slices.Collect(seq))

	versions, err := env.mgr.Versions(context.Background())
	require.ErrorIs(t, err, releases.ErrIndexUnavailable)
	assert.Empty(t, versions)
}

func TestStartWatch_ForgetsExternallyRemoved(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fixtures.NewReleaseServer(t, testVersion))
	require.NoError(t, env.mgr.Install(context.Background(), testVersion, nil))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	_, err := env.mgr.StartWatch(ctx)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(env.root, testVersion)))

	assert.Eventually(t, func() bool {
		return len(env.mgr.ListInstalled()) == 0
	}, 5*time.Second, 20*time.Millisecond)
}
