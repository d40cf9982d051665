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


// Package deps installs Windows redistributables into a runtime prefix by
// running their installers under the runtime.
package deps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ZaparooProject/zaparoo-proton/pkg/config"
	"github.com/ZaparooProject/zaparoo-proton/pkg/models"
	"github.com/ZaparooProject/zaparoo-proton/pkg/shared/httpclient"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
)

var (
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrChecksumMismatch  = errors.New("installer checksum mismatch")
	// ErrNotInstalled means the installer finished but the prefix does not
	// contain the files the dependency provides.
	ErrNotInstalled = errors.New("dependency missing from prefix after install")
)

// Dependency is one redistributable and how to tell it is installed.
type Dependency struct {
	ID   string
	Name string
	URL  string
	// CacheName is the installer's file name in the cache. Defaults to
	// the last element of URL.
	CacheName string
	// SHA256 of the installer. Empty skips verification.
	SHA256 string
	Args   []string
	// Checks are paths relative to the compat data directory that exist
	// once the dependency is installed.
	Checks []string
}

func (d Dependency) cacheName() string {
	if d.CacheName != "" {
		return d.CacheName
	}
	return filepath.Base(d.URL)
}

// Catalog returns the built-in dependencies.
func Catalog() []Dependency {
	return []Dependency{
		{
			ID:        "vcredist_x64",
			Name:      "Microsoft Visual C++ 2015-2022 Redistributable (x64)",
			URL:       "https://aka.ms/vs/17/release/vc_redist.x64.exe",
			CacheName: "vc_redist.x64.exe",
			Args:      []string{"/quiet", "/norestart"},
			Checks:    []string{"pfx/drive_c/windows/system32/vcruntime140.dll"},
		},
		{
			ID:        "vcredist_x86",
			Name:      "Microsoft Visual C++ 2015-2022 Redistributable (x86)",
			URL:       "https://aka.ms/vs/17/release/vc_redist.x86.exe",
			CacheName: "vc_redist.x86.exe",
			Args:      []string{"/quiet", "/norestart"},
			Checks:    []string{"pfx/drive_c/windows/syswow64/vcruntime140.dll"},
		},
	}
}

// Runner runs an executable to completion inside a runtime prefix.
type Runner interface {
	PrefixDir(spec *models.LaunchSpec) string
	RunTool(ctx context.Context, spec *models.LaunchSpec) error
}

// Target is the prefix dependencies are installed into: the runtime's
// shared prefix, or PrefixDir when set.
type Target struct {
	RuntimeVersion string
	PrefixDir      string
}

// Status reports whether one dependency is present in a prefix.
type Status struct {
	Dependency
	Installed bool
}

// Result lists what Install did per dependency id.
type Result struct {
	Failed    map[string]error
	Installed []string
	Present   []string
}

type Options struct {
	Fs       afero.Fs
	Client   *httpclient.Client
	Runner   Runner
	CacheDir string
	// Catalog replaces the built-in dependencies.
	Catalog []Dependency
}

type Installer struct {
	fs        afero.Fs
	client    *httpclient.Client
	runner    Runner
	byID      map[string]Dependency
	downloads singleflight.Group
	cacheDir  string
	catalog   []Dependency
}

func NewInstaller(opts Options) (*Installer, error) {
	if opts.Runner == nil {
		return nil, errors.New("deps: runner is required")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Client == nil {
		opts.Client = httpclient.NewClient()
	}
	if opts.CacheDir == "" {
		opts.CacheDir = config.DependencyCacheDir()
	}
	if opts.Catalog == nil {
		opts.Catalog = Catalog()
	}

	byID := make(map[string]Dependency, len(opts.Catalog))
	for _, d := range opts.Catalog {
		byID[d.ID] = d
	}
	return &Installer{
		fs:       opts.Fs,
		client:   opts.Client,
		runner:   opts.Runner,
		byID:     byID,
		cacheDir: opts.CacheDir,
		catalog:  opts.Catalog,
	}, nil
}

// Available returns every known dependency in catalog order.
func (i *Installer) Available() []Dependency {
	return append([]Dependency(nil), i.catalog...)
}

// Check reports which dependencies are present in target's prefix.
func (i *Installer) Check(target Target) []Status {
	prefix := i.runner.PrefixDir(target.spec())
	out := make([]Status, 0, len(i.catalog))
	for _, d := range i.catalog {
		out = append(out, Status{Dependency: d, Installed: i.present(prefix, d)})
	}
	return out
}

// Install installs each dependency in ids that is not already present.
// One failure does not stop the rest; every failure is in Result.Failed
// and joined into the returned error. A cancelled ctx stops at once.
func (i *Installer) Install(ctx context.Context, target Target, ids ...string) (Result, error) {
	res := Result{Failed: make(map[string]error)}
	prefix := i.runner.PrefixDir(target.spec())

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err //nolint:wrapcheck // caller's own context
		}

		d, ok := i.byID[id]
		if !ok {
			err := fmt.Errorf("%w: %s", ErrUnknownDependency, id)
			res.Failed[id] = err
			errs = append(errs, err)
			continue
		}

		if i.present(prefix, d) {
			log.Info().Str("dependency", d.ID).Str("prefix", prefix).Msg("dependency already present")
			res.Present = append(res.Present, id)
			continue
		}

		if err := i.install(ctx, target, prefix, d); err != nil {
			log.Error().Err(err).Str("dependency", d.ID).Msg("failed to install dependency")
			res.Failed[id] = err
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		log.Info().Str("dependency", d.ID).Str("prefix", prefix).Msg("dependency installed")
		res.Installed = append(res.Installed, id)
	}
	return res, errors.Join(errs...)
}

func (i *Installer) install(ctx context.Context, target Target, prefix string, d Dependency) error {
	installer, err := i.fetch(ctx, d)
	if err != nil {
		return err
	}

	spec := target.spec()
	spec.GameID = "deps:" + d.ID
	spec.ExePath = installer
	spec.Args = d.Args
	spec.WorkDir = i.cacheDir
	if err := i.runner.RunTool(ctx, spec); err != nil {
		return fmt.Errorf("installer failed: %w", err)
	}

	if !i.present(prefix, d) {
		return ErrNotInstalled
	}
	return nil
}

func (i *Installer) present(prefix string, d Dependency) bool {
	if len(d.Checks) == 0 {
		return false
	}
	for _, rel := range d.Checks {
		ok, err := afero.Exists(i.fs, filepath.Join(prefix, filepath.FromSlash(rel)))
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// fetch returns the cached installer for d, downloading it when missing or
// when the cached copy fails verification. Concurrent fetches of the same
// dependency share one download.
func (i *Installer) fetch(ctx context.Context, d Dependency) (string, error) {
	v, err, _ := i.downloads.Do(d.ID, func() (any, error) {
		path := filepath.Join(i.cacheDir, d.cacheName())

		if ok, _ := afero.Exists(i.fs, path); ok {
			if err := i.verify(path, d.SHA256); err == nil {
				log.Debug().Str("path", path).Msg("using cached installer")
				return path, nil
			}
			log.Warn().Str("path", path).Msg("cached installer failed verification, downloading again")
			if err := i.fs.Remove(path); err != nil {
				return "", fmt.Errorf("failed to remove stale installer: %w", err)
			}
		}

		if err := i.fs.MkdirAll(i.cacheDir, 0o750); err != nil {
			return "", fmt.Errorf("failed to create cache directory: %w", err)
		}

		log.Info().Str("dependency", d.ID).Str("url", d.URL).Msg("downloading installer")
		tmp := path + ".part"
		hash := sha256.New()
		err := i.client.DownloadFile(ctx, httpclient.DownloadFileArgs{
			Fs:         i.fs,
			Tee:        hash,
			URL:        d.URL,
			OutputPath: tmp,
		})
		if err != nil {
			return "", fmt.Errorf("failed to download %s: %w", d.ID, err)
		}

		if err := checkSum(hash.Sum(nil), d.SHA256); err != nil {
			if removeErr := i.fs.Remove(tmp); removeErr != nil {
				log.Warn().Err(removeErr).Msgf("error removing installer: %s", tmp)
			}
			return "", err
		}
		if err := i.fs.Rename(tmp, path); err != nil {
			return "", fmt.Errorf("failed to move installer into cache: %w", err)
		}
		return path, nil
	})
	if err != nil {
		return "", err //nolint:wrapcheck // wrapped inside the flight
	}
	return v.(string), nil //nolint:forcetypeassert // the flight only returns strings
}

func (i *Installer) verify(path, want string) error {
	if want == "" {
		return nil
	}
	f, err := i.fs.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return checkSum(hash.Sum(nil), want)
}

func checkSum(sum []byte, want string) error {
	if want == "" {
		return nil
	}
	got := hex.EncodeToString(sum)
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: got %s", ErrChecksumMismatch, got)
	}
	return nil
}

func (t Target) spec() *models.LaunchSpec {
	return &models.LaunchSpec{RuntimeVersion: t.RuntimeVersion, PrefixDir: t.PrefixDir}
}
