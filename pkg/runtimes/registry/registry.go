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

// Package registry persists which runtime versions are installed and where.
//
// The mapping lives in a small TOML file. Every mutation is written to a
// temporary file, synced and renamed over the original so a crash never
// leaves a partially written mapping behind.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/ZaparooProject/zaparoo-proton/pkg/helpers/syncutil"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const SchemaVersion = 1

var ErrNotFound = errors.New("runtime version not in registry")

type file struct {
	Runtimes      map[string]string `toml:"runtimes"`
	SchemaVersion int               `toml:"schema_version"`
}

// Registry maps runtime versions to install paths.
type Registry struct {
	fs      afero.Fs
	entries map[string]string
	path    string
	mu      syncutil.RWMutex
}

// Open loads the registry at path. A missing file is an empty registry.
func Open(fs afero.Fs, path string) (*Registry, error) {
	r := &Registry{
		fs:      fs,
		path:    path,
		entries: make(map[string]string),
	}

	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		log.Debug().Str("path", path).Msg("no runtime registry found, starting empty")
		return r, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	var f file
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse registry %s: %w", path, err)
	}
	if f.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("registry schema version mismatch: got %d, expecting %d",
			f.SchemaVersion, SchemaVersion)
	}
	for v, p := range f.Runtimes {
		r.entries[v] = p
	}

	log.Debug().Int("count", len(r.entries)).Msg("loaded runtime registry")
	return r, nil
}

// Path returns the location of the state file.
func (r *Registry) Path() string {
	return r.path
}

// Record stores version at path and persists the mapping.
func (r *Registry) Record(version, path string) error {
	if version == "" {
		return errors.New("empty runtime version")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.entries[version]
	r.entries[version] = path
	if err := r.writeLocked(); err != nil {
		if had {
			r.entries[version] = prev
		} else {
			delete(r.entries, version)
		}
		return err
	}
	return nil
}

// Forget removes version and persists the mapping. Forgetting an unknown
// version is not an error.
func (r *Registry) Forget(version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.entries[version]
	if !had {
		return nil
	}
	delete(r.entries, version)
	if err := r.writeLocked(); err != nil {
		r.entries[version] = prev
		return err
	}
	return nil
}

func (r *Registry) Lookup(version string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.entries[version]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, version)
	}
	return p, nil
}

// ListInstalled returns the recorded versions in sorted order.
func (r *Registry) ListInstalled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := make([]string, 0, len(r.entries))
	for v := range r.entries {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	return versions
}

func (r *Registry) writeLocked() error {
	data, err := toml.Marshal(file{
		SchemaVersion: SchemaVersion,
		Runtimes:      r.entries,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	if err := r.fs.MkdirAll(filepath.Dir(r.path), 0o750); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	tmp := r.path + ".tmp"
	f, err := r.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create registry temp file: %w", err)
	}

	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = r.fs.Remove(tmp)
		return fmt.Errorf("failed to write registry: %w", err)
	}

	if err := r.fs.Rename(tmp, r.path); err != nil {
		_ = r.fs.Remove(tmp)
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	return nil
}
