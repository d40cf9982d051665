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
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// StartWatch watches the install root and forgets registered runtimes whose
// directory is deleted or moved away by something other than the manager.
// The watcher stops when ctx is done or the returned watcher is closed.
func (m *Manager) StartWatch(ctx context.Context) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime watcher: %w", err)
	}

	if err := watcher.Add(m.root); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch runtime root (%s): %w", m.root, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = watcher.Close()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					m.forgetMissing(event.Name)
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(watchErr).Msg("error in runtime watcher")
			}
		}
	}()

	log.Debug().Str("root", m.root).Msg("watching runtime root")
	return watcher, nil
}

func (m *Manager) forgetMissing(path string) {
	version := filepath.Base(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.transient[version]; busy || m.busy[version] {
		return
	}
	registered, err := m.reg.Lookup(version)
	if err != nil || filepath.Clean(registered) != filepath.Clean(path) {
		return
	}
	if _, err := m.fs.Stat(path); !errors.Is(err, os.ErrNotExist) {
		return
	}

	if err := m.reg.Forget(version); err != nil {
		log.Error().Err(err).Str("version", version).Msg("failed to forget removed runtime")
		return
	}
	log.Info().Str("version", version).Msg("runtime directory removed externally, forgotten")
}
