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

import "path/filepath"

// EntryPoint is the launcher script every runtime ships at its root.
const EntryPoint = "proton"

type InstallState int

const (
	NotInstalled InstallState = iota
	Downloading
	Installed
	Removing
)

func (s InstallState) String() string {
	switch s {
	case NotInstalled:
		return "not_installed"
	case Downloading:
		return "downloading"
	case Installed:
		return "installed"
	case Removing:
		return "removing"
	default:
		return "unknown"
	}
}

// RuntimeVersion is one runtime release merged with its local state.
type RuntimeVersion struct {
	Version     string
	Name        string
	DownloadURL string
	InstallPath string
	State       InstallState
}

// Runtime is an installed runtime resolved for launching.
type Runtime struct {
	Version string
	Path    string
}

func (r Runtime) EntryPoint() string {
	return filepath.Join(r.Path, EntryPoint)
}

// WineServer is the session helper binary bundled with the runtime.
func (r Runtime) WineServer() string {
	return filepath.Join(r.Path, "files", "bin", "wineserver")
}

// Info describes an installed runtime on disk.
type Info struct {
	Version string
	Path    string
	// DisplayName comes from the runtime's compatibilitytool.vdf.
	DisplayName string
	// Build is the contents of the runtime's version file, if any.
	Build string
	Size  int64
}

// Progress reports download progress for one install.
type Progress struct {
	Version string
	Written int64
	Total   int64
}

type ProgressFunc func(Progress)

// UsageGuard decides whether a runtime can be removed. ReserveRemoval must
// call mark, and only return nil, when nothing is using version; both happen
// atomically with respect to new launches.
type UsageGuard interface {
	ReserveRemoval(version string, mark func() error) error
}
