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

package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// ConfigDir is where config.toml lives unless overridden by CfgEnv.
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// StateDir holds the runtime registry and logs.
func StateDir() string {
	return filepath.Join(xdg.StateHome, AppName)
}

func LogDir() string {
	return filepath.Join(StateDir(), "logs")
}

func RegistryPath() string {
	return filepath.Join(StateDir(), RegistryFile)
}

// DependencyCacheDir holds downloaded redistributable installers.
func DependencyCacheDir() string {
	return filepath.Join(xdg.CacheHome, AppName, "dependencies")
}
