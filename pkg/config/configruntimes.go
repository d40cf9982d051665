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
	"time"
)

const (
	DefaultIndexURL          = "https://api.github.com/repos/GloriousEggroll/proton-ge-custom/releases"
	DefaultMaxAvailable      = 10
	DefaultIndexTimeoutSecs  = 15
	DefaultIndexCacheMinutes = 30
)

type Runtimes struct {
	IndexURL          string `toml:"index_url,omitempty"`
	InstallDir        string `toml:"install_dir,omitempty"`
	GitHubToken       string `toml:"github_token,omitempty"`
	MaxAvailable      int    `toml:"max_available,omitempty"`
	IndexTimeoutSecs  int    `toml:"index_timeout_secs,omitempty"`
	IndexCacheMinutes int    `toml:"index_cache_minutes,omitempty"`
	DiscoverExisting  bool   `toml:"discover_existing"`
}

func (c *Instance) IndexURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Runtimes.IndexURL == "" {
		return DefaultIndexURL
	}
	return c.vals.Runtimes.IndexURL
}

func (c *Instance) SetIndexURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Runtimes.IndexURL = url
}

// RuntimesInstallDir returns where runtime versions are installed. It
// defaults to Steam's compatibilitytools.d so Steam sees them too.
func (c *Instance) RuntimesInstallDir() string {
	c.mu.RLock()
	dir := c.vals.Runtimes.InstallDir
	c.mu.RUnlock()

	if dir != "" {
		return expandHome(dir)
	}
	return filepath.Join(c.SteamHome(), "compatibilitytools.d")
}

func (c *Instance) SetRuntimesInstallDir(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Runtimes.InstallDir = dir
}

func (c *Instance) GitHubToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Runtimes.GitHubToken
}

func (c *Instance) MaxAvailableRuntimes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Runtimes.MaxAvailable <= 0 {
		return DefaultMaxAvailable
	}
	return c.vals.Runtimes.MaxAvailable
}

func (c *Instance) IndexTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Runtimes.IndexTimeoutSecs <= 0 {
		return DefaultIndexTimeoutSecs * time.Second
	}
	return time.Duration(c.vals.Runtimes.IndexTimeoutSecs) * time.Second
}

func (c *Instance) IndexCacheTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Runtimes.IndexCacheMinutes < 0 {
		return 0
	}
	if c.vals.Runtimes.IndexCacheMinutes == 0 {
		return DefaultIndexCacheMinutes * time.Minute
	}
	return time.Duration(c.vals.Runtimes.IndexCacheMinutes) * time.Minute
}

func (c *Instance) DiscoverExistingRuntimes() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Runtimes.DiscoverExisting
}

func (c *Instance) SetDiscoverExistingRuntimes(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Runtimes.DiscoverExisting = enabled
}
