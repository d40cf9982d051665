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
	"strings"
	"time"

	"github.com/adrg/xdg"
)

const (
	DefaultGracePeriodMs = 5000
	DefaultHelperGraceMs = 2000
	DefaultProtonVerb    = "run"
)

// Helper kill policies decide when a compatibility layer's session helper
// is terminated during a stop.
const (
	HelperKillAfterGrace = "after_grace"
	HelperKillAlways     = "always"
	HelperKillNever      = "never"
)

type Launch struct {
	PrefixDir     string `toml:"prefix_dir,omitempty"`
	SteamHome     string `toml:"steam_home,omitempty"`
	HelperKill    string `toml:"helper_kill,omitempty"`
	ProtonVerb    string `toml:"proton_verb,omitempty"`
	DLLOverrides  string `toml:"dll_overrides,omitempty"`
	ArgsBefore    string `toml:"args_before,omitempty"`
	ArgsAfter     string `toml:"args_after,omitempty"`
	GracePeriodMs int    `toml:"grace_period_ms,omitempty"`
	HelperGraceMs int    `toml:"helper_grace_ms,omitempty"`
	WineDebug     bool   `toml:"wine_debug"`
	SteamRuntime  bool   `toml:"steam_runtime"`
	SteamOverlay  bool   `toml:"steam_overlay"`
	RequireSteam  bool   `toml:"require_steam"`
}

// SteamHome returns the Steam install directory, honouring a user override.
// Relative overrides are resolved against the home directory.
func (c *Instance) SteamHome() string {
	c.mu.RLock()
	custom := strings.TrimSpace(c.vals.Launch.SteamHome)
	c.mu.RUnlock()

	if custom != "" {
		return expandHome(custom)
	}
	return filepath.Join(xdg.Home, ".local", "share", "Steam")
}

func (c *Instance) SetSteamHome(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Launch.SteamHome = dir
}

// PrefixesDir returns the root under which per-runtime Wine prefixes live.
func (c *Instance) PrefixesDir() string {
	c.mu.RLock()
	dir := c.vals.Launch.PrefixDir
	c.mu.RUnlock()

	if dir != "" {
		return expandHome(dir)
	}
	return filepath.Join(xdg.DataHome, AppName, PrefixesDir)
}

func (c *Instance) SetPrefixesDir(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Launch.PrefixDir = dir
}

func (c *Instance) GracePeriod() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Launch.GracePeriodMs <= 0 {
		return DefaultGracePeriodMs * time.Millisecond
	}
	return time.Duration(c.vals.Launch.GracePeriodMs) * time.Millisecond
}

func (c *Instance) SetGracePeriod(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Launch.GracePeriodMs = int(d.Milliseconds())
}

func (c *Instance) HelperGrace() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Launch.HelperGraceMs <= 0 {
		return DefaultHelperGraceMs * time.Millisecond
	}
	return time.Duration(c.vals.Launch.HelperGraceMs) * time.Millisecond
}

func (c *Instance) SetHelperGrace(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Launch.HelperGraceMs = int(d.Milliseconds())
}

func (c *Instance) HelperKillPolicy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Launch.HelperKill == "" {
		return HelperKillAfterGrace
	}
	return c.vals.Launch.HelperKill
}

func (c *Instance) SetHelperKillPolicy(policy string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Launch.HelperKill = policy
}

func (c *Instance) ProtonVerb() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Launch.ProtonVerb == "" {
		return DefaultProtonVerb
	}
	return c.vals.Launch.ProtonVerb
}

func (c *Instance) DLLOverrides() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Launch.DLLOverrides
}

func (c *Instance) WineDebug() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Launch.WineDebug
}

func (c *Instance) SteamRuntime() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Launch.SteamRuntime
}

func (c *Instance) SteamOverlay() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Launch.SteamOverlay
}

// RequireSteam reports whether compat launches need a running Steam client.
func (c *Instance) RequireSteam() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Launch.RequireSteam
}

func (c *Instance) SetRequireSteam(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Launch.RequireSteam = enabled
}

// LaunchArgs returns the raw extra argument strings placed before and after
// the runtime command.
func (c *Instance) LaunchArgs() (before, after string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Launch.ArgsBefore, c.vals.Launch.ArgsAfter
}

func (c *Instance) SetLaunchArgs(before, after string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Launch.ArgsBefore = before
	c.vals.Launch.ArgsAfter = after
}

func expandHome(p string) string {
	if p == "~" {
		return xdg.Home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(xdg.Home, p[2:])
	}
	if !filepath.IsAbs(p) {
		return filepath.Join(xdg.Home, p)
	}
	return filepath.Clean(p)
}
