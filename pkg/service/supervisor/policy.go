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

package supervisor

import (
	"time"

	"github.com/ZaparooProject/zaparoo-proton/pkg/config"
	"github.com/google/shlex"
	"github.com/rs/zerolog/log"
)

// HelperPolicy decides when the session helper of a compat launch is
// terminated during a stop.
type HelperPolicy string

const (
	// HelperAfterGrace terminates the helper only when the game outlives
	// the grace period.
	HelperAfterGrace HelperPolicy = config.HelperKillAfterGrace
	// HelperAlways terminates the helper together with the first signal.
	HelperAlways HelperPolicy = config.HelperKillAlways
	// HelperNever leaves the helper alone.
	HelperNever HelperPolicy = config.HelperKillNever
)

// Policy holds the launch and termination settings.
type Policy struct {
	PrefixesDir  string
	SteamHome    string
	ProtonVerb   string
	DLLOverrides string
	HelperKill   HelperPolicy
	ArgsBefore   []string
	ArgsAfter    []string
	GracePeriod  time.Duration
	HelperGrace  time.Duration
	WineDebug    bool
	SteamRuntime bool
	SteamOverlay bool
	// RequireSteam refuses compat launches while the Steam client is not
	// running.
	RequireSteam bool
}

func DefaultPolicy() Policy {
	return Policy{
		ProtonVerb:  config.DefaultProtonVerb,
		HelperKill:  HelperAfterGrace,
		GracePeriod: config.DefaultGracePeriodMs * time.Millisecond,
		HelperGrace: config.DefaultHelperGraceMs * time.Millisecond,
	}
}

// PolicyFromConfig reads the [launch] settings. Extra arguments that cannot
// be split are logged and ignored.
func PolicyFromConfig(cfg *config.Instance) Policy {
	before, after := cfg.LaunchArgs()
	return Policy{
		PrefixesDir:  cfg.PrefixesDir(),
		SteamHome:    cfg.SteamHome(),
		ProtonVerb:   cfg.ProtonVerb(),
		DLLOverrides: cfg.DLLOverrides(),
		HelperKill:   HelperPolicy(cfg.HelperKillPolicy()),
		ArgsBefore:   splitArgs("args_before", before),
		ArgsAfter:    splitArgs("args_after", after),
		GracePeriod:  cfg.GracePeriod(),
		HelperGrace:  cfg.HelperGrace(),
		WineDebug:    cfg.WineDebug(),
		SteamRuntime: cfg.SteamRuntime(),
		SteamOverlay: cfg.SteamOverlay(),
		RequireSteam: cfg.RequireSteam(),
	}
}

func splitArgs(name, s string) []string {
	if s == "" {
		return nil
	}
	args, err := shlex.Split(s)
	if err != nil {
		log.Warn().Err(err).Str("setting", name).Msgf("failed to parse %q, ignoring", s)
		return nil
	}
	return args
}
