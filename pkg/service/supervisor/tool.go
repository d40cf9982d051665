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
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ZaparooProject/zaparoo-proton/pkg/helpers/command"
	"github.com/ZaparooProject/zaparoo-proton/pkg/models"
	"github.com/ZaparooProject/zaparoo-proton/pkg/runtimes"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

// steamProcessName is the comm of the Steam client.
const steamProcessName = "steam"

// PrefixDir returns the compat data directory spec launches into.
func (s *Supervisor) PrefixDir(spec *models.LaunchSpec) string {
	return compatDataDir(spec, &s.policy, spec.RuntimeVersion)
}

// RunTool runs spec's executable under its runtime and waits for it to
// finish, e.g. a redistributable installer. The prefix is reserved while
// it runs: games cannot launch into it, and RunTool fails with
// ErrPrefixBusy when a game is already running there.
func (s *Supervisor) RunTool(ctx context.Context, spec *models.LaunchSpec) error {
	if spec == nil || spec.Native() {
		return fmt.Errorf("%w: tools need a runtime version", ErrInvalidSpec)
	}
	if err := s.validate.Struct(spec); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}

	resp, err := s.do(ctx, request{action: actionReservePrefix, spec: spec})
	if err != nil {
		return err
	}
	lc := resp.command
	defer func() {
		_, err := s.do(context.Background(), request{action: actionReleasePrefix, prefix: lc.prefix})
		if err != nil && !errors.Is(err, ErrSupervisorClosed) {
			log.Warn().Err(err).Str("prefix", lc.prefix).Msg("failed to release prefix")
		}
	}()

	if err := preparePrefix(lc.prefix); err != nil {
		return err
	}

	log.Info().
		Str("prefix", lc.prefix).
		Str("runtime", spec.RuntimeVersion).
		Msgf("running tool: %s", quoteArgv(lc.argv()))

	err = s.executor.Run(ctx, command.Options{Dir: lc.dir, Env: lc.env}, lc.name, lc.args...)
	if err != nil {
		return fmt.Errorf("%s failed in %s: %w", filepath.Base(spec.ExePath), lc.prefix, err)
	}
	return nil
}

func (s *Supervisor) reservePrefix(spec *models.LaunchSpec) (launchCommand, error) {
	if s.closing {
		return launchCommand{}, ErrSupervisorClosed
	}
	if s.runtimes == nil {
		return launchCommand{}, fmt.Errorf("%w: %s", runtimes.ErrRuntimeNotInstalled, spec.RuntimeVersion)
	}
	rt, err := s.runtimes.Resolve(spec.RuntimeVersion)
	if err != nil {
		return launchCommand{}, fmt.Errorf("failed to resolve runtime %s: %w", spec.RuntimeVersion, err)
	}

	lc := buildCommand(spec, &rt, &s.policy, s.environ())
	if s.prefixBusy(lc.prefix) {
		return launchCommand{}, fmt.Errorf("%w: %s", ErrPrefixBusy, lc.prefix)
	}
	s.tools[lc.prefix] = rt.Version
	return lc, nil
}

// checkSteam refuses a compat launch when the Steam client is not running.
// A failed process scan counts as not running.
func (s *Supervisor) checkSteam(ctx context.Context) error {
	running, err := s.steamRunning(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to check for steam")
	}
	if !running {
		return ErrSteamNotRunning
	}
	return nil
}

func steamRunning(ctx context.Context) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list processes: %w", err)
	}
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if name == steamProcessName {
			return true, nil
		}
	}
	return false, nil
}
