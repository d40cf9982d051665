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
	"time"

	"github.com/rs/zerolog/log"
)

// escalate terminates g: SIGTERM to the tree, a grace period, the session
// helper for compat launches, then SIGKILL. It never blocks the loop.
func (s *Supervisor) escalate(g *runningGame, p Policy) {
	defer close(g.stopDone)

	select {
	case <-g.exited:
		return
	default:
	}

	compat := g.helper != nil
	if compat && p.HelperKill == HelperAlways {
		s.terminateHelper(g, p.HelperGrace)
	}

	//nolint:gosec // pids fit in int32
	tree := processTree(int32(g.pid))
	terminateTree(tree)
	terminateGroup(g.pid)

	if s.waitExit(g, p.GracePeriod) {
		log.Debug().Str("game", g.gameID).Msg("game exited within grace period")
		return
	}

	if compat && p.HelperKill == HelperAfterGrace {
		log.Info().Str("game", g.gameID).Msg("game still running, terminating session helper")
		s.terminateHelper(g, p.HelperGrace)
		if s.waitExit(g, p.HelperGrace) {
			return
		}
	}

	log.Warn().Str("game", g.gameID).Int("pid", g.pid).Msg("game did not exit, killing")
	//nolint:gosec // pids fit in int32
	killTree(mergeTrees(tree, processTree(int32(g.pid))))
	killGroup(g.pid)
	if compat && p.HelperKill != HelperNever {
		if err := s.helper.Kill(*g.helper); err != nil {
			log.Warn().Err(err).Str("game", g.gameID).Msg("failed to kill session helper")
		}
	}
}

func (s *Supervisor) terminateHelper(g *runningGame, grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.helper.Terminate(ctx, *g.helper); err != nil {
		log.Debug().Err(err).Str("game", g.gameID).Msg("session helper did not terminate")
	}
}

func (s *Supervisor) waitExit(g *runningGame, d time.Duration) bool {
	select {
	case <-g.exited:
		return true
	case <-s.clock.After(d):
		return false
	}
}
