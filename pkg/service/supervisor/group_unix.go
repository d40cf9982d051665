//go:build unix

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
	"errors"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Games are started in their own session, so the leader's pid is also the
// process group id.

func terminateGroup(pid int) {
	signalGroup(pid, unix.SIGTERM)
}

func killGroup(pid int) {
	signalGroup(pid, unix.SIGKILL)
}

func signalGroup(pid int, sig unix.Signal) {
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		log.Debug().Err(err).Int("pgid", pid).Stringer("signal", sig).Msg("failed to signal process group")
	}
}
