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
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

// processTree returns all descendants of pid (depth-first) followed by pid
// itself, so children are signalled before their parents.
func processTree(pid int32) []*process.Process {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}

	descendants := descendantsOf(proc)
	result := make([]*process.Process, 0, len(descendants)+1)
	result = append(result, descendants...)
	result = append(result, proc)
	return result
}

func descendantsOf(proc *process.Process) []*process.Process {
	children, err := proc.Children()
	if err != nil || len(children) == 0 {
		return nil
	}
	descendants := make([]*process.Process, 0, len(children))
	for _, child := range children {
		descendants = append(descendants, descendantsOf(child)...)
		descendants = append(descendants, child)
	}
	return descendants
}

// mergeTrees combines snapshots taken at different times. Processes
// reparented after the first snapshot are only reachable through it.
func mergeTrees(trees ...[]*process.Process) []*process.Process {
	seen := make(map[int32]bool)
	var out []*process.Process
	for _, tree := range trees {
		for _, p := range tree {
			if seen[p.Pid] {
				continue
			}
			seen[p.Pid] = true
			out = append(out, p)
		}
	}
	return out
}

func terminateTree(procs []*process.Process) {
	for _, proc := range procs {
		if err := proc.Terminate(); err != nil {
			log.Debug().Err(err).Int32("pid", proc.Pid).Msg("failed to terminate process")
		} else {
			log.Debug().Int32("pid", proc.Pid).Msg("sent SIGTERM to process")
		}
	}
}

func killTree(procs []*process.Process) {
	for _, proc := range procs {
		if err := proc.Kill(); err != nil {
			log.Debug().Err(err).Int32("pid", proc.Pid).Msg("failed to kill process")
		} else {
			log.Debug().Int32("pid", proc.Pid).Msg("sent SIGKILL to process")
		}
	}
}
