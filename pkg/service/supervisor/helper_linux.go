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
	"os"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/ZaparooProject/zaparoo-proton/pkg/helpers/command"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

const serverPollInterval = 50 * time.Millisecond

// serverCandidate is a process that may be a wineserver.
type serverCandidate struct {
	name string
	env  []string
	pid  int32
}

// WineHelper stops the wineserver of a prefix. It first asks the runtime's
// own wineserver binary to shut down, then signals any server still bound
// to the prefix.
type WineHelper struct {
	executor command.Executor
	list     func(ctx context.Context) ([]serverCandidate, error)
}

func NewWineHelper(executor command.Executor) *WineHelper {
	return &WineHelper{
		executor: executor,
		list:     listProcesses,
	}
}

func (h *WineHelper) Terminate(ctx context.Context, inst HelperInstance) error {
	prefix := winePrefix(inst.Prefix)

	bin := inst.Runtime.WineServer()
	if _, err := os.Stat(bin); err == nil {
		env := command.MergeEnv(os.Environ(), map[string]string{"WINEPREFIX": prefix})
		if err := h.executor.Run(ctx, command.Options{Env: env}, bin, "-k"); err != nil {
			log.Debug().Err(err).Str("prefix", prefix).Msg("wineserver -k failed")
		}
	}

	pids := h.servers(ctx, prefix)
	for _, pid := range pids {
		if err := unix.Kill(int(pid), unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			log.Debug().Err(err).Int32("pid", pid).Msg("failed to terminate wineserver")
		}
	}

	var remaining []int32
	for _, pid := range pids {
		if !waitGone(ctx, int(pid)) {
			remaining = append(remaining, pid)
		}
	}
	if len(remaining) > 0 {
		return fmt.Errorf("wineserver still running %v: %w", remaining, ctx.Err())
	}
	return nil
}

func (h *WineHelper) Kill(inst HelperInstance) error {
	prefix := winePrefix(inst.Prefix)
	var errs []error
	for _, pid := range h.servers(context.Background(), prefix) {
		if err := unix.Kill(int(pid), unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("kill wineserver %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

func (h *WineHelper) servers(ctx context.Context, prefix string) []int32 {
	cands, err := h.list(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("failed to list processes")
		return nil
	}
	return matchServers(cands, prefix)
}

// matchServers returns the wineservers whose WINEPREFIX is prefix.
func matchServers(cands []serverCandidate, prefix string) []int32 {
	var pids []int32
	for _, c := range cands {
		if !strings.HasPrefix(c.name, "wineserver") {
			continue
		}
		v, ok := command.LookupEnv(c.env, "WINEPREFIX")
		if ok && strings.TrimRight(v, "/") == strings.TrimRight(prefix, "/") {
			pids = append(pids, c.pid)
		}
	}
	slices.Sort(pids)
	return pids
}

func listProcesses(ctx context.Context) ([]serverCandidate, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	cands := make([]serverCandidate, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || !strings.HasPrefix(name, "wineserver") {
			continue
		}
		// environ is unreadable for other users' processes
		env, err := p.EnvironWithContext(ctx)
		if err != nil {
			continue
		}
		cands = append(cands, serverCandidate{pid: p.Pid, name: name, env: env})
	}
	return cands, nil
}

// waitGone blocks until pid exits or ctx is done. It uses a pidfd when the
// kernel supports one and falls back to polling kill(pid, 0).
func waitGone(ctx context.Context, pid int) bool {
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			return true
		}
		return pollGone(ctx, pid)
	}
	defer func() { _ = unix.Close(fd) }()

	pollFds := []unix.PollFd{
		{Fd: int32(fd), Events: unix.POLLIN}, //nolint:gosec // pidfd is always small
	}
	for ctx.Err() == nil {
		n, err := unix.Poll(pollFds, int(serverPollInterval.Milliseconds()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return pollGone(ctx, pid)
		}
		if n > 0 && pollFds[0].Revents&unix.POLLIN != 0 {
			return true
		}
	}
	return false
}

func pollGone(ctx context.Context, pid int) bool {
	ticker := time.NewTicker(serverPollInterval)
	defer ticker.Stop()
	for {
		if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
