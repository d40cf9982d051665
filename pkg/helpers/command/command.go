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

// Package command provides an abstraction over exec.Command for testability.
package command

import (
	"context"
	"os/exec"
)

// Options configures how a command is started.
type Options struct {
	// Dir is the working directory. Empty uses the caller's directory.
	Dir string
	// Env is the complete environment. Nil inherits the caller's environment.
	Env []string
	// Detach starts the process in its own session so it outlives the
	// caller and can be signalled as a group.
	Detach bool
	// HideWindow prevents a console window from appearing (Windows-only).
	HideWindow bool
}

// Executor provides an abstraction over exec.Command for testability.
type Executor interface {
	// Run executes a command and waits for it to complete. The command is
	// killed if ctx is cancelled.
	Run(ctx context.Context, opts Options, name string, args ...string) error

	// Start starts a command without waiting for it. The returned Cmd is
	// not bound to any context; the caller owns Wait.
	Start(opts Options, name string, args ...string) (*exec.Cmd, error)
}

// RealExecutor uses actual exec.Command to execute system commands.
type RealExecutor struct{}

// Run executes a system command using exec.CommandContext.
//
//nolint:wrapcheck // Wrapping exec errors loses important context
func (*RealExecutor) Run(ctx context.Context, opts Options, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	apply(cmd, opts)
	return cmd.Run()
}

// Start starts a command and returns it once the OS has created the process.
func (*RealExecutor) Start(opts Options, name string, args ...string) (*exec.Cmd, error) {
	//nolint:noctx // started processes must not die with the caller's context
	cmd := exec.Command(name, args...)
	apply(cmd, opts)
	if err := cmd.Start(); err != nil {
		return nil, err //nolint:wrapcheck // caller maps spawn errors
	}
	return cmd, nil
}

func apply(cmd *exec.Cmd, opts Options) {
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	cmd.SysProcAttr = sysProcAttr(opts)
}
