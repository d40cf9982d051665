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

// Package models holds the types shared between the supervisor, the event
// bus and external collaborators.
package models

import (
	"time"

	"github.com/google/uuid"
)

// LifecycleState is the state of a running game as seen by the supervisor.
type LifecycleState int

const (
	StateStarting LifecycleState = iota
	StateRunning
	StateStopping
	StateStopped
	StateCrashed
	StateLaunchFailed
)

func (s LifecycleState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	case StateLaunchFailed:
		return "launch_failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible from s.
func (s LifecycleState) Terminal() bool {
	switch s {
	case StateStopped, StateCrashed, StateLaunchFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal step of
// the lifecycle state machine.
func (s LifecycleState) CanTransition(next LifecycleState) bool {
	switch s {
	case StateStarting:
		return next == StateRunning || next == StateLaunchFailed
	case StateRunning:
		return next == StateStopping || next == StateStopped || next == StateCrashed
	case StateStopping:
		return next == StateStopped
	default:
		return false
	}
}

// LaunchMode says whether a game runs natively or through a compatibility
// runtime.
type LaunchMode int

const (
	ModeNative LaunchMode = iota
	ModeCompat
)

func (m LaunchMode) String() string {
	if m == ModeCompat {
		return "compat"
	}
	return "native"
}

// Event is a single lifecycle transition published on the launch event bus.
type Event struct {
	At         time.Time
	Err        error
	GameID     string
	InstanceID uuid.UUID
	State      LifecycleState
	Previous   LifecycleState
}
