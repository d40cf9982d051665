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

package models

import (
	"time"

	"github.com/google/uuid"
)

// LaunchSpec describes how to start one game. It is built by the catalog
// layer and never modified by the core.
type LaunchSpec struct {
	Env            map[string]string `validate:"omitempty,dive,keys,required,endkeys"`
	GameID         string            `validate:"required"`
	ExePath        string            `validate:"required"`
	WorkDir        string
	RuntimeVersion string
	PrefixDir      string
	Args           []string
}

// Native reports whether the spec runs without a compatibility runtime.
func (s *LaunchSpec) Native() bool {
	return s.RuntimeVersion == ""
}

// Handle identifies one launch of a game.
type Handle struct {
	StartedAt      time.Time
	GameID         string
	RuntimeVersion string
	PID            int
	InstanceID     uuid.UUID
	Mode           LaunchMode
}
