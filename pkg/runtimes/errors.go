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

package runtimes

import "errors"

var (
	ErrRuntimeNotInstalled = errors.New("runtime not installed")
	ErrRuntimeNotFound     = errors.New("runtime version not found")
	ErrDownloadFailed      = errors.New("runtime download failed")
	ErrInsufficientSpace   = errors.New("insufficient disk space")
	ErrAlreadyInstalled    = errors.New("runtime already installed")
	ErrAlreadyInstalling   = errors.New("runtime install in progress")
	ErrRemoving            = errors.New("runtime removal in progress")
	ErrRuntimeInUse        = errors.New("runtime in use by a running game")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
	ErrInvalidArchive      = errors.New("invalid runtime archive")
	ErrManagerClosed       = errors.New("runtime manager closed")
)
