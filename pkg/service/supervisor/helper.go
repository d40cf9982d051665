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

	"github.com/ZaparooProject/zaparoo-proton/pkg/runtimes"
)

// HelperInstance identifies the session helper (wineserver) serving one
// compat launch.
type HelperInstance struct {
	// Prefix is the compat data path passed to the runtime.
	Prefix  string
	Runtime runtimes.Runtime
}

// SessionHelper shuts down the helper process a compatibility runtime
// leaves behind. Terminate should give up once ctx is done.
type SessionHelper interface {
	Terminate(ctx context.Context, inst HelperInstance) error
	Kill(inst HelperInstance) error
}
