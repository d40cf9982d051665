//go:build !linux

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
	"fmt"
	"os"

	"github.com/ZaparooProject/zaparoo-proton/pkg/helpers/command"
)

// WineHelper asks the runtime's wineserver to shut down. Servers are not
// tracked individually on this platform.
type WineHelper struct {
	executor command.Executor
}

func NewWineHelper(executor command.Executor) *WineHelper {
	return &WineHelper{executor: executor}
}

func (h *WineHelper) Terminate(ctx context.Context, inst HelperInstance) error {
	bin := inst.Runtime.WineServer()
	if _, err := os.Stat(bin); err != nil {
		return nil
	}
	env := command.MergeEnv(os.Environ(), map[string]string{"WINEPREFIX": winePrefix(inst.Prefix)})
	if err := h.executor.Run(ctx, command.Options{Env: env}, bin, "-k"); err != nil {
		return fmt.Errorf("wineserver -k: %w", err)
	}
	return nil
}

func (*WineHelper) Kill(HelperInstance) error {
	return nil
}
