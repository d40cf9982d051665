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

import (
	"path/filepath"

	"github.com/andygrunwald/vdf"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const compatToolFile = "compatibilitytool.vdf"

// compatTool is the manifest Steam reads to list a runtime as a
// compatibility tool.
type compatTool struct {
	Name        string
	DisplayName string
}

func readCompatTool(fsys afero.Fs, dir string) (compatTool, bool) {
	f, err := fsys.Open(filepath.Join(dir, compatToolFile))
	if err != nil {
		return compatTool{}, false
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("error closing compatibility tool manifest")
		}
	}()

	m, err := vdf.NewParser(f).Parse()
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("failed to parse compatibility tool manifest")
		return compatTool{}, false
	}

	root, ok := m["compatibilitytools"].(map[string]any)
	if !ok {
		return compatTool{}, false
	}
	tools, ok := root["compat_tools"].(map[string]any)
	if !ok {
		return compatTool{}, false
	}

	// a runtime ships exactly one tool
	for name, v := range tools {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		tool := compatTool{Name: name, DisplayName: name}
		if dn, ok := entry["display_name"].(string); ok && dn != "" {
			tool.DisplayName = dn
		}
		return tool, true
	}
	return compatTool{}, false
}
