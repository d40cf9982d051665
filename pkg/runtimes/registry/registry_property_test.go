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

package registry

import (
	"maps"
	"slices"
	"testing"

	"github.com/spf13/afero"
	"pgregory.net/rapid"
)

// TestPropertyRegistryMatchesModel runs random record/forget sequences
// against a plain map and checks the registry, and a reload of its file,
// always agree with it.
func TestPropertyRegistryMatchesModel(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		fs := afero.NewMemMapFs()
		r, err := Open(fs, statePath)
		if err != nil {
			t.Fatalf("open: %v", err)
		}

		model := make(map[string]string)
		versions := rapid.SampledFrom([]string{"9-20", "9-21", "GE-Proton8-32", "experimental"})

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := range steps {
			v := versions.Draw(t, "version")
			if rapid.Bool().Draw(t, "record") {
				p := "/rt/" + v + "/" + rapid.StringMatching(`[a-z0-9]{1,6}`).Draw(t, "suffix")
				if err := r.Record(v, p); err != nil {
					t.Fatalf("step %d record: %v", i, err)
				}
				model[v] = p
			} else {
				if err := r.Forget(v); err != nil {
					t.Fatalf("step %d forget: %v", i, err)
				}
				delete(model, v)
			}
		}

		want := slices.Sorted(maps.Keys(model))
		if got := r.ListInstalled(); !slices.Equal(got, want) {
			t.Fatalf("list mismatch: got %v want %v", got, want)
		}

		reloaded, err := Open(fs, statePath)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		for v, p := range model {
			got, err := reloaded.Lookup(v)
			if err != nil || got != p {
				t.Fatalf("reload lookup %s: got %q err %v, want %q", v, got, err, p)
			}
		}
		if got := reloaded.ListInstalled(); !slices.Equal(got, want) {
			t.Fatalf("reload list mismatch: got %v want %v", got, want)
		}
	})
}
