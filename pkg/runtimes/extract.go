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
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/ulikunitz/xz"
)

// extractArchive unpacks a .tar.gz or .tar.xz archive into dest. Entries
// that would land outside dest are rejected.
func extractArchive(ctx context.Context, fsys afero.Fs, archive, dest string) error {
	f, err := fsys.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("error closing archive")
		}
	}()

	var r io.Reader
	if strings.HasSuffix(archive, ".tar.xz") {
		xr, err := xz.NewReader(bufio.NewReader(f))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArchive, err)
		}
		r = xr
	} else {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArchive, err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	if err := fsys.MkdirAll(dest, 0o750); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	linker, canLink := fsys.(afero.Linker)
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck // classified by caller
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArchive, err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		if err := checkNoSymlinks(fsys, dest, target); err != nil {
			return err
		}
		mode := hdr.FileInfo().Mode().Perm()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fsys.MkdirAll(target, mode|0o700); err != nil {
				return fmt.Errorf("failed to create %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := writeFile(fsys, target, mode, tr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if !canLink {
				log.Debug().Str("name", hdr.Name).Msg("filesystem cannot link, skipping symlink")
				continue
			}
			if err := checkLink(dest, target, hdr.Linkname); err != nil {
				return err
			}
			if err := fsys.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return fmt.Errorf("failed to create %s: %w", filepath.Dir(hdr.Name), err)
			}
			if err := linker.SymlinkIfPossible(hdr.Linkname, target); err != nil {
				return fmt.Errorf("failed to link %s: %w", hdr.Name, err)
			}
		case tar.TypeLink:
			src, err := safeJoin(dest, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := checkNoSymlinks(fsys, dest, src); err != nil {
				return err
			}
			if fi, statErr := fsys.Stat(src); statErr == nil && mode == 0 {
				mode = fi.Mode().Perm()
			}
			if err := copyFile(fsys, src, target, mode); err != nil {
				return err
			}
		default:
			log.Debug().Str("name", hdr.Name).Msgf("skipping tar entry type %c", hdr.Typeflag)
		}
	}
}

func safeJoin(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: entry %q escapes archive root", ErrInvalidArchive, name)
	}
	return filepath.Join(dest, clean), nil
}

// checkNoSymlinks rejects target when it, or any directory between dest and
// it, is a symlink already on disk. Links in the archive are only checked
// as text, so nothing may be written or read through one.
func checkNoSymlinks(fsys afero.Fs, dest, target string) error {
	lst, ok := fsys.(afero.Lstater)
	if !ok {
		return nil
	}
	rel, err := filepath.Rel(dest, target)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArchive, err)
	}
	cur := dest
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." {
			continue
		}
		cur = filepath.Join(cur, part)
		fi, _, err := lst.LstatIfPossible(cur)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", cur, err)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: entry %q passes through symlink", ErrInvalidArchive, target)
		}
	}
	return nil
}

// checkLink rejects symlinks whose target resolves outside dest.
func checkLink(dest, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: absolute symlink %q", ErrInvalidArchive, linkname)
	}
	resolved := filepath.Join(filepath.Dir(target), linkname)
	rel, err := filepath.Rel(dest, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: symlink %q escapes archive root", ErrInvalidArchive, linkname)
	}
	return nil
}

func writeFile(fsys afero.Fs, target string, mode os.FileMode, r io.Reader) error {
	if err := fsys.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", target, err)
	}
	out, err := fsys.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", target, err)
	}
	return nil
}

func copyFile(fsys afero.Fs, src, target string, mode os.FileMode) error {
	in, err := fsys.Open(src)
	if err != nil {
		return fmt.Errorf("%w: hard link to missing %s: %w", ErrInvalidArchive, src, err)
	}
	defer func() { _ = in.Close() }()
	return writeFile(fsys, target, mode, in)
}
