// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package enumerate

import (
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
)

// Files yields the regular files reachable from root. A file root yields
// itself regardless of pattern. A directory root is walked recursively and
// yields files whose base name matches pattern (all files when pattern is
// empty). Missing roots yield nothing. Every path is absolute.
//
// The sequence walks the filesystem each time it is ranged over.
func Files(root, pattern string) iter.Seq[string] {
	return func(yield func(string) bool) {
		abs, err := filepath.Abs(root)
		if err != nil {
			return
		}

		info, err := os.Stat(abs)
		if err != nil {
			return
		}
		if info.Mode().IsRegular() {
			yield(abs)
			return
		}
		if !info.IsDir() {
			return
		}

		filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable subtrees are skipped, the rest of the walk continues.
				if d != nil && d.IsDir() && p != abs {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || !isRegular(p, d) {
				return nil
			}
			if pattern != "" {
				if ok, _ := path.Match(pattern, d.Name()); !ok {
					return nil
				}
			}
			if !yield(p) {
				return fs.SkipAll
			}
			return nil
		})
	}
}

// isRegular follows symlinks the way a stat of the path would.
func isRegular(p string, d fs.DirEntry) bool {
	if d.Type().IsRegular() {
		return true
	}
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
