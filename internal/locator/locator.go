// Package locator discovers candidate runs under a grid root: run
// directories and zip archives wrapping the same layout. Discovery is
// read-only and its output is deterministic (lexicographic by path) so
// repeated evaluations visit runs in the same order.
package locator

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"sdbgrid/internal/types"
)

// Options controls what the locator recognizes as a run. All patterns are
// configurable because file and directory naming differs between simulator
// versions.
type Options struct {
	// RunGlob matches run directory base names (e.g. "logs_*"). A
	// matching directory is a run even when its history file is absent,
	// so half-written runs surface as failures instead of vanishing.
	RunGlob string

	// HistoryFile is the glob matched against file names; a directory
	// containing a match is a run directory even when its name does not
	// match RunGlob.
	HistoryFile string

	// ArchiveGlob matches archive file base names (e.g. "*.zip").
	ArchiveGlob string
}

func (o Options) withDefaults() Options {
	if o.RunGlob == "" {
		o.RunGlob = "logs_*"
	}
	if o.HistoryFile == "" {
		o.HistoryFile = "history.data"
	}
	if o.ArchiveGlob == "" {
		o.ArchiveGlob = "*.zip"
	}
	return o
}

// Locate walks the grid root and returns one RunReference per eligible run,
// sorted lexicographically by relative path. Hidden entries are skipped.
// An unreadable root is a *types.DiscoveryError; unreadable entries below
// the root are skipped.
func Locate(root string, opts Options) ([]types.RunReference, error) {
	opts = opts.withDefaults()

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return nil, &types.DiscoveryError{Root: root, Err: err}
	}
	if _, err := os.ReadDir(rootAbs); err != nil {
		return nil, &types.DiscoveryError{Root: root, Err: err}
	}

	var refs []types.RunReference
	walkErr := filepath.WalkDir(rootAbs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == rootAbs {
				return &types.DiscoveryError{Root: root, Err: err}
			}
			return fs.SkipDir
		}
		if path == rootAbs {
			return nil
		}

		name := d.Name()
		if strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(rootAbs, path)
		if relErr != nil {
			return nil
		}

		if d.IsDir() {
			if !isRunDir(path, name, opts) {
				return nil
			}
			refs = append(refs, types.RunReference{
				Path:        filepath.ToSlash(rel),
				Kind:        types.RunDirectory,
				Fingerprint: dirFingerprint(path, opts.HistoryFile),
			})
			// A run directory is a leaf; never descend into it.
			return fs.SkipDir
		}

		if match, _ := filepath.Match(opts.ArchiveGlob, name); match {
			info, infoErr := d.Info()
			if infoErr != nil {
				return nil
			}
			refs = append(refs, types.RunReference{
				Path:        filepath.ToSlash(rel),
				Kind:        types.RunArchive,
				Fingerprint: fingerprint(info.Size(), info.ModTime().UnixNano()),
			})
		}
		return nil
	})
	if walkErr != nil {
		if derr, ok := walkErr.(*types.DiscoveryError); ok {
			return nil, derr
		}
		return nil, &types.DiscoveryError{Root: root, Err: walkErr}
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
	return refs, nil
}

func isRunDir(path, name string, opts Options) bool {
	if match, _ := filepath.Match(opts.RunGlob, name); match {
		return true
	}
	matches, err := filepath.Glob(filepath.Join(path, opts.HistoryFile))
	return err == nil && len(matches) > 0
}

// dirFingerprint fingerprints a directory run by its history file, falling
// back to the directory itself when the history file is absent.
func dirFingerprint(dir, historyGlob string) string {
	matches, err := filepath.Glob(filepath.Join(dir, historyGlob))
	if err == nil && len(matches) > 0 {
		sort.Strings(matches)
		if info, err := os.Stat(matches[0]); err == nil {
			return fingerprint(info.Size(), info.ModTime().UnixNano())
		}
	}
	if info, err := os.Stat(dir); err == nil {
		return fingerprint(info.Size(), info.ModTime().UnixNano())
	}
	return ""
}

func fingerprint(size, mtimeNano int64) string {
	return strconv.FormatInt(size, 10) + ":" + strconv.FormatInt(mtimeNano, 10)
}
