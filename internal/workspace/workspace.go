// Package workspace materializes a run's output files for reading. Plain
// run directories pass through untouched; zip archives are extracted into a
// per-run scratch directory that is removed when the workspace closes,
// whatever the outcome of the run.
package workspace

import (
	"archive/zip"
	"context"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"sdbgrid/internal/types"
)

// Options configures materialization.
type Options struct {
	// ScratchRoot is where archives are extracted; empty means the
	// system temp directory. Each run gets its own subdirectory, so
	// concurrent extraction never races.
	ScratchRoot string

	// HistoryFile is the glob used to verify an archive's internal
	// layout and to locate the run directory inside it.
	HistoryFile string
}

// Workspace is the readable location of one run's output files. Owned by
// exactly one worker; Close releases any scratch space.
type Workspace struct {
	dir     string
	scratch string // non-empty only for extracted archives
}

// Dir returns the directory holding the run's output files.
func (w *Workspace) Dir() string { return w.dir }

// Close removes the scratch directory, if any. Safe to call more than once
// and on every exit path.
func (w *Workspace) Close() error {
	if w.scratch == "" {
		return nil
	}
	err := os.RemoveAll(w.scratch)
	w.scratch = ""
	return err
}

// Open materializes the run identified by ref, resolved against the grid
// root. Directory runs pass through; archive runs are extracted under a
// unique scratch directory. Extraction is idempotent: re-extracting the
// same archive yields identical content in a fresh location.
func Open(ctx context.Context, root string, ref types.RunReference, opts Options) (*Workspace, error) {
	full := filepath.Join(root, filepath.FromSlash(ref.Path))

	switch ref.Kind {
	case types.RunDirectory:
		if _, err := os.Stat(full); err != nil {
			return nil, err
		}
		return &Workspace{dir: full}, nil
	case types.RunArchive:
		return extract(ctx, full, opts)
	default:
		return nil, &types.CorruptArchiveError{Path: ref.Path, Reason: "unknown run kind " + string(ref.Kind)}
	}
}

// extract unpacks the archive into <scratch>/<uuid> and locates the run
// directory inside it (the archive wraps top_dir/log_dir/files).
func extract(ctx context.Context, archivePath string, opts Options) (*Workspace, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, &types.CorruptArchiveError{Path: archivePath, Reason: "cannot open", Err: err}
	}
	defer zr.Close()

	scratchRoot := opts.ScratchRoot
	if scratchRoot == "" {
		scratchRoot = os.TempDir()
	}
	scratch := filepath.Join(scratchRoot, "sdbgrid-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return nil, err
	}

	cleanup := func() { _ = os.RemoveAll(scratch) }

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			cleanup()
			return nil, err
		}
		if err := extractFile(scratch, f); err != nil {
			cleanup()
			return nil, err
		}
	}

	histGlob := opts.HistoryFile
	if histGlob == "" {
		histGlob = "history.data"
	}
	runDir, err := findRunDir(scratch, histGlob)
	if err != nil {
		cleanup()
		return nil, &types.CorruptArchiveError{Path: archivePath, Reason: "no history file in archive", Err: err}
	}

	return &Workspace{dir: runDir, scratch: scratch}, nil
}

func extractFile(scratch string, f *zip.File) error {
	// Reject entries that would escape the scratch directory.
	dest := filepath.Join(scratch, filepath.FromSlash(f.Name))
	if !strings.HasPrefix(dest, filepath.Clean(scratch)+string(os.PathSeparator)) {
		return &types.CorruptArchiveError{Path: f.Name, Reason: "entry escapes extraction root"}
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return &types.CorruptArchiveError{Path: f.Name, Reason: "cannot read entry", Err: err}
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return &types.CorruptArchiveError{Path: f.Name, Reason: "truncated entry", Err: err}
	}
	return nil
}

// NearestProfile resolves the profile snapshot closest to a target value.
// Profile file names encode the abundance they were written at (the glob's
// wildcard part, e.g. custom_He0.45.data); the match whose encoded value is
// nearest the target wins. Ties go to the lexicographically first match.
func NearestProfile(dir, glob string, target float64) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, glob))
	if err != nil || len(matches) == 0 {
		return "", &types.MissingFileError{Path: filepath.Join(dir, glob)}
	}
	sort.Strings(matches)

	star := strings.Index(glob, "*")
	if star < 0 {
		return matches[0], nil // literal pattern, single candidate
	}
	prefix, suffix := glob[:star], glob[star+1:]

	best := ""
	bestDist := 0.0
	for _, m := range matches {
		frag := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), prefix), suffix)
		v, err := strconv.ParseFloat(frag, 64)
		if err != nil {
			continue
		}
		dist := math.Abs(v - target)
		if best == "" || dist < bestDist {
			best = m
			bestDist = dist
		}
	}
	if best == "" {
		return "", &types.MissingFileError{Path: filepath.Join(dir, glob)}
	}
	return best, nil
}

// findRunDir locates the directory inside the extracted tree that holds a
// history file. Deterministic: the lexicographically first match wins.
func findRunDir(scratch, histGlob string) (string, error) {
	var candidates []string
	err := filepath.WalkDir(scratch, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if match, _ := filepath.Match(histGlob, d.Name()); match {
			candidates = append(candidates, filepath.Dir(path))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", &types.MissingFileError{Path: histGlob}
	}
	sort.Strings(candidates)
	return candidates[0], nil
}
