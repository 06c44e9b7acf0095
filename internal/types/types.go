// Package types holds the domain types shared across the grid evaluation
// pipeline: run references produced by the locator, the in-memory tabular
// structures produced by the parser, and the result records consumed by the
// store writer.
package types

import (
	"fmt"
	"strings"
)

// RunKind tags how a run is laid out on disk.
type RunKind string

const (
	// RunDirectory is a plain directory containing the run's output files.
	RunDirectory RunKind = "directory"
	// RunArchive is a zip file wrapping the same layout.
	RunArchive RunKind = "archive"
)

// RunReference identifies one candidate run discovered under the grid root.
// Path is relative to the grid root. Fingerprint captures size and mtime of
// the backing file and is used for change detection, never for identity.
type RunReference struct {
	Path        string
	Kind        RunKind
	Fingerprint string
}

// ID returns the stable run identity: the relative path with any archive
// suffix stripped, slash-separated. Re-evaluating an unchanged run under the
// same ID overwrites its record rather than duplicating it.
func (r RunReference) ID() string {
	id := strings.TrimSuffix(r.Path, ".zip")
	return strings.ReplaceAll(id, "\\", "/")
}

// RunParams is the typed record of a run's initial physical parameters,
// parsed from its directory name. Field names follow the token names the
// simulator encodes into run directories (mi, menv, rot, z, y, ...).
type RunParams struct {
	InitialMass     float64 `json:"mi"`
	EnvelopeMass    float64 `json:"menv"`
	Rotation        float64 `json:"rot"`
	Metallicity     float64 `json:"z"`
	HeliumAbundance float64 `json:"y"`
	FH              float64 `json:"fh"`
	FHe             float64 `json:"fhe"`
	FSh             float64 `json:"fsh"`
	MixingLength    float64 `json:"mlt"`
	SemiConvection  float64 `json:"sc"`
	Reimers         float64 `json:"reimers"`
	Blocker         float64 `json:"blocker"`
	Turbulence      float64 `json:"turbulence"`
	Level           int     `json:"lvl"`
	ModelNumber     int     `json:"model_number"`
}

// HistoryTable is the time series of global stellar quantities for one run,
// one row per simulation step, ordered by increasing model number. Columns
// are stored column-major for cheap per-column scans.
type HistoryTable struct {
	Names   []string
	Columns map[string][]float64
	// Header holds the scalar header block of the history file
	// (version numbers, initial mass, etc.).
	Header map[string]float64
}

// Rows returns the number of time steps in the table.
func (t *HistoryTable) Rows() int {
	if len(t.Names) == 0 {
		return 0
	}
	return len(t.Columns[t.Names[0]])
}

// HasColumn reports whether the named column is present.
func (t *HistoryTable) HasColumn(name string) bool {
	_, ok := t.Columns[name]
	return ok
}

// Column returns the named column, or a MissingColumnError.
func (t *HistoryTable) Column(name string) ([]float64, error) {
	col, ok := t.Columns[name]
	if !ok {
		return nil, &MissingColumnError{Column: name}
	}
	return col, nil
}

// RequireColumns verifies that every named column is present, so a run can
// be rejected before any phase work starts.
func (t *HistoryTable) RequireColumns(names ...string) error {
	for _, n := range names {
		if !t.HasColumn(n) {
			return &MissingColumnError{Column: n}
		}
	}
	return nil
}

// ProfileSnapshot is the stellar-interior structure at one time step:
// per-zone columns plus the scalar header block.
type ProfileSnapshot struct {
	Names   []string
	Columns map[string][]float64
	Header  map[string]float64
}

// Zones returns the number of interior zones in the snapshot.
func (p *ProfileSnapshot) Zones() int {
	if len(p.Names) == 0 {
		return 0
	}
	return len(p.Columns[p.Names[0]])
}

// RunStatus is the outcome of one run's pipeline.
type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
)

// PhaseResult carries the quantities extracted at one detected phase.
// Found=false marks the expected "this star never reaches the phase"
// outcome; it is not a failure.
type PhaseResult struct {
	Found bool
	// Row is the index of the selected history row, or the lower row of
	// the interpolated pair. -1 when not found.
	Row    int
	Values map[string]float64
}

// ResultRecord is one row of the final grid: identity, status, the run's
// initial parameters and the per-phase extracted quantities.
type ResultRecord struct {
	RunID       string
	Fingerprint string
	Status      RunStatus
	FailReason  string
	Params      RunParams
	Phases      map[string]PhaseResult
}

// RunFailure names a failed run and why, for the end-of-run report.
type RunFailure struct {
	RunID  string
	Reason string
}

// Summary is the aggregate outcome of one evaluation pass.
type Summary struct {
	Succeeded int
	Failed    int
	Skipped   int
	Failures  []RunFailure
}

func (s Summary) String() string {
	return fmt.Sprintf("%d succeeded, %d failed, %d skipped", s.Succeeded, s.Failed, s.Skipped)
}
