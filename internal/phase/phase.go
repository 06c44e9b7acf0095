// Package phase locates evolutionary milestones in a run's history table.
// A phase is a predicate over one history column plus a selection policy
// for multiple matching rows. A star that never satisfies the predicate is
// a normal outcome (NotFound), not an error: not every grid point passes
// through every phase.
package phase

import (
	"fmt"

	"sdbgrid/internal/config"
	"sdbgrid/internal/types"
)

// SelectPolicy picks between multiple rows satisfying the predicate.
type SelectPolicy string

const (
	// SelectFirst takes the earliest matching row (the onset of the
	// phase). This is the default.
	SelectFirst SelectPolicy = "first"
	// SelectLast takes the latest matching row.
	SelectLast SelectPolicy = "last"
	// SelectInterpolate linearly interpolates between the two rows
	// straddling the threshold crossing, in the driving column.
	SelectInterpolate SelectPolicy = "interpolate"
)

// Phase is a compiled, immutable milestone definition, shared read-only
// across all runs.
type Phase struct {
	Name      string
	Column    string
	Op        string
	Threshold float64
	Select    SelectPolicy
}

// Detection is the outcome of scanning one table for one phase.
type Detection struct {
	Found bool
	// Row is the selected row, or the lower row of the straddling pair
	// under interpolation. -1 when not found.
	Row int
	// Frac is the interpolation parameter in [0,1] between Row and
	// Row+1; 0 for exact row selection.
	Frac float64
}

// Compile validates a PhaseConfig into a Phase.
func Compile(pc config.PhaseConfig) (Phase, error) {
	sel := SelectPolicy(pc.Select)
	if sel == "" {
		sel = SelectFirst
	}
	switch sel {
	case SelectFirst, SelectLast, SelectInterpolate:
	default:
		return Phase{}, fmt.Errorf("phase %s: unknown select policy %q", pc.Name, pc.Select)
	}
	switch pc.Op {
	case "<", "<=", ">", ">=":
	default:
		return Phase{}, fmt.Errorf("phase %s: unknown op %q", pc.Name, pc.Op)
	}
	return Phase{
		Name:      pc.Name,
		Column:    pc.Column,
		Op:        pc.Op,
		Threshold: pc.Threshold,
		Select:    sel,
	}, nil
}

// CompileAll compiles the configured phase set, preserving order.
func CompileAll(pcs []config.PhaseConfig) ([]Phase, error) {
	phases := make([]Phase, 0, len(pcs))
	for _, pc := range pcs {
		p, err := Compile(pc)
		if err != nil {
			return nil, err
		}
		phases = append(phases, p)
	}
	return phases, nil
}

// matches evaluates the predicate against one value.
func (p Phase) matches(v float64) bool {
	switch p.Op {
	case "<":
		return v < p.Threshold
	case "<=":
		return v <= p.Threshold
	case ">":
		return v > p.Threshold
	case ">=":
		return v >= p.Threshold
	}
	return false
}

// Detect scans the table once, left to right (monotonic time). The
// threshold comparison is exact; callers wanting sub-row precision use the
// interpolate policy rather than an epsilon.
func (p Phase) Detect(tbl *types.HistoryTable) (Detection, error) {
	col, err := tbl.Column(p.Column)
	if err != nil {
		return Detection{}, err
	}

	switch p.Select {
	case SelectLast:
		for i := len(col) - 1; i >= 0; i-- {
			if p.matches(col[i]) {
				return Detection{Found: true, Row: i}, nil
			}
		}
		return Detection{Found: false, Row: -1}, nil

	case SelectInterpolate:
		for i, v := range col {
			if !p.matches(v) {
				continue
			}
			if i == 0 {
				// Already past the threshold at the first step:
				// nothing to straddle.
				return Detection{Found: true, Row: 0}, nil
			}
			frac := crossingFraction(col[i-1], col[i], p.Threshold)
			return Detection{Found: true, Row: i - 1, Frac: frac}, nil
		}
		return Detection{Found: false, Row: -1}, nil

	default: // SelectFirst
		for i, v := range col {
			if p.matches(v) {
				return Detection{Found: true, Row: i}, nil
			}
		}
		return Detection{Found: false, Row: -1}, nil
	}
}

// crossingFraction returns the linear interpolation parameter t in [0,1]
// such that prev + t*(cur-prev) == threshold, clamped. A flat segment
// (prev == cur) selects the matching row outright (t == 1).
func crossingFraction(prev, cur, threshold float64) float64 {
	if prev == cur {
		return 1
	}
	t := (threshold - prev) / (cur - prev)
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// At returns the value of the named column at the detected point, applying
// linear interpolation when the detection straddles two rows.
func (d Detection) At(tbl *types.HistoryTable, column string) (float64, error) {
	col, err := tbl.Column(column)
	if err != nil {
		return 0, err
	}
	if !d.Found {
		return 0, fmt.Errorf("phase not found in table")
	}
	if d.Frac == 0 || d.Row+1 >= len(col) {
		return col[d.Row], nil
	}
	lo, hi := col[d.Row], col[d.Row+1]
	return lo + d.Frac*(hi-lo), nil
}
