// Package quantity computes the configured output quantities at a detected
// phase point: direct column reads, and derived quantities combining
// several columns through pure formulas.
package quantity

import (
	"fmt"
	"math"

	"sdbgrid/internal/config"
	"sdbgrid/internal/phase"
	"sdbgrid/internal/types"
)

// Physical constants, CGS.
const (
	gravConstCGS = 6.67430e-8  // cm^3 g^-1 s^-2
	mSunGrams    = 1.98892e33  // g
	rSunCm       = 6.957e10    // cm
)

// Formula is a pure function of history columns evaluated at the phase
// point. Inputs name the columns it reads; Eval receives them in the same
// order. No hidden state: every formula is testable against literal pairs.
type Formula struct {
	Inputs []string
	Eval   func(in []float64) float64
}

// Registry of derived quantities. Keyed by the formula name used in the
// quantities configuration.
var formulas = map[string]Formula{
	// Surface gravity from total mass and log radius, CGS:
	// g = G M / R^2.
	"log_g": {
		Inputs: []string{"star_mass", "log_R"},
		Eval: func(in []float64) float64 {
			massG := in[0] * mSunGrams
			radiusCm := math.Pow(10, in[1]) * rSunCm
			return math.Log10(gravConstCGS * massG / (radiusCm * radiusCm))
		},
	},
	// Radius in solar units from log_R.
	"radius_rsun": {
		Inputs: []string{"log_R"},
		Eval:   func(in []float64) float64 { return math.Pow(10, in[0]) },
	},
	// Effective temperature in K from log_Teff.
	"teff": {
		Inputs: []string{"log_Teff"},
		Eval:   func(in []float64) float64 { return math.Pow(10, in[0]) },
	},
	// Luminosity in solar units from log_L.
	"luminosity_lsun": {
		Inputs: []string{"log_L"},
		Eval:   func(in []float64) float64 { return math.Pow(10, in[0]) },
	},
	// Age in Gyr from star_age (years).
	"age_gyr": {
		Inputs: []string{"star_age"},
		Eval:   func(in []float64) float64 { return in[0] / 1e9 },
	},
}

// Lookup returns a registered formula.
func Lookup(name string) (Formula, bool) {
	f, ok := formulas[name]
	return f, ok
}

// Extractor evaluates a fixed quantity set, compiled once from config and
// shared read-only across runs.
type Extractor struct {
	quantities []compiled
}

type compiled struct {
	name    string
	column  string // direct read when non-empty
	profile bool   // column is a profile header scalar, not a history column
	formula Formula
}

// New compiles the configured quantities, rejecting unknown formulas.
func New(qcs []config.QuantityConfig) (*Extractor, error) {
	ex := &Extractor{}
	for _, qc := range qcs {
		c := compiled{name: qc.Name, column: qc.Column, profile: qc.Source == "profile"}
		if qc.Column == "" {
			f, ok := Lookup(qc.Formula)
			if !ok {
				return nil, fmt.Errorf("quantity %s: unknown formula %q", qc.Name, qc.Formula)
			}
			c.formula = f
		}
		ex.quantities = append(ex.quantities, c)
	}
	return ex, nil
}

// Columns returns every history column the quantity set reads, for upfront
// validation by the parser. Profile columns are excluded: they live in a
// different file that may not exist for every phase.
func (e *Extractor) Columns() []string {
	seen := make(map[string]bool)
	var cols []string
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	for _, q := range e.quantities {
		if q.profile {
			continue
		}
		if q.column != "" {
			add(q.column)
			continue
		}
		for _, in := range q.formula.Inputs {
			add(in)
		}
	}
	return cols
}

// NeedsProfile reports whether any quantity reads from a profile snapshot,
// so the caller can skip profile resolution entirely when none do.
func (e *Extractor) NeedsProfile() bool {
	for _, q := range e.quantities {
		if q.profile {
			return true
		}
	}
	return false
}

// Extract computes every quantity at the detected phase point. prof is the
// snapshot nearest that point; nil is valid when NeedsProfile is false.
// Column presence was validated upfront, but is re-checked defensively here.
func (e *Extractor) Extract(tbl *types.HistoryTable, prof *types.ProfileSnapshot, det phase.Detection) (map[string]float64, error) {
	out := make(map[string]float64, len(e.quantities))
	for _, q := range e.quantities {
		if q.profile {
			if prof == nil {
				return nil, &types.MissingColumnError{Column: q.column}
			}
			v, ok := prof.Header[q.column]
			if !ok {
				return nil, &types.MissingColumnError{Column: q.column}
			}
			out[q.name] = v
			continue
		}
		if q.column != "" {
			v, err := det.At(tbl, q.column)
			if err != nil {
				return nil, err
			}
			out[q.name] = v
			continue
		}
		in := make([]float64, len(q.formula.Inputs))
		for i, col := range q.formula.Inputs {
			v, err := det.At(tbl, col)
			if err != nil {
				return nil, err
			}
			in[i] = v
		}
		out[q.name] = q.formula.Eval(in)
	}
	return out, nil
}
