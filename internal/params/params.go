// Package params parses the run parameters the simulator encodes into
// directory names, e.g.
//
//	logs_mi1.0_menv0.0001_rot0.0_z0.015_y0.2715_fh0.0_fhe0.0_fsh0.0_mlt1.8_sc0.1_reimers0.0_blocker0.0_turbulence0.0_lvl0_15240
//
// into a typed RunParams record. Parsing fails fast with *types.ParseError
// instead of leaking zero values for fields that were never present.
package params

import (
	"path"
	"strconv"
	"strings"
	"unicode"

	"sdbgrid/internal/types"
)

// Keys the simulator writes into run names. mi and z are mandatory: a grid
// point without mass and metallicity is not addressable.
var requiredKeys = []string{"mi", "z"}

// Parse extracts RunParams from a run identity (the final path element is
// the encoded name). Unknown tokens are ignored so grids from newer
// simulator versions still parse; missing required tokens are an error.
func Parse(runID string) (types.RunParams, error) {
	name := path.Base(strings.TrimSuffix(runID, "/"))
	if name == "" || name == "." {
		return types.RunParams{}, &types.ParseError{Input: runID, Reason: "empty run name"}
	}

	var p types.RunParams
	seen := make(map[string]bool)

	tokens := strings.Split(name, "_")
	for i, tok := range tokens {
		if tok == "" {
			continue
		}
		key, val := splitToken(tok)
		if key == "" {
			// Bare number: only valid as the trailing model number.
			if i != len(tokens)-1 {
				return types.RunParams{}, &types.ParseError{
					Input: name, Reason: "bare numeric token " + strconv.Quote(tok) + " before end of name",
				}
			}
			n, err := strconv.Atoi(val)
			if err != nil {
				return types.RunParams{}, &types.ParseError{Input: name, Reason: "bad model number " + strconv.Quote(tok)}
			}
			p.ModelNumber = n
			continue
		}
		if val == "" {
			// Pure-alpha token, e.g. the "logs" prefix.
			continue
		}
		if err := assign(&p, key, val, name); err != nil {
			return types.RunParams{}, err
		}
		seen[key] = true
	}

	for _, k := range requiredKeys {
		if !seen[k] {
			return types.RunParams{}, &types.ParseError{Input: name, Reason: "missing required parameter " + k}
		}
	}
	return p, nil
}

// splitToken separates the leading alphabetic key from its numeric value.
func splitToken(tok string) (key, val string) {
	i := 0
	for i < len(tok) && unicode.IsLetter(rune(tok[i])) {
		i++
	}
	return tok[:i], tok[i:]
}

func assign(p *types.RunParams, key, val, name string) error {
	if key == "lvl" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return &types.ParseError{Input: name, Reason: "bad value for lvl: " + strconv.Quote(val)}
		}
		p.Level = n
		return nil
	}

	var dst *float64
	switch key {
	case "mi":
		dst = &p.InitialMass
	case "menv":
		dst = &p.EnvelopeMass
	case "rot":
		dst = &p.Rotation
	case "z":
		dst = &p.Metallicity
	case "y":
		dst = &p.HeliumAbundance
	case "fh":
		dst = &p.FH
	case "fhe":
		dst = &p.FHe
	case "fsh":
		dst = &p.FSh
	case "mlt":
		dst = &p.MixingLength
	case "sc":
		dst = &p.SemiConvection
	case "reimers":
		dst = &p.Reimers
	case "blocker":
		dst = &p.Blocker
	case "turbulence":
		dst = &p.Turbulence
	default:
		// Unknown key from another simulator version: skip.
		return nil
	}

	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return &types.ParseError{Input: name, Reason: "bad value for " + key + ": " + strconv.Quote(val)}
	}
	*dst = f
	return nil
}
