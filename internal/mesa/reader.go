// Package mesa reads the simulator's output tables. History and profile
// files share one layout, inherited from the Fortran side:
//
//	column numbers of the header block
//	header names
//	header values
//	(blank)
//	column numbers of the body block
//	body column names
//	body rows, one per time step (history) or zone (profile)
//
// Profile files may open with a blank line before the header numbers.
// Values use Fortran scientific notation; both E and D exponents appear.
// The reader is deterministic: identical bytes in, identical table out.
package mesa

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"sdbgrid/internal/types"
)

// Options controls parsing policy.
type Options struct {
	// Strict rejects a trailing incomplete row instead of truncating it.
	// A simulation killed mid-write leaves exactly such a tail; by
	// default it is dropped and the rest of the table accepted.
	Strict bool
}

// ReadHistory parses a history file into a HistoryTable.
func ReadHistory(path string, opts Options) (*types.HistoryTable, error) {
	names, cols, header, err := readTable(path, opts)
	if err != nil {
		return nil, err
	}
	return &types.HistoryTable{Names: names, Columns: cols, Header: header}, nil
}

// ReadProfile parses a profile file into a ProfileSnapshot.
func ReadProfile(path string, opts Options) (*types.ProfileSnapshot, error) {
	names, cols, header, err := readTable(path, opts)
	if err != nil {
		return nil, err
	}
	return &types.ProfileSnapshot{Names: names, Columns: cols, Header: header}, nil
}

func readTable(path string, opts Options) ([]string, map[string][]float64, map[string]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil, &types.MissingFileError{Path: path}
		}
		return nil, nil, nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, nil, nil, &types.MalformedTableError{Path: path, Line: len(lines), Reason: err.Error()}
	}

	p := &parser{path: path, lines: lines, opts: opts}
	return p.parse()
}

type parser struct {
	path  string
	lines []string
	pos   int
	opts  Options
}

func (p *parser) malformed(line int, reason string) error {
	return &types.MalformedTableError{Path: p.path, Line: line, Reason: reason}
}

func (p *parser) skipBlank() {
	for p.pos < len(p.lines) && strings.TrimSpace(p.lines[p.pos]) == "" {
		p.pos++
	}
}

// next returns the fields of the next non-blank line, or nil at EOF.
func (p *parser) next() ([]string, int) {
	p.skipBlank()
	if p.pos >= len(p.lines) {
		return nil, p.pos
	}
	line := p.pos
	fields := strings.Fields(p.lines[p.pos])
	p.pos++
	return fields, line + 1
}

func (p *parser) parse() ([]string, map[string][]float64, map[string]float64, error) {
	// Header block: column numbers, names, values.
	numbers, ln := p.next()
	if numbers == nil {
		return nil, nil, nil, p.malformed(ln, "empty file")
	}
	if !allInts(numbers) {
		return nil, nil, nil, p.malformed(ln, "expected header column numbers")
	}
	headerNames, ln := p.next()
	if headerNames == nil {
		return nil, nil, nil, p.malformed(ln, "missing header names")
	}
	headerValues, ln := p.next()
	if headerValues == nil {
		return nil, nil, nil, p.malformed(ln, "missing header values")
	}
	if len(headerValues) != len(headerNames) {
		return nil, nil, nil, p.malformed(ln, "header names and values disagree")
	}
	header := make(map[string]float64, len(headerNames))
	for i, name := range headerNames {
		// Non-numeric header entries (version strings, dates) are
		// not needed downstream and are dropped.
		if v, err := parseFloat(headerValues[i]); err == nil {
			header[name] = v
		}
	}

	// Body block: column numbers, names, then one row per step.
	numbers, ln = p.next()
	if numbers == nil {
		return nil, nil, nil, p.malformed(ln, "missing body block")
	}
	if !allInts(numbers) {
		return nil, nil, nil, p.malformed(ln, "expected body column numbers")
	}
	names, ln := p.next()
	if names == nil {
		return nil, nil, nil, p.malformed(ln, "missing body column names")
	}
	if len(names) != len(numbers) {
		return nil, nil, nil, p.malformed(ln, "body numbers and names disagree")
	}

	cols := make(map[string][]float64, len(names))
	for _, n := range names {
		cols[n] = nil
	}

	rowCount := 0
	for {
		fields, ln := p.next()
		if fields == nil {
			break
		}
		lastRow := p.peekEOF()

		if len(fields) != len(names) {
			if lastRow && len(fields) < len(names) && !p.opts.Strict {
				// Truncated tail from a simulation killed
				// mid-write: drop the row, accept the table.
				break
			}
			return nil, nil, nil, p.malformed(ln, "row has "+strconv.Itoa(len(fields))+" fields, want "+strconv.Itoa(len(names)))
		}

		values := make([]float64, len(fields))
		ok := true
		for i, field := range fields {
			v, err := parseFloat(field)
			if err != nil {
				if lastRow && !p.opts.Strict {
					ok = false
					break
				}
				return nil, nil, nil, p.malformed(ln, "bad value "+strconv.Quote(field))
			}
			values[i] = v
		}
		if !ok {
			break
		}
		for i, n := range names {
			cols[n] = append(cols[n], values[i])
		}
		rowCount++
	}

	if rowCount == 0 {
		return nil, nil, nil, p.malformed(len(p.lines), "table has no complete rows")
	}
	return names, cols, header, nil
}

// peekEOF reports whether only blank lines remain.
func (p *parser) peekEOF() bool {
	for i := p.pos; i < len(p.lines); i++ {
		if strings.TrimSpace(p.lines[i]) != "" {
			return false
		}
	}
	return true
}

func allInts(fields []string) bool {
	for _, f := range fields {
		if _, err := strconv.Atoi(f); err != nil {
			return false
		}
	}
	return len(fields) > 0
}

// parseFloat accepts Fortran D exponents alongside the usual E form.
func parseFloat(s string) (float64, error) {
	if strings.ContainsAny(s, "dD") {
		s = strings.Map(func(r rune) rune {
			switch r {
			case 'd':
				return 'e'
			case 'D':
				return 'E'
			}
			return r
		}, s)
	}
	return strconv.ParseFloat(s, 64)
}
