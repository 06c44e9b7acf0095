package mesa

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"sdbgrid/internal/types"
)

const historyBody = `                                    1                                    2                                    3
                       version_number                         initial_mass                            initial_z
                                15140                       1.0000000000E+00                       1.5000000000E-02

                                    1                                    2                                    3                                    4
                         model_number                           center_he4                             log_Teff                            star_mass
                                    1                       9.8000000000E-01                       3.7000000000E+00                       1.0000000000E+00
                                    2                       9.0000000000E-01                       3.8000000000E+00                       9.9000000000E-01
                                    3                       5.0000000000E-01                       4.1000000000E+00                       9.5000000000E-01
                                    4                       1.0000000000E-01                       4.4000000000E+00                       4.7000000000E-01
`

func writeHistory(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.data")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadHistory(t *testing.T) {
	tbl, err := ReadHistory(writeHistory(t, historyBody), Options{})
	if err != nil {
		t.Fatalf("ReadHistory: %v", err)
	}

	if got := tbl.Rows(); got != 4 {
		t.Fatalf("Rows() = %d, want 4", got)
	}
	if len(tbl.Names) != 4 {
		t.Fatalf("got %d columns, want 4", len(tbl.Names))
	}

	he4, err := tbl.Column("center_he4")
	if err != nil {
		t.Fatal(err)
	}
	if he4[0] != 0.98 || he4[3] != 0.1 {
		t.Errorf("center_he4 = %v", he4)
	}

	if tbl.Header["initial_mass"] != 1.0 {
		t.Errorf("header initial_mass = %v", tbl.Header["initial_mass"])
	}
	if tbl.Header["initial_z"] != 0.015 {
		t.Errorf("header initial_z = %v", tbl.Header["initial_z"])
	}
}

func TestReadHistoryDeterministic(t *testing.T) {
	path := writeHistory(t, historyBody)
	a, err := ReadHistory(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := ReadHistory(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range a.Names {
		ca, cb := a.Columns[name], b.Columns[name]
		for i := range ca {
			if ca[i] != cb[i] {
				t.Fatalf("column %s differs between reads", name)
			}
		}
	}
}

func TestReadHistoryFortranExponents(t *testing.T) {
	body := `        1        2
  version_number  initial_mass
  15140  1.0d0

        1        2
  model_number  center_he4
  1  9.8d-1
  2  5.0D-1
`
	tbl, err := ReadHistory(writeHistory(t, body), Options{})
	if err != nil {
		t.Fatalf("ReadHistory: %v", err)
	}
	he4, _ := tbl.Column("center_he4")
	if he4[0] != 0.98 || he4[1] != 0.5 {
		t.Errorf("center_he4 = %v", he4)
	}
}

func TestReadHistoryTruncatedTail(t *testing.T) {
	// Simulation killed mid-write: the last row stops short.
	body := historyBody + "                                    5                       5.0000000000E-02\n"

	tbl, err := ReadHistory(writeHistory(t, body), Options{})
	if err != nil {
		t.Fatalf("lenient read: %v", err)
	}
	if got := tbl.Rows(); got != 4 {
		t.Errorf("Rows() = %d, want 4 (tail truncated)", got)
	}

	_, err = ReadHistory(writeHistory(t, body), Options{Strict: true})
	var merr *types.MalformedTableError
	if !errors.As(err, &merr) {
		t.Fatalf("strict read: expected MalformedTableError, got %v", err)
	}
}

func TestReadHistoryPartialTokenTail(t *testing.T) {
	body := historyBody + "                                    5                       5.0000000000E-02                       4.50000000                       4.1E\n"
	tbl, err := ReadHistory(writeHistory(t, body), Options{})
	if err != nil {
		t.Fatalf("lenient read: %v", err)
	}
	if got := tbl.Rows(); got != 4 {
		t.Errorf("Rows() = %d, want 4", got)
	}
}

func TestReadHistoryMidFileCorruption(t *testing.T) {
	body := `        1
  version_number
  15140

        1        2
  model_number  center_he4
  1  9.8E-1
  2  what
  3  5.0E-1
`
	_, err := ReadHistory(writeHistory(t, body), Options{})
	var merr *types.MalformedTableError
	if !errors.As(err, &merr) {
		t.Fatalf("expected MalformedTableError, got %v", err)
	}
}

func TestReadHistoryMissingFile(t *testing.T) {
	_, err := ReadHistory(filepath.Join(t.TempDir(), "history.data"), Options{})
	var merr *types.MissingFileError
	if !errors.As(err, &merr) {
		t.Fatalf("expected MissingFileError, got %v", err)
	}
}

func TestReadHistoryRejectsNonTable(t *testing.T) {
	for name, body := range map[string]string{
		"empty":        "",
		"prose":        "this is not a table\nat all\n",
		"header only":  "  1  2\n  a  b\n  1.0  2.0\n",
		"no data rows": "  1\n  version_number\n  1\n\n  1  2\n  model_number  center_he4\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ReadHistory(writeHistory(t, body), Options{})
			var merr *types.MalformedTableError
			if !errors.As(err, &merr) {
				t.Fatalf("expected MalformedTableError, got %v", err)
			}
		})
	}
}

func TestReadProfile(t *testing.T) {
	// Profile files open with a blank line before the header numbers.
	body := `
        1        2
  model_number  Teff
  42  2.8000000000E+04

        1        2        3
  zone  logT  logRho
  1  7.1E0  4.2E0
  2  7.0E0  4.0E0
  3  6.8E0  3.5E0
`
	path := filepath.Join(t.TempDir(), "custom_He0.5.data")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	prof, err := ReadProfile(path, Options{})
	if err != nil {
		t.Fatalf("ReadProfile: %v", err)
	}
	if got := prof.Zones(); got != 3 {
		t.Errorf("Zones() = %d, want 3", got)
	}
	if prof.Header["Teff"] != 2.8e4 {
		t.Errorf("header Teff = %v", prof.Header["Teff"])
	}
	logT := prof.Columns["logT"]
	if logT[0] != 7.1 || logT[2] != 6.8 {
		t.Errorf("logT = %v", logT)
	}
}
