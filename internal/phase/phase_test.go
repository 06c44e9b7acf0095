package phase

import (
	"errors"
	"math"
	"testing"

	"sdbgrid/internal/config"
	"sdbgrid/internal/types"
)

// table builds a HistoryTable with one driving column x and a companion
// column y = 10*x for interpolation checks.
func table(x []float64) *types.HistoryTable {
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = 10 * v
	}
	return &types.HistoryTable{
		Names: []string{"x", "y"},
		Columns: map[string][]float64{
			"x": x,
			"y": y,
		},
	}
}

// linearDown is 1.0 down to 0.0 over 10 rows.
func linearDown() []float64 {
	x := make([]float64, 10)
	for i := range x {
		x[i] = 1.0 - float64(i)/9.0
	}
	return x
}

func mustCompile(t *testing.T, pc config.PhaseConfig) Phase {
	t.Helper()
	p, err := Compile(pc)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDetectFirst(t *testing.T) {
	p := mustCompile(t, config.PhaseConfig{Name: "p", Column: "x", Op: "<=", Threshold: 0.5})
	d, err := p.Detect(table(linearDown()))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Found {
		t.Fatal("not found")
	}
	// Row values: 1.0, 0.888..., ..., row 5 = 1-5/9 = 0.444... is the
	// first <= 0.5.
	if d.Row != 5 {
		t.Errorf("Row = %d, want 5", d.Row)
	}
}

func TestDetectLast(t *testing.T) {
	x := []float64{0.9, 0.4, 0.6, 0.3, 0.2}
	p := mustCompile(t, config.PhaseConfig{Name: "p", Column: "x", Op: "<", Threshold: 0.5, Select: "last"})
	d, err := p.Detect(table(x))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Found || d.Row != 4 {
		t.Errorf("detection = %+v, want row 4", d)
	}
}

func TestDetectInterpolateAnalytic(t *testing.T) {
	// x decreases linearly from 1.0 to 0.0 over 10 rows; threshold 0.5 is
	// crossed exactly halfway between rows 4 (0.555...) and 5 (0.444...).
	p := mustCompile(t, config.PhaseConfig{Name: "p", Column: "x", Op: "<=", Threshold: 0.5, Select: "interpolate"})
	tbl := table(linearDown())
	d, err := p.Detect(tbl)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Found || d.Row != 4 {
		t.Fatalf("detection = %+v, want straddle at row 4", d)
	}

	x, err := d.At(tbl, "x")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(x-0.5) > 1e-12 {
		t.Errorf("interpolated x = %v, want 0.5", x)
	}

	// The companion column must be interpolated with the same parameter.
	y, err := d.At(tbl, "y")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(y-5.0) > 1e-12 {
		t.Errorf("interpolated y = %v, want 5.0", y)
	}
}

func TestDetectInterpolateFirstRowAlreadyPast(t *testing.T) {
	x := []float64{0.2, 0.1}
	p := mustCompile(t, config.PhaseConfig{Name: "p", Column: "x", Op: "<=", Threshold: 0.5, Select: "interpolate"})
	d, err := p.Detect(table(x))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Found || d.Row != 0 || d.Frac != 0 {
		t.Errorf("detection = %+v, want exact row 0", d)
	}
}

func TestDetectNotFound(t *testing.T) {
	p := mustCompile(t, config.PhaseConfig{Name: "p", Column: "x", Op: "<", Threshold: -1, Select: "first"})
	d, err := p.Detect(table(linearDown()))
	if err != nil {
		t.Fatal(err)
	}
	if d.Found {
		t.Error("expected NotFound")
	}
	if d.Row != -1 {
		t.Errorf("Row = %d, want -1", d.Row)
	}
}

func TestDetectMissingColumn(t *testing.T) {
	p := mustCompile(t, config.PhaseConfig{Name: "p", Column: "center_he4", Op: "<", Threshold: 0.5})
	_, err := p.Detect(table(linearDown()))
	var merr *types.MissingColumnError
	if !errors.As(err, &merr) {
		t.Fatalf("expected MissingColumnError, got %v", err)
	}
}

func TestDetectDeterministic(t *testing.T) {
	p := mustCompile(t, config.PhaseConfig{Name: "p", Column: "x", Op: "<=", Threshold: 0.5, Select: "interpolate"})
	tbl := table(linearDown())
	first, err := p.Detect(tbl)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := p.Detect(tbl)
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("detection varied: %+v vs %+v", first, again)
		}
	}
}

func TestOperators(t *testing.T) {
	x := []float64{1, 2, 3}
	tests := []struct {
		op      string
		thr     float64
		wantRow int
	}{
		{"<", 2, 0},
		{"<=", 1, 0},
		{">", 2, 2},
		{">=", 3, 2},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			p := mustCompile(t, config.PhaseConfig{Name: "p", Column: "x", Op: tt.op, Threshold: tt.thr})
			d, err := p.Detect(table(x))
			if err != nil {
				t.Fatal(err)
			}
			if !d.Found || d.Row != tt.wantRow {
				t.Errorf("detection = %+v, want row %d", d, tt.wantRow)
			}
		})
	}
}

func TestCompileRejects(t *testing.T) {
	if _, err := Compile(config.PhaseConfig{Name: "p", Column: "x", Op: "!=", Threshold: 1}); err == nil {
		t.Error("bad op accepted")
	}
	if _, err := Compile(config.PhaseConfig{Name: "p", Column: "x", Op: "<", Select: "median"}); err == nil {
		t.Error("bad select accepted")
	}
}

func TestCompileAllPreservesOrder(t *testing.T) {
	phases, err := CompileAll([]config.PhaseConfig{
		{Name: "a", Column: "x", Op: "<", Threshold: 1},
		{Name: "b", Column: "x", Op: ">", Threshold: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if phases[0].Name != "a" || phases[1].Name != "b" {
		t.Errorf("order not preserved: %+v", phases)
	}
	if phases[0].Select != SelectFirst {
		t.Errorf("default select = %s, want first", phases[0].Select)
	}
}
