package types

import (
	"errors"
	"testing"
)

func TestRunReferenceID(t *testing.T) {
	tests := []struct {
		name string
		ref  RunReference
		want string
	}{
		{
			name: "Directory",
			ref:  RunReference{Path: "logs_mi1.0_z0.015_lvl0", Kind: RunDirectory},
			want: "logs_mi1.0_z0.015_lvl0",
		},
		{
			name: "Archive strips suffix",
			ref:  RunReference{Path: "grid_mi1.0_z0.015_lvl0.zip", Kind: RunArchive},
			want: "grid_mi1.0_z0.015_lvl0",
		},
		{
			name: "Nested path",
			ref:  RunReference{Path: "batch1/logs_mi1.0_z0.015_lvl0", Kind: RunDirectory},
			want: "batch1/logs_mi1.0_z0.015_lvl0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ref.ID(); got != tt.want {
				t.Errorf("ID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHistoryTableColumns(t *testing.T) {
	tbl := &HistoryTable{
		Names: []string{"model_number", "center_he4"},
		Columns: map[string][]float64{
			"model_number": {1, 2, 3},
			"center_he4":   {0.9, 0.5, 0.1},
		},
	}

	if got := tbl.Rows(); got != 3 {
		t.Fatalf("Rows() = %d, want 3", got)
	}

	if err := tbl.RequireColumns("model_number", "center_he4"); err != nil {
		t.Fatalf("RequireColumns: %v", err)
	}

	err := tbl.RequireColumns("center_he4", "log_Teff")
	var missing *MissingColumnError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingColumnError, got %v", err)
	}
	if missing.Column != "log_Teff" {
		t.Errorf("missing column = %q, want log_Teff", missing.Column)
	}

	if _, err := tbl.Column("center_he4"); err != nil {
		t.Errorf("Column(center_he4): %v", err)
	}
}

func TestEmptyTableRows(t *testing.T) {
	tbl := &HistoryTable{}
	if got := tbl.Rows(); got != 0 {
		t.Errorf("Rows() on empty table = %d, want 0", got)
	}
}
