package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sdbgrid/internal/types"
)

func openStore(t *testing.T) *GridStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "grid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord() types.ResultRecord {
	return types.ResultRecord{
		RunID:       "grid1/logs_mi1.0_z0.015",
		Fingerprint: "1024:1700000000000000000",
		Status:      types.StatusSuccess,
		Params: types.RunParams{
			InitialMass: 1.0,
			Metallicity: 0.015,
			Level:       2,
		},
		Phases: map[string]types.PhaseResult{
			"zaehb": {
				Found: true,
				Values: map[string]float64{
					"log_Teff": 4.45,
					"log_g":    5.71,
				},
			},
			"taehb": {Found: false, Row: -1},
		},
	}
}

func TestUpsertLoadRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	rec := sampleRecord()

	require.NoError(t, s.UpsertResult(ctx, rec))

	got, err := s.LoadResult(ctx, rec.RunID)
	require.NoError(t, err)

	require.Equal(t, rec.Fingerprint, got.Fingerprint)
	require.Equal(t, types.StatusSuccess, got.Status)
	require.Equal(t, rec.Params, got.Params)

	// Stored floats must come back bit-exact.
	require.Equal(t, 4.45, got.Phases["zaehb"].Values["log_Teff"])
	require.Equal(t, 5.71, got.Phases["zaehb"].Values["log_g"])
	require.True(t, got.Phases["zaehb"].Found)

	require.False(t, got.Phases["taehb"].Found)
	require.Empty(t, got.Phases["taehb"].Values)
}

func TestUpsertOverwrites(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	rec := sampleRecord()
	require.NoError(t, s.UpsertResult(ctx, rec))

	// Re-evaluation under a new quantity set replaces every phase row.
	rec.Fingerprint = "2048:1700000001000000000"
	rec.Phases = map[string]types.PhaseResult{
		"zaehb": {Found: true, Values: map[string]float64{"star_age": 1.2e8}},
	}
	require.NoError(t, s.UpsertResult(ctx, rec))

	got, err := s.LoadResult(ctx, rec.RunID)
	require.NoError(t, err)
	require.Equal(t, "2048:1700000001000000000", got.Fingerprint)
	require.Len(t, got.Phases, 1)
	require.Equal(t, 1.2e8, got.Phases["zaehb"].Values["star_age"])
	require.NotContains(t, got.Phases["zaehb"].Values, "log_Teff")
}

func TestUpsertFailedRun(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	rec := types.ResultRecord{
		RunID:       "grid1/logs_broken",
		Fingerprint: "99:1",
		Status:      types.StatusFailed,
		FailReason:  "required output file missing: history.data",
	}
	require.NoError(t, s.UpsertResult(ctx, rec))

	got, err := s.LoadResult(ctx, rec.RunID)
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, got.Status)
	require.Equal(t, rec.FailReason, got.FailReason)
	require.Empty(t, got.Phases)
}

func TestFingerprints(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertResult(ctx, sampleRecord()))
	other := sampleRecord()
	other.RunID = "grid1/logs_mi1.5_z0.02"
	other.Fingerprint = "512:42"
	require.NoError(t, s.UpsertResult(ctx, other))

	fps, err := s.Fingerprints(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"grid1/logs_mi1.0_z0.015": "1024:1700000000000000000",
		"grid1/logs_mi1.5_z0.02":  "512:42",
	}, fps)
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "grid.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.UpsertResult(ctx, sampleRecord()))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	ids, err := s.RunIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"grid1/logs_mi1.0_z0.015"}, ids)
}
