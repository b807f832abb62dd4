package report

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSaveAndList(t *testing.T) {
	store := NewStore(t.TempDir(), slog.Default())

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, kind := range []RunKind{KindExport, KindImport, KindSnapshot} {
		r := &RunReport{
			RunID:       "run-" + string(kind),
			Kind:        kind,
			Environment: "staging",
			StartedAt:   base,
			FinishedAt:  base.Add(time.Duration(i) * time.Minute),
			Success:     true,
		}

		path, err := store.Save(r)
		require.NoError(t, err)
		assert.FileExists(t, path)
	}

	reports, err := store.List()
	require.NoError(t, err)
	require.Len(t, reports, 3)

	assert.Equal(t, KindSnapshot, reports[0].Kind, "newest report first")
	assert.Equal(t, KindExport, reports[2].Kind)

	latest, err := store.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "run-snapshot", latest.RunID)
}

func TestStoreListEmpty(t *testing.T) {
	store := NewStore(t.TempDir()+"/missing", slog.Default())

	reports, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, reports)

	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestRunReportSummary(t *testing.T) {
	r := &RunReport{
		RunID:       "abc123",
		Kind:        KindImport,
		Environment: "production",
		Success:     false,
		Error:       "health check timed out",
		BackupPath:  "/var/lib/flowferry/backups/production/manual/db.gz",
		Workflows:   Counts{Expected: 3, Actual: 3},
		Credentials: Counts{Expected: 5, Actual: 5},
		Activated:   Counts{Expected: 2, Actual: 1},
	}
	r.SkippedActivations = append(r.SkippedActivations, "nightly-sync")
	r.AddWarning("webhook toggle skipped for %d workflows", 1)

	out := r.Summary()

	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "skipped activations: nightly-sync")
	assert.Contains(t, out, "rollback artifact: /var/lib/flowferry/backups/production/manual/db.gz")
	assert.Contains(t, out, "webhook toggle skipped for 1 workflows")
	assert.Contains(t, out, "health check timed out")
}
