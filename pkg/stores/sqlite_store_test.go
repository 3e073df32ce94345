package stores

import (
	"bytes"
	"context"
	"encoding/csv"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcutils/pcutils/pkg/engine"
	"github.com/pcutils/pcutils/pkg/executor"
)

// setupTestStore creates a migrated store in a temporary directory.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path:    filepath.Join(t.TempDir(), "reports", "pcutils.db"),
		Machine: "poste-01",
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRun(id string, started time.Time) *engine.RunResult {
	finished := started.Add(3 * time.Second)
	return &engine.RunResult{
		ID:       id,
		Sequence: "Install poste",
		Status:   engine.RunStatusFailed,
		Success:  false,
		Summary:  engine.RunSummary{Total: 3, Succeeded: 1, Failed: 1, Skipped: 1},
		Instances: []*engine.InstanceState{
			{
				Plugin:     "add_printer",
				InstanceID: 1,
				Status:     engine.InstanceSuccess,
				Message:    "Imprimante ajoutée",
				Output:     "line one\nline two",
				StartedAt:  started,
				FinishedAt: started.Add(time.Second),
				Duration:   time.Second,
			},
			{
				Plugin:     "update_hosts",
				InstanceID: 2,
				Remote:     true,
				Status:     engine.InstanceError,
				Error:      engine.NewRemoteError("some hosts failed", nil),
				StartedAt:  started.Add(time.Second),
				FinishedAt: finished,
				Duration:   2 * time.Second,
				Hosts: []executor.HostResult{
					{Host: "10.0.0.1", Success: true, Message: "ok", Duration: time.Second},
					{Host: "10.0.0.2", Success: false, Message: "exit 1", Output: "boom"},
					{Host: "10.0.0.3", Unreachable: true, Message: "injoignable"},
				},
			},
			{
				Plugin:     "reboot",
				InstanceID: 1,
				Status:     engine.InstanceSkipped,
			},
		},
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   3 * time.Second,
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	// Migrations are idempotent.
	require.NoError(t, store.Migrate(ctx))
	assert.NoError(t, store.HealthCheck(ctx))
	assert.NotEmpty(t, store.Machine())
	assert.NoError(t, store.Close())
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	_, err := NewSQLiteStore(Config{})
	assert.Error(t, err)
}

func TestSaveAndGetRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveRun(ctx, sampleRun("run-1", started)))

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "Install poste", run.Sequence)
	assert.Equal(t, "poste-01", run.Machine)
	assert.Equal(t, engine.RunStatusFailed, run.Status)
	assert.False(t, run.Success)
	assert.Equal(t, engine.RunSummary{Total: 3, Succeeded: 1, Failed: 1, Skipped: 1}, run.Summary)
	assert.True(t, started.Equal(run.StartedAt))
	assert.Equal(t, 3*time.Second, run.Duration)

	results, err := store.ListResults(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.Equal(t, "add_printer", results[0].Plugin)
	assert.Empty(t, results[0].TargetIP)
	assert.True(t, results[0].Succeeded())

	var hosts []string
	var statuses []string
	for _, r := range results[1:4] {
		assert.Equal(t, "update_hosts", r.Plugin)
		hosts = append(hosts, r.TargetIP)
		statuses = append(statuses, r.Status)
	}
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, hosts)
	assert.Equal(t, []string{"success", "error", HostUnreachable}, statuses)
	assert.Empty(t, results[1].ErrorClass)
	assert.Equal(t, string(engine.ErrorClassRemote), results[2].ErrorClass)

	assert.Equal(t, "skipped", results[4].Status)
	assert.True(t, results[4].StartedAt.IsZero())
}

func TestGetRunNotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRunsOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.SaveRun(ctx, sampleRun(id, base.Add(time.Duration(i)*time.Hour))))
	}

	runs, err := store.ListRuns(ctx, 0, 0)
	require.NoError(t, err)
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)

	page, err := store.ListRuns(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)
}

func TestSaveRunDuplicateRollsBack(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Now()

	require.NoError(t, store.SaveRun(ctx, sampleRun("dup", started)))
	assert.Error(t, store.SaveRun(ctx, sampleRun("dup", started)))

	results, err := store.ListResults(ctx, "dup")
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestDeleteRunCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRun(ctx, sampleRun("gone", time.Now())))
	require.NoError(t, store.DeleteRun(ctx, "gone"))

	results, err := store.ListResults(ctx, "gone")
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.ErrorIs(t, store.DeleteRun(ctx, "gone"), ErrNotFound)
}

func TestExportCSV(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveRun(ctx, sampleRun("csv", started)))

	var buf bytes.Buffer
	require.NoError(t, store.ExportCSV(ctx, "csv", &buf))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 6)
	assert.Equal(t, CSVHeader, records[0])

	first := records[1]
	assert.Equal(t, started.Add(time.Second).Local().Format("2006-01-02 15:04:05"), first[0])
	assert.Equal(t, []string{"poste-01", "Install poste", "add_printer", "1", "Succès", "line one line two"}, first[1:])

	assert.Equal(t, []string{"10.0.0.2", "Install poste", "update_hosts", "2", "Erreur", "boom"}, records[3][1:])
	assert.Equal(t, "injoignable", records[4][6])
	assert.Equal(t, "Erreur", records[5][5])
}

func TestCSVRecordDirectRun(t *testing.T) {
	run := &Run{Machine: "poste-02", FinishedAt: time.Now()}
	rec := CSVRecord(run, &InstanceResult{Plugin: "p", InstanceID: 3, Status: "success", Message: "fini"})
	assert.Equal(t, []string{"poste-02", DirectRun, "p", "3", "Succès", "fini"}, rec[1:])
}
