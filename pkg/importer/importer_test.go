package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowferry/flowferry/pkg/models"
	"github.com/flowferry/flowferry/pkg/pack"
	"github.com/flowferry/flowferry/pkg/remote"
	"github.com/flowferry/flowferry/pkg/report"
	"github.com/flowferry/flowferry/pkg/server"
)

// fakeDB is an in-memory stand-in for the destination database.
type fakeDB struct {
	mu          sync.Mutex
	seq         int
	workflows   []*models.WorkflowRecord
	credentials int

	failList bool
	actions  []string
}

func (f *fakeDB) Workflows(context.Context) ([]*models.WorkflowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failList {
		return nil, fmt.Errorf("simulated read failure")
	}

	out := make([]*models.WorkflowRecord, len(f.workflows))
	copy(out, f.workflows)

	return out, nil
}

func (f *fakeDB) SetWorkflowActive(_ context.Context, id string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, w := range f.workflows {
		if w.ID == id {
			w.Active = active
			f.actions = append(f.actions, fmt.Sprintf("set:%s:%t", id, active))

			return nil
		}
	}

	return fmt.Errorf("workflow %s not found", id)
}

func (f *fakeDB) DeleteAllWorkflows(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.workflows = nil
	f.actions = append(f.actions, "delete-all")

	return nil
}

func (f *fakeDB) DeleteWorkflowsByName(_ context.Context, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	byName := map[string]bool{}
	for _, n := range names {
		byName[n] = true
	}

	var kept []*models.WorkflowRecord

	for _, w := range f.workflows {
		if !byName[w.Name] {
			kept = append(kept, w)
		}
	}

	f.workflows = kept

	return nil
}

func (f *fakeDB) CountWorkflows(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.workflows), nil
}

func (f *fakeDB) CountCredentials(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.credentials, nil
}

func (f *fakeDB) Close() error { return nil }

func (f *fakeDB) insert(name string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	f.workflows = append(f.workflows, &models.WorkflowRecord{
		ID:     fmt.Sprintf("dest-%d", f.seq),
		Name:   name,
		Active: active,
	})
}

// fakeCLI plays the product import commands against the fake database,
// assigning fresh identifiers the way the real product does.
type fakeCLI struct {
	db *fakeDB

	failWorkflows bool
}

func (f *fakeCLI) ExportWorkflows(context.Context, string) error   { return nil }
func (f *fakeCLI) ExportCredentials(context.Context, string) error { return nil }

func (f *fakeCLI) ImportWorkflows(_ context.Context, inputPath string) error {
	if f.failWorkflows {
		return fmt.Errorf("simulated import failure")
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}

	var records []*models.WorkflowRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}

	for _, w := range records {
		f.db.insert(w.Name, false)
	}

	return nil
}

func (f *fakeCLI) ImportCredentials(_ context.Context, inputPath string) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}

	var records []*models.CredentialRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}

	f.db.mu.Lock()
	f.db.credentials += len(records)
	f.db.mu.Unlock()

	return nil
}

type fakeSnapshotter struct {
	fail  bool
	taken int
}

func (f *fakeSnapshotter) Backup(context.Context) (*models.BackupArtifact, error) {
	if f.fail {
		return nil, fmt.Errorf("simulated backup failure")
	}

	f.taken++

	return &models.BackupArtifact{Path: "/backups/anchor.gz", SizeBytes: 1024}, nil
}

type fakeControl struct {
	restarted int
}

func (f *fakeControl) Stop(context.Context, string) error  { return nil }
func (f *fakeControl) Start(context.Context, string) error { return nil }

func (f *fakeControl) Restart(context.Context, string) error {
	f.restarted++

	return nil
}

func (f *fakeControl) IsRunning(context.Context, string) (bool, error) { return true, nil }

func buildPackage(t *testing.T) string {
	t.Helper()

	raw := []*models.WorkflowRecord{
		{Name: "billing-hook", Nodes: []*models.WorkflowNode{
			{Name: "Webhook", Type: "webhookTrigger", WebhookID: "hook-1"},
		}},
		{Name: "paused-hook", Nodes: []*models.WorkflowNode{
			{Name: "Webhook", Type: "webhookTrigger", WebhookID: "hook-2"},
		}},
		{Name: "nightly-sync"},
		{Name: "archived-report"},
	}

	workflows := make([]*models.WorkflowRecord, len(raw))
	for i, w := range raw {
		workflows[i] = w.Sanitize()
	}

	activation := models.ActivationMap{
		{Name: "billing-hook", Active: true, SourceID: "src-1"},
		{Name: "ghost-workflow", Active: true, SourceID: "src-9"},
		{Name: "nightly-sync", Active: true, SourceID: "src-2"},
		{Name: "paused-hook", Active: false, SourceID: "src-3"},
	}

	contents := pack.Contents{
		Workflows: workflows,
		Credentials: []*models.CredentialRecord{
			{Name: "prod-db", Type: "postgres", Data: map[string]any{"password": "x"}},
			{Name: "prod-s3", Type: "aws", Data: map[string]any{"secret": "y"}},
		},
		Activation: activation,
		Metadata: models.ExportMetadata{
			SourceInstance:      "staging",
			ToolVersion:         "test",
			ExportedAt:          time.Now().UTC(),
			WorkflowCount:       4,
			ActiveWorkflowCount: 3,
			CredentialCount:     4,
			SelectedCredentials: 2,
		},
	}

	path := filepath.Join(t.TempDir(), "transfer.tar.gz")
	require.NoError(t, pack.Write(path, contents))

	return path
}

type testRig struct {
	importer    *Importer
	db          *fakeDB
	cli         *fakeCLI
	snapshotter *fakeSnapshotter
	control     *fakeControl
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	db := &fakeDB{}
	cli := &fakeCLI{db: db}
	snapshotter := &fakeSnapshotter{}
	control := &fakeControl{}

	im := New(
		"production",
		cli,
		db,
		remote.NewLocal(),
		snapshotter,
		control,
		"n8n",
		server.NewHealthChecker(slog.Default()),
		"",
		nil,
		slog.Default(),
	)

	return &testRig{importer: im, db: db, cli: cli, snapshotter: snapshotter, control: control}
}

func fastOpts() Options {
	return Options{WebhookToggleDelay: time.Millisecond}
}

func TestRunCleanSlate(t *testing.T) {
	rig := newTestRig(t)
	rig.db.insert("stale-workflow", true)
	rig.db.credentials = 1

	pkgPath := buildPackage(t)

	rep, err := rig.importer.Run(context.Background(), pkgPath, fastOpts())
	require.NoError(t, err)
	require.NotNil(t, rep)

	assert.True(t, rep.Success)
	assert.Equal(t, "/backups/anchor.gz", rep.BackupPath)
	assert.Equal(t, 1, rig.snapshotter.taken)

	// Clean slate: the stale workflow is gone, the package's four are in.
	workflows, err := rig.db.Workflows(context.Background())
	require.NoError(t, err)
	require.Len(t, workflows, 4)

	byName := map[string]*models.WorkflowRecord{}
	for _, w := range workflows {
		byName[w.Name] = w
	}

	assert.NotContains(t, byName, "stale-workflow")

	// Activation joined by name onto fresh identifiers.
	assert.True(t, byName["billing-hook"].Active)
	assert.True(t, byName["nightly-sync"].Active)
	assert.False(t, byName["archived-report"].Active)
	assert.False(t, byName["paused-hook"].Active, "source-inactive webhook owner stays inactive")

	// The source-active workflow with no destination match is skipped, not fatal.
	assert.Equal(t, []string{"ghost-workflow"}, rep.SkippedActivations)
	assert.Equal(t, 2, rep.Activated.Actual)

	// Credentials went through the product CLI on top of the existing one.
	assert.Equal(t, 3, rep.Credentials.Actual)

	assert.Equal(t, 4, rep.Workflows.Actual)
	assert.Equal(t, 1, rig.control.restarted, "one final restart after webhook toggling")
}

func TestRunWebhookToggleSkipsInactiveOwners(t *testing.T) {
	rig := newTestRig(t)

	rep, err := rig.importer.Run(context.Background(), buildPackage(t), fastOpts())
	require.NoError(t, err)
	assert.True(t, rep.Success)

	workflows, err := rig.db.Workflows(context.Background())
	require.NoError(t, err)

	var pausedID string

	for _, w := range workflows {
		if w.Name == "paused-hook" {
			pausedID = w.ID

			assert.False(t, w.Active, "source-inactive webhook owner must stay inactive")
		}
	}

	require.NotEmpty(t, pausedID)

	// The toggle pass only cycles owners the activation pass turned on.
	for _, action := range rig.db.actions {
		assert.NotContains(t, action, "set:"+pausedID+":",
			"toggle pass must not touch an inactive owner")
	}
}

func TestRunChecksumMismatchAborts(t *testing.T) {
	rig := newTestRig(t)
	rig.db.insert("untouched", true)

	pkgPath := buildPackage(t)

	// Flip one byte in the archive.
	data, err := os.ReadFile(pkgPath)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(pkgPath, data, 0o600))

	rep, err := rig.importer.Run(context.Background(), pkgPath, fastOpts())
	require.Error(t, err)
	assert.False(t, rep.Success)

	// Destination untouched.
	n, err := rig.db.CountWorkflows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, rig.snapshotter.taken)
}

func TestRunBackupFailureAborts(t *testing.T) {
	rig := newTestRig(t)
	rig.snapshotter.fail = true
	rig.db.insert("untouched", false)

	rep, err := rig.importer.Run(context.Background(), buildPackage(t), fastOpts())
	require.ErrorIs(t, err, ErrBackupRequired)
	assert.False(t, rep.Success)

	n, err := rig.db.CountWorkflows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunSkipBackupIsExplicitAndLoud(t *testing.T) {
	rig := newTestRig(t)
	rig.snapshotter.fail = true // would abort if consulted

	opts := fastOpts()
	opts.SkipBackup = true

	rep, err := rig.importer.Run(context.Background(), buildPackage(t), opts)
	require.NoError(t, err)

	assert.Empty(t, rep.BackupPath)
	require.NotEmpty(t, rep.Warnings)
	assert.Contains(t, rep.Warnings[0], "backup skipped")
}

func TestRunReconcileKeepsUnrelatedWorkflows(t *testing.T) {
	rig := newTestRig(t)
	rig.db.insert("keep-me", true)
	rig.db.insert("billing-hook", false)

	opts := fastOpts()
	opts.Reconcile = true

	rep, err := rig.importer.Run(context.Background(), buildPackage(t), opts)
	require.NoError(t, err)
	assert.True(t, rep.Success)

	workflows, err := rig.db.Workflows(context.Background())
	require.NoError(t, err)
	require.Len(t, workflows, 5, "keep-me plus the four imported")

	byName := map[string]*models.WorkflowRecord{}
	for _, w := range workflows {
		byName[w.Name] = w
	}

	assert.True(t, byName["keep-me"].Active, "unrelated workflow untouched")
	assert.Equal(t, "dest-1", byName["keep-me"].ID)
	assert.NotEqual(t, "dest-2", byName["billing-hook"].ID, "same-name workflow replaced")
}

func TestRunFailureAfterWorkflowsImportedDegrades(t *testing.T) {
	rig := newTestRig(t)
	rig.db.failList = true

	rep, err := rig.importer.Run(context.Background(), buildPackage(t), fastOpts())
	require.NoError(t, err, "post-import failures are warnings")

	assert.True(t, rep.Success)
	require.NotEmpty(t, rep.Warnings)
	assert.Contains(t, rep.Warnings[0], "workflows_imported")
}

func TestRunWorkflowImportFailureIsFatal(t *testing.T) {
	rig := newTestRig(t)
	rig.cli.failWorkflows = true

	rep, err := rig.importer.Run(context.Background(), buildPackage(t), fastOpts())
	require.Error(t, err)
	assert.False(t, rep.Success)
	assert.Equal(t, "/backups/anchor.gz", rep.BackupPath, "rollback anchor is in the report")
}

func TestRunDryRun(t *testing.T) {
	rig := newTestRig(t)
	rig.db.insert("existing", true)

	opts := fastOpts()
	opts.DryRun = true

	rep, err := rig.importer.Run(context.Background(), buildPackage(t), opts)
	require.NoError(t, err)

	assert.Zero(t, rig.snapshotter.taken)
	assert.Zero(t, rig.control.restarted)

	workflows, err := rig.db.Workflows(context.Background())
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	assert.Equal(t, "existing", workflows[0].Name)

	require.NotEmpty(t, rep.Warnings)
	assert.Contains(t, rep.Warnings[0], "dry run")
}

func TestRunIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	pkgPath := buildPackage(t)

	first, err := rig.importer.Run(context.Background(), pkgPath, fastOpts())
	require.NoError(t, err)

	second, err := rig.importer.Run(context.Background(), pkgPath, fastOpts())
	require.NoError(t, err)

	assert.Equal(t, first.Workflows.Actual, second.Workflows.Actual)
	assert.Equal(t, first.Activated.Actual, second.Activated.Actual)
	assert.Equal(t, first.SkippedActivations, second.SkippedActivations)
}

func TestFatalBoundary(t *testing.T) {
	assert.True(t, FatalAt(StateReceived))
	assert.True(t, FatalAt(StateChecksumVerified))
	assert.True(t, FatalAt(StateDestinationBackedUp))
	assert.True(t, FatalAt(StateCredentialsImported))

	assert.False(t, FatalAt(StateWorkflowsImported))
	assert.False(t, FatalAt(StateActivated))
	assert.False(t, FatalAt(StateVerified))
}

func TestRunReportKind(t *testing.T) {
	rig := newTestRig(t)

	rep, err := rig.importer.Run(context.Background(), buildPackage(t), fastOpts())
	require.NoError(t, err)
	assert.Equal(t, report.KindImport, rep.Kind)
	assert.False(t, rep.FinishedAt.Before(rep.StartedAt))
}
