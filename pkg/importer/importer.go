// Package importer applies a transfer package to a destination instance. The
// import runs as a strict state machine: verify the package, anchor a backup,
// load credentials and workflows through the product CLI, then rebuild the
// activation state the sanitized records deliberately lost.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowferry/flowferry/pkg/eventbus"
	"github.com/flowferry/flowferry/pkg/events"
	"github.com/flowferry/flowferry/pkg/models"
	"github.com/flowferry/flowferry/pkg/pack"
	"github.com/flowferry/flowferry/pkg/process"
	"github.com/flowferry/flowferry/pkg/remote"
	"github.com/flowferry/flowferry/pkg/report"
	"github.com/flowferry/flowferry/pkg/server"
	trc "github.com/flowferry/flowferry/pkg/tracer"
)

// LevelCritical marks log records an operator must act on: the destination
// has been mutated and may need a restore from the rollback artifact.
const LevelCritical = slog.Level(12)

// ErrBackupRequired indicates no backup could be taken and the operator did
// not explicitly waive one.
var ErrBackupRequired = errors.New("destination backup failed and was not explicitly skipped")

const defaultWebhookToggleDelay = 2 * time.Second

// Snapshotter anchors a destination backup before anything is mutated.
type Snapshotter interface {
	Backup(ctx context.Context) (*models.BackupArtifact, error)
}

// Options tune one import run.
type Options struct {
	// SkipBackup proceeds without a rollback anchor. It is an explicit
	// operator decision and is never the default.
	SkipBackup bool

	// Reconcile merges into the existing destination instead of clearing it:
	// incoming workflows replace same-name workflows in place, everything
	// else is left alone.
	Reconcile bool

	// DryRun verifies the package and reports what would change without
	// touching the destination.
	DryRun bool

	// WebhookToggleDelay is the pause between deactivating and reactivating
	// webhook-owning workflows.
	WebhookToggleDelay time.Duration
}

// Importer drives the import state machine against one destination.
type Importer struct {
	environment string

	cli         server.CLI
	db          server.DatabaseAccess
	runner      remote.Runner
	snapshotter Snapshotter
	control     process.Control
	serviceID   string
	health      *server.HealthChecker
	healthURL   string
	eventBus    eventbus.EventBus
	tracer      trace.Tracer
	logger      *slog.Logger
}

func New(
	environment string,
	cli server.CLI,
	db server.DatabaseAccess,
	runner remote.Runner,
	snapshotter Snapshotter,
	control process.Control,
	serviceID string,
	health *server.HealthChecker,
	healthURL string,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
) *Importer {
	return &Importer{
		environment: environment,
		cli:         cli,
		db:          db,
		runner:      runner,
		snapshotter: snapshotter,
		control:     control,
		serviceID:   serviceID,
		health:      health,
		healthURL:   healthURL,
		eventBus:    eventBus,
		tracer:      otel.Tracer("flowferry.importer"),
		logger:      logger.With("module", "importer"),
	}
}

// run carries the mutable state of one import.
type run struct {
	id     string
	state  State
	pkg    *pack.Package
	opts   Options
	report *report.RunReport
	logger *slog.Logger

	idByName       map[string]string
	activatedIDs   map[string]bool
	activated      int
	preCredentials int
}

// Run imports the package at packagePath. A report is returned on every path,
// including failure, so the outcome is always recorded.
func (im *Importer) Run(ctx context.Context, packagePath string, opts Options) (*report.RunReport, error) {
	if opts.WebhookToggleDelay <= 0 {
		opts.WebhookToggleDelay = defaultWebhookToggleDelay
	}

	r := &run{
		id:    uuid.New().String(),
		state: StateReceived,
		opts:  opts,
		report: &report.RunReport{
			RunID:       "",
			Kind:        report.KindImport,
			Environment: im.environment,
			StartedAt:   time.Now().UTC(),
			PackagePath: packagePath,
		},
	}
	r.report.RunID = r.id
	r.logger = im.logger.With("run_id", r.id, "package", packagePath)

	ctx, span := trc.StartSpan(ctx, im.tracer, "import.run",
		attribute.String(trc.RunIDKey, r.id),
		attribute.String(trc.PackagePathKey, packagePath),
		attribute.String(trc.EnvironmentKey, im.environment),
	)
	defer span.End()

	r.logger.Info("Starting import", "dry_run", opts.DryRun, "reconcile", opts.Reconcile)

	err := im.execute(ctx, packagePath, r)

	if r.report.BackupPath != "" {
		span.SetAttributes(attribute.String(trc.BackupPathKey, r.report.BackupPath))
	}

	if err != nil {
		trc.SetError(span, err)
	}

	r.report.FinishedAt = time.Now().UTC()
	r.report.Success = err == nil

	if err != nil {
		r.report.Error = err.Error()
		im.publish(ctx, r, events.ImportFailed{
			BaseEvent: im.baseEvent(r, events.ImportFailedEvent),
			State:     string(r.state),
			Error:     err.Error(),
		})

		return r.report, err
	}

	im.publish(ctx, r, events.ImportCompleted{
		BaseEvent:      im.baseEvent(r, events.ImportCompletedEvent),
		PackagePath:    packagePath,
		WorkflowCount:  r.report.Workflows.Actual,
		ActivatedCount: r.activated,
		BackupPath:     r.report.BackupPath,
	})

	return r.report, nil
}

func (im *Importer) execute(ctx context.Context, packagePath string, r *run) error {
	if err := im.verifyPackage(ctx, packagePath, r); err != nil {
		return err
	}

	// Decoded credential cleartext lives only as long as the run.
	defer r.pkg.Scrub()

	if r.opts.DryRun {
		return im.dryRun(ctx, r)
	}

	steps := []struct {
		phase string
		fn    func(context.Context, *run) error
	}{
		{"backup_destination", im.backupDestination},
		{"import_credentials", im.importCredentials},
		{"import_workflows", im.importWorkflows},
		{"map_identifiers", im.mapIdentifiers},
		{"activate", im.activate},
		{"toggle_webhook_owners", im.toggleWebhookOwners},
		{"verify_destination", im.verifyDestination},
	}

	for _, step := range steps {
		stepCtx, span := trc.StartSpan(ctx, im.tracer, "import."+step.phase,
			attribute.String(trc.PhaseKey, step.phase),
			attribute.String(trc.RunIDKey, r.id))

		err := step.fn(stepCtx, r)
		if err != nil {
			trc.SetError(span, err)
		}

		span.End()

		if err == nil {
			continue
		}

		// Failures before the workflow records land abort the run. Once they
		// are in place the failure is downgraded to a warning and the
		// remaining refinement steps are skipped, because aborting would not
		// make the destination any more consistent.
		if FatalAt(r.state) {
			return im.fatal(r, err)
		}

		r.logger.Warn("Import step failed after records were loaded; continuing",
			"state", r.state, "error", err)
		r.report.AddWarning("step after %s failed: %v", r.state, err)

		break
	}

	return nil
}

// verifyPackage opens the archive, which re-checks every checksum, and
// validates the sanitization and metadata invariants.
func (im *Importer) verifyPackage(ctx context.Context, packagePath string, r *run) error {
	ctx, span := trc.StartSpan(ctx, im.tracer, "import.verify_package",
		attribute.String(trc.PhaseKey, "verify_package"),
		attribute.String(trc.RunIDKey, r.id))
	defer span.End()

	pkg, err := pack.Open(packagePath)
	if err != nil {
		err = fmt.Errorf("package verification failed: %w", err)
		trc.SetError(span, err)

		return err
	}

	r.pkg = pkg
	r.report.Workflows.Expected = pkg.Metadata.WorkflowCount
	r.report.Credentials.Expected = pkg.Metadata.SelectedCredentials
	r.report.Activated.Expected = len(pkg.Activation.ActiveNames())

	im.transition(ctx, r, StateChecksumVerified)

	return nil
}

// backupDestination anchors the rollback artifact. Skipping it is allowed
// only as an explicit operator decision, and never quietly.
func (im *Importer) backupDestination(ctx context.Context, r *run) error {
	if r.opts.SkipBackup {
		r.logger.Log(ctx, LevelCritical,
			"Destination backup SKIPPED by operator; there is no rollback anchor for this import")
		r.report.AddWarning("destination backup skipped by operator; no rollback anchor exists")

		im.transition(ctx, r, StateDestinationBackedUp)

		return nil
	}

	artifact, err := im.snapshotter.Backup(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackupRequired, err)
	}

	r.report.BackupPath = artifact.Path

	// The artifact path is the restore point for everything that follows, so
	// it is always surfaced at the level operators alert on.
	r.logger.Log(ctx, LevelCritical, "Destination backed up; rollback artifact anchored",
		"artifact", artifact.Path, "size_bytes", artifact.SizeBytes)

	im.transition(ctx, r, StateDestinationBackedUp)

	return nil
}

// importCredentials ships the selected credentials through the product CLI so
// the destination re-encrypts them under its own key. The cleartext staging
// files are removed on every exit path.
func (im *Importer) importCredentials(ctx context.Context, r *run) error {
	pre, err := im.db.CountCredentials(ctx)
	if err != nil {
		return fmt.Errorf("failed to count destination credentials: %w", err)
	}

	r.preCredentials = pre
	r.report.Credentials.Expected = pre + len(r.pkg.Credentials)

	if err := im.shipRecords(ctx, r, "credentials.json", r.pkg.Credentials, im.cli.ImportCredentials); err != nil {
		return fmt.Errorf("failed to import credentials: %w", err)
	}

	im.transition(ctx, r, StateCredentialsImported)

	return nil
}

// importWorkflows loads the sanitized workflow records. Clean-slate mode
// clears the destination first; reconcile mode only displaces same-name
// workflows, because name is the identity that survives the transfer.
func (im *Importer) importWorkflows(ctx context.Context, r *run) error {
	if r.opts.Reconcile {
		names := make([]string, 0, len(r.pkg.Workflows))
		for _, w := range r.pkg.Workflows {
			names = append(names, w.Name)
		}

		if err := im.db.DeleteWorkflowsByName(ctx, names); err != nil {
			return fmt.Errorf("failed to displace same-name workflows: %w", err)
		}
	} else {
		if err := im.db.DeleteAllWorkflows(ctx); err != nil {
			return fmt.Errorf("failed to clear destination workflows: %w", err)
		}
	}

	if err := im.shipRecords(ctx, r, "workflows.json", r.pkg.Workflows, im.cli.ImportWorkflows); err != nil {
		return fmt.Errorf("failed to import workflows: %w", err)
	}

	im.transition(ctx, r, StateWorkflowsImported)

	return nil
}

// mapIdentifiers reads back the destination's freshly assigned workflow
// identifiers, keyed by name. On a duplicate name the last row wins.
func (im *Importer) mapIdentifiers(ctx context.Context, r *run) error {
	workflows, err := im.db.Workflows(ctx)
	if err != nil {
		return fmt.Errorf("failed to read destination workflows: %w", err)
	}

	r.idByName = make(map[string]string, len(workflows))

	for _, w := range workflows {
		if _, dup := r.idByName[w.Name]; dup {
			r.logger.Warn("Duplicate workflow name on destination; last occurrence wins", "name", w.Name)
			r.report.AddWarning("duplicate workflow name on destination: %s", w.Name)
		}

		r.idByName[w.Name] = w.ID
	}

	im.transition(ctx, r, StateIdentifiersMapped)

	return nil
}

// activate restores the activation flags recorded at export time, joining by
// name. A name with no destination match is skipped with a warning, never an
// abort: the remaining workflows still deserve their activation.
func (im *Importer) activate(ctx context.Context, r *run) error {
	r.activatedIDs = make(map[string]bool)

	for _, name := range r.pkg.Activation.ActiveNames() {
		id, ok := r.idByName[name]
		if !ok {
			r.logger.Warn("Active workflow from source has no destination match; skipping", "name", name)
			r.report.SkippedActivations = append(r.report.SkippedActivations, name)

			continue
		}

		if err := im.db.SetWorkflowActive(ctx, id, true); err != nil {
			r.logger.Warn("Failed to activate workflow", "name", name, "error", err)
			r.report.SkippedActivations = append(r.report.SkippedActivations, name)

			continue
		}

		r.activatedIDs[id] = true
		r.activated++
	}

	r.report.Activated.Actual = r.activated
	r.logger.Info("Activation state restored",
		"activated", r.activated,
		"skipped", len(r.report.SkippedActivations))

	im.transition(ctx, r, StateActivated)

	return nil
}

// toggleWebhookOwners cycles every activated webhook-owning workflow through
// deactivate and reactivate so the server re-registers its webhook routes,
// then restarts the service once. Owners that were inactive at the source are
// left alone; the toggle never widens the activation set.
func (im *Importer) toggleWebhookOwners(ctx context.Context, r *run) error {
	var owners []string

	for _, w := range r.pkg.Workflows {
		if !w.HasWebhookTrigger() {
			continue
		}

		id, ok := r.idByName[w.Name]
		if !ok || !r.activatedIDs[id] {
			continue
		}

		owners = append(owners, id)
	}

	if len(owners) > 0 {
		for _, id := range owners {
			if err := im.db.SetWorkflowActive(ctx, id, false); err != nil {
				return fmt.Errorf("failed to deactivate webhook owner %s: %w", id, err)
			}
		}

		select {
		case <-time.After(r.opts.WebhookToggleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}

		for _, id := range owners {
			if err := im.db.SetWorkflowActive(ctx, id, true); err != nil {
				return fmt.Errorf("failed to reactivate webhook owner %s: %w", id, err)
			}
		}

		r.logger.Info("Webhook owners cycled", "count", len(owners))
	}

	if err := im.control.Restart(ctx, im.serviceID); err != nil {
		return fmt.Errorf("failed to restart destination service: %w", err)
	}

	im.transition(ctx, r, StateWebhooksToggled)

	return nil
}

// verifyDestination waits for the instance to report healthy and checks the
// record counts against the package metadata.
func (im *Importer) verifyDestination(ctx context.Context, r *run) error {
	if im.healthURL != "" {
		if err := im.health.Wait(ctx, im.healthURL); err != nil {
			return err
		}
	}

	workflowCount, err := im.db.CountWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("failed to count destination workflows: %w", err)
	}

	r.report.Workflows.Actual = workflowCount

	credentialCount, err := im.db.CountCredentials(ctx)
	if err != nil {
		return fmt.Errorf("failed to count destination credentials: %w", err)
	}

	r.report.Credentials.Actual = credentialCount

	if !r.opts.Reconcile && workflowCount != r.pkg.Metadata.WorkflowCount {
		r.report.AddWarning("workflow count mismatch: package has %d, destination has %d",
			r.pkg.Metadata.WorkflowCount, workflowCount)
	}

	if r.opts.Reconcile && workflowCount < r.pkg.Metadata.WorkflowCount {
		r.report.AddWarning("destination holds fewer workflows (%d) than the package (%d)",
			workflowCount, r.pkg.Metadata.WorkflowCount)
	}

	if credentialCount < r.preCredentials+len(r.pkg.Credentials) {
		r.report.AddWarning("credential count mismatch: expected at least %d, destination has %d",
			r.preCredentials+len(r.pkg.Credentials), credentialCount)
	}

	im.transition(ctx, r, StateVerified)

	return nil
}

// dryRun reports what the import would do, without mutating anything.
func (im *Importer) dryRun(ctx context.Context, r *run) error {
	existing, err := im.db.CountWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("failed to inspect destination: %w", err)
	}

	webhookOwners := 0

	for _, w := range r.pkg.Workflows {
		if w.HasWebhookTrigger() {
			webhookOwners++
		}
	}

	mode := "clean-slate"
	if r.opts.Reconcile {
		mode = "reconcile"
	}

	r.logger.Info("Dry run: package verified",
		"mode", mode,
		"workflows_incoming", len(r.pkg.Workflows),
		"credentials_incoming", len(r.pkg.Credentials),
		"would_activate", len(r.pkg.Activation.ActiveNames()),
		"webhook_owners", webhookOwners,
		"workflows_on_destination", existing)

	r.report.AddWarning("dry run: no changes were applied")

	return nil
}

func stagingPath(runID, name string) string {
	return fmt.Sprintf("/tmp/flowferry-import-%s-%s", runID, name)
}

// shipRecords stages a record file on the destination host, feeds it to the
// product CLI, and removes both copies regardless of outcome.
func (im *Importer) shipRecords(ctx context.Context, r *run, name string, records any, load func(context.Context, string) error) error {
	workDir, err := os.MkdirTemp("", "flowferry-import-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	defer func() {
		if rerr := os.RemoveAll(workDir); rerr != nil {
			r.logger.Error("Failed to remove import staging directory; it may hold credential cleartext",
				"path", workDir, "error", rerr)
		}
	}()

	localPath := filepath.Join(workDir, name)

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	if err := os.WriteFile(localPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to stage %s: %w", name, err)
	}

	remotePath := stagingPath(r.id, name)

	defer func() {
		if _, _, rerr := im.runner.Run(ctx, fmt.Sprintf("rm -f %q", remotePath)); rerr != nil {
			r.logger.Error("Failed to remove staged file on destination host; it may hold credential cleartext",
				"path", remotePath, "error", rerr)
		}
	}()

	if err := im.runner.CopyTo(ctx, localPath, remotePath); err != nil {
		return fmt.Errorf("failed to copy %s to destination: %w", name, err)
	}

	return load(ctx, remotePath)
}

// fatal wraps an error that left the destination mutated, pointing the
// operator at the rollback artifact.
func (im *Importer) fatal(r *run, err error) error {
	if r.report.BackupPath != "" {
		r.logger.Log(context.Background(), LevelCritical,
			"Import failed after the destination was mutated; restore from the rollback artifact",
			"state", r.state,
			"backup", r.report.BackupPath,
			"error", err)
	}

	return err
}

func (im *Importer) transition(ctx context.Context, r *run, next State) {
	prev := r.state
	r.state = next

	r.logger.Info("Import state changed", "from", prev, "to", next)

	im.publish(ctx, r, events.ImportStateChanged{
		BaseEvent: im.baseEvent(r, events.ImportStateChangedEvent),
		From:      string(prev),
		To:        string(next),
	})
}

func (im *Importer) baseEvent(r *run, eventType events.EventType) events.BaseEvent {
	return events.BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		RunID:       r.id,
		Environment: im.environment,
	}
}

func (im *Importer) publish(ctx context.Context, r *run, event events.Event) {
	if im.eventBus == nil {
		return
	}

	if err := im.eventBus.Publish(ctx, r.id, event); err != nil {
		r.logger.Warn("Failed to publish import event", "type", event.GetType(), "error", err)
	}
}
