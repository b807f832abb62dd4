// Package export assembles transfer packages from a source instance: it pulls
// the workflow and credential records through the product CLI, captures
// activation state before sanitizing, filters credentials against the
// allowlist, and writes the checksummed archive.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowferry/flowferry/pkg/allowlist"
	"github.com/flowferry/flowferry/pkg/eventbus"
	"github.com/flowferry/flowferry/pkg/events"
	"github.com/flowferry/flowferry/pkg/models"
	"github.com/flowferry/flowferry/pkg/pack"
	"github.com/flowferry/flowferry/pkg/remote"
	"github.com/flowferry/flowferry/pkg/server"
	trc "github.com/flowferry/flowferry/pkg/tracer"
)

// Assembler builds one transfer package per Run call.
type Assembler struct {
	instance    string
	toolVersion string

	cli       server.CLI
	runner    remote.Runner
	allowlist *allowlist.Allowlist
	eventBus  eventbus.EventBus
	tracer    trace.Tracer
	logger    *slog.Logger
}

// Result summarizes a completed export.
type Result struct {
	RunID       string
	PackagePath string
	Metadata    models.ExportMetadata
}

func NewAssembler(
	instance, toolVersion string,
	cli server.CLI,
	runner remote.Runner,
	list *allowlist.Allowlist,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
) *Assembler {
	return &Assembler{
		instance:    instance,
		toolVersion: toolVersion,
		cli:         cli,
		runner:      runner,
		allowlist:   list,
		eventBus:    eventBus,
		tracer:      otel.Tracer("flowferry.export"),
		logger:      logger.With("module", "export"),
	}
}

// Run exports the source instance into a transfer package at outputPath.
//
// Credential cleartext exists only inside a private working directory for the
// duration of the call; the directory is removed on every exit path, success
// or failure, before Run returns.
func (a *Assembler) Run(ctx context.Context, outputPath string) (*Result, error) {
	runID := uuid.New().String()
	logger := a.logger.With("run_id", runID)

	ctx, span := trc.StartSpan(ctx, a.tracer, "export.run",
		attribute.String(trc.RunIDKey, runID),
		attribute.String(trc.PackagePathKey, outputPath),
		attribute.String(trc.EnvironmentKey, a.instance),
	)
	defer span.End()

	logger.Info("Starting export", "instance", a.instance, "output", outputPath)
	a.publish(ctx, runID, events.ExportStarted{
		BaseEvent:      a.baseEvent(runID, events.ExportStartedEvent),
		SourceInstance: a.instance,
	})

	workDir, err := os.MkdirTemp("", "flowferry-export-*")
	if err != nil {
		return nil, a.fail(ctx, runID, fmt.Errorf("failed to create working directory: %w", err))
	}

	defer func() {
		if rerr := os.RemoveAll(workDir); rerr != nil {
			logger.Error("Failed to remove export working directory; it may hold credential cleartext",
				"path", workDir, "error", rerr)
		}
	}()

	workflows, activation, err := a.exportWorkflows(ctx, workDir)
	if err != nil {
		return nil, a.fail(ctx, runID, err)
	}

	credentials, totalCredentials, err := a.exportCredentials(ctx, workDir)
	if err != nil {
		return nil, a.fail(ctx, runID, err)
	}

	metadata := models.ExportMetadata{
		SourceInstance:        a.instance,
		ToolVersion:           a.toolVersion,
		ExportedAt:            time.Now().UTC(),
		WorkflowCount:         len(workflows),
		ActiveWorkflowCount:   len(activation.ActiveNames()),
		CredentialCount:       totalCredentials,
		SelectedCredentials:   len(credentials),
		AllowlistUnrestricted: a.allowlist.Unrestricted(),
	}

	contents := pack.Contents{
		Workflows:   workflows,
		Credentials: credentials,
		Activation:  activation,
		Metadata:    metadata,
	}

	if err := pack.Write(outputPath, contents); err != nil {
		return nil, a.fail(ctx, runID, fmt.Errorf("failed to write transfer package: %w", err))
	}

	logger.Info("Export complete",
		"package", outputPath,
		"workflows", metadata.WorkflowCount,
		"active_workflows", metadata.ActiveWorkflowCount,
		"credentials_selected", metadata.SelectedCredentials,
		"credentials_total", metadata.CredentialCount)

	a.publish(ctx, runID, events.ExportCompleted{
		BaseEvent:       a.baseEvent(runID, events.ExportCompletedEvent),
		PackagePath:     outputPath,
		WorkflowCount:   metadata.WorkflowCount,
		CredentialCount: metadata.SelectedCredentials,
	})

	return &Result{
		RunID:       runID,
		PackagePath: outputPath,
		Metadata:    metadata,
	}, nil
}

// exportWorkflows pulls all workflow records and returns them sanitized, in
// name order, together with the activation map captured from the raw records.
func (a *Assembler) exportWorkflows(ctx context.Context, workDir string) ([]*models.WorkflowRecord, models.ActivationMap, error) {
	ctx, span := trc.StartSpan(ctx, a.tracer, "export.workflows",
		attribute.String(trc.PhaseKey, "workflows"))
	defer span.End()

	localPath := filepath.Join(workDir, "workflows_raw.json")

	if err := a.fetchRecords(ctx, localPath, a.cli.ExportWorkflows); err != nil {
		return nil, nil, fmt.Errorf("failed to export workflows: %w", err)
	}

	var raw []*models.WorkflowRecord
	if err := decodeFile(localPath, &raw); err != nil {
		return nil, nil, fmt.Errorf("failed to parse exported workflows: %w", err)
	}

	// Activation must be captured before sanitization clears the flags.
	activation := models.NewActivationMap(raw)

	sanitized := make([]*models.WorkflowRecord, 0, len(raw))
	for _, w := range raw {
		sanitized = append(sanitized, w.Sanitize())
	}

	sort.SliceStable(sanitized, func(i, j int) bool {
		return sanitized[i].Name < sanitized[j].Name
	})

	return sanitized, activation, nil
}

// exportCredentials pulls all credentials in cleartext and immediately
// reduces them to the allowlisted subset. The full set never leaves the
// working directory.
func (a *Assembler) exportCredentials(ctx context.Context, workDir string) ([]*models.CredentialRecord, int, error) {
	ctx, span := trc.StartSpan(ctx, a.tracer, "export.credentials",
		attribute.String(trc.PhaseKey, "credentials"))
	defer span.End()

	localPath := filepath.Join(workDir, "credentials_raw.json")

	if err := a.fetchRecords(ctx, localPath, a.cli.ExportCredentials); err != nil {
		return nil, 0, fmt.Errorf("failed to export credentials: %w", err)
	}

	var raw []*models.CredentialRecord
	if err := decodeFile(localPath, &raw); err != nil {
		return nil, 0, fmt.Errorf("failed to parse exported credentials: %w", err)
	}

	selected := a.allowlist.Filter(raw)

	a.logger.Info("Applied credential allowlist",
		"total", len(raw),
		"selected", len(selected),
		"unrestricted", a.allowlist.Unrestricted())

	return selected, len(raw), nil
}

// fetchRecords runs one product export command against the source host and
// lands its output at localPath. The host-side copy is removed whether or not
// the transfer succeeds.
func (a *Assembler) fetchRecords(ctx context.Context, localPath string, export func(context.Context, string) error) error {
	remotePath := fmt.Sprintf("/tmp/flowferry-%s-%s", uuid.New().String(), filepath.Base(localPath))

	defer func() {
		if _, _, err := a.runner.Run(ctx, fmt.Sprintf("rm -f %q", remotePath)); err != nil {
			a.logger.Error("Failed to remove export file on source host; it may hold credential cleartext",
				"path", remotePath, "error", err)
		}
	}()

	if err := export(ctx, remotePath); err != nil {
		return err
	}

	if err := a.runner.CopyFrom(ctx, remotePath, localPath); err != nil {
		return fmt.Errorf("failed to retrieve %s: %w", remotePath, err)
	}

	return nil
}

func (a *Assembler) baseEvent(runID string, eventType events.EventType) events.BaseEvent {
	return events.BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		RunID:       runID,
		Environment: a.instance,
	}
}

func (a *Assembler) publish(ctx context.Context, runID string, event events.Event) {
	if a.eventBus == nil {
		return
	}

	if err := a.eventBus.Publish(ctx, runID, event); err != nil {
		a.logger.Warn("Failed to publish export event", "type", event.GetType(), "error", err)
	}
}

func (a *Assembler) fail(ctx context.Context, runID string, err error) error {
	trc.SetError(trace.SpanFromContext(ctx), err)
	a.logger.Error("Export failed", "run_id", runID, "error", err)

	a.publish(ctx, runID, events.ExportFailed{
		BaseEvent: a.baseEvent(runID, events.ExportFailedEvent),
		Error:     err.Error(),
	})

	return err
}

func decodeFile(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, target)
}
