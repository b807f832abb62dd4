// Package events defines the migration lifecycle notifications published for
// external observers (CI dashboards, audit trails).
package events

import (
	"time"
)

type EventType string

// Topic all migration events are published on.
const Topic = "flowferry.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Export lifecycle.
	ExportStartedEvent   EventType = "export.started"
	ExportCompletedEvent EventType = "export.completed"
	ExportFailedEvent    EventType = "export.failed"

	// Snapshot lifecycle.
	SnapshotCreatedEvent EventType = "snapshot.created"

	// Import lifecycle. One state-changed event per transition of the
	// import state machine, then a terminal completed or failed event.
	ImportStateChangedEvent EventType = "import.state.changed"
	ImportCompletedEvent    EventType = "import.completed"
	ImportFailedEvent       EventType = "import.failed"

	// Key synchronization.
	KeySynchronizedEvent EventType = "key.synchronized"
)

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	RunID       string         `json:"run_id"`
	Environment string         `json:"environment,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Event interface {
	GetType() EventType
}

type ExportStarted struct {
	BaseEvent

	SourceInstance string `json:"source_instance"`
}

func (e ExportStarted) GetType() EventType { return ExportStartedEvent }

type ExportCompleted struct {
	BaseEvent

	PackagePath     string `json:"package_path"`
	WorkflowCount   int    `json:"workflow_count"`
	CredentialCount int    `json:"credential_count"`
}

func (e ExportCompleted) GetType() EventType { return ExportCompletedEvent }

type ExportFailed struct {
	BaseEvent

	Error string `json:"error"`
}

func (e ExportFailed) GetType() EventType { return ExportFailedEvent }

type SnapshotCreated struct {
	BaseEvent

	ArtifactPath string `json:"artifact_path"`
	Kind         string `json:"kind"`
	Bucket       string `json:"bucket"`
	SizeBytes    int64  `json:"size_bytes"`
}

func (e SnapshotCreated) GetType() EventType { return SnapshotCreatedEvent }

type ImportStateChanged struct {
	BaseEvent

	From string `json:"from"`
	To   string `json:"to"`
}

func (e ImportStateChanged) GetType() EventType { return ImportStateChangedEvent }

type ImportCompleted struct {
	BaseEvent

	PackagePath    string `json:"package_path"`
	WorkflowCount  int    `json:"workflow_count"`
	ActivatedCount int    `json:"activated_count"`
	BackupPath     string `json:"backup_path"`
}

func (e ImportCompleted) GetType() EventType { return ImportCompletedEvent }

type ImportFailed struct {
	BaseEvent

	State string `json:"state"`
	Error string `json:"error"`
}

func (e ImportFailed) GetType() EventType { return ImportFailedEvent }

type KeySynchronized struct {
	BaseEvent

	TargetsUpdated []string `json:"targets_updated"`
	TargetsMissing []string `json:"targets_missing,omitempty"`
}

func (e KeySynchronized) GetType() EventType { return KeySynchronizedEvent }
