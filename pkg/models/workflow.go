// Package models defines the core domain models moved by the migration engine.
package models

import "strings"

// WorkflowRecord is one automation definition as read from an instance.
//
// Name is the stable join key across re-import: the destination assigns a fresh
// ID to every imported workflow, so anything that must survive the transfer
// (activation state, webhook ownership) is tracked by Name, never by ID.
type WorkflowRecord struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name"        validate:"required"`
	Active      bool            `json:"active"`
	Nodes       []*WorkflowNode `json:"nodes"`
	Connections map[string]any  `json:"connections"`
	Settings    map[string]any  `json:"settings,omitempty"`
	ProjectRef  string          `json:"project_ref,omitempty"`
}

// WorkflowNode is a single node inside a workflow definition. The engine never
// executes nodes; it only inspects them for webhook triggers.
type WorkflowNode struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Position   []float64      `json:"position,omitempty"`
	WebhookID  string         `json:"webhook_id,omitempty"`
	Disabled   bool           `json:"disabled,omitempty"`
}

// Sanitize returns a copy of the record prepared for transfer: the unstable
// identifier is dropped and the activation flag is cleared. Nil node and
// connection sets are normalized to empty so the record always marshals to
// the list and object shapes the package schema demands. The original
// activation state must be captured in an ActivationMap before calling this.
func (w *WorkflowRecord) Sanitize() *WorkflowRecord {
	out := *w
	out.ID = ""
	out.Active = false

	if out.Nodes == nil {
		out.Nodes = []*WorkflowNode{}
	}

	if out.Connections == nil {
		out.Connections = map[string]any{}
	}

	return &out
}

// HasWebhookTrigger reports whether the workflow owns at least one enabled
// webhook-triggering node. Such workflows need a deactivate/reactivate cycle
// after import so the destination re-registers their webhook routes.
func (w *WorkflowRecord) HasWebhookTrigger() bool {
	for _, node := range w.Nodes {
		if node == nil || node.Disabled {
			continue
		}

		if node.WebhookID != "" || strings.Contains(strings.ToLower(node.Type), "webhook") {
			return true
		}
	}

	return false
}
