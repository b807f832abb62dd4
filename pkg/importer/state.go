package importer

// State is one stage of the import pipeline. States advance strictly in
// order; the current state determines how a failure is treated.
type State string

const (
	StateReceived            State = "received"
	StateChecksumVerified    State = "checksum_verified"
	StateDestinationBackedUp State = "destination_backed_up"
	StateCredentialsImported State = "credentials_imported"
	StateWorkflowsImported   State = "workflows_imported"
	StateIdentifiersMapped   State = "identifiers_mapped"
	StateActivated           State = "activated"
	StateWebhooksToggled     State = "webhooks_toggled"
	StateVerified            State = "verified"
)

var stateOrder = []State{
	StateReceived,
	StateChecksumVerified,
	StateDestinationBackedUp,
	StateCredentialsImported,
	StateWorkflowsImported,
	StateIdentifiersMapped,
	StateActivated,
	StateWebhooksToggled,
	StateVerified,
}

func stateIndex(s State) int {
	for i, candidate := range stateOrder {
		if candidate == s {
			return i
		}
	}

	return -1
}

// FatalAt reports whether a failure in the step AFTER state s aborts the run.
// Everything up to and including the workflow import is all-or-nothing: the
// destination is either untouched or restorable from the backup. Once the
// records are in, the remaining steps only refine them, so their failures
// degrade to warnings instead of leaving the operator with a half-imported
// database and a fatal exit.
func FatalAt(s State) bool {
	return stateIndex(s) < stateIndex(StateWorkflowsImported)
}
