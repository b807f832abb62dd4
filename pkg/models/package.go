package models

import "time"

// Canonical file names inside a transfer package.
const (
	PackageWorkflowsFile   = "workflows_sanitized.json"
	PackageCredentialsFile = "credentials_selected.json"
	PackageActivationFile  = "workflows_active_map.tsv"
	PackageChecksumsFile   = "checksums.txt"
	PackageMetadataFile    = "export_metadata.json"
)

// ExportMetadata describes a transfer package. Its counts let the importer
// detect partial imports without re-reading the source.
type ExportMetadata struct {
	SourceInstance        string    `json:"source_instance"        validate:"required"`
	ToolVersion           string    `json:"tool_version"           validate:"required"`
	ExportedAt            time.Time `json:"exported_at"            validate:"required"`
	WorkflowCount         int       `json:"workflow_count"         validate:"min=0"`
	ActiveWorkflowCount   int       `json:"active_workflow_count"  validate:"min=0"`
	CredentialCount       int       `json:"credential_count"       validate:"min=0"`
	SelectedCredentials   int       `json:"selected_credentials"   validate:"min=0"`
	AllowlistUnrestricted bool      `json:"allowlist_unrestricted"`
}

// Consistent reports whether the counts are internally coherent. A package
// claiming more selected credentials than the source ever had is corrupt.
func (m *ExportMetadata) Consistent() bool {
	if m.SelectedCredentials > m.CredentialCount {
		return false
	}

	return m.ActiveWorkflowCount <= m.WorkflowCount
}
