// Package pack builds and verifies transfer packages: the immutable archives
// that carry sanitized workflows, selected credentials, and the activation map
// between instances. Once the checksum manifest is written the archive is
// never modified; every consumer re-verifies every checksum before trusting
// the contents.
package pack

import (
	"errors"

	"github.com/flowferry/flowferry/pkg/models"
)

// Standard package error types shared by writer and reader.
var (
	// ErrChecksumMismatch indicates at least one archive entry does not match
	// its manifest hash. A single mismatch fails the whole package.
	ErrChecksumMismatch = errors.New("package checksum mismatch")

	// ErrMissingEntry indicates a required file is absent from the archive.
	ErrMissingEntry = errors.New("package entry missing")

	// ErrNotListTyped indicates a records file does not decode to a JSON array.
	ErrNotListTyped = errors.New("records file is not list-typed")

	// ErrInconsistentMetadata indicates the export metadata counts disagree
	// with themselves or with the packaged records.
	ErrInconsistentMetadata = errors.New("export metadata counts are inconsistent")

	// ErrNotSanitized indicates a packaged workflow still carries an
	// identifier or an activation flag.
	ErrNotSanitized = errors.New("workflow records are not sanitized")
)

// Contents is everything that goes into a transfer package.
type Contents struct {
	Workflows   []*models.WorkflowRecord
	Credentials []*models.CredentialRecord
	Activation  models.ActivationMap
	Metadata    models.ExportMetadata
}
