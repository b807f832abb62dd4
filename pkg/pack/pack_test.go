package pack

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowferry/flowferry/pkg/models"
)

func testContents(t *testing.T) Contents {
	t.Helper()

	workflows := []*models.WorkflowRecord{
		{
			Name:        "order-sync",
			Nodes:       []*models.WorkflowNode{{Name: "hook", Type: "nodes-base.webhook"}},
			Connections: map[string]any{},
		},
		{
			Name:        "nightly-report",
			Nodes:       []*models.WorkflowNode{{Name: "cron", Type: "nodes-base.scheduleTrigger"}},
			Connections: map[string]any{},
		},
	}

	credentials := []*models.CredentialRecord{
		{Name: "prod-db", Type: "postgres", Data: map[string]any{"password": "s3cret"}},
	}

	return Contents{
		Workflows:   workflows,
		Credentials: credentials,
		Activation: models.ActivationMap{
			{Name: "nightly-report", Active: false, SourceID: "id2"},
			{Name: "order-sync", Active: true, SourceID: "id1"},
		},
		Metadata: models.ExportMetadata{
			SourceInstance:      "dev",
			ToolVersion:         "test",
			ExportedAt:          time.Now().UTC(),
			WorkflowCount:       2,
			ActiveWorkflowCount: 1,
			CredentialCount:     3,
			SelectedCredentials: 1,
		},
	}
}

func TestWriteOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfer.tar.gz")

	require.NoError(t, Write(path, testContents(t)))

	pkg, err := Open(path)
	require.NoError(t, err)

	assert.Len(t, pkg.Workflows, 2)
	assert.Len(t, pkg.Credentials, 1)
	assert.Len(t, pkg.Activation, 2)
	assert.Equal(t, "dev", pkg.Metadata.SourceInstance)
	assert.Len(t, pkg.Checksums, 4)

	for _, w := range pkg.Workflows {
		assert.Empty(t, w.ID)
		assert.False(t, w.Active)
	}
}

func TestWrite_EmptyRecordsStayListTyped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfer.tar.gz")

	contents := testContents(t)
	contents.Workflows = nil
	contents.Credentials = nil
	contents.Activation = nil
	contents.Metadata.WorkflowCount = 0
	contents.Metadata.ActiveWorkflowCount = 0
	contents.Metadata.SelectedCredentials = 0

	require.NoError(t, Write(path, contents))

	pkg, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, pkg.Workflows)
	assert.Empty(t, pkg.Credentials)
}

func TestWrite_RejectsInconsistentMetadata(t *testing.T) {
	contents := testContents(t)
	contents.Metadata.SelectedCredentials = 99

	err := Write(filepath.Join(t.TempDir(), "transfer.tar.gz"), contents)
	require.ErrorIs(t, err, ErrInconsistentMetadata)
}

func TestOpen_DetectsTamperedEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transfer.tar.gz")

	require.NoError(t, Write(path, testContents(t)))

	tampered := rewriteEntry(t, path, models.PackageWorkflowsFile, []byte(`[]`))
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err := Open(path)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestWriteOpenRoundTrip_NodelessWorkflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfer.tar.gz")

	contents := testContents(t)
	contents.Workflows = append(contents.Workflows, (&models.WorkflowRecord{Name: "empty-shell"}).Sanitize())
	contents.Metadata.WorkflowCount = 3

	require.NoError(t, Write(path, contents))

	pkg, err := Open(path)
	require.NoError(t, err)
	require.Len(t, pkg.Workflows, 3)

	for _, w := range pkg.Workflows {
		require.NotNil(t, w.Nodes, "nodes stay list-typed through the round trip")
	}
}

func TestWrite_RejectsUnsanitizedWorkflows(t *testing.T) {
	contents := testContents(t)
	contents.Workflows[0].ID = "leaked-id"

	err := Write(filepath.Join(t.TempDir(), "transfer.tar.gz"), contents)
	require.ErrorIs(t, err, ErrNotSanitized)
}

func TestOpen_RejectsUnsanitizedWorkflows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfer.tar.gz")

	// Build the archive by hand with a valid manifest; Write refuses to
	// produce one like this.
	entries := []entry{
		{models.PackageWorkflowsFile, []byte(`[{"id":"leaked-id","name":"w","active":false,"nodes":[],"connections":{}}]`)},
		{models.PackageCredentialsFile, []byte(`[]`)},
		{models.PackageActivationFile, nil},
		{models.PackageMetadataFile, []byte(`{}`)},
	}
	entries = append(entries, entry{models.PackageChecksumsFile, checksumManifest(entries)})

	require.NoError(t, writeArchive(path, entries))

	_, err := Open(path)
	require.ErrorIs(t, err, ErrNotSanitized)
}

func TestOpen_MissingPackage(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent.tar.gz"))
	require.Error(t, err)
}

func TestVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfer.tar.gz")
	require.NoError(t, Write(path, testContents(t)))
	assert.NoError(t, Verify(path))
}

func TestPackage_Scrub(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfer.tar.gz")
	require.NoError(t, Write(path, testContents(t)))

	pkg, err := Open(path)
	require.NoError(t, err)
	require.NotNil(t, pkg.Credentials[0].Data)

	pkg.Scrub()
	assert.Nil(t, pkg.Credentials[0].Data)
}

// rewriteEntry re-archives the package with one entry replaced, leaving the
// original checksum manifest in place.
func rewriteEntry(t *testing.T, path, name string, data []byte) []byte {
	t.Helper()

	file, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = file.Close() }()

	gz, err := gzip.NewReader(file)
	require.NoError(t, err)

	var out bytes.Buffer
	gzw := gzip.NewWriter(&out)
	tw := tar.NewWriter(gzw)

	tr := tar.NewReader(gz)

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		require.NoError(t, err)

		content, err := io.ReadAll(tr)
		require.NoError(t, err)

		if header.Name == name {
			content = data
			header.Size = int64(len(content))
		}

		require.NoError(t, tw.WriteHeader(header))
		_, err = tw.Write(content)
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())

	return out.Bytes()
}
