package pack

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/klauspost/compress/gzip"

	"github.com/flowferry/flowferry/pkg/models"
)

var validate = validator.New()

// Write assembles a transfer package archive at path. Entry order is fixed so
// two packages of the same contents are byte-comparable: records first, then
// the activation map, metadata, and the checksum manifest last.
func Write(path string, contents Contents) error {
	if err := validate.Struct(&contents.Metadata); err != nil {
		return fmt.Errorf("invalid export metadata: %w", err)
	}

	if !contents.Metadata.Consistent() {
		return ErrInconsistentMetadata
	}

	entries, err := encodeEntries(contents)
	if err != nil {
		return err
	}

	tmp := path + ".partial"

	if err := writeArchive(tmp, entries); err != nil {
		_ = os.Remove(tmp)

		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("failed to finalize package %s: %w", path, err)
	}

	return nil
}

type entry struct {
	name string
	data []byte
}

func encodeEntries(contents Contents) ([]entry, error) {
	workflows, err := marshalRecords(contents.Workflows)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflows: %w", err)
	}

	credentials, err := marshalRecords(contents.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}

	var activation bytes.Buffer
	if err := contents.Activation.EncodeTSV(&activation); err != nil {
		return nil, err
	}

	metadata, err := json.MarshalIndent(&contents.Metadata, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode export metadata: %w", err)
	}

	// Every records file must parse back as the expected list type, even
	// when empty, before anything is archived.
	for name, data := range map[string][]byte{
		models.PackageWorkflowsFile:   workflows,
		models.PackageCredentialsFile: credentials,
	} {
		if err := requireListTyped(data); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}

	// A package that Open would reject must never leave the writer.
	if err := validateSanitized(workflows); err != nil {
		return nil, fmt.Errorf("%s: %w", models.PackageWorkflowsFile, err)
	}

	entries := []entry{
		{models.PackageWorkflowsFile, workflows},
		{models.PackageCredentialsFile, credentials},
		{models.PackageActivationFile, activation.Bytes()},
		{models.PackageMetadataFile, metadata},
	}

	manifest := checksumManifest(entries)
	entries = append(entries, entry{models.PackageChecksumsFile, manifest})

	return entries, nil
}

// marshalRecords encodes a record slice, forcing nil to the empty list so the
// output stays list-typed.
func marshalRecords[T any](records []T) ([]byte, error) {
	if records == nil {
		records = make([]T, 0)
	}

	return json.MarshalIndent(records, "", "  ")
}

func requireListTyped(data []byte) error {
	var probe []json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return ErrNotListTyped
	}

	return nil
}

// checksumManifest renders one "sha256hex  filename" line per entry, in
// archive order.
func checksumManifest(entries []entry) []byte {
	var buf bytes.Buffer

	for _, e := range entries {
		sum := sha256.Sum256(e.data)
		fmt.Fprintf(&buf, "%s  %s\n", hex.EncodeToString(sum[:]), e.name)
	}

	return buf.Bytes()
}

func writeArchive(path string, entries []entry) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create package directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create package %s: %w", path, err)
	}

	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close package %s: %w", path, cerr)
		}
	}()

	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)

	modTime := time.Now().UTC()

	for _, e := range entries {
		header := &tar.Header{
			Name:    e.name,
			Mode:    0o600,
			Size:    int64(len(e.data)),
			ModTime: modTime,
		}

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write header for %s: %w", e.name, err)
		}

		if _, err := tw.Write(e.data); err != nil {
			return fmt.Errorf("failed to write %s: %w", e.name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}

	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish compression: %w", err)
	}

	return nil
}
