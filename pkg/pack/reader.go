package pack

import (
	"archive/tar"
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/flowferry/flowferry/pkg/models"
)

// Package is a fully verified, decoded transfer package. Contents are held in
// memory only: credential cleartext never touches the destination disk on the
// way in.
type Package struct {
	Contents

	Path      string
	Checksums map[string]string
}

// Open reads the archive at path, verifies every entry against the checksum
// manifest, and decodes the contents. Any single checksum mismatch fails the
// whole package with ErrChecksumMismatch.
func Open(path string) (*Package, error) {
	raw, err := readEntries(path)
	if err != nil {
		return nil, err
	}

	manifest, ok := raw[models.PackageChecksumsFile]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingEntry, models.PackageChecksumsFile)
	}

	checksums, err := parseManifest(manifest)
	if err != nil {
		return nil, err
	}

	for name, wantSum := range checksums {
		data, ok := raw[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingEntry, name)
		}

		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != wantSum {
			return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, name)
		}
	}

	pkg := &Package{
		Path:      path,
		Checksums: checksums,
	}

	if err := pkg.decode(raw); err != nil {
		return nil, err
	}

	return pkg, nil
}

// Verify re-checks an archive without retaining its contents.
func Verify(path string) error {
	_, err := Open(path)

	return err
}

func (p *Package) decode(raw map[string][]byte) error {
	workflowsData, ok := raw[models.PackageWorkflowsFile]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingEntry, models.PackageWorkflowsFile)
	}

	if err := requireListTyped(workflowsData); err != nil {
		return fmt.Errorf("%s: %w", models.PackageWorkflowsFile, err)
	}

	if err := json.Unmarshal(workflowsData, &p.Workflows); err != nil {
		return fmt.Errorf("failed to decode workflows: %w", err)
	}

	if err := validateSanitized(workflowsData); err != nil {
		return err
	}

	credentialsData, ok := raw[models.PackageCredentialsFile]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingEntry, models.PackageCredentialsFile)
	}

	if err := requireListTyped(credentialsData); err != nil {
		return fmt.Errorf("%s: %w", models.PackageCredentialsFile, err)
	}

	if err := json.Unmarshal(credentialsData, &p.Credentials); err != nil {
		return fmt.Errorf("failed to decode credentials: %w", err)
	}

	activationData, ok := raw[models.PackageActivationFile]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingEntry, models.PackageActivationFile)
	}

	activation, err := models.DecodeActivationTSV(bytes.NewReader(activationData))
	if err != nil {
		return err
	}

	p.Activation = activation

	metadataData, ok := raw[models.PackageMetadataFile]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingEntry, models.PackageMetadataFile)
	}

	if err := json.Unmarshal(metadataData, &p.Metadata); err != nil {
		return fmt.Errorf("failed to decode export metadata: %w", err)
	}

	if !p.Metadata.Consistent() || p.Metadata.WorkflowCount != len(p.Workflows) ||
		p.Metadata.SelectedCredentials != len(p.Credentials) {
		return ErrInconsistentMetadata
	}

	return nil
}

// Scrub drops decoded credential payloads from memory. Importers call this
// once the destination has re-encrypted the records, success or failure.
func (p *Package) Scrub() {
	for _, c := range p.Credentials {
		c.Scrub()
	}
}

func readEntries(path string) (map[string][]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open package %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read package %s: %w", path, err)
	}
	defer func() { _ = gz.Close() }()

	entries := make(map[string][]byte)

	tr := tar.NewReader(gz)

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("failed to read package entry: %w", err)
		}

		if header.Typeflag != tar.TypeReg {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read package entry %s: %w", header.Name, err)
		}

		entries[header.Name] = data
	}

	return entries, nil
}

func parseManifest(data []byte) (map[string]string, error) {
	checksums := make(map[string]string)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed checksum line: %q", line)
		}

		checksums[fields[1]] = fields[0]
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse checksum manifest: %w", err)
	}

	if len(checksums) == 0 {
		return nil, errors.New("checksum manifest is empty")
	}

	return checksums, nil
}
