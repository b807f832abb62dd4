package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/flowferry/flowferry/pkg/models"
)

const manifestSuffix = ".manifest.json"

// Retention bounds per bucket. Manual backups are never pruned.
const (
	defaultDailyKeep  = 7
	defaultWeeklyKeep = 4
)

// Store lays out compressed, checksummed backup artifacts under
// root/<environment>/<bucket>/ and prunes old ones per bucket.
type Store struct {
	root       string
	logger     *slog.Logger
	DailyKeep  int
	WeeklyKeep int
}

func NewStore(root string, logger *slog.Logger) *Store {
	return &Store{
		root:       root,
		logger:     logger,
		DailyKeep:  defaultDailyKeep,
		WeeklyKeep: defaultWeeklyKeep,
	}
}

// Add compresses the snapshot file at srcPath into the store, records its
// checksum, writes a manifest sidecar, and prunes the bucket. The source file
// is left in place; callers own its cleanup.
func (s *Store) Add(srcPath, environment string, kind models.BackupKind, bucket models.BackupBucket) (*models.BackupArtifact, error) {
	dir := filepath.Join(s.root, environment, string(bucket))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", dir, err)
	}

	now := time.Now().UTC()
	name := fmt.Sprintf("%s-%s-%s.gz", environment, kind, now.Format("20060102T150405.000000000Z"))
	destPath := filepath.Join(dir, name)

	checksum, size, err := compressFile(srcPath, destPath)
	if err != nil {
		_ = os.Remove(destPath)

		return nil, err
	}

	artifact := &models.BackupArtifact{
		Path:        destPath,
		Environment: environment,
		Kind:        kind,
		Bucket:      bucket,
		Checksum:    checksum,
		SizeBytes:   size,
		CreatedAt:   now,
	}

	manifest, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode backup manifest: %w", err)
	}

	if err := os.WriteFile(destPath+manifestSuffix, manifest, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write backup manifest: %w", err)
	}

	if err := s.prune(environment, bucket); err != nil {
		s.logger.Warn("Backup retention pruning failed", "error", err)
	}

	return artifact, nil
}

// Verify recomputes the artifact checksum on disk against its manifest value.
func (s *Store) Verify(artifact *models.BackupArtifact) error {
	file, err := os.Open(artifact.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrArtifactMissing, artifact.Path)
		}

		return fmt.Errorf("failed to open backup artifact: %w", err)
	}
	defer func() { _ = file.Close() }()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return fmt.Errorf("failed to hash backup artifact: %w", err)
	}

	if got := hex.EncodeToString(hash.Sum(nil)); got != artifact.Checksum {
		return fmt.Errorf("%w: artifact %s checksum changed on disk", ErrSnapshotCorrupt, artifact.Path)
	}

	return nil
}

// List returns artifacts in a bucket, newest first, read from their
// manifests.
func (s *Store) List(environment string, bucket models.BackupBucket) ([]*models.BackupArtifact, error) {
	dir := filepath.Join(s.root, environment, string(bucket))

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read backup directory %s: %w", dir, err)
	}

	var artifacts []*models.BackupArtifact

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), manifestSuffix) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read backup manifest %s: %w", e.Name(), err)
		}

		var artifact models.BackupArtifact
		if err := json.Unmarshal(data, &artifact); err != nil {
			return nil, fmt.Errorf("failed to decode backup manifest %s: %w", e.Name(), err)
		}

		artifacts = append(artifacts, &artifact)
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].CreatedAt.After(artifacts[j].CreatedAt)
	})

	return artifacts, nil
}

func (s *Store) prune(environment string, bucket models.BackupBucket) error {
	var keep int

	switch bucket {
	case models.BucketDaily:
		keep = s.DailyKeep
	case models.BucketWeekly:
		keep = s.WeeklyKeep
	case models.BucketManual:
		return nil
	default:
		return nil
	}

	artifacts, err := s.List(environment, bucket)
	if err != nil {
		return err
	}

	for _, old := range artifacts[min(keep, len(artifacts)):] {
		s.logger.Info("Pruning expired backup", "path", old.Path, "bucket", bucket)

		if err := os.Remove(old.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to prune backup %s: %w", old.Path, err)
		}

		if err := os.Remove(old.Path + manifestSuffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to prune backup manifest %s: %w", old.Path, err)
		}
	}

	return nil
}

func compressFile(srcPath, destPath string) (checksum string, size int64, err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open snapshot %s: %w", srcPath, err)
	}
	defer func() { _ = src.Close() }()

	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create backup %s: %w", destPath, err)
	}

	defer func() {
		if cerr := dest.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close backup %s: %w", destPath, cerr)
		}
	}()

	hash := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(dest, hash))

	if _, err := io.Copy(gz, src); err != nil {
		return "", 0, fmt.Errorf("failed to compress snapshot: %w", err)
	}

	if err := gz.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to finish compression: %w", err)
	}

	info, err := dest.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat backup: %w", err)
	}

	return hex.EncodeToString(hash.Sum(nil)), info.Size(), nil
}
