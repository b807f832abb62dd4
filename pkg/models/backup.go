package models

import "time"

// BackupKind distinguishes the two database classes the engine snapshots.
type BackupKind string

const (
	BackupKindSQLite   BackupKind = "sqlite"
	BackupKindPostgres BackupKind = "postgres"
)

// BackupBucket is the retention bucket a backup artifact is stored under.
type BackupBucket string

const (
	BucketDaily  BackupBucket = "daily"
	BucketWeekly BackupBucket = "weekly"
	BucketManual BackupBucket = "manual"
)

// BackupArtifact is a verified, compressed, checksummed database snapshot.
// The importer refuses to mutate a destination until one of these exists and
// has passed integrity verification.
type BackupArtifact struct {
	Path        string       `json:"path"        validate:"required"`
	Environment string       `json:"environment" validate:"required"`
	Kind        BackupKind   `json:"kind"        validate:"required"`
	Bucket      BackupBucket `json:"bucket"      validate:"required"`
	Checksum    string       `json:"checksum"`
	SizeBytes   int64        `json:"size_bytes"`
	CreatedAt   time.Time    `json:"created_at"`
}

// EncryptionKey is the secret the automation server uses to decrypt stored
// credential payloads. Source and destination keys are normally distinct;
// a full-database transfer forces them identical because the destination
// inherits ciphertext produced under the source key.
type EncryptionKey struct {
	Value  string
	Origin string // where the key was read from, for the run report
}
