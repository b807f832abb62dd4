// Package keysync propagates the source instance's credential encryption key
// to the destination. A full-database transfer copies ciphertext produced
// under the source key, so the destination must hold the identical key in
// every place the server might read it from: its on-disk config store, its
// environment file, and its systemd unit drop-in.
package keysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/ini.v1"

	"github.com/flowferry/flowferry/pkg/config"
	"github.com/flowferry/flowferry/pkg/eventbus"
	"github.com/flowferry/flowferry/pkg/events"
	"github.com/flowferry/flowferry/pkg/models"
	"github.com/flowferry/flowferry/pkg/process"
	"github.com/flowferry/flowferry/pkg/remote"
	"github.com/flowferry/flowferry/pkg/server"
)

// EncryptionKeyEnvVar is the variable the automation server reads its key
// from when it is not in the config store.
const EncryptionKeyEnvVar = "N8N_ENCRYPTION_KEY"

// configStoreKeyField is the field holding the key inside the server's JSON
// config store.
const configStoreKeyField = "encryptionKey"

// ErrKeyPropagationIncomplete indicates no destination target could be
// updated. Individual missing targets only warn; all of them missing means
// the destination would keep running under its old key.
var ErrKeyPropagationIncomplete = errors.New("encryption key was not written to any destination target")

// ErrKeyNotFound indicates the source config store holds no usable key.
var ErrKeyNotFound = errors.New("encryption key not found in source config store")

// Result lists which destination targets received the key.
type Result struct {
	RunID          string
	Key            models.EncryptionKey
	TargetsUpdated []string
	TargetsMissing []string
}

// Synchronizer moves the encryption key from the source host to the
// destination host and applies it with a restart.
type Synchronizer struct {
	source      remote.Runner
	destination remote.Runner

	sourceServer config.ServerConfig
	destServer   config.ServerConfig
	destProcess  config.ProcessConfig

	control  process.Control
	health   *server.HealthChecker
	eventBus eventbus.EventBus
	logger   *slog.Logger
}

func NewSynchronizer(
	source, destination remote.Runner,
	sourceServer, destServer config.ServerConfig,
	destProcess config.ProcessConfig,
	control process.Control,
	health *server.HealthChecker,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
) *Synchronizer {
	return &Synchronizer{
		source:       source,
		destination:  destination,
		sourceServer: sourceServer,
		destServer:   destServer,
		destProcess:  destProcess,
		control:      control,
		health:       health,
		eventBus:     eventBus,
		logger:       logger.With("module", "keysync"),
	}
}

// Run extracts the key from the source, writes it to every destination target
// that exists, and restarts the destination until it reports healthy. The key
// value itself is never logged.
func (s *Synchronizer) Run(ctx context.Context) (*Result, error) {
	runID := uuid.New().String()
	logger := s.logger.With("run_id", runID)

	key, err := s.ExtractKey(ctx)
	if err != nil {
		return nil, err
	}

	logger.Info("Extracted encryption key", "origin", key.Origin)

	result, err := s.PropagateKey(ctx, key)
	if err != nil {
		return nil, err
	}

	result.RunID = runID

	if err := s.ApplyKey(ctx); err != nil {
		return result, err
	}

	logger.Info("Encryption key synchronized",
		"updated", result.TargetsUpdated,
		"missing", result.TargetsMissing)

	if s.eventBus != nil {
		event := events.KeySynchronized{
			BaseEvent: events.BaseEvent{
				ID:        uuid.New().String(),
				Type:      events.KeySynchronizedEvent,
				Timestamp: time.Now().UTC(),
				RunID:     runID,
			},
			TargetsUpdated: result.TargetsUpdated,
			TargetsMissing: result.TargetsMissing,
		}
		if perr := s.eventBus.Publish(ctx, runID, event); perr != nil {
			logger.Warn("Failed to publish key sync event", "error", perr)
		}
	}

	return result, nil
}

// ExtractKey reads the key from the source's config store file. The config
// store is authoritative: the server persists a generated key there even when
// it was first supplied via environment.
func (s *Synchronizer) ExtractKey(ctx context.Context) (models.EncryptionKey, error) {
	var key models.EncryptionKey

	if s.sourceServer.KeyFilePath == "" {
		return key, fmt.Errorf("%w: no key file path configured for source", ErrKeyNotFound)
	}

	data, err := s.readRemote(ctx, s.source, s.sourceServer.KeyFilePath)
	if err != nil {
		return key, fmt.Errorf("failed to read source config store %s: %w", s.sourceServer.KeyFilePath, err)
	}

	value, err := parseConfigStoreKey(data)
	if err != nil {
		return key, fmt.Errorf("%s: %w", s.sourceServer.KeyFilePath, err)
	}

	key.Value = value
	key.Origin = s.sourceServer.KeyFilePath

	return key, nil
}

// parseConfigStoreKey pulls the key out of the config store content. The
// store is normally a JSON object; a bare single-line file is accepted as a
// raw key.
func parseConfigStoreKey(data []byte) (string, error) {
	var store map[string]any
	if err := json.Unmarshal(data, &store); err == nil {
		value, ok := store[configStoreKeyField].(string)
		if !ok || value == "" {
			return "", ErrKeyNotFound
		}

		return value, nil
	}

	raw := strings.TrimSpace(string(data))
	if raw == "" || strings.ContainsAny(raw, "\n\r") {
		return "", ErrKeyNotFound
	}

	return raw, nil
}

// PropagateKey writes the key to every configured destination target. A
// target whose file does not exist is skipped with a warning; propagation
// fails only when no target at all could be written.
func (s *Synchronizer) PropagateKey(ctx context.Context, key models.EncryptionKey) (*Result, error) {
	result := &Result{Key: models.EncryptionKey{Origin: key.Origin}}

	targets := []struct {
		name  string
		path  string
		write func(ctx context.Context, path, value string) error
	}{
		{"config_store", s.destServer.KeyFilePath, s.writeConfigStore},
		{"env_file", s.destServer.EnvFilePath, s.writeEnvFile},
		{"unit_drop_in", s.destServer.UnitDropInPath, s.writeUnitDropIn},
	}

	for _, target := range targets {
		if target.path == "" {
			continue
		}

		exists, err := s.remoteFileExists(ctx, target.path)
		if err != nil {
			return nil, fmt.Errorf("failed to probe %s: %w", target.path, err)
		}

		if !exists {
			s.logger.Warn("Key target missing on destination; skipping",
				"target", target.name, "path", target.path)
			result.TargetsMissing = append(result.TargetsMissing, target.path)

			continue
		}

		if err := target.write(ctx, target.path, key.Value); err != nil {
			return nil, fmt.Errorf("failed to update %s: %w", target.path, err)
		}

		result.TargetsUpdated = append(result.TargetsUpdated, target.path)
	}

	if len(result.TargetsUpdated) == 0 {
		return nil, ErrKeyPropagationIncomplete
	}

	return result, nil
}

// ApplyKey restarts the destination server and waits for it to come back
// healthy under the new key.
func (s *Synchronizer) ApplyKey(ctx context.Context) error {
	if err := s.control.Restart(ctx, s.destProcess.ServiceID); err != nil {
		return fmt.Errorf("failed to restart destination after key update: %w", err)
	}

	if s.destServer.BaseURL == "" {
		return nil
	}

	return s.health.Wait(ctx, s.destServer.BaseURL+"/healthz")
}

// writeConfigStore updates the key field inside the JSON config store,
// preserving every other field.
func (s *Synchronizer) writeConfigStore(ctx context.Context, path, value string) error {
	data, err := s.readRemote(ctx, s.destination, path)
	if err != nil {
		return err
	}

	store := map[string]any{}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &store); err != nil {
			return fmt.Errorf("config store is not valid JSON: %w", err)
		}
	}

	store[configStoreKeyField] = value

	updated, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return err
	}

	return s.writeRemote(ctx, path, append(updated, '\n'))
}

// writeEnvFile sets the key variable in the server's environment file.
func (s *Synchronizer) writeEnvFile(ctx context.Context, path, value string) error {
	data, err := s.readRemote(ctx, s.destination, path)
	if err != nil {
		return err
	}

	file, err := ini.LoadSources(ini.LoadOptions{}, data)
	if err != nil {
		return fmt.Errorf("failed to parse environment file: %w", err)
	}

	file.Section("").Key(EncryptionKeyEnvVar).SetValue(value)

	var buf strings.Builder
	if _, err := file.WriteTo(&buf); err != nil {
		return err
	}

	return s.writeRemote(ctx, path, []byte(buf.String()))
}

// writeUnitDropIn sets Environment= in the [Service] section of the systemd
// drop-in.
func (s *Synchronizer) writeUnitDropIn(ctx context.Context, path, value string) error {
	data, err := s.readRemote(ctx, s.destination, path)
	if err != nil {
		return err
	}

	file, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, data)
	if err != nil {
		return fmt.Errorf("failed to parse unit drop-in: %w", err)
	}

	assignment := fmt.Sprintf("%s=%s", EncryptionKeyEnvVar, value)
	section := file.Section("Service")

	replaced := false

	if section.HasKey("Environment") {
		envKey := section.Key("Environment")
		values := envKey.ValueWithShadows()

		for i, v := range values {
			if strings.HasPrefix(strings.Trim(v, `"`), EncryptionKeyEnvVar+"=") {
				values[i] = assignment
				replaced = true
			}
		}

		if replaced {
			section.DeleteKey("Environment")

			for _, v := range values {
				if err := section.Key("Environment").AddShadow(v); err != nil {
					section.Key("Environment").SetValue(v)
				}
			}
		}
	}

	if !replaced {
		if err := section.Key("Environment").AddShadow(assignment); err != nil {
			section.Key("Environment").SetValue(assignment)
		}
	}

	var buf strings.Builder
	if _, err := file.WriteTo(&buf); err != nil {
		return err
	}

	return s.writeRemote(ctx, path, []byte(buf.String()))
}

func (s *Synchronizer) remoteFileExists(ctx context.Context, path string) (bool, error) {
	_, exitCode, err := s.destination.Run(ctx, fmt.Sprintf("test -f %q", path))
	if err != nil {
		return false, err
	}

	return exitCode == 0, nil
}

// readRemote pulls a remote file through a local scratch copy that is removed
// before returning.
func (s *Synchronizer) readRemote(ctx context.Context, runner remote.Runner, path string) ([]byte, error) {
	tmp, err := scratchPath()
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(filepath.Dir(tmp)) }()

	if err := runner.CopyFrom(ctx, path, tmp); err != nil {
		return nil, err
	}

	return os.ReadFile(tmp)
}

func (s *Synchronizer) writeRemote(ctx context.Context, path string, data []byte) error {
	tmp, err := scratchPath()
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(filepath.Dir(tmp)) }()

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}

	return s.destination.CopyTo(ctx, tmp, path)
}

func scratchPath() (string, error) {
	dir, err := os.MkdirTemp("", "flowferry-keysync-*")
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, "scratch"), nil
}
