package keysync

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowferry/flowferry/pkg/config"
	"github.com/flowferry/flowferry/pkg/remote"
	"github.com/flowferry/flowferry/pkg/server"
)

type fakeControl struct {
	restarted []string
}

func (f *fakeControl) Stop(context.Context, string) error  { return nil }
func (f *fakeControl) Start(context.Context, string) error { return nil }

func (f *fakeControl) Restart(_ context.Context, serviceID string) error {
	f.restarted = append(f.restarted, serviceID)

	return nil
}

func (f *fakeControl) IsRunning(context.Context, string) (bool, error) { return true, nil }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func newTestSynchronizer(t *testing.T, sourceServer, destServer config.ServerConfig) (*Synchronizer, *fakeControl) {
	t.Helper()

	control := &fakeControl{}
	runner := remote.NewLocal()
	sync := NewSynchronizer(
		runner, runner,
		sourceServer, destServer,
		config.ProcessConfig{Manager: "systemd", ServiceID: "n8n"},
		control,
		server.NewHealthChecker(slog.Default()),
		nil,
		slog.Default(),
	)

	return sync, control
}

func TestExtractKeyFromConfigStore(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "config")
	writeFile(t, keyFile, `{"encryptionKey": "source-key-123", "instanceId": "abc"}`)

	sync, _ := newTestSynchronizer(t,
		config.ServerConfig{KeyFilePath: keyFile},
		config.ServerConfig{})

	key, err := sync.ExtractKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "source-key-123", key.Value)
	assert.Equal(t, keyFile, key.Origin)
}

func TestExtractKeyRawFile(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key")
	writeFile(t, keyFile, "raw-key-value\n")

	sync, _ := newTestSynchronizer(t,
		config.ServerConfig{KeyFilePath: keyFile},
		config.ServerConfig{})

	key, err := sync.ExtractKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "raw-key-value", key.Value)
}

func TestExtractKeyMissingField(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "config")
	writeFile(t, keyFile, `{"instanceId": "abc"}`)

	sync, _ := newTestSynchronizer(t,
		config.ServerConfig{KeyFilePath: keyFile},
		config.ServerConfig{})

	_, err := sync.ExtractKey(context.Background())
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRunPropagatesToAllTargets(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()

	sourceKey := filepath.Join(sourceDir, "config")
	writeFile(t, sourceKey, `{"encryptionKey": "the-key"}`)

	destKey := filepath.Join(destDir, "config")
	writeFile(t, destKey, `{"encryptionKey": "old-key", "instanceId": "dest"}`)

	envFile := filepath.Join(destDir, "n8n.env")
	writeFile(t, envFile, "N8N_PORT = 5678\n")

	dropIn := filepath.Join(destDir, "override.conf")
	writeFile(t, dropIn, "[Service]\nEnvironment = N8N_PORT=5678\n")

	sync, control := newTestSynchronizer(t,
		config.ServerConfig{KeyFilePath: sourceKey},
		config.ServerConfig{
			KeyFilePath:    destKey,
			EnvFilePath:    envFile,
			UnitDropInPath: dropIn,
		})

	result, err := sync.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, result.TargetsUpdated, 3)
	assert.Empty(t, result.TargetsMissing)
	assert.Equal(t, []string{"n8n"}, control.restarted)

	// Config store keeps unrelated fields.
	data, err := os.ReadFile(destKey)
	require.NoError(t, err)

	var store map[string]any
	require.NoError(t, json.Unmarshal(data, &store))
	assert.Equal(t, "the-key", store["encryptionKey"])
	assert.Equal(t, "dest", store["instanceId"])

	// Env file gains the key variable and keeps the existing one.
	env, err := os.ReadFile(envFile)
	require.NoError(t, err)
	assert.Contains(t, string(env), "N8N_ENCRYPTION_KEY")
	assert.Contains(t, string(env), "the-key")
	assert.Contains(t, string(env), "N8N_PORT")

	// Drop-in gains an Environment assignment under [Service].
	unit, err := os.ReadFile(dropIn)
	require.NoError(t, err)
	assert.Contains(t, string(unit), "N8N_ENCRYPTION_KEY=the-key")
	assert.Contains(t, string(unit), "N8N_PORT=5678")
}

func TestRunSkipsMissingTargets(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()

	sourceKey := filepath.Join(sourceDir, "config")
	writeFile(t, sourceKey, `{"encryptionKey": "the-key"}`)

	destKey := filepath.Join(destDir, "config")
	writeFile(t, destKey, `{"encryptionKey": "old"}`)

	sync, _ := newTestSynchronizer(t,
		config.ServerConfig{KeyFilePath: sourceKey},
		config.ServerConfig{
			KeyFilePath: destKey,
			EnvFilePath: filepath.Join(destDir, "missing.env"),
		})

	result, err := sync.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{destKey}, result.TargetsUpdated)
	assert.Len(t, result.TargetsMissing, 1)
}

func TestPropagateKeyAllTargetsMissing(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()

	sourceKey := filepath.Join(sourceDir, "config")
	writeFile(t, sourceKey, `{"encryptionKey": "the-key"}`)

	sync, _ := newTestSynchronizer(t,
		config.ServerConfig{KeyFilePath: sourceKey},
		config.ServerConfig{KeyFilePath: filepath.Join(destDir, "nope")})

	key, err := sync.ExtractKey(context.Background())
	require.NoError(t, err)

	_, err = sync.PropagateKey(context.Background(), key)
	assert.ErrorIs(t, err, ErrKeyPropagationIncomplete)
}
