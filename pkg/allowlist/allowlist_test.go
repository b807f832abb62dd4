package allowlist

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowferry/flowferry/pkg/models"
)

func credentials(names ...string) []*models.CredentialRecord {
	records := make([]*models.CredentialRecord, 0, len(names))
	for _, n := range names {
		records = append(records, &models.CredentialRecord{Name: n, Type: "generic"})
	}

	return records
}

func TestAllowlist_Filter(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		input    []string
		expected []string
	}{
		{
			name:     "prefix glob selects matching names only",
			patterns: []string{"prod-*"},
			input:    []string{"prod-db", "prod-api", "dev-db", "dev-api", "test-x"},
			expected: []string{"prod-db", "prod-api"},
		},
		{
			name:     "star matches everything",
			patterns: []string{"*"},
			input:    []string{"prod-db", "dev-db"},
			expected: []string{"prod-db", "dev-db"},
		},
		{
			name:     "no patterns matches everything",
			patterns: nil,
			input:    []string{"prod-db", "dev-db"},
			expected: []string{"prod-db", "dev-db"},
		},
		{
			name:     "multiple patterns union",
			patterns: []string{"prod-*", "test-x"},
			input:    []string{"prod-db", "dev-db", "test-x"},
			expected: []string{"prod-db", "test-x"},
		},
		{
			name:     "no match yields empty selection",
			patterns: []string{"staging-*"},
			input:    []string{"prod-db", "dev-db"},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := New(tt.patterns)
			selected := list.Filter(credentials(tt.input...))

			names := make([]string, 0, len(selected))
			for _, r := range selected {
				names = append(names, r.Name)
			}

			assert.Equal(t, tt.expected, names)
			assert.LessOrEqual(t, len(selected), len(tt.input))
		})
	}
}

func TestNew_IgnoresCommentsAndBlanks(t *testing.T) {
	list := New([]string{"# comment", "", "  ", "prod-*"})

	assert.False(t, list.Unrestricted())
	assert.Equal(t, []string{"prod-*"}, list.Patterns())
}

func TestLoad_MissingFileIsUnrestricted(t *testing.T) {
	list, err := Load(filepath.Join(t.TempDir(), "absent.allowlist"), slog.Default())
	require.NoError(t, err)
	assert.True(t, list.Unrestricted())
	assert.True(t, list.Matches("anything-at-all"))
}

func TestLoad_ReadsPatternsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.allowlist")
	require.NoError(t, os.WriteFile(path, []byte("prod-*\n# dev creds stay home\n"), 0o600))

	list, err := Load(path, slog.Default())
	require.NoError(t, err)

	assert.False(t, list.Unrestricted())
	assert.True(t, list.Matches("prod-db"))
	assert.False(t, list.Matches("dev-db"))
}
