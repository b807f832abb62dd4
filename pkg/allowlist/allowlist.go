// Package allowlist filters credential records by name pattern before
// transfer. A credential crosses instances iff at least one pattern matches
// its name; with no patterns at all, everything matches.
package allowlist

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/flowferry/flowferry/pkg/models"
)

// Allowlist is a set of glob-style name patterns.
type Allowlist struct {
	patterns     []string
	unrestricted bool
}

// New builds an allowlist from explicit patterns. An empty pattern set means
// "match everything".
func New(patterns []string) *Allowlist {
	var cleaned []string

	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}

		cleaned = append(cleaned, p)
	}

	return &Allowlist{
		patterns:     cleaned,
		unrestricted: len(cleaned) == 0,
	}
}

// Load reads one pattern per line from a file. A missing file is not an
// error: it yields an unrestricted allowlist, and the caller is warned loudly
// because that ships every credential on the source.
func Load(path string, logger *slog.Logger) (*Allowlist, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("No credential allowlist found; ALL credentials will be transferred",
				"path", path)

			return New(nil), nil
		}

		return nil, fmt.Errorf("failed to open allowlist %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	var patterns []string

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read allowlist %s: %w", path, err)
	}

	list := New(patterns)
	if list.unrestricted {
		logger.Warn("Credential allowlist is empty; ALL credentials will be transferred",
			"path", path)
	}

	return list, nil
}

// Unrestricted reports whether the list matches everything.
func (a *Allowlist) Unrestricted() bool {
	return a.unrestricted
}

// Patterns returns the effective pattern set.
func (a *Allowlist) Patterns() []string {
	return a.patterns
}

// Matches reports whether any pattern matches the given name. Invalid
// patterns never match.
func (a *Allowlist) Matches(name string) bool {
	if a.unrestricted {
		return true
	}

	for _, pattern := range a.patterns {
		ok, err := doublestar.Match(pattern, name)
		if err != nil {
			continue
		}

		if ok {
			return true
		}
	}

	return false
}

// Filter returns the subset of records whose names match, preserving input
// order. The result is always a subset of the input.
func (a *Allowlist) Filter(records []*models.CredentialRecord) []*models.CredentialRecord {
	selected := make([]*models.CredentialRecord, 0, len(records))

	for _, record := range records {
		if a.Matches(record.Name) {
			selected = append(selected, record)
		}
	}

	return selected
}
