package models

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ActivationEntry captures the pre-sanitization activation state of one
// workflow at export time, keyed by name. SourceID is informational only; it
// is never valid on the destination.
type ActivationEntry struct {
	Name     string
	Active   bool
	SourceID string
}

// ActivationMap is the ordered record of which workflows were active on the
// source. It is the only input to the post-import activation pass.
type ActivationMap []ActivationEntry

// NewActivationMap derives an activation map from un-sanitized workflow
// records, sorted by name so repeated exports diff cleanly.
func NewActivationMap(workflows []*WorkflowRecord) ActivationMap {
	entries := make(ActivationMap, 0, len(workflows))
	for _, w := range workflows {
		entries = append(entries, ActivationEntry{
			Name:     w.Name,
			Active:   w.Active,
			SourceID: w.ID,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})

	return entries
}

// ActiveNames returns the names marked active, in map order.
func (m ActivationMap) ActiveNames() []string {
	var names []string

	for _, e := range m {
		if e.Active {
			names = append(names, e.Name)
		}
	}

	return names
}

// EncodeTSV writes the map as tab-separated "name, active, sourceId" lines.
func (m ActivationMap) EncodeTSV(w io.Writer) error {
	for _, e := range m {
		if _, err := fmt.Fprintf(w, "%s\t%t\t%s\n", e.Name, e.Active, e.SourceID); err != nil {
			return fmt.Errorf("failed to write activation entry %q: %w", e.Name, err)
		}
	}

	return nil
}

// DecodeActivationTSV parses the tab-separated form produced by EncodeTSV.
// Blank lines are skipped; a malformed line fails the whole decode because a
// silently dropped entry would silently skip a reactivation.
func DecodeActivationTSV(r io.Reader) (ActivationMap, error) {
	var entries ActivationMap

	scanner := bufio.NewScanner(r)
	line := 0

	for scanner.Scan() {
		line++

		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}

		fields := strings.Split(text, "\t")
		if len(fields) != 3 {
			return nil, fmt.Errorf("activation map line %d: expected 3 fields, got %d", line, len(fields))
		}

		active, err := strconv.ParseBool(fields[1])
		if err != nil {
			return nil, fmt.Errorf("activation map line %d: invalid active flag %q: %w", line, fields[1], err)
		}

		entries = append(entries, ActivationEntry{
			Name:     fields[0],
			Active:   active,
			SourceID: fields[2],
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read activation map: %w", err)
	}

	return entries, nil
}
