package resolve

import (
	"fmt"

	"github.com/google/uuid"
)

// Mapping ties an exact minified position to its original source location.
// There is no interpolation or nearest-match: the triple either matches or
// the frame stays unresolved.
type Mapping struct {
	AssetURL string   `json:"asset_url"`
	Line     int      `json:"line"`
	Column   int      `json:"column"`
	To       Location `json:"to"`
}

type mapKey struct {
	assetURL string
	line     int
	column   int
}

// SourceMap resolves minified JavaScript positions for one
// (project, environment, revision) build.
type SourceMap struct {
	ID          uuid.UUID
	ProjectID   uuid.UUID
	Environment string
	Revision    string
	mappings    map[mapKey]Location
	entries     []Mapping
}

// NewSourceMap validates and indexes a mapping set. Two mappings for the same
// minified position with different targets are a configuration error.
func NewSourceMap(id, projectID uuid.UUID, environment, revision string, mappings []Mapping) (*SourceMap, error) {
	idx := make(map[mapKey]Location, len(mappings))
	for _, m := range mappings {
		k := mapKey{assetURL: m.AssetURL, line: m.Line, column: m.Column}
		if prev, ok := idx[k]; ok && prev != m.To {
			return nil, fmt.Errorf("conflicting mappings for %s:%d:%d", m.AssetURL, m.Line, m.Column)
		}
		idx[k] = m.To
	}
	entries := make([]Mapping, len(mappings))
	copy(entries, mappings)
	return &SourceMap{
		ID:          id,
		ProjectID:   projectID,
		Environment: environment,
		Revision:    revision,
		mappings:    idx,
		entries:     entries,
	}, nil
}

// Mappings returns the original mapping set, for persistence.
func (m *SourceMap) Mappings() []Mapping {
	out := make([]Mapping, len(m.entries))
	copy(out, m.entries)
	return out
}

// Lookup finds the original location for an exact minified triple.
func (m *SourceMap) Lookup(assetURL string, line, column int) (Location, bool) {
	loc, ok := m.mappings[mapKey{assetURL: assetURL, line: line, column: column}]
	return loc, ok
}
