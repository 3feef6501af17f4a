// Package resolve holds the three backtrace resolvers and the lookup tables
// they consume. Resolvers are pure functions: same frame plus same table
// always yields the same result, and a miss is never an error.
package resolve

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Location is a resolved source position shared by all three table kinds.
type Location struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Symbol string `json:"symbol"`
}

// AddrRange maps the half-open address range [Start, End) to a source
// location. Ranges within one symbolication never overlap.
type AddrRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
	Location
}

// Symbolication resolves native addresses by range containment.
type Symbolication struct {
	ID     uuid.UUID
	ranges []AddrRange // sorted by Start
}

// NewSymbolication validates and indexes a set of address ranges. Overlapping
// or inverted ranges are a configuration error surfaced here, never during
// resolution.
func NewSymbolication(id uuid.UUID, ranges []AddrRange) (*Symbolication, error) {
	sorted := make([]AddrRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i, r := range sorted {
		if r.End <= r.Start {
			return nil, fmt.Errorf("symbolication range [%d,%d) is empty or inverted", r.Start, r.End)
		}
		if i > 0 && r.Start < sorted[i-1].End {
			return nil, fmt.Errorf("symbolication ranges [%d,%d) and [%d,%d) overlap",
				sorted[i-1].Start, sorted[i-1].End, r.Start, r.End)
		}
	}
	return &Symbolication{ID: id, ranges: sorted}, nil
}

// Ranges returns the indexed ranges in start order, for persistence.
func (s *Symbolication) Ranges() []AddrRange {
	out := make([]AddrRange, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Lookup finds the range containing addr. At most one range can contain it.
func (s *Symbolication) Lookup(addr uint64) (Location, bool) {
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End > addr })
	if i < len(s.ranges) && s.ranges[i].Start <= addr {
		return s.ranges[i].Location, true
	}
	return Location{}, false
}
