package importer

// presets.go stores named column-mapping presets. A preset pins header names
// to target fields so recurring vendor exports skip the fuzzy auto-mapper.
// Presets are matched against uploaded headers by coverage score, the same
// way saved templates are scored against files.

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PresetMatchThreshold is the minimum coverage for a preset to be offered as
// a match.
const PresetMatchThreshold = 0.7

// MappingPreset is a saved header-to-field mapping.
type MappingPreset struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Mapping   map[string]string `json:"mapping"` // cleaned header -> field name
	CreatedAt time.Time         `json:"createdAt"`
}

// Apply projects the preset onto a concrete header row. Mapped columns get
// confidence 1.0; headers absent from the preset stay unmapped rather than
// falling back to inference, so a preset is authoritative.
func (p MappingPreset) Apply(header []string) []DetectedColumn {
	out := make([]DetectedColumn, len(header))
	for i, h := range header {
		out[i] = DetectedColumn{Column: h}
		if field, ok := p.Mapping[cleanHeader(h)]; ok && field != "" {
			out[i].Field = field
			out[i].Confidence = 1.0
		}
	}
	return out
}

// PresetMatch pairs a preset with its coverage score against a header row.
type PresetMatch struct {
	Preset MappingPreset `json:"preset"`
	Score  float64       `json:"score"`
}

// PresetStore is an in-process registry of mapping presets.
type PresetStore struct {
	mu   sync.RWMutex
	byID map[string]MappingPreset
}

func NewPresetStore() *PresetStore {
	return &PresetStore{byID: make(map[string]MappingPreset)}
}

// Save stores the preset, assigning an ID and timestamp when absent, and
// returns the stored copy. Mapping keys are normalized so lookups during
// Apply use the same folding as live headers.
func (s *PresetStore) Save(p MappingPreset) MappingPreset {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	normalized := make(map[string]string, len(p.Mapping))
	for col, field := range p.Mapping {
		normalized[cleanHeader(col)] = strings.ToLower(strings.TrimSpace(field))
	}
	p.Mapping = normalized

	s.mu.Lock()
	s.byID[p.ID] = p
	s.mu.Unlock()
	return p
}

func (s *PresetStore) Get(id string) (MappingPreset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	return p, ok
}

// List returns all presets sorted by name.
func (s *PresetStore) List() []MappingPreset {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]MappingPreset, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *PresetStore) Delete(id string) {
	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()
}

// Match scores every preset against the header row and returns those at or
// above the threshold, best first. The score is the fraction of the preset's
// columns present in the headers.
func (s *PresetStore) Match(header []string) []PresetMatch {
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[cleanHeader(h)] = true
	}

	var out []PresetMatch
	for _, p := range s.List() {
		if len(p.Mapping) == 0 {
			continue
		}
		hits := 0
		for col := range p.Mapping {
			if present[col] {
				hits++
			}
		}
		score := float64(hits) / float64(len(p.Mapping))
		if score >= PresetMatchThreshold {
			out = append(out, PresetMatch{Preset: p, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Preset.Name < out[j].Preset.Name
	})
	return out
}
