package importer

// mapping.go infers the source-column to target-field mapping from header
// names. Matching is purely name-based (exact, synonym, then fuzzy) so two
// runs over identical headers always produce identical mappings.

import (
	"strings"

	"github.com/carelane/importd/internal/schema"
)

// Match confidence tiers. A header below fuzzyFloor stays unmapped.
const (
	confExact       = 1.0
	confSynonym     = 0.9
	confContainment = 0.75
	confTokens      = 0.6
	fuzzyFloor      = 0.6
)

// InferMapping maps each header column to at most one catalog field. Every
// field is claimed at most once; on contested fields the higher-confidence
// column wins, with the earlier column winning ties. The result has one
// entry per header column, in header order, with Field=="" for unmapped
// columns.
func InferMapping(headers []string, cat schema.Catalog) []DetectedColumn {
	out := make([]DetectedColumn, len(headers))
	claimed := make(map[string]int) // field name -> index into out

	for i, h := range headers {
		out[i] = DetectedColumn{Column: h}

		field, conf := bestField(cleanHeader(h), cat)
		if field == "" {
			continue
		}

		if prev, taken := claimed[field]; taken {
			if conf <= out[prev].Confidence {
				continue
			}
			out[prev].Field = ""
			out[prev].Confidence = 0
		}
		out[i].Field = field
		out[i].Confidence = conf
		claimed[field] = i
	}
	return out
}

// bestField scores one normalized header against the catalog and returns the
// best field at or above the fuzzy floor.
func bestField(header string, cat schema.Catalog) (string, float64) {
	if header == "" {
		return "", 0
	}

	bestName := ""
	bestConf := 0.0
	for _, f := range cat.Fields {
		c := scoreField(header, f)
		if c > bestConf {
			bestName, bestConf = f.Name, c
		}
	}
	if bestConf < fuzzyFloor {
		return "", 0
	}
	return bestName, bestConf
}

func scoreField(header string, f schema.TargetField) float64 {
	if header == f.Name {
		return confExact
	}
	for _, syn := range f.Synonyms {
		if header == normalizeName(syn) {
			return confSynonym
		}
	}

	// Fuzzy tier: containment, then token overlap against name and synonyms.
	best := 0.0
	for _, cand := range append([]string{f.Name}, f.Synonyms...) {
		cand = normalizeName(cand)
		if cand == "" {
			continue
		}
		if strings.Contains(header, cand) || strings.Contains(cand, header) {
			if confContainment > best {
				best = confContainment
			}
			continue
		}
		if tokenOverlap(header, cand) >= 0.5 && confTokens > best {
			best = confTokens
		}
	}
	return best
}

// normalizeName folds a field name or synonym the same way cleanHeader folds
// a CSV header.
func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '.' || r == '/'
	}), "_")
}

// tokenOverlap is the fraction of a's underscore-separated tokens present
// in b.
func tokenOverlap(a, b string) float64 {
	at := strings.Split(a, "_")
	bt := make(map[string]bool)
	for _, t := range strings.Split(b, "_") {
		bt[t] = true
	}
	if len(at) == 0 {
		return 0
	}
	hits := 0
	for _, t := range at {
		if bt[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(at))
}
