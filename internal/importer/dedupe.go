package importer

// dedupe.go implements per-job duplicate detection over a composite key
// built from configured target fields. First occurrence wins: the orchestrator
// is the single admission point, so Seen/Mark need no locking.

import (
	"fmt"
	"strings"

	"github.com/carelane/importd/internal/schema"
)

// keySeparator joins composite key components. Component values are trimmed
// and case-folded first so "A123 " and "a123" collide.
const keySeparator = "|"

// ParseDuplicateKey resolves a comma-separated duplicate-key option against
// the catalog, preserving the configured field order. Unknown field names are
// rejected eagerly, before any row is processed.
func ParseDuplicateKey(spec string, cat schema.Catalog) ([]string, error) {
	var fields []string
	for _, part := range strings.Split(spec, ",") {
		name := strings.TrimSpace(strings.ToLower(part))
		if name == "" {
			continue
		}
		if _, ok := cat.Field(name); !ok {
			return nil, &SchemaError{Field: name, Reason: "unknown duplicate-key field"}
		}
		fields = append(fields, name)
	}
	if len(fields) == 0 {
		return nil, &SchemaError{Reason: "duplicate detection enabled but duplicateKey is empty"}
	}
	return fields, nil
}

// Deduper tracks composite keys already admitted for one job. It lives
// exactly as long as the job and is owned by the orchestrator goroutine.
type Deduper struct {
	fields []string
	seen   map[string]struct{}
}

func NewDeduper(fields []string) *Deduper {
	return &Deduper{fields: fields, seen: make(map[string]struct{})}
}

// Key builds the composite key for a row's mapped values. A row missing any
// key component yields "" and is never treated as a duplicate.
func (d *Deduper) Key(values map[string]string) string {
	parts := make([]string, len(d.fields))
	for i, f := range d.fields {
		v := strings.ToLower(strings.TrimSpace(values[f]))
		if v == "" {
			return ""
		}
		parts[i] = v
	}
	return strings.Join(parts, keySeparator)
}

// Seen reports whether the key was already marked for this job.
func (d *Deduper) Seen(key string) bool {
	if key == "" {
		return false
	}
	_, ok := d.seen[key]
	return ok
}

// Mark records the key as admitted.
func (d *Deduper) Mark(key string) {
	if key != "" {
		d.seen[key] = struct{}{}
	}
}

// Len returns the number of distinct keys admitted so far.
func (d *Deduper) Len() int {
	return len(d.seen)
}

func (d *Deduper) String() string {
	return fmt.Sprintf("Deduper(%s: %d keys)", strings.Join(d.fields, ","), len(d.seen))
}
