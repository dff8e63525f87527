package importer

// validator.go is the read-only first pass: it parses the file, infers the
// column mapping, and reports what an import would look like without
// creating any job state. Safe to call repeatedly; deterministic for
// byte-identical input and options.

import (
	"fmt"

	"github.com/carelane/importd/internal/schema"
)

// DefaultSampleRows is how many raw data rows a ValidationResult carries.
const DefaultSampleRows = 5

// Validator produces ValidationResults against one target catalog.
type Validator struct {
	catalog    schema.Catalog
	presets    *PresetStore
	sampleRows int
}

// NewValidator creates a Validator. presets may be nil when mapping presets
// are not in use; sampleRows <= 0 selects the default.
func NewValidator(cat schema.Catalog, presets *PresetStore, sampleRows int) *Validator {
	if sampleRows <= 0 {
		sampleRows = DefaultSampleRows
	}
	return &Validator{catalog: cat, presets: presets, sampleRows: sampleRows}
}

// Validate analyzes the file and reports the inferred mapping, row counts, a
// bounded sample, and row-scoped diagnostics. IsValid depends only on
// required-field coverage: data defects are reported but leave the decision
// to proceed with the caller. The only error return is a *FileFormatError
// for input that cannot be parsed into rows and columns at all.
func (v *Validator) Validate(data []byte, opts ImportOptions) (*ValidationResult, error) {
	records, err := parseRecords(data)
	if err != nil {
		return nil, &FileFormatError{Reason: err.Error()}
	}

	headerIdx := findHeaderRow(records)
	if headerIdx < 0 {
		return nil, &FileFormatError{Reason: "no rows found"}
	}
	header := records[headerIdx]
	if len(header) == 0 || isEmptyRow(header) {
		return nil, &FileFormatError{Reason: "no columns detected"}
	}

	mapping, err := v.resolveMapping(header, opts)
	if err != nil {
		return nil, err
	}

	rows := dataRows(records, headerIdx)
	result := &ValidationResult{
		TotalRows:       len(rows),
		DetectedColumns: mapping,
	}

	// Required coverage decides validity; each gap is a schema-level error.
	mapped := make(map[string]bool)
	for _, m := range mapping {
		if m.Field != "" {
			mapped[m.Field] = true
		}
	}
	result.IsValid = true
	for _, f := range v.catalog.Required() {
		if !mapped[f.Name] {
			result.IsValid = false
			result.Errors = append(result.Errors, RowError{
				Row:      0,
				Field:    f.Name,
				Message:  fmt.Sprintf("no column mapped to required field %q", f.Name),
				Severity: SeverityError,
			})
		}
	}

	// Duplicate-key fields must name known catalog fields; report eagerly so
	// the caller can fix options before Start rejects them.
	if opts.DetectDuplicates {
		if _, err := ParseDuplicateKey(opts.DuplicateKey, v.catalog); err != nil {
			result.Errors = append(result.Errors, RowError{
				Row:      0,
				Message:  err.Error(),
				Severity: SeverityError,
			})
		}
	}

	// Sample pass: raw rows for display plus per-row diagnostics.
	for i, row := range rows {
		if i >= v.sampleRows {
			break
		}
		result.SampleRows = append(result.SampleRows, append([]string(nil), row.Cells...))

		for _, d := range diagnoseRow(row.Line, rowValues(row.Cells, mapping), v.catalog) {
			if d.Severity == SeverityWarning {
				result.Warnings = append(result.Warnings, d)
			} else {
				result.Errors = append(result.Errors, d)
			}
		}
	}

	return result, nil
}

// resolveMapping applies a preset when requested, otherwise infers the
// mapping from header names.
func (v *Validator) resolveMapping(header []string, opts ImportOptions) ([]DetectedColumn, error) {
	if opts.PresetID == "" {
		return InferMapping(header, v.catalog), nil
	}
	if v.presets == nil {
		return nil, &SchemaError{Reason: "mapping presets are not configured"}
	}
	preset, ok := v.presets.Get(opts.PresetID)
	if !ok {
		return nil, &SchemaError{Reason: fmt.Sprintf("unknown mapping preset %q", opts.PresetID)}
	}
	return preset.Apply(header), nil
}
