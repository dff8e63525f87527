package importer

// values.go validates and normalizes individual cell values against their
// target-field types. Date handling accepts the common US and ISO layouts,
// with a pivot for 2-digit years; numerics tolerate currency symbols,
// thousands separators, and accounting-style negatives.

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/carelane/importd/internal/schema"
)

var numericPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// twoDigitYearPivot: parsed years more than this many years in the future are
// shifted back a century, so "46" reads as 1946, not 2046.
const twoDigitYearPivot = 20

var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006",
		"2006/01/02", "2006.01.02", "Jan 2, 2006", "2 Jan 2006", "20060102",
	}
)

// parseDate returns the parsed time and whether the value is a valid date.
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}

	pivot := time.Now().Year() + twoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Year() > pivot {
			t = t.AddDate(-100, 0, 0)
		}
		return t, true
	}
	return time.Time{}, false
}

// validNumeric reports whether s parses as a number after stripping currency
// markers. "(123.45)" is accepted as an accounting-format negative.
func validNumeric(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}

	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = "-" + strings.TrimSpace(s[1:len(s)-1])
	}
	for _, sym := range []string{"$", "€", "£", ","} {
		s = strings.ReplaceAll(s, sym, "")
	}
	return numericPattern.MatchString(strings.TrimSpace(s))
}

func validBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "yes", "y", "1", "false", "f", "no", "n", "0":
		return true
	}
	return false
}

// checkValue validates a single non-empty cell value against its field type.
func checkValue(value string, f schema.TargetField) error {
	switch f.Type {
	case schema.FieldDate:
		if _, ok := parseDate(value); !ok {
			return fmt.Errorf("invalid date %q", value)
		}
	case schema.FieldNumeric:
		if !validNumeric(value) {
			return fmt.Errorf("invalid number %q", value)
		}
	case schema.FieldBool:
		if !validBool(value) {
			return fmt.Errorf("invalid boolean %q (use yes/no, true/false, or 1/0)", value)
		}
	case schema.FieldEnum:
		for _, v := range f.EnumValues {
			if strings.EqualFold(v, value) {
				return nil
			}
		}
		return fmt.Errorf("value %q must be one of: %s", value, strings.Join(f.EnumValues, ", "))
	}
	return nil
}

// checkRow validates mapped values for one row and returns the first defect,
// or nil. Used on the authoritative pass where fail-fast is enough.
func checkRow(line int, values map[string]string, cat schema.Catalog) *RowError {
	for _, f := range cat.Fields {
		v, mapped := values[f.Name]
		if !mapped || v == "" {
			if f.Required {
				return &RowError{Row: line, Field: f.Name, Message: "required field is empty", Severity: SeverityError}
			}
			continue
		}
		if err := checkValue(v, f); err != nil {
			return &RowError{Row: line, Field: f.Name, Message: err.Error(), Severity: SeverityError}
		}
	}
	return nil
}

// diagnoseRow validates mapped values for one row and returns every defect.
// Required-field gaps come back as errors, type defects on optional fields
// as warnings. Used by the sample pass so the caller sees all problems at
// once.
func diagnoseRow(line int, values map[string]string, cat schema.Catalog) []RowError {
	var out []RowError
	for _, f := range cat.Fields {
		v, mapped := values[f.Name]
		if !mapped || v == "" {
			if f.Required && mapped {
				out = append(out, RowError{Row: line, Field: f.Name, Message: "required field is empty", Severity: SeverityError})
			}
			continue
		}
		if err := checkValue(v, f); err != nil {
			sev := SeverityWarning
			if f.Required {
				sev = SeverityError
			}
			out = append(out, RowError{Row: line, Field: f.Name, Message: err.Error(), Severity: sev})
		}
	}
	return out
}
