package importer

import (
	"reflect"
	"testing"

	"github.com/carelane/importd/internal/schema"
)

func TestInferMappingTiers(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		wantField string
		wantConf  float64
	}{
		{"exact", "mrn", "mrn", confExact},
		{"exact after cleaning", "  First Name ", "first_name", confExact},
		{"synonym", "dob", "date_of_birth", confSynonym},
		{"synonym with spaces", "Medical Record No", "mrn", confSynonym},
		{"containment", "patient_mrn", "mrn", confContainment},
		{"token overlap", "name_first", "first_name", confTokens},
		{"no match", "favorite_color", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InferMapping([]string{tt.header}, schema.Patients)
			if len(got) != 1 {
				t.Fatalf("len = %d, want 1", len(got))
			}
			if got[0].Field != tt.wantField {
				t.Errorf("field = %q, want %q", got[0].Field, tt.wantField)
			}
			if got[0].Confidence != tt.wantConf {
				t.Errorf("confidence = %v, want %v", got[0].Confidence, tt.wantConf)
			}
		})
	}
}

func TestInferMappingOneEntryPerColumn(t *testing.T) {
	headers := []string{"mrn", "mystery", "last_name"}
	got := InferMapping(headers, schema.Patients)
	if len(got) != len(headers) {
		t.Fatalf("len = %d, want %d", len(got), len(headers))
	}
	if got[1].Field != "" || got[1].Confidence != 0 {
		t.Errorf("unmapped column carries field %q conf %v", got[1].Field, got[1].Confidence)
	}
	if got[1].Column != "mystery" {
		t.Errorf("column name = %q, want mystery", got[1].Column)
	}
}

func TestInferMappingFieldClaimedOnce(t *testing.T) {
	// Both headers resolve to mrn; the exact match must win and the synonym
	// column must end up unmapped.
	got := InferMapping([]string{"patient_id", "mrn"}, schema.Patients)
	if got[1].Field != "mrn" {
		t.Fatalf("exact header lost mrn: %+v", got)
	}
	if got[0].Field != "" {
		t.Errorf("field mrn claimed twice: %+v", got)
	}
}

func TestInferMappingTieGoesToEarlierColumn(t *testing.T) {
	// Identical headers tie on confidence; the earlier column keeps the field.
	got := InferMapping([]string{"dob", "dob"}, schema.Patients)
	if got[0].Field != "date_of_birth" {
		t.Errorf("first column lost the tie: %+v", got)
	}
	if got[1].Field != "" {
		t.Errorf("second column should stay unmapped: %+v", got)
	}
}

func TestInferMappingDeterministic(t *testing.T) {
	headers := []string{"MRN", "fname", "Surname", "dob", "gender", "balance", "unrelated"}
	first := InferMapping(headers, schema.Patients)
	for i := 0; i < 10; i++ {
		if got := InferMapping(headers, schema.Patients); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs:\n got %+v\nwant %+v", i, got, first)
		}
	}
}

func TestTokenOverlap(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"first_name", "name_first", 1.0},
		{"first_name", "first_initial", 0.5},
		{"abc", "xyz", 0},
	}
	for _, tt := range tests {
		if got := tokenOverlap(tt.a, tt.b); got != tt.want {
			t.Errorf("tokenOverlap(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
