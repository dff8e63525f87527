// Package schema defines the target-field catalogs that CSV imports map into.
// A catalog lists the fields a record type supports, which of them are
// required, their expected value types, and the header synonyms used for
// automatic column mapping.
package schema

// FieldType is the expected value type for a target field.
type FieldType int

const (
	FieldText FieldType = iota
	FieldEnum
	FieldDate
	FieldNumeric
	FieldBool
)

// String returns the wire name of the field type.
func (t FieldType) String() string {
	switch t {
	case FieldEnum:
		return "enum"
	case FieldDate:
		return "date"
	case FieldNumeric:
		return "numeric"
	case FieldBool:
		return "bool"
	default:
		return "text"
	}
}

// TargetField describes one field of the import target.
type TargetField struct {
	Name       string   // Canonical field name, snake_case: "mrn"
	Label      string   // Display name: "Medical Record Number"
	Type       FieldType
	Required   bool     // A file with no column mapped to this field is invalid
	EnumValues []string // Valid values for FieldEnum
	Synonyms   []string // Alternate header names accepted during auto-mapping
}

// Catalog is an ordered set of target fields for one record type.
type Catalog struct {
	Name   string
	Fields []TargetField
}

// Field returns the target field with the given canonical name.
func (c Catalog) Field(name string) (TargetField, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return TargetField{}, false
}

// Required returns the required fields in catalog order.
func (c Catalog) Required() []TargetField {
	var out []TargetField
	for _, f := range c.Fields {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

// Names returns all canonical field names in catalog order.
func (c Catalog) Names() []string {
	names := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		names[i] = f.Name
	}
	return names
}

// Patients is the catalog for patient-record imports.
//
// MRN plus name and birth date are required; everything else is optional
// demographic or encounter detail. Synonym lists cover the header spellings
// seen in vendor exports.
var Patients = Catalog{
	Name: "patients",
	Fields: []TargetField{
		{
			Name: "mrn", Label: "Medical Record Number", Type: FieldText, Required: true,
			Synonyms: []string{"medical_record_number", "medical record no", "patient_id", "patient id", "chart_number", "record_number"},
		},
		{
			Name: "first_name", Label: "First Name", Type: FieldText, Required: true,
			Synonyms: []string{"fname", "given_name", "patient_first_name", "firstname"},
		},
		{
			Name: "last_name", Label: "Last Name", Type: FieldText, Required: true,
			Synonyms: []string{"lname", "surname", "family_name", "patient_last_name", "lastname"},
		},
		{
			Name: "date_of_birth", Label: "Date of Birth", Type: FieldDate, Required: true,
			Synonyms: []string{"dob", "birth_date", "birthdate", "born"},
		},
		{
			Name: "sex", Label: "Sex", Type: FieldEnum,
			EnumValues: []string{"M", "F", "O", "U"},
			Synonyms:   []string{"gender", "sex_at_birth"},
		},
		{
			Name: "admit_date", Label: "Admit Date", Type: FieldDate,
			Synonyms: []string{"admission_date", "admitted", "date_of_admission"},
		},
		{
			Name: "discharge_date", Label: "Discharge Date", Type: FieldDate,
			Synonyms: []string{"date_of_discharge", "discharged"},
		},
		{
			Name: "attending_provider", Label: "Attending Provider", Type: FieldText,
			Synonyms: []string{"attending", "provider", "physician", "attending_physician"},
		},
		{
			Name: "insurance_id", Label: "Insurance ID", Type: FieldText,
			Synonyms: []string{"member_id", "policy_number", "insurance_member_id"},
		},
		{
			Name: "phone", Label: "Phone", Type: FieldText,
			Synonyms: []string{"phone_number", "telephone", "home_phone"},
		},
		{
			Name: "email", Label: "Email", Type: FieldText,
			Synonyms: []string{"email_address", "e_mail"},
		},
		{
			Name: "balance_due", Label: "Balance Due", Type: FieldNumeric,
			Synonyms: []string{"balance", "amount_due", "outstanding_balance"},
		},
		{
			Name: "deceased", Label: "Deceased", Type: FieldBool,
			Synonyms: []string{"is_deceased", "death_indicator"},
		},
	},
}
