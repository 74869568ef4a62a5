package disclosure

import "strings"

// Field identifies one disclosable clinical field.
type Field uint16

const (
	FieldBloodType Field = 1 << iota
	FieldOrganDonor
	FieldBloodDonor
	FieldComorbidities
	FieldAllergies
)

var fieldNames = []struct {
	f    Field
	name string
}{
	{FieldBloodType, "blood_type"},
	{FieldOrganDonor, "organ_donor"},
	{FieldBloodDonor, "blood_donor"},
	{FieldComorbidities, "comorbidities"},
	{FieldAllergies, "allergies"},
}

// FieldSet is a set of clinical fields.
type FieldSet uint16

// Has reports whether f is in the set.
func (s FieldSet) Has(f Field) bool { return s&FieldSet(f) != 0 }

// Empty reports whether the set holds no field.
func (s FieldSet) Empty() bool { return s == 0 }

// SubsetOf reports whether every field of s is also in other.
func (s FieldSet) SubsetOf(other FieldSet) bool { return s&^other == 0 }

// Names returns the field names in a stable order.
func (s FieldSet) Names() []string {
	var names []string
	for _, fn := range fieldNames {
		if s.Has(fn.f) {
			names = append(names, fn.name)
		}
	}
	return names
}

func (s FieldSet) String() string {
	return "{" + strings.Join(s.Names(), ",") + "}"
}

// profileFields are the fields read from the clinical_profile row.
const profileFields = FieldSet(FieldBloodType | FieldOrganDonor | FieldBloodDonor | FieldAllergies)

// tierAdditions lists, in ascending scope order, the fields each tier adds on
// top of the tier below it. A tier can only add fields, never remove them.
var tierAdditions = []struct {
	scope Scope
	adds  FieldSet
}{
	{ScopeBasic, 0},
	{ScopeClinical, FieldSet(FieldBloodType | FieldOrganDonor | FieldBloodDonor | FieldComorbidities)},
	{ScopeFull, FieldSet(FieldAllergies)},
}

var scopeFields = buildScopeFields()

func buildScopeFields() map[Scope]FieldSet {
	table := make(map[Scope]FieldSet, len(tierAdditions))
	var acc FieldSet
	for _, tier := range tierAdditions {
		acc |= tier.adds
		table[tier.scope] = acc
	}
	return table
}

// FieldsFor returns the clinical fields a scope discloses. Unknown scopes
// disclose nothing.
func FieldsFor(scope Scope) FieldSet {
	return scopeFields[scope]
}

// needsProfile reports whether the fields require reading the clinical profile.
func needsProfile(fields FieldSet) bool { return fields&profileFields != 0 }

// needsComorbidities reports whether the fields require reading comorbidities.
func needsComorbidities(fields FieldSet) bool { return fields.Has(FieldComorbidities) }

// Project assembles the clinical block for scope. It returns nil when the
// scope discloses no clinical field. A nil profile means the patient has no
// clinical profile on file; the disclosed fields are then null.
func Project(scope Scope, profile *ClinicalProfile, comorbidities []Comorbidity) *ClinicalBlock {
	fields := FieldsFor(scope)
	if fields.Empty() {
		return nil
	}

	block := &ClinicalBlock{
		Fields:        fields,
		ProfileOnFile: profile != nil,
	}
	if profile != nil {
		if fields.Has(FieldBloodType) {
			block.BloodType = profile.BloodType
		}
		if fields.Has(FieldOrganDonor) {
			block.OrganDonor = profile.OrganDonor
		}
		if fields.Has(FieldBloodDonor) {
			block.BloodDonor = profile.BloodDonor
		}
		if fields.Has(FieldAllergies) {
			block.Allergies = profile.Allergies
		}
	}
	if fields.Has(FieldComorbidities) {
		block.Comorbidities = make([]Comorbidity, len(comorbidities))
		copy(block.Comorbidities, comorbidities)
	}
	return block
}
