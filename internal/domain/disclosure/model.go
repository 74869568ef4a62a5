package disclosure

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Scope is the disclosure tier carried by an access grant. Values are ordered
// by breadth: ScopeBasic < ScopeClinical < ScopeFull.
type Scope int

const (
	ScopeUnknown Scope = iota
	ScopeBasic
	ScopeClinical
	ScopeFull
)

var scopeNames = map[Scope]string{
	ScopeBasic:    "basic",
	ScopeClinical: "clinical",
	ScopeFull:     "full",
}

// Scopes returns every valid scope in ascending order of breadth.
func Scopes() []Scope {
	return []Scope{ScopeBasic, ScopeClinical, ScopeFull}
}

// ParseScope converts the stored representation of a scope into a Scope.
func ParseScope(s string) (Scope, error) {
	for scope, name := range scopeNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return scope, nil
		}
	}
	return ScopeUnknown, fmt.Errorf("unknown access scope %q", s)
}

func (s Scope) String() string {
	if name, ok := scopeNames[s]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether s is one of the three defined tiers.
func (s Scope) Valid() bool {
	_, ok := scopeNames[s]
	return ok
}

// Includes reports whether s discloses at least as much as other.
func (s Scope) Includes(other Scope) bool {
	return s.Valid() && other.Valid() && s >= other
}

func (s Scope) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid scope %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Scope) UnmarshalText(b []byte) error {
	parsed, err := ParseScope(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// AccessGrant maps to the access_grant table. Rows are written by the patient
// authorization workflow; this service only reads them.
type AccessGrant struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	ClinicianID     uuid.UUID  `db:"clinician_id" json:"clinician_id"`
	PatientID       uuid.UUID  `db:"patient_id" json:"patient_id"`
	Scope           Scope      `db:"access_scope" json:"access_scope"`
	ExplicitConsent bool       `db:"explicit_consent" json:"explicit_consent"`
	Consultation    bool       `db:"consultation" json:"consultation"`
	Emergency       bool       `db:"emergency" json:"emergency"`
	IsActive        bool       `db:"is_active" json:"is_active"`
	ExpiresAt       *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// Consent basis tags, as recorded in the audit log.
const (
	ConsentExplicit     = "explicit_consent"
	ConsentConsultation = "consultation"
	ConsentEmergency    = "emergency"
)

// HasConsent reports whether any of the three consent signals is set.
func (g *AccessGrant) HasConsent() bool {
	return g.ExplicitConsent || g.Consultation || g.Emergency
}

// ConsentBasis lists the consent signals that are set on the grant.
func (g *AccessGrant) ConsentBasis() []string {
	var basis []string
	if g.ExplicitConsent {
		basis = append(basis, ConsentExplicit)
	}
	if g.Consultation {
		basis = append(basis, ConsentConsultation)
	}
	if g.Emergency {
		basis = append(basis, ConsentEmergency)
	}
	return basis
}

// ExpiredAt reports whether the grant has a set expiry strictly before now.
func (g *AccessGrant) ExpiredAt(now time.Time) bool {
	return g.ExpiresAt != nil && g.ExpiresAt.Before(now)
}

// Patient is the demographic profile of a patient.
type Patient struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	Name       string     `db:"name" json:"name"`
	BirthDate  *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	HealthPlan *string    `db:"health_plan" json:"health_plan,omitempty"`
}

// AgeAt returns the patient's age in whole years at t, or nil when the birth
// date is not recorded.
func (p *Patient) AgeAt(t time.Time) *int {
	if p.BirthDate == nil {
		return nil
	}
	b := p.BirthDate.UTC()
	t = t.UTC()
	age := t.Year() - b.Year()
	if t.Month() < b.Month() || (t.Month() == b.Month() && t.Day() < b.Day()) {
		age--
	}
	if age < 0 {
		age = 0
	}
	return &age
}

// ClinicalProfile maps to the clinical_profile table. A patient may have no
// row at all.
type ClinicalProfile struct {
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	BloodType  *string   `db:"blood_type" json:"blood_type,omitempty"`
	OrganDonor *bool     `db:"organ_donor" json:"organ_donor,omitempty"`
	BloodDonor *bool     `db:"blood_donor" json:"blood_donor,omitempty"`
	Allergies  *string   `db:"allergies" json:"allergies,omitempty"`
}

// Comorbidity maps to the patient_comorbidity table.
type Comorbidity struct {
	Name        string     `db:"name" json:"name"`
	Source      string     `db:"source" json:"source"`
	ConfirmedAt *time.Time `db:"confirmed_at" json:"confirmed_at"`
}

// ActionViewProfile is the audit action written for every profile disclosure.
const ActionViewProfile = "VIEW_PROFILE"

// AuditRecord maps to the disclosure_audit_log table. Rows are insert-only.
type AuditRecord struct {
	ID           uuid.UUID `db:"id" json:"id"`
	ClinicianID  uuid.UUID `db:"clinician_id" json:"clinician_id"`
	PatientID    uuid.UUID `db:"patient_id" json:"patient_id"`
	Action       string    `db:"action" json:"action"`
	IPAddress    string    `db:"ip_address" json:"ip_address"`
	OccurredAt   time.Time `db:"occurred_at" json:"occurred_at"`
	Scope        Scope     `db:"access_scope" json:"access_scope"`
	ConsentBasis []string  `db:"consent_basis" json:"consent_basis"`
	RequestID    string    `db:"request_id" json:"request_id,omitempty"`
}

// PatientSummary is the block of a disclosure that is present for every
// authorized request.
type PatientSummary struct {
	Name       string  `json:"name"`
	Age        *int    `json:"age"`
	HealthPlan *string `json:"health_plan"`
}

// ProfilePayload is the response of a successful profile disclosure.
type ProfilePayload struct {
	Patient         PatientSummary `json:"patient"`
	ClinicalProfile *ClinicalBlock `json:"clinical_profile,omitempty"`
}

// ClinicalBlock is the scope-dependent part of a disclosure. Only the fields
// in Fields are serialized; a disclosed field with no recorded value is
// serialized as null.
type ClinicalBlock struct {
	Fields        FieldSet
	ProfileOnFile bool
	BloodType     *string
	OrganDonor    *bool
	BloodDonor    *bool
	Allergies     *string
	Comorbidities []Comorbidity
}

func (b *ClinicalBlock) MarshalJSON() ([]byte, error) {
	out := map[string]any{"profile_on_file": b.ProfileOnFile}
	if b.Fields.Has(FieldBloodType) {
		out["blood_type"] = b.BloodType
	}
	if b.Fields.Has(FieldOrganDonor) {
		out["organ_donor"] = b.OrganDonor
	}
	if b.Fields.Has(FieldBloodDonor) {
		out["blood_donor"] = b.BloodDonor
	}
	if b.Fields.Has(FieldAllergies) {
		out["allergies"] = b.Allergies
	}
	if b.Fields.Has(FieldComorbidities) {
		list := b.Comorbidities
		if list == nil {
			list = []Comorbidity{}
		}
		out["comorbidities"] = list
	}
	return json.Marshal(out)
}

// AuthorizedPatient is one row of the authorized-patients listing.
type AuthorizedPatient struct {
	PatientID  uuid.UUID  `json:"patient_id"`
	Name       string     `json:"name"`
	HealthPlan *string    `json:"health_plan"`
	Scope      Scope      `json:"access_scope"`
	Consent    bool       `json:"consent"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

// GrantListing is a grant joined with the demographic fields the listing shows.
type GrantListing struct {
	Grant      AccessGrant
	Name       string
	HealthPlan *string
}
