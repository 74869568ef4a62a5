package disclosure

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Clinician Registry ===========

type clinicianRegistryPG struct{ db queryable }

// NewClinicianRegistryPG returns a registry backed by the clinician table.
func NewClinicianRegistryPG(db queryable) ClinicianRegistry {
	return &clinicianRegistryPG{db: db}
}

func (r *clinicianRegistryPG) IsRegistered(ctx context.Context, clinicianID uuid.UUID) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM clinician WHERE id = $1 AND active = true)`,
		clinicianID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query clinician registry: %w", err)
	}
	return ok, nil
}

// =========== Grant Repository ===========

type grantRepoPG struct{ db queryable }

// NewGrantRepoPG returns a read-only grant repository.
func NewGrantRepoPG(db queryable) GrantRepository {
	return &grantRepoPG{db: db}
}

const grantCols = `g.id, g.clinician_id, g.patient_id, g.access_scope,
	g.explicit_consent, g.consultation, g.emergency, g.is_active, g.expires_at, g.created_at`

func scanGrant(row pgx.Row, extra ...any) (*AccessGrant, error) {
	var g AccessGrant
	var scope string
	dest := []any{&g.ID, &g.ClinicianID, &g.PatientID, &scope,
		&g.ExplicitConsent, &g.Consultation, &g.Emergency, &g.IsActive, &g.ExpiresAt, &g.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	parsed, err := ParseScope(scope)
	if err != nil {
		return nil, fmt.Errorf("grant %s: %w", g.ID, err)
	}
	g.Scope = parsed
	return &g, nil
}

func (r *grantRepoPG) ListActiveForPair(ctx context.Context, clinicianID, patientID uuid.UUID) ([]*AccessGrant, error) {
	rows, err := r.db.Query(ctx, `SELECT `+grantCols+` FROM access_grant g
		WHERE g.clinician_id = $1 AND g.patient_id = $2 AND g.is_active = true
		ORDER BY g.created_at DESC`, clinicianID, patientID)
	if err != nil {
		return nil, fmt.Errorf("query active grants: %w", err)
	}
	defer rows.Close()
	var items []*AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		items = append(items, g)
	}
	return items, rows.Err()
}

func (r *grantRepoPG) ListActiveForClinician(ctx context.Context, clinicianID uuid.UUID) ([]*GrantListing, error) {
	rows, err := r.db.Query(ctx, `SELECT `+grantCols+`, p.name, p.health_plan
		FROM access_grant g
		JOIN patient p ON p.id = g.patient_id
		WHERE g.clinician_id = $1 AND g.is_active = true
			AND (g.expires_at IS NULL OR g.expires_at >= NOW())
		ORDER BY p.name, g.created_at DESC`, clinicianID)
	if err != nil {
		return nil, fmt.Errorf("query clinician grants: %w", err)
	}
	defer rows.Close()
	var items []*GrantListing
	for rows.Next() {
		var l GrantListing
		g, err := scanGrant(rows, &l.Name, &l.HealthPlan)
		if err != nil {
			return nil, fmt.Errorf("scan grant listing: %w", err)
		}
		l.Grant = *g
		items = append(items, &l)
	}
	return items, rows.Err()
}

// =========== Record Repository ===========

type recordRepoPG struct{ db queryable }

// NewRecordRepoPG returns a read-only repository over patient data.
func NewRecordRepoPG(db queryable) RecordRepository {
	return &recordRepoPG{db: db}
}

func (r *recordRepoPG) GetPatient(ctx context.Context, patientID uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.db.QueryRow(ctx,
		`SELECT id, name, birth_date, health_plan FROM patient WHERE id = $1`, patientID).
		Scan(&p.ID, &p.Name, &p.BirthDate, &p.HealthPlan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query patient: %w", err)
	}
	return &p, nil
}

func (r *recordRepoPG) GetClinicalProfile(ctx context.Context, patientID uuid.UUID) (*ClinicalProfile, error) {
	var cp ClinicalProfile
	err := r.db.QueryRow(ctx,
		`SELECT patient_id, blood_type, organ_donor, blood_donor, allergies
		FROM clinical_profile WHERE patient_id = $1`, patientID).
		Scan(&cp.PatientID, &cp.BloodType, &cp.OrganDonor, &cp.BloodDonor, &cp.Allergies)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query clinical profile: %w", err)
	}
	return &cp, nil
}

func (r *recordRepoPG) ListComorbidities(ctx context.Context, patientID uuid.UUID) ([]Comorbidity, error) {
	rows, err := r.db.Query(ctx,
		`SELECT name, source, confirmed_at FROM patient_comorbidity
		WHERE patient_id = $1 ORDER BY confirmed_at DESC NULLS LAST, name`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query comorbidities: %w", err)
	}
	defer rows.Close()
	var items []Comorbidity
	for rows.Next() {
		var c Comorbidity
		if err := rows.Scan(&c.Name, &c.Source, &c.ConfirmedAt); err != nil {
			return nil, fmt.Errorf("scan comorbidity: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// =========== Audit Repository ===========

type auditRepoPG struct{ db queryable }

// NewAuditRepoPG returns the audit writer. The connection it is given should
// use a credential that can only INSERT into disclosure_audit_log.
func NewAuditRepoPG(db queryable) AuditRepository {
	return &auditRepoPG{db: db}
}

func (r *auditRepoPG) Insert(ctx context.Context, rec *AuditRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	basis := rec.ConsentBasis
	if basis == nil {
		basis = []string{}
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO disclosure_audit_log (id, clinician_id, patient_id, action, ip_address,
			access_scope, consent_basis, request_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING occurred_at`,
		rec.ID, rec.ClinicianID, rec.PatientID, rec.Action, rec.IPAddress,
		rec.Scope.String(), basis, rec.RequestID).Scan(&rec.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}
