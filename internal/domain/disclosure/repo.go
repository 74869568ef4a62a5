package disclosure

import (
	"context"

	"github.com/google/uuid"
)

// ClinicianRegistry answers whether a caller is a registered practitioner.
type ClinicianRegistry interface {
	IsRegistered(ctx context.Context, clinicianID uuid.UUID) (bool, error)
}

// GrantRepository reads access grants. Implementations return only rows with
// is_active = true.
type GrantRepository interface {
	ListActiveForPair(ctx context.Context, clinicianID, patientID uuid.UUID) ([]*AccessGrant, error)
	ListActiveForClinician(ctx context.Context, clinicianID uuid.UUID) ([]*GrantListing, error)
}

// RecordRepository reads patient demographic and clinical data.
// GetPatient and GetClinicalProfile return ErrNotFound when no row exists.
type RecordRepository interface {
	GetPatient(ctx context.Context, patientID uuid.UUID) (*Patient, error)
	GetClinicalProfile(ctx context.Context, patientID uuid.UUID) (*ClinicalProfile, error)
	ListComorbidities(ctx context.Context, patientID uuid.UUID) ([]Comorbidity, error)
}

// AuditRepository appends audit rows. It never updates or deletes.
type AuditRepository interface {
	Insert(ctx context.Context, rec *AuditRecord) error
}
