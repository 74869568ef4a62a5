package disclosure

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ResolvedGrant is a grant that passed activity, expiry and consent checks.
type ResolvedGrant struct {
	Grant        *AccessGrant
	Scope        Scope
	ConsentBasis []string
}

// Resolver looks up and validates the single active grant between a clinician
// and a patient.
type Resolver struct {
	grants  GrantRepository
	now     func() time.Time
	logger  zerolog.Logger
	metrics *Metrics
}

// NewResolver creates a Resolver. A nil now defaults to time.Now.
func NewResolver(grants GrantRepository, now func() time.Time, logger zerolog.Logger, metrics *Metrics) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{grants: grants, now: now, logger: logger, metrics: metrics}
}

// Resolve returns the validated grant or a *Denial. Store failures are
// reported as ReasonInternalError.
func (r *Resolver) Resolve(ctx context.Context, clinicianID, patientID uuid.UUID) (*ResolvedGrant, error) {
	rows, err := r.grants.ListActiveForPair(ctx, clinicianID, patientID)
	if err != nil {
		return nil, deny(ReasonInternalError, err)
	}

	grant := r.pick(clinicianID, patientID, rows)
	if grant == nil {
		return nil, deny(ReasonNoActiveAccess, nil)
	}
	if grant.ExpiredAt(r.now()) {
		return nil, deny(ReasonAccessExpired, nil)
	}
	if !grant.HasConsent() {
		return nil, deny(ReasonNoConsent, nil)
	}

	return &ResolvedGrant{
		Grant:        grant,
		Scope:        grant.Scope,
		ConsentBasis: grant.ConsentBasis(),
	}, nil
}

// pick selects the most recently created active grant. Inactive rows are
// ignored even if the store returned them.
func (r *Resolver) pick(clinicianID, patientID uuid.UUID, rows []*AccessGrant) *AccessGrant {
	var chosen *AccessGrant
	active := 0
	for _, g := range rows {
		if g == nil || !g.IsActive {
			continue
		}
		active++
		if chosen == nil || g.CreatedAt.After(chosen.CreatedAt) {
			chosen = g
		}
	}
	if active > 1 {
		r.metrics.duplicateGrant()
		r.logger.Warn().
			Str("clinician_id", clinicianID.String()).
			Str("patient_id", patientID.String()).
			Int("duplicate_active_grants", active).
			Str("selected_grant_id", chosen.ID.String()).
			Msg("multiple active grants for clinician/patient pair")
	}
	return chosen
}
