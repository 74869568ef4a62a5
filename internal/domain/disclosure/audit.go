package disclosure

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AuditEntry describes one disclosure to be recorded.
type AuditEntry struct {
	ClinicianID  uuid.UUID
	PatientID    uuid.UUID
	Action       string
	IPAddress    string
	Scope        Scope
	ConsentBasis []string
	RequestID    string
}

// Recorder writes one immutable audit record per successful disclosure.
type Recorder struct {
	repo    AuditRepository
	metrics *Metrics
}

// NewRecorder creates a Recorder backed by repo.
func NewRecorder(repo AuditRepository, metrics *Metrics) *Recorder {
	return &Recorder{repo: repo, metrics: metrics}
}

// Record appends the entry and returns the stored record. Any failure is
// returned as a *Denial with ReasonAuditWriteFailed.
func (r *Recorder) Record(ctx context.Context, e AuditEntry) (*AuditRecord, error) {
	if e.ClinicianID == uuid.Nil || e.PatientID == uuid.Nil {
		r.metrics.auditWrite(false)
		return nil, deny(ReasonAuditWriteFailed, fmt.Errorf("audit entry requires clinician and patient ids"))
	}
	if e.Action == "" {
		e.Action = ActionViewProfile
	}

	basis := make([]string, len(e.ConsentBasis))
	copy(basis, e.ConsentBasis)

	rec := &AuditRecord{
		ID:           uuid.New(),
		ClinicianID:  e.ClinicianID,
		PatientID:    e.PatientID,
		Action:       e.Action,
		IPAddress:    e.IPAddress,
		Scope:        e.Scope,
		ConsentBasis: basis,
		RequestID:    e.RequestID,
	}
	if err := r.repo.Insert(ctx, rec); err != nil {
		r.metrics.auditWrite(false)
		return nil, deny(ReasonAuditWriteFailed, err)
	}
	if err := ctx.Err(); err != nil {
		// The row may be committed; it stands. The disclosure does not.
		r.metrics.auditWrite(false)
		return nil, deny(ReasonAuditWriteFailed, err)
	}
	r.metrics.auditWrite(true)
	return rec, nil
}
