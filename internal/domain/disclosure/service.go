package disclosure

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ehr/disclosure/internal/domain/disclosure"

// DefaultStoreTimeout bounds each individual store round-trip.
const DefaultStoreTimeout = 5 * time.Second

// ProfileRequest is a single patient-profile disclosure request. CallerID is
// the identifier resolved from the bearer credential.
type ProfileRequest struct {
	CallerID  string
	PatientID uuid.UUID
	IPAddress string
	RequestID string
}

// Service orchestrates disclosure requests: identity checks, grant
// resolution, scoped data fetch, projection and audit.
type Service struct {
	registry     ClinicianRegistry
	grants       GrantRepository
	records      RecordRepository
	resolver     *Resolver
	recorder     *Recorder
	now          func() time.Time
	storeTimeout time.Duration
	logger       zerolog.Logger
	metrics      *Metrics
	tracer       trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for expiry checks and ages.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithStoreTimeout sets the deadline applied to each store call. Zero
// disables the per-call deadline.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) { s.storeTimeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// NewService wires the disclosure components over the given stores.
func NewService(registry ClinicianRegistry, grants GrantRepository, records RecordRepository, audit AuditRepository, opts ...Option) *Service {
	s := &Service{
		registry:     registry,
		grants:       grants,
		records:      records,
		now:          time.Now,
		storeTimeout: DefaultStoreTimeout,
		logger:       zerolog.Nop(),
		tracer:       otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resolver = NewResolver(grants, s.now, s.logger, s.metrics)
	s.recorder = NewRecorder(audit, s.metrics)
	return s
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

// verifyClinician checks the caller identity and its registration.
func (s *Service) verifyClinician(ctx context.Context, callerID string) (uuid.UUID, error) {
	if callerID == "" {
		return uuid.Nil, deny(ReasonUnauthenticated, nil)
	}
	clinicianID, err := uuid.Parse(callerID)
	if err != nil {
		return uuid.Nil, deny(ReasonNotAClinician, nil)
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	ok, err := s.registry.IsRegistered(sctx, clinicianID)
	if err != nil {
		return uuid.Nil, deny(ReasonInternalError, err)
	}
	if !ok {
		return uuid.Nil, deny(ReasonNotAClinician, nil)
	}
	return clinicianID, nil
}

// GetPatientProfile discloses the patient's summary and, per the grant's
// scope, the clinical block. Exactly one audit record is written for every
// successful call; a failed audit write denies the disclosure.
func (s *Service) GetPatientProfile(ctx context.Context, req ProfileRequest) (*ProfilePayload, error) {
	ctx, span := s.tracer.Start(ctx, "disclosure.GetPatientProfile",
		trace.WithAttributes(attribute.String("patient.id", req.PatientID.String())))
	defer span.End()

	payload, err := s.getPatientProfile(ctx, req)
	s.finish(span, opGetProfile, req.CallerID, req.PatientID, req.RequestID, err)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *Service) getPatientProfile(ctx context.Context, req ProfileRequest) (*ProfilePayload, error) {
	clinicianID, err := s.verifyClinician(ctx, req.CallerID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	grant, err := s.resolver.Resolve(sctx, clinicianID, req.PatientID)
	cancel()
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("grant.scope", grant.Scope.String()))

	patient, profile, comorbidities, err := s.fetch(ctx, req.PatientID, FieldsFor(grant.Scope))
	if err != nil {
		return nil, err
	}

	payload := &ProfilePayload{
		Patient: PatientSummary{
			Name:       patient.Name,
			Age:        patient.AgeAt(s.now()),
			HealthPlan: patient.HealthPlan,
		},
		ClinicalProfile: Project(grant.Scope, profile, comorbidities),
	}

	sctx, cancel = s.storeCtx(ctx)
	defer cancel()
	_, err = s.recorder.Record(sctx, AuditEntry{
		ClinicianID:  clinicianID,
		PatientID:    req.PatientID,
		Action:       ActionViewProfile,
		IPAddress:    req.IPAddress,
		Scope:        grant.Scope,
		ConsentBasis: grant.ConsentBasis,
		RequestID:    req.RequestID,
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// fetch reads the demographic profile and only the clinical data that fields
// will disclose.
func (s *Service) fetch(ctx context.Context, patientID uuid.UUID, fields FieldSet) (*Patient, *ClinicalProfile, []Comorbidity, error) {
	sctx, cancel := s.storeCtx(ctx)
	patient, err := s.records.GetPatient(sctx, patientID)
	cancel()
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil, deny(ReasonIntegrityFault, err)
	}
	if err != nil {
		return nil, nil, nil, deny(ReasonInternalError, err)
	}

	var profile *ClinicalProfile
	if needsProfile(fields) {
		sctx, cancel := s.storeCtx(ctx)
		profile, err = s.records.GetClinicalProfile(sctx, patientID)
		cancel()
		if errors.Is(err, ErrNotFound) {
			profile, err = nil, nil
		}
		if err != nil {
			return nil, nil, nil, deny(ReasonInternalError, err)
		}
	}

	var comorbidities []Comorbidity
	if needsComorbidities(fields) {
		sctx, cancel := s.storeCtx(ctx)
		comorbidities, err = s.records.ListComorbidities(sctx, patientID)
		cancel()
		if err != nil {
			return nil, nil, nil, deny(ReasonInternalError, err)
		}
	}
	return patient, profile, comorbidities, nil
}

// ListAuthorizedPatients returns every patient the caller currently holds an
// active, unexpired grant for. It is a listing, not a disclosure, and writes
// no audit record.
func (s *Service) ListAuthorizedPatients(ctx context.Context, callerID string) ([]AuthorizedPatient, error) {
	ctx, span := s.tracer.Start(ctx, "disclosure.ListAuthorizedPatients")
	defer span.End()

	items, err := s.listAuthorizedPatients(ctx, callerID)
	s.finish(span, opListPatients, callerID, uuid.Nil, "", err)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Service) listAuthorizedPatients(ctx context.Context, callerID string) ([]AuthorizedPatient, error) {
	clinicianID, err := s.verifyClinician(ctx, callerID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	listings, err := s.grants.ListActiveForClinician(sctx, clinicianID)
	cancel()
	if err != nil {
		return nil, deny(ReasonInternalError, err)
	}

	now := s.now()
	latest := make(map[uuid.UUID]*GrantListing)
	for _, l := range listings {
		if l == nil || !l.Grant.IsActive || l.Grant.ExpiredAt(now) {
			continue
		}
		prev, seen := latest[l.Grant.PatientID]
		if seen {
			s.metrics.duplicateGrant()
			s.logger.Warn().
				Str("clinician_id", clinicianID.String()).
				Str("patient_id", l.Grant.PatientID.String()).
				Msg("multiple active grants for clinician/patient pair")
			if !l.Grant.CreatedAt.After(prev.Grant.CreatedAt) {
				continue
			}
		}
		latest[l.Grant.PatientID] = l
	}

	out := make([]AuthorizedPatient, 0, len(latest))
	for _, l := range latest {
		out = append(out, AuthorizedPatient{
			PatientID:  l.Grant.PatientID,
			Name:       l.Name,
			HealthPlan: l.HealthPlan,
			Scope:      l.Grant.Scope,
			Consent:    l.Grant.HasConsent(),
			ExpiresAt:  l.Grant.ExpiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].PatientID.String() < out[j].PatientID.String()
	})
	return out, nil
}

// finish records the outcome of a request on the span, the metrics and the log.
func (s *Service) finish(span trace.Span, operation, callerID string, patientID uuid.UUID, requestID string, err error) {
	if err == nil {
		s.metrics.decision(operation, "disclosed")
		span.SetStatus(codes.Ok, "")
		return
	}

	reason := ReasonOf(err)
	s.metrics.decision(operation, string(reason))
	span.SetAttributes(attribute.String("denial.reason", string(reason)))

	evt := s.logger.Info()
	switch reason {
	case ReasonInternalError, ReasonAuditWriteFailed:
		span.RecordError(err)
		span.SetStatus(codes.Error, string(reason))
		evt = s.logger.Error().Err(err)
	case ReasonIntegrityFault:
		evt = s.logger.Error().Err(err)
	}
	evt = evt.
		Str("operation", operation).
		Str("request_id", requestID).
		Str("caller_id", callerID).
		Str("reason", string(reason))
	if patientID != uuid.Nil {
		evt = evt.Str("patient_id", patientID.String())
	}
	evt.Msg("disclosure denied")
}
