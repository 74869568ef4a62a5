package disclosure

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func ptrStr(s string) *string        { return &s }
func ptrBool(b bool) *bool           { return &b }
func ptrTime(t time.Time) *time.Time { return &t }
func dateOf(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var errStoreDown = errors.New("connection refused")

// -- Mock Repositories --

type mockRegistry struct {
	mu    sync.Mutex
	ids   map[uuid.UUID]bool
	err   error
	calls int
}

func newMockRegistry(ids ...uuid.UUID) *mockRegistry {
	m := &mockRegistry{ids: make(map[uuid.UUID]bool)}
	for _, id := range ids {
		m.ids[id] = true
	}
	return m
}

func (m *mockRegistry) IsRegistered(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return false, m.err
	}
	return m.ids[id], nil
}

type mockGrantRepo struct {
	mu        sync.Mutex
	grants    []*AccessGrant
	patients  map[uuid.UUID]*Patient
	err       error
	pairCalls int
	block     bool
}

func newMockGrantRepo(patients map[uuid.UUID]*Patient) *mockGrantRepo {
	return &mockGrantRepo{patients: patients}
}

func (m *mockGrantRepo) add(g *AccessGrant) *AccessGrant {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = testNow.Add(-24 * time.Hour)
	}
	m.grants = append(m.grants, g)
	return g
}

func (m *mockGrantRepo) ListActiveForPair(ctx context.Context, clinicianID, patientID uuid.UUID) ([]*AccessGrant, error) {
	m.mu.Lock()
	m.pairCalls++
	block, err := m.block, m.err
	m.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AccessGrant
	for _, g := range m.grants {
		if g.ClinicianID == clinicianID && g.PatientID == patientID && g.IsActive {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockGrantRepo) ListActiveForClinician(_ context.Context, clinicianID uuid.UUID) ([]*GrantListing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*GrantListing
	for _, g := range m.grants {
		if g.ClinicianID != clinicianID || !g.IsActive {
			continue
		}
		l := &GrantListing{Grant: *g}
		if p, ok := m.patients[g.PatientID]; ok {
			l.Name = p.Name
			l.HealthPlan = p.HealthPlan
		}
		out = append(out, l)
	}
	return out, nil
}

type mockRecordRepo struct {
	mu               sync.Mutex
	patients         map[uuid.UUID]*Patient
	profiles         map[uuid.UUID]*ClinicalProfile
	comorbidities    map[uuid.UUID][]Comorbidity
	err              error
	patientCalls     int
	profileCalls     int
	comorbidityCalls int
}

func newMockRecordRepo() *mockRecordRepo {
	return &mockRecordRepo{
		patients:      make(map[uuid.UUID]*Patient),
		profiles:      make(map[uuid.UUID]*ClinicalProfile),
		comorbidities: make(map[uuid.UUID][]Comorbidity),
	}
}

func (m *mockRecordRepo) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patientCalls++
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockRecordRepo) GetClinicalProfile(_ context.Context, id uuid.UUID) (*ClinicalProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profileCalls++
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockRecordRepo) ListComorbidities(_ context.Context, id uuid.UUID) ([]Comorbidity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comorbidityCalls++
	if m.err != nil {
		return nil, m.err
	}
	return append([]Comorbidity(nil), m.comorbidities[id]...), nil
}

func (m *mockRecordRepo) patientReads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patientCalls
}

func (m *mockRecordRepo) clinicalReads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profileCalls + m.comorbidityCalls
}

type mockAuditRepo struct {
	mu      sync.Mutex
	records []*AuditRecord
	err     error
}

func (m *mockAuditRepo) Insert(_ context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	rec.OccurredAt = time.Now().UTC()
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *mockAuditRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *mockAuditRepo) last() *AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[len(m.records)-1]
}

// -- Fixture --

type fixture struct {
	svc         *Service
	registry    *mockRegistry
	grants      *mockGrantRepo
	records     *mockRecordRepo
	audit       *mockAuditRepo
	clinicianID uuid.UUID
	patientID   uuid.UUID
}

// newFixture returns a service with one registered clinician and one patient
// that has a full clinical profile on file. No grant exists yet.
func newFixture(opts ...Option) *fixture {
	clinicianID := uuid.New()
	patientID := uuid.New()

	records := newMockRecordRepo()
	records.patients[patientID] = &Patient{
		ID:         patientID,
		Name:       "Maria Souza",
		BirthDate:  ptrTime(dateOf(1980, time.June, 15)),
		HealthPlan: ptrStr("Unimed Gold"),
	}
	records.profiles[patientID] = &ClinicalProfile{
		PatientID:  patientID,
		BloodType:  ptrStr("O+"),
		OrganDonor: ptrBool(true),
		BloodDonor: ptrBool(false),
		Allergies:  ptrStr("penicillin"),
	}
	records.comorbidities[patientID] = []Comorbidity{
		{Name: "hypertension", Source: "exam", ConfirmedAt: ptrTime(dateOf(2024, time.January, 5))},
		{Name: "type 2 diabetes", Source: "self-reported", ConfirmedAt: nil},
	}

	f := &fixture{
		registry:    newMockRegistry(clinicianID),
		grants:      newMockGrantRepo(records.patients),
		records:     records,
		audit:       &mockAuditRepo{},
		clinicianID: clinicianID,
		patientID:   patientID,
	}
	all := append([]Option{WithClock(fixedClock)}, opts...)
	f.svc = NewService(f.registry, f.grants, f.records, f.audit, all...)
	return f
}

// grant adds an active consultation grant with the given scope for the
// fixture's clinician and patient.
func (f *fixture) grant(scope Scope) *AccessGrant {
	return f.grants.add(&AccessGrant{
		ClinicianID:  f.clinicianID,
		PatientID:    f.patientID,
		Scope:        scope,
		Consultation: true,
		IsActive:     true,
	})
}

func (f *fixture) request() ProfileRequest {
	return ProfileRequest{
		CallerID:  f.clinicianID.String(),
		PatientID: f.patientID,
		IPAddress: "203.0.113.7",
		RequestID: "req-1",
	}
}
