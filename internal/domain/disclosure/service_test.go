package disclosure

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPatientProfile_BasicOmitsClinicalBlock(t *testing.T) {
	f := newFixture()
	f.grant(ScopeBasic)

	payload, err := f.svc.GetPatientProfile(context.Background(), f.request())
	require.NoError(t, err)
	assert.Equal(t, "Maria Souza", payload.Patient.Name)
	require.NotNil(t, payload.Patient.Age)
	assert.Equal(t, 45, *payload.Patient.Age)
	assert.Equal(t, "Unimed Gold", *payload.Patient.HealthPlan)
	assert.Nil(t, payload.ClinicalProfile)

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "clinical_profile")

	assert.Zero(t, f.records.clinicalReads(), "basic scope must not read clinical data")
	assert.Equal(t, 1, f.audit.count())
}

func TestGetPatientProfile_FullDisclosesEverything(t *testing.T) {
	f := newFixture()
	f.grant(ScopeFull)

	payload, err := f.svc.GetPatientProfile(context.Background(), f.request())
	require.NoError(t, err)
	block := payload.ClinicalProfile
	require.NotNil(t, block)
	assert.Equal(t, "penicillin", *block.Allergies)
	assert.Equal(t, "O+", *block.BloodType)
	assert.True(t, *block.OrganDonor)
	assert.False(t, *block.BloodDonor)
	assert.Len(t, block.Comorbidities, 2)

	rec := f.audit.last()
	assert.Equal(t, f.clinicianID, rec.ClinicianID)
	assert.Equal(t, f.patientID, rec.PatientID)
	assert.Equal(t, ActionViewProfile, rec.Action)
	assert.Equal(t, "203.0.113.7", rec.IPAddress)
	assert.Equal(t, ScopeFull, rec.Scope)
	assert.Equal(t, []string{ConsentConsultation}, rec.ConsentBasis)
	assert.Equal(t, "req-1", rec.RequestID)
}

func TestGetPatientProfile_ClinicalWithholdsAllergies(t *testing.T) {
	f := newFixture()
	f.grant(ScopeClinical)

	payload, err := f.svc.GetPatientProfile(context.Background(), f.request())
	require.NoError(t, err)
	require.NotNil(t, payload.ClinicalProfile)

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "penicillin")
	assert.NotContains(t, string(raw), "allergies")
	assert.Contains(t, string(raw), `"blood_type":"O+"`)
}

func TestGetPatientProfile_Denials(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture) ProfileRequest
		want  Reason

		// unresolved denials happen before a grant is resolved; the record
		// store must not be touched.
		unresolved bool
	}{
		{
			name: "expired yesterday",
			setup: func(f *fixture) ProfileRequest {
				g := f.grant(ScopeFull)
				g.ExpiresAt = ptrTime(testNow.AddDate(0, 0, -1))
				return f.request()
			},
			want:       ReasonAccessExpired,
			unresolved: true,
		},
		{
			name: "inactive grant",
			setup: func(f *fixture) ProfileRequest {
				g := f.grant(ScopeFull)
				g.IsActive = false
				return f.request()
			},
			want:       ReasonNoActiveAccess,
			unresolved: true,
		},
		{
			name:       "no grant",
			setup:      func(f *fixture) ProfileRequest { return f.request() },
			want:       ReasonNoActiveAccess,
			unresolved: true,
		},
		{
			name: "no consent signal",
			setup: func(f *fixture) ProfileRequest {
				g := f.grant(ScopeFull)
				g.Consultation = false
				return f.request()
			},
			want:       ReasonNoConsent,
			unresolved: true,
		},
		{
			name: "missing credential",
			setup: func(f *fixture) ProfileRequest {
				f.grant(ScopeFull)
				req := f.request()
				req.CallerID = ""
				return req
			},
			want:       ReasonUnauthenticated,
			unresolved: true,
		},
		{
			name: "unregistered caller",
			setup: func(f *fixture) ProfileRequest {
				f.grant(ScopeFull)
				req := f.request()
				req.CallerID = uuid.NewString()
				return req
			},
			want:       ReasonNotAClinician,
			unresolved: true,
		},
		{
			name: "malformed caller id",
			setup: func(f *fixture) ProfileRequest {
				req := f.request()
				req.CallerID = "not-a-uuid"
				return req
			},
			want:       ReasonNotAClinician,
			unresolved: true,
		},
		{
			name: "grant for a deleted patient",
			setup: func(f *fixture) ProfileRequest {
				f.grant(ScopeFull)
				delete(f.records.patients, f.patientID)
				return f.request()
			},
			want: ReasonIntegrityFault,
		},
		{
			name: "registry unavailable",
			setup: func(f *fixture) ProfileRequest {
				f.registry.err = errStoreDown
				return f.request()
			},
			want:       ReasonInternalError,
			unresolved: true,
		},
		{
			name: "grant store unavailable",
			setup: func(f *fixture) ProfileRequest {
				f.grants.err = errStoreDown
				return f.request()
			},
			want:       ReasonInternalError,
			unresolved: true,
		},
		{
			name: "record store unavailable",
			setup: func(f *fixture) ProfileRequest {
				f.grant(ScopeFull)
				f.records.err = errStoreDown
				return f.request()
			},
			want: ReasonInternalError,
		},
		{
			name: "audit store unavailable",
			setup: func(f *fixture) ProfileRequest {
				f.grant(ScopeFull)
				f.audit.err = errStoreDown
				return f.request()
			},
			want: ReasonAuditWriteFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := tt.setup(f)

			payload, err := f.svc.GetPatientProfile(context.Background(), req)
			assert.Nil(t, payload)
			require.Error(t, err)
			assert.Equal(t, tt.want, ReasonOf(err))
			assert.Zero(t, f.audit.count(), "denied requests must not be audited")
			if tt.unresolved {
				assert.Zero(t, f.records.patientReads(), "patient read before authorization")
				assert.Zero(t, f.records.clinicalReads(), "clinical data read before authorization")
			}
		})
	}
}

func TestGetPatientProfile_UnregisteredCallerSkipsGrantLookup(t *testing.T) {
	f := newFixture()
	f.grant(ScopeFull)
	req := f.request()
	req.CallerID = uuid.NewString()

	_, err := f.svc.GetPatientProfile(context.Background(), req)
	assert.Equal(t, ReasonNotAClinician, ReasonOf(err))
	assert.Zero(t, f.grants.pairCalls)
	assert.Zero(t, f.records.patientCalls)
}

func TestGetPatientProfile_AuditFailureWithholdsPayload(t *testing.T) {
	f := newFixture()
	f.grant(ScopeFull)
	f.audit.err = errStoreDown

	payload, err := f.svc.GetPatientProfile(context.Background(), f.request())
	assert.Nil(t, payload)
	assert.Equal(t, ReasonAuditWriteFailed, ReasonOf(err))
	assert.Equal(t, ReasonInternalError, ReasonOf(err).PublicReason())
}

func TestGetPatientProfile_RepeatedReadsAuditEach(t *testing.T) {
	f := newFixture()
	f.grant(ScopeFull)

	first, err := f.svc.GetPatientProfile(context.Background(), f.request())
	require.NoError(t, err)
	second, err := f.svc.GetPatientProfile(context.Background(), f.request())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, f.audit.count())
	assert.NotEqual(t, f.audit.records[0].ID, f.audit.records[1].ID)
}

func TestGetPatientProfile_NoProfileOnFile(t *testing.T) {
	f := newFixture()
	f.grant(ScopeFull)
	delete(f.records.profiles, f.patientID)
	delete(f.records.comorbidities, f.patientID)

	payload, err := f.svc.GetPatientProfile(context.Background(), f.request())
	require.NoError(t, err)
	block := payload.ClinicalProfile
	require.NotNil(t, block)
	assert.False(t, block.ProfileOnFile)
	assert.Nil(t, block.BloodType)
	assert.Nil(t, block.Allergies)
	assert.Empty(t, block.Comorbidities)
	assert.Equal(t, 1, f.audit.count())
}

func TestGetPatientProfile_StoreTimeout(t *testing.T) {
	f := newFixture(WithStoreTimeout(20 * time.Millisecond))
	f.grant(ScopeFull)
	f.grants.block = true

	start := time.Now()
	_, err := f.svc.GetPatientProfile(context.Background(), f.request())
	assert.Equal(t, ReasonInternalError, ReasonOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, f.audit.count())
}

func TestGetPatientProfile_Metrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	f := newFixture(WithMetrics(m))
	f.grant(ScopeBasic)

	_, err := f.svc.GetPatientProfile(context.Background(), f.request())
	require.NoError(t, err)
	req := f.request()
	req.CallerID = ""
	_, err = f.svc.GetPatientProfile(context.Background(), req)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues(opGetProfile, "disclosed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues(opGetProfile, string(ReasonUnauthenticated))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditWrites.WithLabelValues("success")))
}

func TestListAuthorizedPatients(t *testing.T) {
	f := newFixture()

	other := uuid.New()
	f.records.patients[other] = &Patient{ID: other, Name: "Ana Lima"}
	gone := uuid.New()
	f.records.patients[gone] = &Patient{ID: gone, Name: "Bruno Dias"}

	f.grant(ScopeFull)
	f.grants.add(&AccessGrant{
		ClinicianID: f.clinicianID, PatientID: other, Scope: ScopeBasic,
		IsActive: true, ExpiresAt: ptrTime(testNow.Add(time.Hour)),
	})
	f.grants.add(&AccessGrant{
		ClinicianID: f.clinicianID, PatientID: gone, Scope: ScopeClinical,
		Emergency: true, IsActive: true, ExpiresAt: ptrTime(testNow.AddDate(0, 0, -1)),
	})
	// Another clinician's grant is never listed.
	f.grants.add(&AccessGrant{
		ClinicianID: uuid.New(), PatientID: f.patientID, Scope: ScopeFull,
		Consultation: true, IsActive: true,
	})

	got, err := f.svc.ListAuthorizedPatients(context.Background(), f.clinicianID.String())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "Ana Lima", got[0].Name)
	assert.Equal(t, ScopeBasic, got[0].Scope)
	assert.False(t, got[0].Consent)
	require.NotNil(t, got[0].ExpiresAt)

	assert.Equal(t, "Maria Souza", got[1].Name)
	assert.Equal(t, f.patientID, got[1].PatientID)
	assert.Equal(t, ScopeFull, got[1].Scope)
	assert.True(t, got[1].Consent)
	assert.Nil(t, got[1].ExpiresAt)

	assert.Zero(t, f.audit.count(), "listing is not a disclosure")
}

func TestListAuthorizedPatients_DedupesPerPatient(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	f := newFixture(WithMetrics(m))

	f.grants.add(&AccessGrant{
		ClinicianID: f.clinicianID, PatientID: f.patientID, Scope: ScopeBasic,
		Consultation: true, IsActive: true, CreatedAt: testNow.Add(-72 * time.Hour),
	})
	f.grants.add(&AccessGrant{
		ClinicianID: f.clinicianID, PatientID: f.patientID, Scope: ScopeClinical,
		Consultation: true, IsActive: true, CreatedAt: testNow.Add(-time.Hour),
	})

	got, err := f.svc.ListAuthorizedPatients(context.Background(), f.clinicianID.String())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ScopeClinical, got[0].Scope)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicateGrants))
}

func TestListAuthorizedPatients_EmptyIsNotNil(t *testing.T) {
	f := newFixture()

	got, err := f.svc.ListAuthorizedPatients(context.Background(), f.clinicianID.String())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestListAuthorizedPatients_Denials(t *testing.T) {
	f := newFixture()

	_, err := f.svc.ListAuthorizedPatients(context.Background(), "")
	assert.Equal(t, ReasonUnauthenticated, ReasonOf(err))

	_, err = f.svc.ListAuthorizedPatients(context.Background(), uuid.NewString())
	assert.Equal(t, ReasonNotAClinician, ReasonOf(err))

	f.grants.err = errStoreDown
	_, err = f.svc.ListAuthorizedPatients(context.Background(), f.clinicianID.String())
	assert.Equal(t, ReasonInternalError, ReasonOf(err))
}
