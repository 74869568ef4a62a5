package disclosure

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason classifies why a request did not result in a disclosure.
type Reason string

const (
	ReasonUnauthenticated  Reason = "unauthenticated"
	ReasonNotAClinician    Reason = "not_a_clinician"
	ReasonNoActiveAccess   Reason = "no_active_access"
	ReasonAccessExpired    Reason = "access_expired"
	ReasonNoConsent        Reason = "no_consent"
	ReasonIntegrityFault   Reason = "integrity_fault"
	ReasonAuditWriteFailed Reason = "audit_write_failed"
	ReasonInternalError    Reason = "internal_error"
)

// ErrNotFound is returned by stores when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Denial is the structured error returned for every request that ends in the
// DENIED state. Err carries the underlying cause for operators and is never
// shown to the caller.
type Denial struct {
	Reason Reason
	Err    error
}

func (d *Denial) Error() string {
	if d.Err != nil {
		return fmt.Sprintf("disclosure denied: %s: %v", d.Reason, d.Err)
	}
	return fmt.Sprintf("disclosure denied: %s", d.Reason)
}

func (d *Denial) Unwrap() error { return d.Err }

// Is matches another *Denial with the same reason, so callers can write
// errors.Is(err, &Denial{Reason: ReasonNoConsent}).
func (d *Denial) Is(target error) bool {
	t, ok := target.(*Denial)
	return ok && t.Reason == d.Reason
}

func deny(reason Reason, err error) *Denial {
	return &Denial{Reason: reason, Err: err}
}

// ReasonOf extracts the denial reason from err. Errors that are not a Denial
// are reported as internal errors.
func ReasonOf(err error) Reason {
	var d *Denial
	if errors.As(err, &d) {
		return d.Reason
	}
	return ReasonInternalError
}

// PublicReason is the reason shown to callers. Audit failures collapse into
// the generic internal error.
func (r Reason) PublicReason() Reason {
	if r == ReasonAuditWriteFailed {
		return ReasonInternalError
	}
	return r
}

// HTTPStatus maps a reason to the response status code.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonUnauthenticated:
		return http.StatusUnauthorized
	case ReasonNotAClinician, ReasonNoActiveAccess, ReasonAccessExpired, ReasonNoConsent:
		return http.StatusForbidden
	case ReasonIntegrityFault:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Message is the caller-facing text for a reason.
func (r Reason) Message() string {
	switch r.PublicReason() {
	case ReasonUnauthenticated:
		return "caller identity could not be verified"
	case ReasonNotAClinician:
		return "caller is not a registered clinician"
	case ReasonNoActiveAccess:
		return "no active access to this patient"
	case ReasonAccessExpired:
		return "access to this patient has expired"
	case ReasonNoConsent:
		return "no consent on record for this access"
	case ReasonIntegrityFault:
		return "patient record not found"
	default:
		return "internal error"
	}
}
