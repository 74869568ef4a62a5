package disclosure

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/disclosure/internal/platform/apierror"
	"github.com/ehr/disclosure/internal/platform/auth"
)

// AuthorizedPatientsResponse is the body of GET /authorized-patients.
type AuthorizedPatientsResponse struct {
	Patients []AuthorizedPatient `json:"patients"`
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/authorized-patients", h.ListAuthorizedPatients)
	g.GET("/patient-profile", h.GetPatientProfile)
}

func (h *Handler) GetPatientProfile(c echo.Context) error {
	raw := c.QueryParam("patient_id")
	if raw == "" {
		return badRequest("patient_id is required")
	}
	patientID, err := uuid.Parse(raw)
	if err != nil {
		return badRequest("invalid patient_id")
	}

	rid, _ := c.Get("request_id").(string)
	payload, err := h.svc.GetPatientProfile(c.Request().Context(), ProfileRequest{
		CallerID:  auth.UserIDFromContext(c.Request().Context()),
		PatientID: patientID,
		IPAddress: c.RealIP(),
		RequestID: rid,
	})
	if err != nil {
		return denialError(err)
	}
	return c.JSON(http.StatusOK, payload)
}

func (h *Handler) ListAuthorizedPatients(c echo.Context) error {
	items, err := h.svc.ListAuthorizedPatients(c.Request().Context(),
		auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return denialError(err)
	}
	return c.JSON(http.StatusOK, AuthorizedPatientsResponse{Patients: items})
}

func badRequest(msg string) error {
	return apierror.New(http.StatusBadRequest, "invalid_request", msg)
}

// denialError converts a service error to an HTTP error. Only the public
// reason reaches the caller; the cause stays in the server log.
func denialError(err error) error {
	reason := ReasonOf(err).PublicReason()
	return apierror.New(reason.HTTPStatus(), string(reason), reason.Message())
}
