// Package handlers provides the HTTP handlers of the medadmin API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/wardrx/medadmin/internal/api/middleware"
	"github.com/wardrx/medadmin/internal/domain/medication"
	fhir "github.com/wardrx/medadmin/internal/fhir/r5"
	"github.com/wardrx/medadmin/pkg/idempotency"
)

// Inbox deduplicates retried requests by idempotency key
type Inbox interface {
	Process(ctx context.Context, key, handler string, fn idempotency.Func) (*idempotency.Result, error)
}

// Handler serves the medication administration API
type Handler struct {
	svc    *medication.Service
	inbox  Inbox
	logger *zap.Logger
}

// New creates a handler. inbox may be nil, in which case Idempotency-Key
// headers are ignored.
func New(svc *medication.Service, inbox Inbox, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, inbox: inbox, logger: logger}
}

// Routes returns the handler routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/patients", func(r chi.Router) {
		r.Get("/", h.ListPatients)
		r.Post("/", h.AdmitPatient)
		r.Get("/{id}", h.GetPatient)
		r.Patch("/{id}", h.UpdatePatient)
		r.Get("/{id}/fhir", h.GetPatientFHIR)
		r.Post("/{id}/discharge", h.DischargePatient)
	})

	r.Route("/prescriptions", func(r chi.Router) {
		r.Get("/", h.ListPrescriptions)
		r.Post("/", h.IssuePrescription)
		r.Post("/complete", h.CompletePrescriptions)
		r.Get("/{id}", h.GetPrescription)
		r.Get("/{id}/fhir", h.GetPrescriptionFHIR)
		r.Post("/{id}/discontinue", h.DiscontinuePrescription)
	})

	r.Route("/schedule", func(r chi.Router) {
		r.Get("/", h.ListSchedule)
		r.Post("/generate", h.GenerateSchedule)
		r.Post("/{prescriptionID}/{date}/{time}/administer", h.Administer)
	})

	r.Route("/logs", func(r chi.Router) {
		r.Get("/", h.ListLogs)
		r.Get("/{id}", h.GetLog)
		r.Get("/{id}/fhir", h.GetLogFHIR)
	})

	r.Route("/stats", func(r chi.Router) {
		r.Get("/summary", h.Summary)
		r.Get("/patients", h.PatientStats)
		r.Get("/nurses", h.NurseStats)
	})

	return r
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, medication.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, medication.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, medication.ErrInvalidTransition),
		errors.Is(err, idempotency.ErrInProgress),
		errors.Is(err, idempotency.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, medication.ErrInvalidPrescriptionSchedule),
		errors.Is(err, medication.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// outcomeCodes maps response statuses to FHIR issue-type codes
var outcomeCodes = map[int]string{
	http.StatusNotFound:            "not-found",
	http.StatusForbidden:           "forbidden",
	http.StatusConflict:            "conflict",
	http.StatusBadRequest:          "invalid",
	http.StatusGatewayTimeout:      "timeout",
	http.StatusInternalServerError: "exception",
}

// failure returns the status and client-facing message for err. Internal
// errors are logged and their detail withheld.
func (h *Handler) failure(r *http.Request, err error) (int, string) {
	status := statusFor(err)
	if status != http.StatusInternalServerError {
		return status, err.Error()
	}
	h.logger.Error("request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.Error(err))
	return status, "internal server error"
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := h.failure(r, err)
	jsonError(w, msg, status)
}

// failFHIR reports err as an OperationOutcome
func (h *Handler) failFHIR(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := h.failure(r, err)
	writeFHIR(w, status, fhir.NewErrorOutcome(outcomeCodes[status], msg))
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFHIR(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: body: %v", medication.ErrInvalidRequest, err)
	}
	return nil
}

// decodeOptional is decode for endpoints whose body may be empty
func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: body: %v", medication.ErrInvalidRequest, err)
	}
	return nil
}

// optionalDate parses a YYYY-MM-DD value, returning the zero time when empty
func optionalDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return medication.ParseDate(s)
}

// dateOrToday parses a YYYY-MM-DD value, defaulting to the hospital's today
func (h *Handler) dateOrToday(s string) (time.Time, error) {
	if s == "" {
		return h.svc.Today(), nil
	}
	return medication.ParseDate(s)
}
