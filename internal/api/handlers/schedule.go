package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wardrx/medadmin/internal/api/middleware"
	"github.com/wardrx/medadmin/internal/domain/medication"
	"github.com/wardrx/medadmin/pkg/idempotency"
)

// HeaderIdempotencyKey makes an administration request safe to retry
const HeaderIdempotencyKey = "Idempotency-Key"

// ListSchedule handles GET /schedule
func (h *Handler) ListSchedule(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date, err := h.dateOrToday(q.Get("date"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	entries, err := h.svc.Schedule(r.Context(), medication.ScheduleFilter{
		Date:      date,
		Ward:      q.Get("ward"),
		PatientID: q.Get("patient_id"),
		Status:    medication.DoseStatus(q.Get("status")),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":    date.Format(medication.DateLayout),
		"entries": entries,
	})
}

// GenerateRequest is the request body for schedule generation
type GenerateRequest struct {
	// Date is YYYY-MM-DD and defaults to today
	Date string `json:"date,omitempty"`
}

// GenerateSchedule handles POST /schedule/generate. Prescriptions that could
// not be scheduled are listed in the response and do not fail the request.
func (h *Handler) GenerateSchedule(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := decodeOptional(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	date, err := h.dateOrToday(req.Date)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.svc.GenerateSchedule(r.Context(), middleware.GetActor(r.Context()), date)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Administer handles POST /schedule/{prescriptionID}/{date}/{time}/administer
func (h *Handler) Administer(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("medadmin/handlers").Start(r.Context(), "handlers.Administer")
	defer span.End()

	date, err := medication.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	key := medication.EntryKey{
		PrescriptionID: chi.URLParam(r, "prescriptionID"),
		ScheduledTime:  chi.URLParam(r, "time"),
		Date:           date,
	}
	var req medication.Administration
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	actor := middleware.GetActor(ctx)
	span.SetAttributes(attribute.String("entry.key", key.String()))

	record := func(ctx context.Context) (json.RawMessage, error) {
		entry, err := h.svc.RecordAdministration(ctx, key, actor, req)
		if err != nil {
			return nil, statusError{err}
		}
		return json.Marshal(entry)
	}

	idemKey := r.Header.Get(HeaderIdempotencyKey)
	if idemKey == "" || h.inbox == nil {
		body, err := record(ctx)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeRaw(w, http.StatusCreated, body)
		return
	}

	res, err := h.inbox.Process(ctx, idempotency.Key(actor.ID, key.String(), idemKey), "administer", record)
	if errors.Is(err, idempotency.ErrPreviouslyFailed) && res != nil {
		status := res.Status
		if status == 0 {
			status = http.StatusConflict
		}
		w.Header().Set("Idempotent-Replayed", "true")
		writeRaw(w, status, res.Body)
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res.Replayed {
		span.SetAttributes(attribute.Bool("idempotent.replayed", true))
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeRaw(w, http.StatusCreated, res.Body)
}

// statusError carries the response status of err into the inbox so a
// replayed failure answers with the same code
type statusError struct{ error }

func (e statusError) Unwrap() error   { return e.error }
func (e statusError) StatusCode() int { return statusFor(e.error) }

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
