package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wardrx/medadmin/internal/api/middleware"
	"github.com/wardrx/medadmin/internal/domain/medication"
	fhir "github.com/wardrx/medadmin/internal/fhir/r5"
)

// ListLogs handles GET /logs. Nurses only see their own records.
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := optionalDate(q.Get("from"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := optionalDate(q.Get("to"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	logs, err := h.svc.Logs(r.Context(), middleware.GetActor(r.Context()), medication.LogFilter{
		NurseID:   q.Get("nurse_id"),
		PatientID: q.Get("patient_id"),
		From:      from,
		To:        to,
		Outcome:   medication.DoseStatus(q.Get("outcome")),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

// GetLog handles GET /logs/{id}
func (h *Handler) GetLog(w http.ResponseWriter, r *http.Request) {
	l, err := h.svc.Log(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// GetLogFHIR handles GET /logs/{id}/fhir
func (h *Handler) GetLogFHIR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l, err := h.svc.Log(ctx, middleware.GetActor(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.failFHIR(w, r, err)
		return
	}

	var rx *medication.Prescription
	p, err := h.svc.GetPrescription(ctx, l.PrescriptionID)
	switch {
	case err == nil:
		rx = &p
	case !errors.Is(err, medication.ErrNotFound):
		h.failFHIR(w, r, err)
		return
	}
	writeFHIR(w, http.StatusOK, fhir.NewMedicationAdministration(&l, rx))
}
