package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wardrx/medadmin/internal/api/middleware"
	"github.com/wardrx/medadmin/internal/domain/medication"
	fhir "github.com/wardrx/medadmin/internal/fhir/r5"
)

// PrescriptionRequest is the request body for issuing a prescription
type PrescriptionRequest struct {
	ID           string           `json:"id,omitempty"`
	PatientID    string           `json:"patient_id"`
	MedicineName string           `json:"medicine_name"`
	Dosage       string           `json:"dosage"`
	Route        medication.Route `json:"route"`
	Frequency    int              `json:"frequency"`
	Times        []string         `json:"times"`
	StartDate    string           `json:"start_date"`
	EndDate      string           `json:"end_date"`
	Instructions string           `json:"instructions,omitempty"`
}

// IssuePrescription handles POST /prescriptions
func (h *Handler) IssuePrescription(w http.ResponseWriter, r *http.Request) {
	var req PrescriptionRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	start, err := medication.ParseDate(req.StartDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	end, err := medication.ParseDate(req.EndDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	rx, err := h.svc.IssuePrescription(r.Context(), middleware.GetActor(r.Context()), medication.Prescription{
		ID:           req.ID,
		PatientID:    req.PatientID,
		MedicineName: req.MedicineName,
		Dosage:       req.Dosage,
		Route:        req.Route,
		Frequency:    req.Frequency,
		Times:        req.Times,
		StartDate:    start,
		EndDate:      end,
		Instructions: req.Instructions,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rx)
}

// ListPrescriptions handles GET /prescriptions. q searches patient id,
// medicine name and dosage.
func (h *Handler) ListPrescriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	activeOn, err := optionalDate(q.Get("active_on"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	list, err := h.svc.ListPrescriptions(r.Context(), medication.PrescriptionFilter{
		PatientID: q.Get("patient_id"),
		Status:    medication.PrescriptionStatus(q.Get("status")),
		ActiveOn:  activeOn,
		Query:     q.Get("q"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"prescriptions": list})
}

// GetPrescription handles GET /prescriptions/{id}
func (h *Handler) GetPrescription(w http.ResponseWriter, r *http.Request) {
	rx, err := h.svc.GetPrescription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rx)
}

// GetPrescriptionFHIR handles GET /prescriptions/{id}/fhir
func (h *Handler) GetPrescriptionFHIR(w http.ResponseWriter, r *http.Request) {
	rx, err := h.svc.GetPrescription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.failFHIR(w, r, err)
		return
	}
	writeFHIR(w, http.StatusOK, fhir.NewMedicationRequest(&rx))
}

// DiscontinuePrescription handles POST /prescriptions/{id}/discontinue
func (h *Handler) DiscontinuePrescription(w http.ResponseWriter, r *http.Request) {
	rx, discontinued, err := h.svc.DiscontinuePrescription(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prescription": rx,
		"discontinued": discontinued,
	})
}

// CompleteRequest is the request body for completing elapsed prescriptions
type CompleteRequest struct {
	// AsOf is YYYY-MM-DD and defaults to today
	AsOf string `json:"as_of,omitempty"`
}

// CompletePrescriptions handles POST /prescriptions/complete
func (h *Handler) CompletePrescriptions(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := decodeOptional(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	asOf, err := h.dateOrToday(req.AsOf)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	done, err := h.svc.CompletePrescriptions(r.Context(), middleware.GetActor(r.Context()), asOf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"completed": done})
}
