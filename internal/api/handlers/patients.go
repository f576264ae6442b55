package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wardrx/medadmin/internal/api/middleware"
	"github.com/wardrx/medadmin/internal/domain/medication"
	fhir "github.com/wardrx/medadmin/internal/fhir/r5"
)

// AdmitRequest is the request body for admitting a patient
type AdmitRequest struct {
	ID            string `json:"id,omitempty"`
	MedicalRecord string `json:"medical_record,omitempty"`
	Name          string `json:"name"`
	Age           int    `json:"age,omitempty"`
	Gender        string `json:"gender,omitempty"`
	Bed           string `json:"bed,omitempty"`
	Ward          string `json:"ward,omitempty"`
	Condition     string `json:"condition,omitempty"`
	DoctorID      string `json:"doctor_id,omitempty"`
	// AdmissionDate is YYYY-MM-DD and defaults to today
	AdmissionDate string `json:"admission_date,omitempty"`
}

// AdmitPatient handles POST /patients
func (h *Handler) AdmitPatient(w http.ResponseWriter, r *http.Request) {
	var req AdmitRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	admitted, err := optionalDate(req.AdmissionDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	p, err := h.svc.AdmitPatient(r.Context(), middleware.GetActor(r.Context()), medication.Patient{
		ID:            req.ID,
		MedicalRecord: req.MedicalRecord,
		Name:          req.Name,
		Age:           req.Age,
		Gender:        req.Gender,
		Bed:           req.Bed,
		Ward:          req.Ward,
		Condition:     req.Condition,
		DoctorID:      req.DoctorID,
		AdmissionDate: admitted,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListPatients handles GET /patients. q searches name, medical record
// number, bed, ward and condition.
func (h *Handler) ListPatients(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	patients, err := h.svc.ListPatients(r.Context(), medication.PatientFilter{
		Status: medication.PatientStatus(q.Get("status")),
		Query:  q.Get("q"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"patients": patients})
}

// UpdatePatient handles PATCH /patients/{id}
func (h *Handler) UpdatePatient(w http.ResponseWriter, r *http.Request) {
	var req medication.PatientUpdate
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.svc.UpdatePatient(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetPatient handles GET /patients/{id}
func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPatient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetPatientFHIR handles GET /patients/{id}/fhir
func (h *Handler) GetPatientFHIR(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPatient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.failFHIR(w, r, err)
		return
	}
	writeFHIR(w, http.StatusOK, fhir.NewPatient(&p))
}

// DischargeRequest is the request body for discharging a patient
type DischargeRequest struct {
	// Date is YYYY-MM-DD and defaults to today
	Date string `json:"date,omitempty"`
}

// DischargePatient handles POST /patients/{id}/discharge
func (h *Handler) DischargePatient(w http.ResponseWriter, r *http.Request) {
	var req DischargeRequest
	if err := decodeOptional(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	date, err := h.dateOrToday(req.Date)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	p, discontinued, err := h.svc.DischargePatient(r.Context(), middleware.GetActor(r.Context()), chi.URLParam(r, "id"), date)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patient":      p,
		"discontinued": discontinued,
	})
}
