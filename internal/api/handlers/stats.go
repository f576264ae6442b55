package handlers

import (
	"net/http"

	"github.com/wardrx/medadmin/internal/api/middleware"
	"github.com/wardrx/medadmin/internal/domain/medication"
)

// Summary handles GET /stats/summary
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date, err := h.dateOrToday(q.Get("date"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	summary, err := h.svc.Summary(r.Context(), medication.ScheduleFilter{Date: date, Ward: q.Get("ward")})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":    date.Format(medication.DateLayout),
		"summary": summary,
	})
}

// PatientStats handles GET /stats/patients
func (h *Handler) PatientStats(w http.ResponseWriter, r *http.Request) {
	date, err := h.dateOrToday(r.URL.Query().Get("date"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	rollups, err := h.svc.PatientStats(r.Context(), date)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"patients": rollups})
}

// NurseStats handles GET /stats/nurses
func (h *Handler) NurseStats(w http.ResponseWriter, r *http.Request) {
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

	rollups, err := h.svc.NurseStats(r.Context(), middleware.GetActor(r.Context()), from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nurses": rollups})
}
