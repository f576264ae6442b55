package r5

import (
	"strings"

	"github.com/wardrx/medadmin/internal/domain/medication"
)

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
type MedicationRequest struct {
	ResourceType      string            `json:"resourceType"`
	ID                string            `json:"id,omitempty"`
	Identifier        []Identifier      `json:"identifier,omitempty"`
	Status            string            `json:"status"`
	Intent            string            `json:"intent"`
	Medication        CodeableReference `json:"medication"`
	Subject           Reference         `json:"subject"`
	Requester         *Reference        `json:"requester,omitempty"`
	DosageInstruction []Dosage          `json:"dosageInstruction,omitempty"`
	Note              []Annotation      `json:"note,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Text   string           `json:"text,omitempty"`
	Timing *Timing          `json:"timing,omitempty"`
	Route  *CodeableConcept `json:"route,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Repeat *TimingRepeat `json:"repeat,omitempty"`
}

// TimingRepeat contains repeat details for timing.
type TimingRepeat struct {
	BoundsPeriod *Period  `json:"boundsPeriod,omitempty"`
	Frequency    int      `json:"frequency,omitempty"`
	Period       float64  `json:"period,omitempty"`
	PeriodUnit   string   `json:"periodUnit,omitempty"`
	TimeOfDay    []string `json:"timeOfDay,omitempty"`
}

// NewMedicationRequest projects a prescription. Every scheduled time becomes
// a timeOfDay within a daily period bounded by the validity window.
func NewMedicationRequest(rx *medication.Prescription) *MedicationRequest {
	times := make([]string, len(rx.Times))
	for i, t := range rx.Times {
		times[i] = t + ":00"
	}

	mr := &MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           rx.ID,
		Identifier:   []Identifier{{Use: "official", System: SystemLocalID, Value: rx.ID}},
		Status:       requestStatus(rx.Status),
		Intent:       "order",
		Medication: CodeableReference{
			Concept: &CodeableConcept{Text: rx.MedicineName},
		},
		Subject: Reference{Reference: "Patient/" + rx.PatientID},
		DosageInstruction: []Dosage{{
			Text:  strings.TrimSpace(rx.Dosage + " " + string(rx.Route)),
			Route: routeConcept(rx.Route),
			Timing: &Timing{Repeat: &TimingRepeat{
				BoundsPeriod: &Period{
					Start: rx.StartDate.Format(medication.DateLayout),
					End:   rx.EndDate.Format(medication.DateLayout),
				},
				Frequency:  rx.Frequency,
				Period:     1,
				PeriodUnit: "d",
				TimeOfDay:  times,
			}},
		}},
	}
	if rx.DoctorID != "" {
		mr.Requester = &Reference{Reference: "Practitioner/" + rx.DoctorID}
	}
	if rx.Instructions != "" {
		mr.Note = []Annotation{{Text: rx.Instructions}}
	}
	return mr
}

func requestStatus(s medication.PrescriptionStatus) string {
	switch s {
	case medication.PrescriptionCompleted:
		return StatusCompleted
	case medication.PrescriptionDiscontinued:
		return StatusStopped
	default:
		return StatusActive
	}
}

// routeConcept codes the administration route in SNOMED CT
func routeConcept(r medication.Route) *CodeableConcept {
	var code, display string
	switch r {
	case medication.RouteOral:
		code, display = "26643006", "Oral route"
	case medication.RouteIV:
		code, display = "47625008", "Intravenous route"
	case medication.RouteInjection:
		code, display = "78421000", "Intramuscular route"
	default:
		return nil
	}
	return &CodeableConcept{
		Coding: []Coding{{System: SystemSNOMED, Code: code, Display: display}},
		Text:   string(r),
	}
}
