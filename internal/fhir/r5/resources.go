package r5

import (
	"time"

	"github.com/wardrx/medadmin/internal/domain/medication"
)

// Patient represents a FHIR R5 Patient resource.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Active       bool         `json:"active"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"`
}

// NewPatient projects a patient record
func NewPatient(p *medication.Patient) *Patient {
	out := &Patient{
		ResourceType: "Patient",
		ID:           p.ID,
		Active:       p.Status == medication.PatientAdmitted,
		Gender:       gender(p.Gender),
	}
	if p.Name != "" {
		out.Name = []HumanName{{Use: "official", Text: p.Name}}
	}
	if p.MedicalRecord != "" {
		out.Identifier = []Identifier{{Use: "usual", System: SystemMRN, Value: p.MedicalRecord}}
	}
	return out
}

func gender(g string) string {
	switch g {
	case "Male", "male", "M":
		return "male"
	case "Female", "female", "F":
		return "female"
	case "":
		return ""
	default:
		return "other"
	}
}

// MedicationAdministration represents a FHIR R5 MedicationAdministration
// resource, the record of a single dose event.
type MedicationAdministration struct {
	ResourceType      string            `json:"resourceType"`
	ID                string            `json:"id,omitempty"`
	Meta              *Meta             `json:"meta,omitempty"`
	Status            string            `json:"status"`
	StatusReason      []CodeableConcept `json:"statusReason,omitempty"`
	Medication        CodeableReference `json:"medication"`
	Subject           Reference         `json:"subject"`
	OccurenceDateTime string            `json:"occurenceDateTime,omitempty"`
	Recorded          string            `json:"recorded,omitempty"`
	Performer         []Performer       `json:"performer,omitempty"`
	Request           *Reference        `json:"request,omitempty"`
	Note              []Annotation      `json:"note,omitempty"`
	Dosage            *AdministeredDose `json:"dosage,omitempty"`
	Extension         []Extension       `json:"extension,omitempty"`
}

// Performer is who administered the dose
type Performer struct {
	Actor CodeableReference `json:"actor"`
}

// AdministeredDose describes the dose given
type AdministeredDose struct {
	Text  string           `json:"text,omitempty"`
	Route *CodeableConcept `json:"route,omitempty"`
}

// Extension carries the scheduled slot, which FHIR has no element for
type Extension struct {
	URL         string `json:"url"`
	ValueString string `json:"valueString,omitempty"`
}

// ExtensionScheduledTime identifies the scheduled slot extension
const ExtensionScheduledTime = "urn:medadmin:scheduled-time"

// NewMedicationAdministration projects a log entry. rx may be nil when the
// prescription is not at hand; the medication is then referenced by id.
func NewMedicationAdministration(l *medication.LogEntry, rx *medication.Prescription) *MedicationAdministration {
	recorded := l.RecordedAt.UTC()
	ma := &MedicationAdministration{
		ResourceType: "MedicationAdministration",
		ID:           l.ID,
		Meta:         &Meta{LastUpdated: &recorded},
		Status:       AdministrationCompleted,
		Subject:      Reference{Reference: "Patient/" + l.PatientID},
		Recorded:     recorded.Format(time.RFC3339),
		Performer: []Performer{{Actor: CodeableReference{
			Reference: &Reference{Reference: "Practitioner/" + l.NurseID, Display: l.NurseName},
		}}},
		Request: &Reference{Reference: "MedicationRequest/" + l.PrescriptionID},
		Extension: []Extension{{
			URL:         ExtensionScheduledTime,
			ValueString: l.Date.Format(medication.DateLayout) + "T" + l.ScheduledTime,
		}},
	}

	if l.ActualTime != nil {
		ma.OccurenceDateTime = l.ActualTime.UTC().Format(time.RFC3339)
	}
	switch l.Status {
	case medication.DoseMissed:
		ma.Status = AdministrationNotDone
		ma.StatusReason = []CodeableConcept{{Text: "Missed"}}
	case medication.DoseDelayed:
		ma.StatusReason = []CodeableConcept{{Text: "Delayed"}}
	}

	if rx != nil {
		ma.Medication = CodeableReference{Concept: &CodeableConcept{Text: rx.MedicineName}}
		ma.Dosage = &AdministeredDose{Text: rx.Dosage, Route: routeConcept(rx.Route)}
	} else {
		ma.Medication = CodeableReference{Reference: &Reference{Reference: "MedicationRequest/" + l.PrescriptionID}}
	}
	if l.Remarks != "" {
		ma.Note = []Annotation{{Text: l.Remarks}}
	}
	return ma
}
