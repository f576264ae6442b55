package medication

import (
	"context"
	"strings"
	"time"
)

// ScheduleFilter selects schedule entries. Zero fields match everything.
type ScheduleFilter struct {
	Date           time.Time
	PatientID      string
	PrescriptionID string
	Ward           string
	Status         DoseStatus

	// From keeps entries dated on or after this day
	From time.Time
}

// Match reports whether e satisfies the filter
func (f ScheduleFilter) Match(e *ScheduleEntry) bool {
	if !f.Date.IsZero() && !Day(e.Date).Equal(Day(f.Date)) {
		return false
	}
	if !f.From.IsZero() && Day(e.Date).Before(Day(f.From)) {
		return false
	}
	if f.PatientID != "" && e.PatientID != f.PatientID {
		return false
	}
	if f.PrescriptionID != "" && e.PrescriptionID != f.PrescriptionID {
		return false
	}
	if f.Ward != "" && e.Ward != f.Ward {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// PatientFilter selects patients. Query is a case-insensitive substring of
// the name, medical record number, bed, ward or condition.
type PatientFilter struct {
	Status PatientStatus
	Query  string
}

// Match reports whether p satisfies the filter
func (f PatientFilter) Match(p *Patient) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	return f.Query == "" || containsFold(f.Query, p.Name, p.MedicalRecord, p.Bed, p.Ward, p.Condition)
}

// PrescriptionFilter selects prescriptions. ActiveOn keeps Active
// prescriptions whose window covers that date. Query is a case-insensitive
// substring of the patient id, medicine name or dosage.
type PrescriptionFilter struct {
	PatientID string
	Status    PrescriptionStatus
	ActiveOn  time.Time
	Query     string
}

// Match reports whether p satisfies the filter
func (f PrescriptionFilter) Match(p *Prescription) bool {
	if f.PatientID != "" && p.PatientID != f.PatientID {
		return false
	}
	if f.Query != "" && !containsFold(f.Query, p.PatientID, p.MedicineName, p.Dosage) {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if !f.ActiveOn.IsZero() && (p.Status != PrescriptionActive || !p.Covers(f.ActiveOn)) {
		return false
	}
	return true
}

func containsFold(q string, fields ...string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

// Tx is the read/write surface of the record store. Implementations return
// errors wrapping ErrNotFound for missing records.
type Tx interface {
	GetPatient(ctx context.Context, id string) (Patient, error)
	ListPatients(ctx context.Context) ([]Patient, error)
	SavePatient(ctx context.Context, p Patient) error

	GetPrescription(ctx context.Context, id string) (Prescription, error)
	ListPrescriptions(ctx context.Context, f PrescriptionFilter) ([]Prescription, error)
	SavePrescription(ctx context.Context, p Prescription) error

	// InsertEntries stores entries whose key is not yet present and leaves
	// existing ones untouched. It returns the number inserted.
	InsertEntries(ctx context.Context, entries []ScheduleEntry) (int, error)
	GetEntry(ctx context.Context, key EntryKey) (ScheduleEntry, error)
	ListEntries(ctx context.Context, f ScheduleFilter) ([]ScheduleEntry, error)
	// SetEntryStatus moves an entry from one status to another. It fails with
	// ErrInvalidTransition when the stored status is not from.
	SetEntryStatus(ctx context.Context, key EntryKey, from, to DoseStatus) error
	// DiscontinuePending marks matching pending entries Discontinued.
	DiscontinuePending(ctx context.Context, f ScheduleFilter) (int, error)
	// RelabelPending copies the patient's name, ward and bed onto their
	// pending entries.
	RelabelPending(ctx context.Context, p Patient) (int, error)

	// AppendLog adds an entry to the administration log and returns it with
	// its sequence number. There is no update or delete.
	AppendLog(ctx context.Context, l LogEntry) (LogEntry, error)
	GetLog(ctx context.Context, id string) (LogEntry, error)
	ListLogs(ctx context.Context, f LogFilter) ([]LogEntry, error)

	// Emit records a domain event for publication.
	Emit(ctx context.Context, e *Event) error
}

// Store is a Tx that can also run a unit of work atomically: either every
// write made through the Tx passed to fn takes effect, or none does.
type Store interface {
	Tx
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}
