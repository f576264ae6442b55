// Package medication implements medication scheduling and the administration record.
package medication

import (
	"fmt"
	"time"
)

const (
	// DateLayout is the calendar date format used on the wire and in keys.
	DateLayout = "2006-01-02"
	// ClockLayout is the time-of-day format for scheduled administration times.
	ClockLayout = "15:04"
)

// Role is the role tag attached to an authenticated actor
type Role string

const (
	RoleDoctor Role = "doctor"
	RoleNurse  Role = "nurse"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleDoctor, RoleNurse, RoleAdmin:
		return true
	}
	return false
}

// Actor is the caller of a mutating operation. Identity resolution happens upstream.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role Role   `json:"role"`
}

// PatientStatus represents admission status
type PatientStatus string

const (
	PatientAdmitted   PatientStatus = "Admitted"
	PatientDischarged PatientStatus = "Discharged"
)

// Patient is an admitted (or formerly admitted) patient
type Patient struct {
	ID            string        `json:"id"`
	MedicalRecord string        `json:"medical_record"`
	Name          string        `json:"name"`
	Age           int           `json:"age,omitempty"`
	Gender        string        `json:"gender,omitempty"`
	Bed           string        `json:"bed,omitempty"`
	Ward          string        `json:"ward,omitempty"`
	Condition     string        `json:"condition,omitempty"`
	DoctorID      string        `json:"doctor_id,omitempty"`
	AdmissionDate time.Time     `json:"admission_date"`
	DischargeDate *time.Time    `json:"discharge_date,omitempty"`
	Status        PatientStatus `json:"status"`
}

// Route is the administration route of a prescription
type Route string

const (
	RouteOral      Route = "Oral"
	RouteIV        Route = "IV"
	RouteInjection Route = "Injection"
)

// Valid reports whether r is a known route
func (r Route) Valid() bool {
	switch r {
	case RouteOral, RouteIV, RouteInjection:
		return true
	}
	return false
}

// PrescriptionStatus represents prescription status
type PrescriptionStatus string

const (
	PrescriptionActive       PrescriptionStatus = "Active"
	PrescriptionCompleted    PrescriptionStatus = "Completed"
	PrescriptionDiscontinued PrescriptionStatus = "Discontinued"
)

// Prescription is a doctor's order for a patient
type Prescription struct {
	ID           string             `json:"id"`
	PatientID    string             `json:"patient_id"`
	DoctorID     string             `json:"doctor_id"`
	MedicineName string             `json:"medicine_name"`
	Dosage       string             `json:"dosage"`
	Route        Route              `json:"route"`
	Frequency    int                `json:"frequency"`
	Times        []string           `json:"times"`
	StartDate    time.Time          `json:"start_date"`
	EndDate      time.Time          `json:"end_date"`
	Instructions string             `json:"instructions,omitempty"`
	Status       PrescriptionStatus `json:"status"`
}

// Covers reports whether date falls inside the validity window
func (p *Prescription) Covers(date time.Time) bool {
	d := Day(date)
	return !d.Before(Day(p.StartDate)) && !d.After(Day(p.EndDate))
}

// DoseStatus is the state of a schedule entry
type DoseStatus string

const (
	DosePending DoseStatus = "Pending"
	DoseGiven   DoseStatus = "Given"
	DoseMissed  DoseStatus = "Missed"
	DoseDelayed DoseStatus = "Delayed"
	// DoseDiscontinued is reached only when a patient is discharged or a
	// prescription is discontinued while the dose is still pending.
	DoseDiscontinued DoseStatus = "Discontinued"
)

// Terminal reports whether no further administration can be recorded
func (s DoseStatus) Terminal() bool {
	return s != DosePending
}

// Outcome reports whether s may be requested as an administration outcome
func (s DoseStatus) Outcome() bool {
	switch s {
	case DoseGiven, DoseMissed, DoseDelayed:
		return true
	}
	return false
}

// EntryKey is the identity of a schedule entry
type EntryKey struct {
	PrescriptionID string    `json:"prescription_id"`
	ScheduledTime  string    `json:"scheduled_time"`
	Date           time.Time `json:"date"`
}

// String renders the key as prescription|time|date
func (k EntryKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.PrescriptionID, k.ScheduledTime, Day(k.Date).Format(DateLayout))
}

// ScheduleEntry is one dose of a prescription at a time on a date
type ScheduleEntry struct {
	PrescriptionID string     `json:"prescription_id"`
	PatientID      string     `json:"patient_id"`
	ScheduledTime  string     `json:"scheduled_time"`
	Date           time.Time  `json:"date"`
	Status         DoseStatus `json:"status"`
	MedicineName   string     `json:"medicine_name,omitempty"`
	Dosage         string     `json:"dosage,omitempty"`
	Route          Route      `json:"route,omitempty"`
	PatientName    string     `json:"patient_name,omitempty"`
	Ward           string     `json:"ward,omitempty"`
	Bed            string     `json:"bed,omitempty"`
}

// Key returns the entry identity
func (e *ScheduleEntry) Key() EntryKey {
	return EntryKey{PrescriptionID: e.PrescriptionID, ScheduledTime: e.ScheduledTime, Date: Day(e.Date)}
}

// LogEntry is an immutable administration event
type LogEntry struct {
	ID             string     `json:"id"`
	Seq            int64      `json:"seq"`
	PrescriptionID string     `json:"prescription_id"`
	PatientID      string     `json:"patient_id"`
	NurseID        string     `json:"nurse_id"`
	NurseName      string     `json:"nurse_name,omitempty"`
	ScheduledTime  string     `json:"scheduled_time"`
	ActualTime     *time.Time `json:"actual_time,omitempty"`
	Date           time.Time  `json:"date"`
	Status         DoseStatus `json:"status"`
	Remarks        string     `json:"remarks,omitempty"`
	RecordedAt     time.Time  `json:"recorded_at"`
}

// EntryKey returns the key of the schedule entry this log records
func (l *LogEntry) EntryKey() EntryKey {
	return EntryKey{PrescriptionID: l.PrescriptionID, ScheduledTime: l.ScheduledTime, Date: Day(l.Date)}
}

// ActualClock returns the actual administration time as HH:MM, or "" when absent
func (l *LogEntry) ActualClock() string {
	if l.ActualTime == nil {
		return ""
	}
	return l.ActualTime.Format(ClockLayout)
}

// Day truncates t to midnight UTC of its calendar date
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %v", ErrInvalidRequest, s, err)
	}
	return t, nil
}

// ParseClock validates an HH:MM time of day
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse(ClockLayout, s)
	if err != nil {
		return 0, fmt.Errorf("time %q: %v", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
