package medication

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// newLogID is a variable for testing
var newLogID = func() string { return uuid.New().String() }

// Administration is a nurse's report on a single dose
type Administration struct {
	Outcome DoseStatus `json:"outcome"`
	Remarks string     `json:"remarks,omitempty"`
	// Timestamp is when the event happened. It becomes the actual time of a Given dose.
	Timestamp time.Time `json:"timestamp"`
	// ActualTime is honoured for Delayed doses only.
	ActualTime *time.Time `json:"actual_time,omitempty"`
}

// CanTransition reports whether a dose may move from one status to another
// through the administration path
func CanTransition(from, to DoseStatus) bool {
	return from == DosePending && to.Outcome()
}

// RecordAdministration moves a pending entry to the requested outcome and
// returns the log entry describing the event.
//
// The entry is only modified when the returned error is nil. Persisting the
// entry and appending the log entry must happen together; see Store.
func RecordAdministration(entry *ScheduleEntry, nurse Actor, req Administration) (LogEntry, error) {
	if err := requireRole(nurse, "record administration", RoleNurse); err != nil {
		return LogEntry{}, err
	}
	if !req.Outcome.Outcome() {
		return LogEntry{}, fmt.Errorf("%w: outcome %q is not one of Given, Missed, Delayed", ErrInvalidRequest, req.Outcome)
	}
	if req.Timestamp.IsZero() {
		return LogEntry{}, fmt.Errorf("%w: timestamp is required", ErrInvalidRequest)
	}
	if !CanTransition(entry.Status, req.Outcome) {
		return LogEntry{}, fmt.Errorf("%w: entry %s is %s", ErrInvalidTransition, entry.Key(), entry.Status)
	}

	var actual *time.Time
	switch req.Outcome {
	case DoseGiven:
		ts := req.Timestamp
		actual = &ts
	case DoseDelayed:
		if req.ActualTime != nil {
			ts := *req.ActualTime
			actual = &ts
		}
	}

	log := LogEntry{
		ID:             newLogID(),
		PrescriptionID: entry.PrescriptionID,
		PatientID:      entry.PatientID,
		NurseID:        nurse.ID,
		NurseName:      nurse.Name,
		ScheduledTime:  entry.ScheduledTime,
		ActualTime:     actual,
		Date:           Day(entry.Date),
		Status:         req.Outcome,
		Remarks:        req.Remarks,
		RecordedAt:     req.Timestamp,
	}

	entry.Status = req.Outcome
	return log, nil
}
