package medication

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventDoseAdministered         EventType = "DoseAdministered"
	EventScheduleGenerated        EventType = "ScheduleGenerated"
	EventPrescriptionIssued       EventType = "PrescriptionIssued"
	EventPrescriptionDiscontinued EventType = "PrescriptionDiscontinued"
	EventPrescriptionCompleted    EventType = "PrescriptionCompleted"
	EventPatientAdmitted          EventType = "PatientAdmitted"
	EventPatientDischarged        EventType = "PatientDischarged"
	EventPatientUpdated           EventType = "PatientUpdated"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	ActorID       string          `json:"actor_id,omitempty"`
	PatientID     string          `json:"patient_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateType, aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithAuditInfo sets audit fields
func (e *Event) WithAuditInfo(actorID, patientID string) *Event {
	e.ActorID = actorID
	e.PatientID = patientID
	return e
}

// Key is the partition key for the event stream: events of one patient stay ordered
func (e *Event) Key() string {
	if e.PatientID != "" {
		return e.PatientID
	}
	return e.AggregateID
}

// DoseAdministeredData is the payload of EventDoseAdministered
type DoseAdministeredData struct {
	Log LogEntry `json:"log"`
}

// PrescriptionStatusData is the payload of prescription lifecycle events
type PrescriptionStatusData struct {
	PrescriptionID string             `json:"prescription_id"`
	Status         PrescriptionStatus `json:"status"`
	StartDate      time.Time          `json:"start_date"`
	EndDate        time.Time          `json:"end_date"`
	ClosedEntries  int                `json:"closed_entries,omitempty"`
}

// PatientDischargedData is the payload of EventPatientDischarged
type PatientDischargedData struct {
	PatientID     string    `json:"patient_id"`
	DischargeDate time.Time `json:"discharge_date"`
	ClosedEntries int       `json:"closed_entries"`
}

// NewDoseAdministeredEvent builds the event for an appended log entry
func NewDoseAdministeredEvent(log LogEntry) (*Event, error) {
	e, err := NewEvent("ScheduleEntry", log.EntryKey().String(), EventDoseAdministered, DoseAdministeredData{Log: log})
	if err != nil {
		return nil, err
	}
	return e.WithAuditInfo(log.NurseID, log.PatientID), nil
}

// NewPrescriptionEvent builds a prescription lifecycle event
func NewPrescriptionEvent(eventType EventType, p *Prescription, actorID string, closed int) (*Event, error) {
	e, err := NewEvent("Prescription", p.ID, eventType, PrescriptionStatusData{
		PrescriptionID: p.ID,
		Status:         p.Status,
		StartDate:      p.StartDate,
		EndDate:        p.EndDate,
		ClosedEntries:  closed,
	})
	if err != nil {
		return nil, err
	}
	return e.WithAuditInfo(actorID, p.PatientID), nil
}

// NewPatientDischargedEvent builds the discharge event
func NewPatientDischargedEvent(p *Patient, actorID string, closed int) (*Event, error) {
	var date time.Time
	if p.DischargeDate != nil {
		date = *p.DischargeDate
	}
	e, err := NewEvent("Patient", p.ID, EventPatientDischarged, PatientDischargedData{
		PatientID:     p.ID,
		DischargeDate: date,
		ClosedEntries: closed,
	})
	if err != nil {
		return nil, err
	}
	return e.WithAuditInfo(actorID, p.ID), nil
}

// DecodeEventData unmarshals the payload of e into v
func DecodeEventData(e *Event, v interface{}) error {
	return json.Unmarshal(e.EventData, v)
}
