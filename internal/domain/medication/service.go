package medication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Recorder receives operational measurements from the service
type Recorder interface {
	DoseRecorded(outcome string)
	AdministrationRejected(reason string)
	ScheduleGenerated(inserted, failures int, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) DoseRecorded(string)                       {}
func (nopRecorder) AdministrationRejected(string)             {}
func (nopRecorder) ScheduleGenerated(int, int, time.Duration) {}

// SystemActor is the actor used by background jobs
func SystemActor(name string) Actor {
	return Actor{ID: "system:" + name, Name: name, Role: RoleAdmin}
}

// Service applies role checks, locking and atomic persistence around the
// scheduling and administration rules.
type Service struct {
	store    Store
	locker   Locker
	recorder Recorder
	tracer   trace.Tracer
	logger   *zap.Logger
	now      func() time.Time
	location *time.Location
}

// Option configures a Service
type Option func(*Service)

// WithLocker sets the per-entry locker. Defaults to an in-process KeyedMutex.
func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the hospital time zone used to decide the current date
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.location = loc }
}

// WithTracer overrides the tracer
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// NewService creates a new medication service
func NewService(store Store, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:    store,
		locker:   NewKeyedMutex(),
		recorder: nopRecorder{},
		tracer:   otel.Tracer("medadmin/medication"),
		logger:   logger,
		now:      time.Now,
		location: time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Today returns the current calendar date in the hospital time zone
func (s *Service) Today() time.Time {
	return Day(s.now().In(s.location))
}

// AdmitPatient registers a new admitted patient
func (s *Service) AdmitPatient(ctx context.Context, actor Actor, p Patient) (Patient, error) {
	if err := requireRole(actor, "admit patients", RoleDoctor, RoleAdmin); err != nil {
		return Patient{}, err
	}
	if p.ID == "" {
		p.ID = "P-" + strings.ToUpper(uuid.New().String()[:8])
	}
	if strings.TrimSpace(p.Name) == "" {
		return Patient{}, fmt.Errorf("%w: patient name is required", ErrInvalidRequest)
	}
	if p.AdmissionDate.IsZero() {
		p.AdmissionDate = s.Today()
	}
	p.AdmissionDate = Day(p.AdmissionDate)
	p.Status = PatientAdmitted
	p.DischargeDate = nil

	err := s.store.Atomic(ctx, func(tx Tx) error {
		if _, err := tx.GetPatient(ctx, p.ID); err == nil {
			return fmt.Errorf("%w: patient %s already exists", ErrInvalidRequest, p.ID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := tx.SavePatient(ctx, p); err != nil {
			return err
		}
		event, err := NewEvent("Patient", p.ID, EventPatientAdmitted, p)
		if err != nil {
			return err
		}
		return tx.Emit(ctx, event.WithAuditInfo(actor.ID, p.ID))
	})
	if err != nil {
		return Patient{}, err
	}

	s.logger.Info("patient admitted",
		zap.String("patient_id", p.ID),
		zap.String("ward", p.Ward),
		zap.String("actor_id", actor.ID),
	)
	return p, nil
}

// DischargePatient discharges a patient and discontinues their pending doses.
// It returns the updated patient and the number of doses closed.
func (s *Service) DischargePatient(ctx context.Context, actor Actor, patientID string, date time.Time) (Patient, int, error) {
	if err := requireRole(actor, "discharge patients", RoleDoctor, RoleAdmin); err != nil {
		return Patient{}, 0, err
	}
	if date.IsZero() {
		date = s.Today()
	}
	date = Day(date)

	var (
		patient Patient
		closed  int
	)
	err := s.store.Atomic(ctx, func(tx Tx) error {
		p, err := tx.GetPatient(ctx, patientID)
		if err != nil {
			return err
		}
		if p.Status == PatientDischarged {
			return fmt.Errorf("%w: patient %s is already discharged", ErrInvalidTransition, p.ID)
		}
		if date.Before(Day(p.AdmissionDate)) {
			return fmt.Errorf("%w: discharge date %s is before admission date %s",
				ErrInvalidRequest, date.Format(DateLayout), Day(p.AdmissionDate).Format(DateLayout))
		}
		p.Status = PatientDischarged
		p.DischargeDate = &date
		if err := tx.SavePatient(ctx, p); err != nil {
			return err
		}

		closed, err = tx.DiscontinuePending(ctx, ScheduleFilter{PatientID: p.ID})
		if err != nil {
			return err
		}

		event, err := NewPatientDischargedEvent(&p, actor.ID, closed)
		if err != nil {
			return err
		}
		patient = p
		return tx.Emit(ctx, event)
	})
	if err != nil {
		return Patient{}, 0, err
	}

	s.logger.Info("patient discharged",
		zap.String("patient_id", patientID),
		zap.Int("closed_entries", closed),
		zap.String("actor_id", actor.ID),
	)
	return patient, closed, nil
}

// PatientUpdate holds the editable details of a patient. Nil fields are
// left unchanged; status and dates only change through admission and
// discharge.
type PatientUpdate struct {
	MedicalRecord *string `json:"medical_record,omitempty"`
	Name          *string `json:"name,omitempty"`
	Age           *int    `json:"age,omitempty"`
	Gender        *string `json:"gender,omitempty"`
	Bed           *string `json:"bed,omitempty"`
	Ward          *string `json:"ward,omitempty"`
	Condition     *string `json:"condition,omitempty"`
	DoctorID      *string `json:"doctor_id,omitempty"`
}

func (u PatientUpdate) empty() bool {
	return u == PatientUpdate{}
}

func (u PatientUpdate) validate() error {
	if u.empty() {
		return fmt.Errorf("%w: no patient fields to update", ErrInvalidRequest)
	}
	if u.Name != nil && strings.TrimSpace(*u.Name) == "" {
		return fmt.Errorf("%w: patient name is required", ErrInvalidRequest)
	}
	if u.Age != nil && *u.Age < 0 {
		return fmt.Errorf("%w: age %d is negative", ErrInvalidRequest, *u.Age)
	}
	return nil
}

func (u PatientUpdate) apply(p *Patient) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	set(&p.MedicalRecord, u.MedicalRecord)
	set(&p.Name, u.Name)
	set(&p.Gender, u.Gender)
	set(&p.Bed, u.Bed)
	set(&p.Ward, u.Ward)
	set(&p.Condition, u.Condition)
	set(&p.DoctorID, u.DoctorID)
	if u.Age != nil {
		p.Age = *u.Age
	}
}

// UpdatePatient edits the details of an admitted patient. Pending doses are
// relabelled with the new name, ward and bed so ward views follow a move.
func (s *Service) UpdatePatient(ctx context.Context, actor Actor, id string, u PatientUpdate) (Patient, error) {
	if err := requireRole(actor, "update patients", RoleDoctor, RoleAdmin); err != nil {
		return Patient{}, err
	}
	if err := u.validate(); err != nil {
		return Patient{}, err
	}

	var (
		patient    Patient
		relabelled int
	)
	err := s.store.Atomic(ctx, func(tx Tx) error {
		p, err := tx.GetPatient(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != PatientAdmitted {
			return fmt.Errorf("%w: patient %s is %s", ErrInvalidTransition, p.ID, p.Status)
		}
		u.apply(&p)
		if err := tx.SavePatient(ctx, p); err != nil {
			return err
		}
		if relabelled, err = tx.RelabelPending(ctx, p); err != nil {
			return err
		}
		event, err := NewEvent("Patient", p.ID, EventPatientUpdated, p)
		if err != nil {
			return err
		}
		patient = p
		return tx.Emit(ctx, event.WithAuditInfo(actor.ID, p.ID))
	})
	if err != nil {
		return Patient{}, err
	}

	s.logger.Info("patient updated",
		zap.String("patient_id", id),
		zap.String("ward", patient.Ward),
		zap.String("bed", patient.Bed),
		zap.Int("relabelled_entries", relabelled),
		zap.String("actor_id", actor.ID),
	)
	return patient, nil
}

// GetPatient returns a patient by id
func (s *Service) GetPatient(ctx context.Context, id string) (Patient, error) {
	return s.store.GetPatient(ctx, id)
}

// ListPatients returns the patients matching f ordered by id
func (s *Service) ListPatients(ctx context.Context, f PatientFilter) ([]Patient, error) {
	patients, err := s.store.ListPatients(ctx)
	if err != nil {
		return nil, err
	}
	out := patients[:0]
	for i := range patients {
		if f.Match(&patients[i]) {
			out = append(out, patients[i])
		}
	}
	return out, nil
}

// IssuePrescription validates and stores a new Active prescription for an
// admitted patient
func (s *Service) IssuePrescription(ctx context.Context, actor Actor, p Prescription) (Prescription, error) {
	if err := requireRole(actor, "issue prescriptions", RoleDoctor); err != nil {
		return Prescription{}, err
	}
	if p.ID == "" {
		p.ID = "RX-" + strings.ToUpper(uuid.New().String()[:8])
	}
	if p.PatientID == "" {
		return Prescription{}, fmt.Errorf("%w: patient id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(p.MedicineName) == "" {
		return Prescription{}, fmt.Errorf("%w: medicine name is required", ErrInvalidRequest)
	}
	if !p.Route.Valid() {
		return Prescription{}, fmt.Errorf("%w: route %q is not one of Oral, IV, Injection", ErrInvalidRequest, p.Route)
	}
	p.DoctorID = actor.ID
	p.Status = PrescriptionActive
	p.StartDate = Day(p.StartDate)
	p.EndDate = Day(p.EndDate)
	if err := ValidatePrescription(&p); err != nil {
		return Prescription{}, err
	}

	err := s.store.Atomic(ctx, func(tx Tx) error {
		patient, err := tx.GetPatient(ctx, p.PatientID)
		if err != nil {
			return err
		}
		if patient.Status != PatientAdmitted {
			return fmt.Errorf("%w: patient %s is %s", ErrInvalidRequest, patient.ID, patient.Status)
		}
		if _, err := tx.GetPrescription(ctx, p.ID); err == nil {
			return fmt.Errorf("%w: prescription %s already exists", ErrInvalidRequest, p.ID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := tx.SavePrescription(ctx, p); err != nil {
			return err
		}
		event, err := NewPrescriptionEvent(EventPrescriptionIssued, &p, actor.ID, 0)
		if err != nil {
			return err
		}
		return tx.Emit(ctx, event)
	})
	if err != nil {
		return Prescription{}, err
	}

	s.logger.Info("prescription issued",
		zap.String("prescription_id", p.ID),
		zap.String("patient_id", p.PatientID),
		zap.String("doctor_id", p.DoctorID),
		zap.Strings("times", p.Times),
	)
	return p, nil
}

// DiscontinuePrescription stops an Active prescription and discontinues its
// pending doses from today on. Earlier pending doses stay open so they can
// still be recorded. Recorded administrations are untouched.
func (s *Service) DiscontinuePrescription(ctx context.Context, actor Actor, id string) (Prescription, int, error) {
	if err := requireRole(actor, "discontinue prescriptions", RoleDoctor); err != nil {
		return Prescription{}, 0, err
	}

	var (
		rx     Prescription
		closed int
	)
	err := s.store.Atomic(ctx, func(tx Tx) error {
		p, err := tx.GetPrescription(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != PrescriptionActive {
			return fmt.Errorf("%w: prescription %s is %s", ErrInvalidTransition, p.ID, p.Status)
		}
		p.Status = PrescriptionDiscontinued
		if err := tx.SavePrescription(ctx, p); err != nil {
			return err
		}
		closed, err = tx.DiscontinuePending(ctx, ScheduleFilter{PrescriptionID: p.ID, From: s.Today()})
		if err != nil {
			return err
		}
		event, err := NewPrescriptionEvent(EventPrescriptionDiscontinued, &p, actor.ID, closed)
		if err != nil {
			return err
		}
		rx = p
		return tx.Emit(ctx, event)
	})
	if err != nil {
		return Prescription{}, 0, err
	}

	s.logger.Info("prescription discontinued",
		zap.String("prescription_id", id),
		zap.Int("closed_entries", closed),
		zap.String("actor_id", actor.ID),
	)
	return rx, closed, nil
}

// CompletePrescriptions marks Active prescriptions whose window ended before
// asOf as Completed and returns them
func (s *Service) CompletePrescriptions(ctx context.Context, actor Actor, asOf time.Time) ([]Prescription, error) {
	if err := requireRole(actor, "complete prescriptions", RoleDoctor, RoleAdmin); err != nil {
		return nil, err
	}
	if asOf.IsZero() {
		asOf = s.Today()
	}

	completed := make([]Prescription, 0)
	err := s.store.Atomic(ctx, func(tx Tx) error {
		active, err := tx.ListPrescriptions(ctx, PrescriptionFilter{Status: PrescriptionActive})
		if err != nil {
			return err
		}
		for i := range active {
			p := active[i]
			if !DueForCompletion(&p, asOf) {
				continue
			}
			p.Status = PrescriptionCompleted
			if err := tx.SavePrescription(ctx, p); err != nil {
				return err
			}
			event, err := NewPrescriptionEvent(EventPrescriptionCompleted, &p, actor.ID, 0)
			if err != nil {
				return err
			}
			if err := tx.Emit(ctx, event); err != nil {
				return err
			}
			completed = append(completed, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(completed) > 0 {
		s.logger.Info("prescriptions completed",
			zap.Int("count", len(completed)),
			zap.String("as_of", Day(asOf).Format(DateLayout)),
		)
	}
	return completed, nil
}

// GetPrescription returns a prescription by id
func (s *Service) GetPrescription(ctx context.Context, id string) (Prescription, error) {
	return s.store.GetPrescription(ctx, id)
}

// ListPrescriptions returns prescriptions matching f
func (s *Service) ListPrescriptions(ctx context.Context, f PrescriptionFilter) ([]Prescription, error) {
	return s.store.ListPrescriptions(ctx, f)
}

// GenerationResult reports the outcome of one generation run
type GenerationResult struct {
	Date     time.Time        `json:"date"`
	Entries  []ScheduleEntry  `json:"entries"`
	Inserted int              `json:"inserted"`
	Failures []*ScheduleError `json:"failures,omitempty"`
}

// GenerateSchedule expands the active prescriptions of admitted patients into
// pending doses for date and stores the ones not already present.
//
// Malformed prescriptions are reported in Failures and do not fail the run.
// The returned error is set only when the store fails.
func (s *Service) GenerateSchedule(ctx context.Context, actor Actor, date time.Time) (GenerationResult, error) {
	if err := requireRole(actor, "generate schedules", RoleDoctor, RoleAdmin); err != nil {
		return GenerationResult{}, err
	}
	day := Day(date)
	ctx, span := s.tracer.Start(ctx, "medication.GenerateSchedule",
		trace.WithAttributes(attribute.String("schedule.date", day.Format(DateLayout))))
	defer span.End()
	start := s.now()

	result := GenerationResult{Date: day}
	err := s.store.Atomic(ctx, func(tx Tx) error {
		rxs, err := tx.ListPrescriptions(ctx, PrescriptionFilter{ActiveOn: day})
		if err != nil {
			return err
		}
		patients, err := tx.ListPatients(ctx)
		if err != nil {
			return err
		}
		byID := make(map[string]Patient, len(patients))
		for _, p := range patients {
			byID[p.ID] = p
		}

		var failures []*ScheduleError
		eligible := rxs[:0]
		for _, rx := range rxs {
			p, ok := byID[rx.PatientID]
			switch {
			case !ok:
				failures = append(failures, &ScheduleError{
					PrescriptionID: rx.ID,
					Reason:         "patient " + rx.PatientID + " not found",
					Err:            ErrNotFound,
				})
			case p.Status == PatientAdmitted:
				eligible = append(eligible, rx)
			}
		}

		entries, genErr := GenerateSchedule(eligible, day)
		result.Failures = append(failures, ScheduleErrors(genErr)...)
		for i := range entries {
			p := byID[entries[i].PatientID]
			entries[i].PatientName = p.Name
			entries[i].Ward = p.Ward
			entries[i].Bed = p.Bed
		}

		result.Inserted, err = tx.InsertEntries(ctx, entries)
		if err != nil {
			return err
		}
		result.Entries, err = tx.ListEntries(ctx, ScheduleFilter{Date: day})
		if err != nil {
			return err
		}
		if result.Inserted == 0 {
			return nil
		}
		event, err := NewEvent("Schedule", day.Format(DateLayout), EventScheduleGenerated, map[string]interface{}{
			"date":     day.Format(DateLayout),
			"inserted": result.Inserted,
			"failures": len(result.Failures),
		})
		if err != nil {
			return err
		}
		return tx.Emit(ctx, event.WithAuditInfo(actor.ID, ""))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return GenerationResult{}, err
	}

	elapsed := s.now().Sub(start)
	s.recorder.ScheduleGenerated(result.Inserted, len(result.Failures), elapsed)
	span.SetAttributes(
		attribute.Int("schedule.inserted", result.Inserted),
		attribute.Int("schedule.failures", len(result.Failures)),
	)
	for _, f := range result.Failures {
		s.logger.Warn("prescription skipped during schedule generation",
			zap.String("prescription_id", f.PrescriptionID),
			zap.String("reason", f.Reason),
			zap.String("date", day.Format(DateLayout)),
		)
	}
	s.logger.Info("schedule generated",
		zap.String("date", day.Format(DateLayout)),
		zap.Int("inserted", result.Inserted),
		zap.Int("total", len(result.Entries)),
		zap.Duration("duration", elapsed),
	)
	return result, nil
}

// Schedule returns stored schedule entries matching f, ordered by time
func (s *Service) Schedule(ctx context.Context, f ScheduleFilter) ([]ScheduleEntry, error) {
	return s.store.ListEntries(ctx, f)
}

// RecordAdministration records a nurse's outcome for one pending dose.
//
// Attempts on the same entry are serialised by the locker and the status
// change, log append and event are committed together. A losing concurrent
// attempt fails with ErrInvalidTransition and leaves nothing behind.
func (s *Service) RecordAdministration(ctx context.Context, key EntryKey, nurse Actor, req Administration) (LogEntry, error) {
	key.Date = Day(key.Date)
	ctx, span := s.tracer.Start(ctx, "medication.RecordAdministration",
		trace.WithAttributes(
			attribute.String("entry.key", key.String()),
			attribute.String("dose.outcome", string(req.Outcome)),
			attribute.String("actor.id", nurse.ID),
		))
	defer span.End()

	log, err := s.recordAdministration(ctx, key, nurse, req)
	if err != nil {
		reason := rejectionReason(err)
		s.recorder.AdministrationRejected(reason)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		s.logger.Warn("administration rejected",
			zap.String("entry", key.String()),
			zap.String("nurse_id", nurse.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return LogEntry{}, err
	}

	s.recorder.DoseRecorded(string(log.Status))
	s.logger.Info("administration recorded",
		zap.String("log_id", log.ID),
		zap.Int64("seq", log.Seq),
		zap.String("entry", key.String()),
		zap.String("nurse_id", log.NurseID),
		zap.String("status", string(log.Status)),
	)
	return log, nil
}

func (s *Service) recordAdministration(ctx context.Context, key EntryKey, nurse Actor, req Administration) (LogEntry, error) {
	// Reject before taking the lock.
	if err := requireRole(nurse, "record administration", RoleNurse); err != nil {
		return LogEntry{}, err
	}

	unlock, err := s.locker.Lock(ctx, key.String())
	if err != nil {
		return LogEntry{}, fmt.Errorf("lock entry %s: %w", key, err)
	}
	defer unlock()

	var log LogEntry
	err = s.store.Atomic(ctx, func(tx Tx) error {
		entry, err := tx.GetEntry(ctx, key)
		if err != nil {
			return err
		}
		from := entry.Status
		rec, err := RecordAdministration(&entry, nurse, req)
		if err != nil {
			return err
		}
		if err := tx.SetEntryStatus(ctx, key, from, entry.Status); err != nil {
			return err
		}
		if log, err = tx.AppendLog(ctx, rec); err != nil {
			return err
		}
		event, err := NewDoseAdministeredEvent(log)
		if err != nil {
			return err
		}
		return tx.Emit(ctx, event)
	})
	if err != nil {
		return LogEntry{}, err
	}
	return log, nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

// Logs returns the log entries actor may see that match f, in insertion order
func (s *Service) Logs(ctx context.Context, actor Actor, f LogFilter) ([]LogEntry, error) {
	if err := requireRole(actor, "read the administration log", RoleDoctor, RoleNurse, RoleAdmin); err != nil {
		return nil, err
	}
	return s.store.ListLogs(ctx, f.ScopeFor(actor))
}

// Log returns a single log entry visible to actor
func (s *Service) Log(ctx context.Context, actor Actor, id string) (LogEntry, error) {
	if err := requireRole(actor, "read the administration log", RoleDoctor, RoleNurse, RoleAdmin); err != nil {
		return LogEntry{}, err
	}
	l, err := s.store.GetLog(ctx, id)
	if err != nil {
		return LogEntry{}, err
	}
	if actor.Role == RoleNurse && l.NurseID != actor.ID {
		return LogEntry{}, fmt.Errorf("%w: log entry %s", ErrNotFound, id)
	}
	return l, nil
}

// Summary computes the dashboard summary for the entries matching f
func (s *Service) Summary(ctx context.Context, f ScheduleFilter) (Summary, error) {
	entries, err := s.store.ListEntries(ctx, f)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(entries), nil
}

// PatientStats rolls up the schedule of date per patient. Every admitted
// patient has a row.
func (s *Service) PatientStats(ctx context.Context, date time.Time) ([]Rollup, error) {
	entries, err := s.store.ListEntries(ctx, ScheduleFilter{Date: date})
	if err != nil {
		return nil, err
	}
	patients, err := s.store.ListPatients(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(patients))
	for _, p := range patients {
		if p.Status == PatientAdmitted {
			ids = append(ids, p.ID)
		}
	}
	return PatientRollups(entries, ids...), nil
}

// NurseStats rolls up log entries in [from, to] per nurse. Nurses see only
// their own row.
func (s *Service) NurseStats(ctx context.Context, actor Actor, from, to time.Time) ([]Rollup, error) {
	logs, err := s.Logs(ctx, actor, LogFilter{From: from, To: to})
	if err != nil {
		return nil, err
	}
	var seed []string
	if actor.Role == RoleNurse {
		seed = []string{actor.ID}
	}
	return NurseRollups(logs, seed...), nil
}
