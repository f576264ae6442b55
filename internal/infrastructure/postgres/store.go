package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wardrx/medadmin/internal/domain/medication"
)

// Querier is the subset of pgx shared by pools and transactions
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// TopicFunc picks the broker topic for an event type
type TopicFunc func(medication.EventType) string

// Store is a medication.Store backed by PostgreSQL. Events are written to the
// outbox table in the same transaction as the change that produced them.
type Store struct {
	*queries
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a new store
func NewStore(pool *pgxpool.Pool, topics TopicFunc, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		queries: &queries{q: pool, topics: topics},
		pool:    pool,
		logger:  logger,
	}
}

// Atomic runs fn in a single transaction. Schedule entries read inside fn
// are locked until commit.
func (s *Store) Atomic(ctx context.Context, fn func(tx medication.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&queries{q: tx, topics: s.topics, forUpdate: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type queries struct {
	q         Querier
	topics    TopicFunc
	forUpdate bool
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", medication.ErrNotFound, what, id)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}

const patientColumns = `id, medical_record, name, age, gender, bed, ward, condition,
	doctor_id, admission_date, discharge_date, status`

func scanPatient(row pgx.Row) (medication.Patient, error) {
	var p medication.Patient
	err := row.Scan(&p.ID, &p.MedicalRecord, &p.Name, &p.Age, &p.Gender, &p.Bed, &p.Ward,
		&p.Condition, &p.DoctorID, &p.AdmissionDate, &p.DischargeDate, &p.Status)
	return p, err
}

func (r *queries) GetPatient(ctx context.Context, id string) (medication.Patient, error) {
	p, err := scanPatient(r.q.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id))
	if err != nil {
		return medication.Patient{}, notFound(err, "patient", id)
	}
	return p, nil
}

func (r *queries) ListPatients(ctx context.Context) ([]medication.Patient, error) {
	rows, err := r.q.Query(ctx, `SELECT `+patientColumns+` FROM patients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	out := make([]medication.Patient, 0)
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *queries) SavePatient(ctx context.Context, p medication.Patient) error {
	query := `
		INSERT INTO patients (` + patientColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			medical_record = EXCLUDED.medical_record,
			name = EXCLUDED.name,
			age = EXCLUDED.age,
			gender = EXCLUDED.gender,
			bed = EXCLUDED.bed,
			ward = EXCLUDED.ward,
			condition = EXCLUDED.condition,
			doctor_id = EXCLUDED.doctor_id,
			admission_date = EXCLUDED.admission_date,
			discharge_date = EXCLUDED.discharge_date,
			status = EXCLUDED.status,
			updated_at = NOW()
	`
	_, err := r.q.Exec(ctx, query,
		p.ID, p.MedicalRecord, p.Name, p.Age, p.Gender, p.Bed, p.Ward, p.Condition,
		p.DoctorID, p.AdmissionDate, p.DischargeDate, p.Status,
	)
	if err != nil {
		return fmt.Errorf("save patient %s: %w", p.ID, err)
	}
	return nil
}

const prescriptionColumns = `id, patient_id, doctor_id, medicine_name, dosage, route, frequency,
	times, start_date, end_date, instructions, status`

func scanPrescription(row pgx.Row) (medication.Prescription, error) {
	var p medication.Prescription
	err := row.Scan(&p.ID, &p.PatientID, &p.DoctorID, &p.MedicineName, &p.Dosage, &p.Route,
		&p.Frequency, &p.Times, &p.StartDate, &p.EndDate, &p.Instructions, &p.Status)
	return p, err
}

func (r *queries) GetPrescription(ctx context.Context, id string) (medication.Prescription, error) {
	p, err := scanPrescription(r.q.QueryRow(ctx, `SELECT `+prescriptionColumns+` FROM prescriptions WHERE id = $1`, id))
	if err != nil {
		return medication.Prescription{}, notFound(err, "prescription", id)
	}
	return p, nil
}

func (r *queries) ListPrescriptions(ctx context.Context, f medication.PrescriptionFilter) ([]medication.Prescription, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.PatientID != "" {
		where = append(where, "patient_id = "+arg(f.PatientID))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(f.Status))
	}
	if !f.ActiveOn.IsZero() {
		d := arg(medication.Day(f.ActiveOn))
		where = append(where, "status = 'Active'", "start_date <= "+d, "end_date >= "+d)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		like := arg("%" + likeEscaper.Replace(q) + "%")
		where = append(where, "(patient_id ILIKE "+like+" OR medicine_name ILIKE "+like+" OR dosage ILIKE "+like+")")
	}

	query := `SELECT ` + prescriptionColumns + ` FROM prescriptions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()

	out := make([]medication.Prescription, 0)
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// likeEscaper quotes LIKE wildcards with the default backslash escape
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (r *queries) SavePrescription(ctx context.Context, p medication.Prescription) error {
	query := `
		INSERT INTO prescriptions (` + prescriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			instructions = EXCLUDED.instructions,
			updated_at = NOW()
	`
	_, err := r.q.Exec(ctx, query,
		p.ID, p.PatientID, p.DoctorID, p.MedicineName, p.Dosage, p.Route, p.Frequency,
		p.Times, medication.Day(p.StartDate), medication.Day(p.EndDate), p.Instructions, p.Status,
	)
	if err != nil {
		return fmt.Errorf("save prescription %s: %w", p.ID, err)
	}
	return nil
}

func (r *queries) InsertEntries(ctx context.Context, entries []medication.ScheduleEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	query := `
		INSERT INTO schedule_entries
		(prescription_id, scheduled_time, entry_date, patient_id, status,
		 medicine_name, dosage, route, patient_name, ward, bed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (prescription_id, scheduled_time, entry_date) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(query,
			e.PrescriptionID, e.ScheduledTime, medication.Day(e.Date), e.PatientID, e.Status,
			e.MedicineName, e.Dosage, e.Route, e.PatientName, e.Ward, e.Bed,
		)
	}

	br := r.q.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range entries {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert schedule entry: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

const entryColumns = `prescription_id, scheduled_time, entry_date, patient_id, status,
	medicine_name, dosage, route, patient_name, ward, bed`

func scanEntry(row pgx.Row) (medication.ScheduleEntry, error) {
	var e medication.ScheduleEntry
	err := row.Scan(&e.PrescriptionID, &e.ScheduledTime, &e.Date, &e.PatientID, &e.Status,
		&e.MedicineName, &e.Dosage, &e.Route, &e.PatientName, &e.Ward, &e.Bed)
	return e, err
}

func (r *queries) GetEntry(ctx context.Context, key medication.EntryKey) (medication.ScheduleEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM schedule_entries
		WHERE prescription_id = $1 AND scheduled_time = $2 AND entry_date = $3`
	if r.forUpdate {
		query += " FOR UPDATE"
	}
	e, err := scanEntry(r.q.QueryRow(ctx, query, key.PrescriptionID, key.ScheduledTime, medication.Day(key.Date)))
	if err != nil {
		return medication.ScheduleEntry{}, notFound(err, "schedule entry", key.String())
	}
	return e, nil
}

func scheduleWhere(f medication.ScheduleFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !f.Date.IsZero() {
		where = append(where, "entry_date = "+arg(medication.Day(f.Date)))
	}
	if !f.From.IsZero() {
		where = append(where, "entry_date >= "+arg(medication.Day(f.From)))
	}
	if f.PatientID != "" {
		where = append(where, "patient_id = "+arg(f.PatientID))
	}
	if f.PrescriptionID != "" {
		where = append(where, "prescription_id = "+arg(f.PrescriptionID))
	}
	if f.Ward != "" {
		where = append(where, "ward = "+arg(f.Ward))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(f.Status))
	}
	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (r *queries) ListEntries(ctx context.Context, f medication.ScheduleFilter) ([]medication.ScheduleEntry, error) {
	where, args := scheduleWhere(f)
	query := `SELECT ` + entryColumns + ` FROM schedule_entries` + where +
		` ORDER BY entry_date, scheduled_time, prescription_id`

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedule entries: %w", err)
	}
	defer rows.Close()

	out := make([]medication.ScheduleEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *queries) SetEntryStatus(ctx context.Context, key medication.EntryKey, from, to medication.DoseStatus) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE schedule_entries SET status = $4, updated_at = NOW()
		WHERE prescription_id = $1 AND scheduled_time = $2 AND entry_date = $3 AND status = $5
	`, key.PrescriptionID, key.ScheduledTime, medication.Day(key.Date), to, from)
	if err != nil {
		return fmt.Errorf("update schedule entry %s: %w", key, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := r.GetEntry(ctx, key)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: entry %s is %s", medication.ErrInvalidTransition, key, current.Status)
}

func (r *queries) DiscontinuePending(ctx context.Context, f medication.ScheduleFilter) (int, error) {
	f.Status = medication.DosePending
	where, args := scheduleWhere(f)
	tag, err := r.q.Exec(ctx,
		`UPDATE schedule_entries SET status = 'Discontinued', updated_at = NOW()`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("discontinue pending entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *queries) RelabelPending(ctx context.Context, p medication.Patient) (int, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE schedule_entries SET patient_name = $2, ward = $3, bed = $4, updated_at = NOW()
		WHERE patient_id = $1 AND status = 'Pending'
	`, p.ID, p.Name, p.Ward, p.Bed)
	if err != nil {
		return 0, fmt.Errorf("relabel pending entries of %s: %w", p.ID, err)
	}
	return int(tag.RowsAffected()), nil
}

const logColumns = `seq, id, prescription_id, scheduled_time, entry_date, patient_id, nurse_id,
	nurse_name, actual_time, status, remarks, recorded_at`

func scanLog(row pgx.Row) (medication.LogEntry, error) {
	var l medication.LogEntry
	err := row.Scan(&l.Seq, &l.ID, &l.PrescriptionID, &l.ScheduledTime, &l.Date, &l.PatientID,
		&l.NurseID, &l.NurseName, &l.ActualTime, &l.Status, &l.Remarks, &l.RecordedAt)
	return l, err
}

func (r *queries) AppendLog(ctx context.Context, l medication.LogEntry) (medication.LogEntry, error) {
	err := r.q.QueryRow(ctx, `
		INSERT INTO administration_log
		(id, prescription_id, scheduled_time, entry_date, patient_id, nurse_id,
		 nurse_name, actual_time, status, remarks, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING seq
	`, l.ID, l.PrescriptionID, l.ScheduledTime, medication.Day(l.Date), l.PatientID, l.NurseID,
		l.NurseName, l.ActualTime, l.Status, l.Remarks, l.RecordedAt,
	).Scan(&l.Seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return medication.LogEntry{}, fmt.Errorf("%w: entry %s already recorded", medication.ErrInvalidTransition, l.EntryKey())
		}
		return medication.LogEntry{}, fmt.Errorf("append log: %w", err)
	}
	return l, nil
}

func (r *queries) GetLog(ctx context.Context, id string) (medication.LogEntry, error) {
	l, err := scanLog(r.q.QueryRow(ctx, `SELECT `+logColumns+` FROM administration_log WHERE id = $1`, id))
	if err != nil {
		return medication.LogEntry{}, notFound(err, "log entry", id)
	}
	return l, nil
}

func (r *queries) ListLogs(ctx context.Context, f medication.LogFilter) ([]medication.LogEntry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.NurseID != "" {
		where = append(where, "nurse_id = "+arg(f.NurseID))
	}
	if f.PatientID != "" {
		where = append(where, "patient_id = "+arg(f.PatientID))
	}
	if f.Outcome != "" {
		where = append(where, "status = "+arg(f.Outcome))
	}
	if !f.From.IsZero() {
		where = append(where, "entry_date >= "+arg(medication.Day(f.From)))
	}
	if !f.To.IsZero() {
		where = append(where, "entry_date <= "+arg(medication.Day(f.To)))
	}

	query := `SELECT ` + logColumns + ` FROM administration_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list log: %w", err)
	}
	defer rows.Close()

	out := make([]medication.LogEntry, 0)
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *queries) Emit(ctx context.Context, e *medication.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return WriteEntry(ctx, r.q, &OutboxEntry{
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     string(e.EventType),
		Payload:       payload,
		Topic:         r.topics(e.EventType),
		Key:           e.Key(),
		CreatedAt:     time.Now().UTC(),
	})
}
