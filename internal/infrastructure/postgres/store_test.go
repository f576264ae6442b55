package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wardrx/medadmin/internal/domain/medication"
)

// The tests in this file run when DATABASE_URL points at a live server.
// Each test migrates a schema of its own and drops it afterwards.

var (
	doctor = medication.Actor{ID: "D001", Name: "Dr. Priya Sharma", Role: medication.RoleDoctor}
	admin  = medication.Actor{ID: "A001", Role: medication.RoleAdmin}
	nurse  = medication.Actor{ID: "N001", Name: "Nurse Anjali Singh", Role: medication.RoleNurse}
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()

	root, err := NewPool(ctx, url, 2)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	schema := fmt.Sprintf("medadmin_test_%d", time.Now().UnixNano())
	if _, err := root.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		root.Close()
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		if _, err := root.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		root.Close()
	})

	if _, err := Migrate(ctx, pool, nil); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return pool
}

func testTopic(medication.EventType) string { return "medadmin.test" }

type noLock struct{}

func (noLock) Lock(context.Context, string) (func(), error) { return func() {}, nil }

func newTestService(store medication.Store) *medication.Service {
	now := time.Date(2025, 2, 14, 7, 30, 0, 0, time.UTC)
	return medication.NewService(store, nil,
		medication.WithClock(func() time.Time { return now }),
		medication.WithLocker(noLock{}),
	)
}

// seedWard admits P001 with a twice-daily Metformin prescription and
// generates 2025-02-13 and 2025-02-14
func seedWard(t *testing.T, svc *medication.Service) {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.AdmitPatient(ctx, doctor, medication.Patient{
		ID: "P001", MedicalRecord: "MR-1001", Name: "Rahul Verma", Ward: "General", Bed: "12A",
		AdmissionDate: time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := svc.IssuePrescription(ctx, doctor, medication.Prescription{
		ID: "RX1", PatientID: "P001", MedicineName: "Metformin", Dosage: "500mg",
		Route: medication.RouteOral, Frequency: 2, Times: []string{"08:00", "20:00"},
		StartDate: time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 2, 20, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	for _, day := range []int{13, 14} {
		if _, err := svc.GenerateSchedule(ctx, admin, time.Date(2025, 2, day, 0, 0, 0, 0, time.UTC)); err != nil {
			t.Fatalf("generate 2025-02-%d: %v", day, err)
		}
	}
}

func entryKey(day int, clock string) medication.EntryKey {
	return medication.EntryKey{PrescriptionID: "RX1", ScheduledTime: clock, Date: time.Date(2025, 2, day, 0, 0, 0, 0, time.UTC)}
}

func TestMigrateIsIdempotent(t *testing.T) {
	pool := testPool(t)
	applied, err := Migrate(context.Background(), pool, nil)
	if err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	if applied != 0 {
		t.Errorf("second Migrate() applied %d migrations, want 0", applied)
	}
}

func TestStoreQueries(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewStore(pool, testTopic, nil)
	seedWard(t, newTestService(store))

	n, err := store.InsertEntries(ctx, []medication.ScheduleEntry{{
		PrescriptionID: "RX1", PatientID: "P001", ScheduledTime: "08:00",
		Date: time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC), Status: medication.DosePending,
	}})
	if err != nil || n != 0 {
		t.Errorf("reinserting an existing entry = %d, %v; want 0, nil", n, err)
	}

	filters := []struct {
		name   string
		filter medication.ScheduleFilter
		want   int
	}{
		{"all", medication.ScheduleFilter{}, 4},
		{"one day", medication.ScheduleFilter{Date: entryKey(13, "").Date}, 2},
		{"from today", medication.ScheduleFilter{From: entryKey(14, "").Date}, 2},
		{"ward", medication.ScheduleFilter{Ward: "General", Status: medication.DosePending}, 4},
		{"other ward", medication.ScheduleFilter{Ward: "ICU"}, 0},
	}
	for _, tt := range filters {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := store.ListEntries(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListEntries() error = %v", err)
			}
			if len(entries) != tt.want {
				t.Errorf("ListEntries(%+v) = %d entries, want %d", tt.filter, len(entries), tt.want)
			}
		})
	}

	searches := []struct {
		q    string
		want int
	}{
		{"metf", 1},
		{"500MG", 1},
		{"p001", 1},
		{"%", 0},
		{"insulin", 0},
	}
	for _, tt := range searches {
		rxs, err := store.ListPrescriptions(ctx, medication.PrescriptionFilter{Query: tt.q})
		if err != nil {
			t.Fatalf("ListPrescriptions(%q) error = %v", tt.q, err)
		}
		if len(rxs) != tt.want {
			t.Errorf("ListPrescriptions(%q) = %d, want %d", tt.q, len(rxs), tt.want)
		}
	}

	if _, err := store.GetEntry(ctx, entryKey(15, "08:00")); !errors.Is(err, medication.ErrNotFound) {
		t.Errorf("GetEntry() for a missing entry = %v, want ErrNotFound", err)
	}
}

func TestSetEntryStatusIsCompareAndSet(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewStore(pool, testTopic, nil)
	seedWard(t, newTestService(store))
	key := entryKey(14, "08:00")

	if err := store.SetEntryStatus(ctx, key, medication.DosePending, medication.DoseGiven); err != nil {
		t.Fatalf("first SetEntryStatus() error = %v", err)
	}
	err := store.SetEntryStatus(ctx, key, medication.DosePending, medication.DoseMissed)
	if !errors.Is(err, medication.ErrInvalidTransition) {
		t.Errorf("stale SetEntryStatus() = %v, want ErrInvalidTransition", err)
	}
	if e, _ := store.GetEntry(ctx, key); e.Status != medication.DoseGiven {
		t.Errorf("status = %s, want Given", e.Status)
	}
}

func TestAppendLogRejectsSecondRecord(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewStore(pool, testTopic, nil)
	seedWard(t, newTestService(store))

	log := medication.LogEntry{
		ID: "L1", PrescriptionID: "RX1", ScheduledTime: "08:00", Date: entryKey(14, "").Date,
		PatientID: "P001", NurseID: nurse.ID, Status: medication.DoseMissed,
		RecordedAt: time.Date(2025, 2, 14, 9, 0, 0, 0, time.UTC),
	}
	first, err := store.AppendLog(ctx, log)
	if err != nil {
		t.Fatalf("AppendLog() error = %v", err)
	}
	if first.Seq == 0 {
		t.Error("appended entry has no sequence number")
	}

	log.ID = "L2"
	if _, err := store.AppendLog(ctx, log); !errors.Is(err, medication.ErrInvalidTransition) {
		t.Errorf("second record for the entry = %v, want ErrInvalidTransition", err)
	}
}

func TestAdministrationLogIsAppendOnly(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewStore(pool, testTopic, nil)
	svc := newTestService(store)
	seedWard(t, svc)

	if _, err := svc.RecordAdministration(ctx, entryKey(14, "08:00"), nurse, medication.Administration{
		Outcome: medication.DoseGiven, Timestamp: time.Date(2025, 2, 14, 8, 5, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	for _, stmt := range []string{
		`UPDATE administration_log SET remarks = 'edited'`,
		`DELETE FROM administration_log`,
		`TRUNCATE administration_log CASCADE`,
	} {
		_, err := pool.Exec(ctx, stmt)
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != "23001" {
			t.Errorf("%s: error = %v, want restrict_violation", stmt, err)
		}
	}
	if logs, _ := store.ListLogs(ctx, medication.LogFilter{}); len(logs) != 1 || logs[0].Remarks != "" {
		t.Errorf("log after rejected writes = %+v", logs)
	}
}

func TestAtomicRollsBack(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewStore(pool, testTopic, nil)

	boom := errors.New("boom")
	err := store.Atomic(ctx, func(tx medication.Tx) error {
		if err := tx.SavePatient(ctx, medication.Patient{
			ID: "P009", Name: "Arjun Rao", AdmissionDate: entryKey(14, "").Date, Status: medication.PatientAdmitted,
		}); err != nil {
			return err
		}
		event, err := medication.NewEvent("Patient", "P009", medication.EventPatientAdmitted, nil)
		if err != nil {
			return err
		}
		if err := tx.Emit(ctx, event); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Atomic() = %v, want boom", err)
	}

	if _, err := store.GetPatient(ctx, "P009"); !errors.Is(err, medication.ErrNotFound) {
		t.Errorf("patient survived rollback: %v", err)
	}
	var outbox int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&outbox); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if outbox != 0 {
		t.Errorf("outbox has %d rows after rollback, want 0", outbox)
	}
}

func TestDiscontinueLeavesEarlierDaysPending(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewStore(pool, testTopic, nil)
	svc := newTestService(store)
	seedWard(t, svc)

	_, closed, err := svc.DiscontinuePrescription(ctx, doctor, "RX1")
	if err != nil {
		t.Fatalf("discontinue: %v", err)
	}
	if closed != 2 {
		t.Errorf("closed = %d, want 2", closed)
	}
	if e, _ := store.GetEntry(ctx, entryKey(13, "20:00")); e.Status != medication.DosePending {
		t.Errorf("earlier dose = %s, want Pending", e.Status)
	}
}

func TestUpdatePatientRelabelsPendingEntries(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewStore(pool, testTopic, nil)
	svc := newTestService(store)
	seedWard(t, svc)

	if _, err := svc.RecordAdministration(ctx, entryKey(14, "08:00"), nurse, medication.Administration{
		Outcome: medication.DoseGiven, Timestamp: time.Date(2025, 2, 14, 8, 5, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	ward, bed := "ICU", "3"
	if _, err := svc.UpdatePatient(ctx, doctor, "P001", medication.PatientUpdate{Ward: &ward, Bed: &bed}); err != nil {
		t.Fatalf("update: %v", err)
	}

	icu, err := store.ListEntries(ctx, medication.ScheduleFilter{Ward: "ICU"})
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(icu) != 3 {
		t.Errorf("ICU has %d entries, want the 3 pending ones", len(icu))
	}
	if e, _ := store.GetEntry(ctx, entryKey(14, "08:00")); e.Ward != "General" {
		t.Errorf("recorded dose moved to %s", e.Ward)
	}
}

func TestConcurrentAdministrationHasOneWinner(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewStore(pool, testTopic, nil)
	seedWard(t, newTestService(store))
	key := entryKey(14, "08:00")

	// one service per replica, with no shared locker
	const replicas = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
		other    []error
	)
	for i := 0; i < replicas; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc := newTestService(NewStore(pool, testTopic, nil))
			actor := medication.Actor{ID: fmt.Sprintf("N%03d", i+1), Role: medication.RoleNurse}
			_, err := svc.RecordAdministration(ctx, key, actor, medication.Administration{
				Outcome: medication.DoseGiven, Timestamp: time.Date(2025, 2, 14, 8, i, 0, 0, time.UTC),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, medication.ErrInvalidTransition):
				conflict++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || conflict != replicas-1 || len(other) != 0 {
		t.Fatalf("wins = %d, conflicts = %d, other errors = %v", wins, conflict, other)
	}
	logs, err := store.ListLogs(ctx, medication.LogFilter{})
	if err != nil {
		t.Fatalf("ListLogs() error = %v", err)
	}
	if len(logs) != 1 {
		t.Errorf("log has %d entries, want 1", len(logs))
	}
	var events int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE event_type = $1`, string(medication.EventDoseAdministered),
	).Scan(&events); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if events != 1 {
		t.Errorf("outbox has %d DoseAdministered events, want 1", events)
	}
}

func TestRelayBatchAgainstPostgres(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	for i, key := range []string{"P001", "P002", "P001", "P002"} {
		if err := WriteEntry(ctx, pool, &OutboxEntry{
			AggregateID: key, AggregateType: "Patient", EventType: "PatientUpdated",
			Payload: []byte(fmt.Sprintf(`{"n":"%d"}`, i)), Topic: "medadmin.test", Key: key,
		}); err != nil {
			t.Fatalf("WriteEntry() error = %v", err)
		}
	}

	pub := &fakePublisher{failKeys: map[string]bool{"P001": true}}
	relay := NewRelay(pool, pub, DefaultOutboxConfig(), nil)
	sent, err := relay.RelayBatch(ctx)
	if err != nil {
		t.Fatalf("RelayBatch() error = %v", err)
	}
	if sent != 2 {
		t.Errorf("sent = %d, want the 2 P002 entries", sent)
	}

	stats, err := relay.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Pending != 2 || stats.Retrying != 1 {
		t.Errorf("stats = %+v, want 2 pending with 1 retrying", stats)
	}

	delete(pub.failKeys, "P001")
	if sent, err := relay.RelayBatch(ctx); err != nil || sent != 2 {
		t.Errorf("second RelayBatch() = %d, %v; want 2", sent, err)
	}
	if got := pub.published; len(got) != 4 || got[2] != "P0010" || got[3] != "P0012" {
		t.Errorf("published = %v", got)
	}
}
