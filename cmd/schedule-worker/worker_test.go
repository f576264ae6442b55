package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/wardrx/medadmin/internal/domain/medication"
	"github.com/wardrx/medadmin/internal/infrastructure/redpanda"
	"github.com/wardrx/medadmin/pkg/workerpool"
)

var doctor = medication.Actor{ID: "D001", Name: "Dr. Priya Sharma", Role: medication.RoleDoctor}

type consumed struct {
	topic string
	err   error
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []consumed
}

func (f *fakeRecorder) EventConsumed(topic string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, consumed{topic, err})
}

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := medication.ParseDate(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

type fixture struct {
	store    *medication.MemoryStore
	svc      *medication.Service
	worker   *worker
	recorder *fakeRecorder
	ctx      context.Context
}

func newFixture(t *testing.T, lookahead int) *fixture {
	t.Helper()
	store := medication.NewMemoryStore()
	now := time.Date(2025, 2, 14, 0, 5, 0, 0, time.UTC)
	svc := medication.NewService(store, nil, medication.WithClock(func() time.Time { return now }))

	ctx := context.Background()
	if _, err := svc.AdmitPatient(ctx, doctor, medication.Patient{ID: "P001", Name: "Rahul Verma", Ward: "General"}); err != nil {
		t.Fatalf("AdmitPatient() error = %v", err)
	}

	cfg := workerpool.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	rec := &fakeRecorder{}
	return &fixture{
		store:    store,
		svc:      svc,
		worker:   newWorker(svc, lookahead, cfg, rec, nil),
		recorder: rec,
		ctx:      ctx,
	}
}

func (f *fixture) issue(t *testing.T, id, start, end string, times ...string) medication.Prescription {
	t.Helper()
	rx, err := f.svc.IssuePrescription(f.ctx, doctor, medication.Prescription{
		ID: id, PatientID: "P001", MedicineName: "Paracetamol", Dosage: "1g",
		Route: medication.RouteOral, Frequency: len(times), Times: times,
		StartDate: date(t, start), EndDate: date(t, end),
	})
	if err != nil {
		t.Fatalf("IssuePrescription(%s) error = %v", id, err)
	}
	return rx
}

func (f *fixture) entries(t *testing.T, day string) []medication.ScheduleEntry {
	t.Helper()
	entries, err := f.store.ListEntries(f.ctx, medication.ScheduleFilter{Date: date(t, day)})
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	return entries
}

func TestGenerateCoversLookahead(t *testing.T) {
	f := newFixture(t, 2)
	f.issue(t, "RX1", "2025-02-14", "2025-02-15", "08:00", "20:00")

	if err := f.worker.generate(f.ctx); err != nil {
		t.Fatalf("generate() error = %v", err)
	}

	tests := []struct {
		day  string
		want int
	}{
		{"2025-02-14", 2},
		{"2025-02-15", 2},
		{"2025-02-16", 0}, // past the end date
	}
	for _, tt := range tests {
		if got := len(f.entries(t, tt.day)); got != tt.want {
			t.Errorf("entries on %s = %d, want %d", tt.day, got, tt.want)
		}
	}

	// a second run adds nothing
	if err := f.worker.generate(f.ctx); err != nil {
		t.Fatalf("second generate() error = %v", err)
	}
	if got := len(f.entries(t, "2025-02-14")); got != 2 {
		t.Errorf("entries after rerun = %d, want 2", got)
	}
}

func TestHandlePrescriptionIssued(t *testing.T) {
	f := newFixture(t, 0)
	rx := f.issue(t, "RX1", "2025-02-14", "2025-02-20", "09:00")

	event, err := medication.NewPrescriptionEvent(medication.EventPrescriptionIssued, &rx, doctor.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	value, _ := json.Marshal(event)

	msg := &redpanda.ConsumedMessage{Topic: redpanda.TopicPrescriptionEvents, Value: value}
	if err := f.worker.handle(f.ctx, msg); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if got := f.entries(t, "2025-02-14"); len(got) != 1 || got[0].ScheduledTime != "09:00" {
		t.Errorf("entries = %+v, want one 09:00 dose", got)
	}
	if len(f.recorder.seen) != 1 || f.recorder.seen[0].err != nil {
		t.Errorf("recorded = %+v, want one success", f.recorder.seen)
	}
}

func TestHandleIgnoresOtherEvents(t *testing.T) {
	f := newFixture(t, 0)
	rx := f.issue(t, "RX1", "2025-02-14", "2025-02-20", "09:00")

	event, _ := medication.NewPrescriptionEvent(medication.EventPrescriptionDiscontinued, &rx, doctor.ID, 0)
	value, _ := json.Marshal(event)
	if err := f.worker.handle(f.ctx, &redpanda.ConsumedMessage{Topic: redpanda.TopicPrescriptionEvents, Value: value}); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if got := len(f.entries(t, "2025-02-14")); got != 0 {
		t.Errorf("entries = %d, want 0", got)
	}
}

func TestHandleDropsMalformedRecord(t *testing.T) {
	f := newFixture(t, 0)
	msg := &redpanda.ConsumedMessage{Topic: redpanda.TopicPrescriptionEvents, Value: []byte("{not json")}
	if err := f.worker.handle(f.ctx, msg); err != nil {
		t.Errorf("handle() error = %v, want nil so the offset is committed", err)
	}
}

func TestTickCompletesExpiredPrescriptions(t *testing.T) {
	f := newFixture(t, 0)
	f.issue(t, "RX-OLD", "2025-02-10", "2025-02-13", "08:00")
	f.issue(t, "RX-NEW", "2025-02-14", "2025-02-14", "08:00")

	if err := f.worker.tick(f.ctx); err != nil {
		t.Fatalf("tick() error = %v", err)
	}

	old, err := f.svc.GetPrescription(f.ctx, "RX-OLD")
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != medication.PrescriptionCompleted {
		t.Errorf("RX-OLD status = %s, want Completed", old.Status)
	}
	current, _ := f.svc.GetPrescription(f.ctx, "RX-NEW")
	if current.Status != medication.PrescriptionActive {
		t.Errorf("RX-NEW status = %s, want Active", current.Status)
	}
	if got := len(f.entries(t, "2025-02-14")); got != 1 {
		t.Errorf("entries today = %d, want 1", got)
	}
}

func TestRetryPolicySkipsRuleViolations(t *testing.T) {
	f := newFixture(t, 0)
	if f.worker.pool.Retryable(medication.ErrUnauthorized) {
		t.Error("unauthorized should not be retried")
	}
	if !f.worker.pool.Retryable(context.DeadlineExceeded) {
		t.Error("timeouts should be retried")
	}
}
