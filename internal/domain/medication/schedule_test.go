package medication

import (
	"errors"
	"testing"
	"time"
)

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDate(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return d
}

func activeRx(t *testing.T, id string, times ...string) Prescription {
	t.Helper()
	return Prescription{
		ID:           id,
		PatientID:    "P002",
		DoctorID:     "D001",
		MedicineName: "Metformin",
		Dosage:       "500mg",
		Route:        RouteOral,
		Frequency:    len(times),
		Times:        times,
		StartDate:    date(t, "2025-02-10"),
		EndDate:      date(t, "2025-02-20"),
		Status:       PrescriptionActive,
	}
}

func TestGenerateSchedule_TwiceDaily(t *testing.T) {
	rx := activeRx(t, "RX", "08:00", "20:00")

	entries, err := GenerateSchedule([]Prescription{rx}, date(t, "2025-02-14"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for i, want := range []string{"08:00", "20:00"} {
		e := entries[i]
		if e.ScheduledTime != want {
			t.Errorf("entry %d: expected time %s, got %s", i, want, e.ScheduledTime)
		}
		if e.Status != DosePending {
			t.Errorf("entry %d: expected Pending, got %s", i, e.Status)
		}
		if got := e.Date.Format(DateLayout); got != "2025-02-14" {
			t.Errorf("entry %d: expected date 2025-02-14, got %s", i, got)
		}
		if e.PrescriptionID != "RX" || e.PatientID != "P002" {
			t.Errorf("entry %d: wrong references %+v", i, e)
		}
	}
}

func TestGenerateSchedule_Window(t *testing.T) {
	rx := activeRx(t, "RX", "08:00", "20:00")

	tests := []struct {
		date string
		want int
	}{
		{"2025-02-09", 0},
		{"2025-02-10", 2},
		{"2025-02-20", 2},
		{"2025-02-21", 0},
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			entries, err := GenerateSchedule([]Prescription{rx}, date(t, tt.date))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(entries) != tt.want {
				t.Errorf("expected %d entries, got %d", tt.want, len(entries))
			}
		})
	}
}

func TestGenerateSchedule_SkipsInactive(t *testing.T) {
	completed := activeRx(t, "RX-C", "08:00")
	completed.Status = PrescriptionCompleted
	stopped := activeRx(t, "RX-D", "09:00")
	stopped.Status = PrescriptionDiscontinued

	entries, err := GenerateSchedule([]Prescription{completed, stopped}, date(t, "2025-02-14"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestGenerateSchedule_Idempotent(t *testing.T) {
	rxs := []Prescription{
		activeRx(t, "RX1", "20:00", "08:00"),
		activeRx(t, "RX2", "14:00"),
	}
	day := date(t, "2025-02-14")

	first, _ := GenerateSchedule(rxs, day)
	second, _ := GenerateSchedule(rxs, day)
	if len(first) != len(second) {
		t.Fatalf("expected equal lengths, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Key() != second[i].Key() {
			t.Errorf("entry %d: key %s != %s", i, first[i].Key(), second[i].Key())
		}
	}

	// The same prescription listed twice still yields one entry per key.
	doubled, _ := GenerateSchedule(append(rxs, rxs...), day)
	if len(doubled) != len(first) {
		t.Errorf("expected %d entries after de-duplication, got %d", len(first), len(doubled))
	}
}

func TestGenerateSchedule_SortedByTime(t *testing.T) {
	rxs := []Prescription{
		activeRx(t, "RX2", "22:00", "06:00"),
		activeRx(t, "RX1", "14:00", "06:00"),
	}
	entries, _ := GenerateSchedule(rxs, date(t, "2025-02-14"))

	want := []string{"RX1|06:00", "RX2|06:00", "RX1|14:00", "RX2|22:00"}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, w := range want {
		if got := entries[i].PrescriptionID + "|" + entries[i].ScheduledTime; got != w {
			t.Errorf("position %d: expected %s, got %s", i, w, got)
		}
	}
}

func TestGenerateSchedule_FrequencyMismatch(t *testing.T) {
	bad := activeRx(t, "RX-BAD", "08:00", "20:00")
	bad.Frequency = 3
	good := activeRx(t, "RX-OK", "09:00")

	entries, err := GenerateSchedule([]Prescription{bad, good}, date(t, "2025-02-14"))
	if !errors.Is(err, ErrInvalidPrescriptionSchedule) {
		t.Fatalf("expected ErrInvalidPrescriptionSchedule, got %v", err)
	}
	failures := ScheduleErrors(err)
	if len(failures) != 1 || failures[0].PrescriptionID != "RX-BAD" {
		t.Fatalf("expected one failure for RX-BAD, got %+v", failures)
	}
	if len(entries) != 1 || entries[0].PrescriptionID != "RX-OK" {
		t.Fatalf("expected only RX-OK entries, got %+v", entries)
	}
}

func TestGenerateSchedule_AccumulatesFailures(t *testing.T) {
	a := activeRx(t, "RX-A", "08:00")
	a.Frequency = 2
	b := activeRx(t, "RX-B", "25:00")

	_, err := GenerateSchedule([]Prescription{a, b}, date(t, "2025-02-14"))
	if got := len(ScheduleErrors(err)); got != 2 {
		t.Fatalf("expected 2 failures, got %d (%v)", got, err)
	}
}

func TestValidatePrescription(t *testing.T) {
	tests := []struct {
		name   string
		modify func(p *Prescription)
		valid  bool
	}{
		{"valid", func(p *Prescription) {}, true},
		{"missing id", func(p *Prescription) { p.ID = "" }, false},
		{"zero frequency", func(p *Prescription) { p.Frequency = 0; p.Times = nil }, false},
		{"too few times", func(p *Prescription) { p.Frequency = 3 }, false},
		{"bad clock", func(p *Prescription) { p.Times = []string{"08:00", "8pm"} }, false},
		{"non canonical clock", func(p *Prescription) { p.Times = []string{"8:00", "20:00"} }, false},
		{"duplicate time", func(p *Prescription) { p.Times = []string{"08:00", "08:00"} }, false},
		{"reversed window", func(p *Prescription) { p.StartDate, p.EndDate = p.EndDate, p.StartDate }, false},
		{"missing end", func(p *Prescription) { p.EndDate = time.Time{} }, false},
		{"single day window", func(p *Prescription) { p.EndDate = p.StartDate }, true},
		{"unsorted times", func(p *Prescription) { p.Times = []string{"20:00", "08:00"} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := activeRx(t, "RX", "08:00", "20:00")
			tt.modify(&p)
			err := ValidatePrescription(&p)
			if tt.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.valid {
				var se *ScheduleError
				if !errors.As(err, &se) {
					t.Fatalf("expected *ScheduleError, got %v", err)
				}
				if !errors.Is(err, ErrInvalidPrescriptionSchedule) {
					t.Errorf("expected error to wrap ErrInvalidPrescriptionSchedule")
				}
			}
		})
	}
}

func TestDueForCompletion(t *testing.T) {
	rx := activeRx(t, "RX", "08:00")
	if DueForCompletion(&rx, date(t, "2025-02-20")) {
		t.Error("prescription is still within its window on the end date")
	}
	if !DueForCompletion(&rx, date(t, "2025-02-21")) {
		t.Error("prescription should be due the day after its end date")
	}
	rx.Status = PrescriptionDiscontinued
	if DueForCompletion(&rx, date(t, "2025-03-01")) {
		t.Error("discontinued prescription must not complete")
	}
}
