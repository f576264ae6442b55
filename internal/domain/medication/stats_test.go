package medication

import (
	"fmt"
	"testing"
)

func entries(statuses ...DoseStatus) []ScheduleEntry {
	out := make([]ScheduleEntry, len(statuses))
	for i, s := range statuses {
		out[i] = ScheduleEntry{
			PrescriptionID: fmt.Sprintf("RX%03d", i),
			PatientID:      fmt.Sprintf("P%03d", i%3+1),
			ScheduledTime:  "08:00",
			Status:         s,
		}
	}
	return out
}

func TestCounts(t *testing.T) {
	s := entries(DoseGiven, DoseMissed, DosePending, DoseDelayed, DoseGiven, DosePending)

	if got := MissedCount(s); got != 1 {
		t.Errorf("MissedCount = %d, want 1", got)
	}
	if got := PendingCount(s); got != 2 {
		t.Errorf("PendingCount = %d, want 2", got)
	}
	if got := GivenCount(s); got != 2 {
		t.Errorf("GivenCount = %d, want 2", got)
	}
	if got := CompletionRate(s); got != 2.0/6.0 {
		t.Errorf("CompletionRate = %v, want %v", got, 2.0/6.0)
	}
}

func TestCompletionRate_Empty(t *testing.T) {
	if got := CompletionRate(nil); got != 0 {
		t.Errorf("CompletionRate(nil) = %v, want 0", got)
	}
	if got := CompletionRate([]ScheduleEntry{}); got != 0 {
		t.Errorf("CompletionRate(empty) = %v, want 0", got)
	}
}

func TestAlertLevel(t *testing.T) {
	tests := []struct {
		name   string
		sched  []ScheduleEntry
		active bool
		count  int
		badge  string
	}{
		{"empty", nil, false, 0, ""},
		{"all given", entries(DoseGiven, DoseDelayed), false, 0, ""},
		{"one pending", entries(DoseGiven, DosePending), true, 1, "1"},
		{"missed and pending", entries(DoseMissed, DosePending, DoseMissed), true, 3, "3"},
		{"nine", entries(DosePending, DosePending, DosePending, DosePending, DosePending, DosePending, DosePending, DosePending, DosePending), true, 9, "9"},
		{"ten", entries(DosePending, DosePending, DosePending, DosePending, DosePending, DosePending, DosePending, DosePending, DosePending, DoseMissed), true, 10, "9+"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := AlertLevel(tt.sched)
			if a.Active != tt.active {
				t.Errorf("Active = %v, want %v", a.Active, tt.active)
			}
			if a.Count != tt.count {
				t.Errorf("Count = %d, want %d", a.Count, tt.count)
			}
			if got := a.Badge(); got != tt.badge {
				t.Errorf("Badge = %q, want %q", got, tt.badge)
			}
		})
	}
}

func TestAlert_CountUncapped(t *testing.T) {
	statuses := make([]DoseStatus, 25)
	for i := range statuses {
		statuses[i] = DoseMissed
	}
	a := AlertLevel(entries(statuses...))
	if a.Count != 25 || a.Missed != 25 {
		t.Errorf("expected exact count 25, got %+v", a)
	}
	if a.Badge() != "9+" {
		t.Errorf("expected badge 9+, got %q", a.Badge())
	}
}

func TestSummarize(t *testing.T) {
	s := entries(DoseGiven, DoseMissed, DosePending, DoseDelayed, DoseDiscontinued, DoseMissed)
	// patients cycle P001, P002, P003: missed at index 1 (P002) and 5 (P003)
	sum := Summarize(s)

	if sum.Total != 6 || sum.Given != 1 || sum.Missed != 2 || sum.Pending != 1 || sum.Delayed != 1 || sum.Discontinued != 1 {
		t.Errorf("unexpected counts: %+v", sum)
	}
	if sum.Badge != "3" || !sum.Alert.Active {
		t.Errorf("unexpected alert: %+v badge %q", sum.Alert, sum.Badge)
	}
	want := []string{"P002", "P003"}
	if len(sum.PatientsWithMissed) != 2 || sum.PatientsWithMissed[0] != want[0] || sum.PatientsWithMissed[1] != want[1] {
		t.Errorf("PatientsWithMissed = %v, want %v", sum.PatientsWithMissed, want)
	}

	empty := Summarize(nil)
	if empty.PatientsWithMissed == nil || empty.CompletionRate != 0 || empty.Alert.Active {
		t.Errorf("unexpected empty summary: %+v", empty)
	}
}

func TestPatientRollups(t *testing.T) {
	s := []ScheduleEntry{
		{PatientID: "P001", Status: DoseGiven},
		{PatientID: "P001", Status: DoseMissed},
		{PatientID: "P002", Status: DoseDelayed},
		{PatientID: "P002", Status: DosePending},
	}

	rows := PatientRollups(s, "P003", "P001")
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	want := []Rollup{
		{ID: "P001", Given: 1, Missed: 1, Total: 2},
		{ID: "P002", Delayed: 1, Total: 2},
		{ID: "P003"},
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Errorf("row %d = %+v, want %+v", i, rows[i], want[i])
		}
	}
}

func TestNurseRollups(t *testing.T) {
	rows := NurseRollups(sampleLog(t), "N003")
	want := []Rollup{
		{ID: "N001", Given: 1, Missed: 1, Delayed: 1, Total: 3},
		{ID: "N002", Given: 1, Total: 1},
		{ID: "N003"},
	}
	if len(rows) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(rows))
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Errorf("row %d = %+v, want %+v", i, rows[i], want[i])
		}
	}

	if got := NurseRollups(nil); len(got) != 0 {
		t.Errorf("expected no rows for empty log, got %v", got)
	}
}
