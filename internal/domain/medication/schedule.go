package medication

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ValidatePrescription checks the rules that make a prescription schedulable.
// The returned error is a *ScheduleError.
func ValidatePrescription(p *Prescription) error {
	fail := func(format string, args ...interface{}) error {
		return &ScheduleError{PrescriptionID: p.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if p.ID == "" {
		return fail("id is required")
	}
	if p.Frequency < 1 {
		return fail("frequency must be at least 1, got %d", p.Frequency)
	}
	if len(p.Times) != p.Frequency {
		return fail("frequency %d does not match %d administration times", p.Frequency, len(p.Times))
	}
	seen := make(map[time.Duration]string, len(p.Times))
	for _, t := range p.Times {
		offset, err := ParseClock(t)
		if err != nil {
			return fail("%v", err)
		}
		if canonical := formatOffset(offset); canonical != t {
			return fail("administration time %q must be written as %s", t, canonical)
		}
		if prev, dup := seen[offset]; dup {
			return fail("administration time %s duplicates %s", t, prev)
		}
		seen[offset] = t
	}
	if p.EndDate.IsZero() || p.StartDate.IsZero() {
		return fail("validity window requires start and end dates")
	}
	if Day(p.StartDate).After(Day(p.EndDate)) {
		return fail("start date %s is after end date %s",
			Day(p.StartDate).Format(DateLayout), Day(p.EndDate).Format(DateLayout))
	}
	return nil
}

// GenerateSchedule expands active prescriptions into pending doses for date.
//
// Only Active prescriptions whose window covers date contribute. A malformed
// prescription is skipped and reported; the rest of the batch still generates.
// The returned error, when non-nil, joins one *ScheduleError per skipped
// prescription. Output is ordered by scheduled time then prescription id and
// holds at most one entry per identity key.
func GenerateSchedule(prescriptions []Prescription, date time.Time) ([]ScheduleEntry, error) {
	day := Day(date)
	entries := make([]ScheduleEntry, 0, len(prescriptions))
	seen := make(map[EntryKey]struct{})
	var errs []error

	for i := range prescriptions {
		p := &prescriptions[i]
		if p.Status != PrescriptionActive || !p.Covers(day) {
			continue
		}
		if err := ValidatePrescription(p); err != nil {
			errs = append(errs, err)
			continue
		}

		for _, t := range p.Times {
			entry := ScheduleEntry{
				PrescriptionID: p.ID,
				PatientID:      p.PatientID,
				ScheduledTime:  t,
				Date:           day,
				Status:         DosePending,
				MedicineName:   p.MedicineName,
				Dosage:         p.Dosage,
				Route:          p.Route,
			}
			key := entry.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			entries = append(entries, entry)
		}
	}

	SortEntries(entries)
	return entries, errors.Join(errs...)
}

// SortEntries orders entries by date, scheduled time, then prescription id
func SortEntries(entries []ScheduleEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.ScheduledTime != b.ScheduledTime {
			return a.ScheduledTime < b.ScheduledTime
		}
		return a.PrescriptionID < b.PrescriptionID
	})
}

func formatOffset(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

// DueForCompletion reports whether an Active prescription has run past its window
func DueForCompletion(p *Prescription, asOf time.Time) bool {
	return p.Status == PrescriptionActive && Day(asOf).After(Day(p.EndDate))
}
