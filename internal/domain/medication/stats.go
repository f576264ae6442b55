package medication

import (
	"sort"
	"strconv"
)

// BadgeThreshold is the count from which the alert badge is collapsed
const BadgeThreshold = 10

func countStatus(schedule []ScheduleEntry, status DoseStatus) int {
	n := 0
	for i := range schedule {
		if schedule[i].Status == status {
			n++
		}
	}
	return n
}

// MissedCount returns the number of missed doses
func MissedCount(schedule []ScheduleEntry) int { return countStatus(schedule, DoseMissed) }

// PendingCount returns the number of doses still pending
func PendingCount(schedule []ScheduleEntry) int { return countStatus(schedule, DosePending) }

// GivenCount returns the number of doses given
func GivenCount(schedule []ScheduleEntry) int { return countStatus(schedule, DoseGiven) }

// CompletionRate is given/total, or 0 for an empty schedule
func CompletionRate(schedule []ScheduleEntry) float64 {
	if len(schedule) == 0 {
		return 0
	}
	return float64(GivenCount(schedule)) / float64(len(schedule))
}

// Alert summarises what needs attention on a schedule
type Alert struct {
	Missed  int  `json:"missed"`
	Pending int  `json:"pending"`
	Count   int  `json:"count"`
	Active  bool `json:"active"`
}

// AlertLevel raises an alert when any dose is missed or pending. Count is exact.
func AlertLevel(schedule []ScheduleEntry) Alert {
	a := Alert{Missed: MissedCount(schedule), Pending: PendingCount(schedule)}
	a.Count = a.Missed + a.Pending
	a.Active = a.Count > 0
	return a
}

// Badge renders the count for display, collapsing large values to "9+"
func (a Alert) Badge() string {
	switch {
	case a.Count <= 0:
		return ""
	case a.Count >= BadgeThreshold:
		return strconv.Itoa(BadgeThreshold-1) + "+"
	default:
		return strconv.Itoa(a.Count)
	}
}

// Summary holds the per-status counts of a schedule
type Summary struct {
	Total          int     `json:"total"`
	Given          int     `json:"given"`
	Missed         int     `json:"missed"`
	Delayed        int     `json:"delayed"`
	Pending        int     `json:"pending"`
	Discontinued   int     `json:"discontinued"`
	CompletionRate float64 `json:"completion_rate"`
	Alert          Alert   `json:"alert"`
	Badge          string  `json:"badge,omitempty"`
	// PatientsWithMissed lists patient ids with at least one missed dose, sorted.
	PatientsWithMissed []string `json:"patients_with_missed"`
}

// Summarize computes the dashboard view of a schedule
func Summarize(schedule []ScheduleEntry) Summary {
	s := Summary{Total: len(schedule), PatientsWithMissed: []string{}}
	missed := make(map[string]struct{})
	for i := range schedule {
		switch schedule[i].Status {
		case DoseGiven:
			s.Given++
		case DoseMissed:
			s.Missed++
			missed[schedule[i].PatientID] = struct{}{}
		case DoseDelayed:
			s.Delayed++
		case DosePending:
			s.Pending++
		case DoseDiscontinued:
			s.Discontinued++
		}
	}
	for id := range missed {
		s.PatientsWithMissed = append(s.PatientsWithMissed, id)
	}
	sort.Strings(s.PatientsWithMissed)
	s.CompletionRate = CompletionRate(schedule)
	s.Alert = AlertLevel(schedule)
	s.Badge = s.Alert.Badge()
	return s
}

// Rollup is given/missed/total for one patient or nurse
type Rollup struct {
	ID      string `json:"id"`
	Given   int    `json:"given"`
	Missed  int    `json:"missed"`
	Delayed int    `json:"delayed"`
	Total   int    `json:"total"`
}

func (r *Rollup) add(status DoseStatus) {
	r.Total++
	switch status {
	case DoseGiven:
		r.Given++
	case DoseMissed:
		r.Missed++
	case DoseDelayed:
		r.Delayed++
	}
}

// PatientRollups groups a schedule by patient. Every id in patientIDs gets a
// row, zero-filled when it has no entries; patients found only in the
// schedule are appended. Rows are sorted by id.
func PatientRollups(schedule []ScheduleEntry, patientIDs ...string) []Rollup {
	groups := seedRollups(patientIDs)
	for i := range schedule {
		rollupFor(groups, schedule[i].PatientID).add(schedule[i].Status)
	}
	return sortedRollups(groups)
}

// NurseRollups groups log entries by acting nurse, with the same zero-fill
// rule as PatientRollups
func NurseRollups(log []LogEntry, nurseIDs ...string) []Rollup {
	groups := seedRollups(nurseIDs)
	for i := range log {
		rollupFor(groups, log[i].NurseID).add(log[i].Status)
	}
	return sortedRollups(groups)
}

func seedRollups(ids []string) map[string]*Rollup {
	groups := make(map[string]*Rollup, len(ids))
	for _, id := range ids {
		groups[id] = &Rollup{ID: id}
	}
	return groups
}

func rollupFor(groups map[string]*Rollup, id string) *Rollup {
	r, ok := groups[id]
	if !ok {
		r = &Rollup{ID: id}
		groups[id] = r
	}
	return r
}

func sortedRollups(groups map[string]*Rollup) []Rollup {
	out := make([]Rollup, 0, len(groups))
	for _, r := range groups {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
