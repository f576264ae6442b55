package medication

import (
	"sync"
	"time"
)

// LogFilter selects log entries. Zero fields match everything; From and To
// are inclusive calendar dates.
type LogFilter struct {
	NurseID   string
	PatientID string
	From      time.Time
	To        time.Time
	Outcome   DoseStatus
}

// Match reports whether l satisfies the filter
func (f LogFilter) Match(l *LogEntry) bool {
	if f.NurseID != "" && l.NurseID != f.NurseID {
		return false
	}
	if f.PatientID != "" && l.PatientID != f.PatientID {
		return false
	}
	if f.Outcome != "" && l.Status != f.Outcome {
		return false
	}
	d := Day(l.Date)
	if !f.From.IsZero() && d.Before(Day(f.From)) {
		return false
	}
	if !f.To.IsZero() && d.After(Day(f.To)) {
		return false
	}
	return true
}

// ScopeFor narrows the filter to what actor may read. Nurses see only their
// own records.
func (f LogFilter) ScopeFor(actor Actor) LogFilter {
	if actor.Role == RoleNurse {
		f.NurseID = actor.ID
	}
	return f
}

// QueryLog returns the entries of log matching f, in insertion order
func QueryLog(log []LogEntry, f LogFilter) []LogEntry {
	out := make([]LogEntry, 0)
	for i := range log {
		if f.Match(&log[i]) {
			out = append(out, log[i])
		}
	}
	return out
}

// Ledger is an append-only, insertion-ordered administration log.
// It has no update or delete operations; only an uncommitted unit of work
// in this package may drop what it appended.
type Ledger struct {
	mu      sync.RWMutex
	entries []LogEntry
	byID    map[string]int
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{byID: make(map[string]int)}
}

// Append adds an entry and assigns its sequence number
func (l *Ledger) Append(entry LogEntry) LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.Seq = int64(len(l.entries) + 1)
	l.byID[entry.ID] = len(l.entries)
	l.entries = append(l.entries, entry)
	return entry
}

// truncate drops entries past the first n
func (l *Ledger) truncate(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n >= len(l.entries) {
		return
	}
	for _, e := range l.entries[n:] {
		delete(l.byID, e.ID)
	}
	clear(l.entries[n:])
	l.entries = l.entries[:n]
}

// Len returns the number of entries
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Get returns the entry with the given id
func (l *Ledger) Get(id string) (LogEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byID[id]
	if !ok {
		return LogEntry{}, false
	}
	return l.entries[i], true
}

// Query returns a copy of the matching entries
func (l *Ledger) Query(f LogFilter) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return QueryLog(l.entries, f)
}
