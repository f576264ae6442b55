package medication

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a Store held in process memory. Atomic units of work write
// to the live state and journal how to undo each change; a failed unit is
// unwound before the lock is released.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

// memEventLimit bounds the events kept for Events. Older ones are dropped.
const memEventLimit = 1024

type memState struct {
	patients      map[string]Patient
	prescriptions map[string]Prescription
	entries       map[EntryKey]ScheduleEntry
	log           *Ledger
	events        []*Event
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		patients:      make(map[string]Patient),
		prescriptions: make(map[string]Prescription),
		entries:       make(map[EntryKey]ScheduleEntry),
		log:           NewLedger(),
	}}
}

// Atomic runs fn against the store and keeps its writes only if fn succeeds.
// Units of work are serialised.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{state: m.state, journal: true}
	logLen, eventLen := m.state.log.Len(), len(m.state.events)
	err := fn(tx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		m.state.log.truncate(logLen)
		clear(m.state.events[eventLen:])
		m.state.events = m.state.events[:eventLen]
		return err
	}
	if n := len(m.state.events); n > memEventLimit {
		m.state.events = append([]*Event(nil), m.state.events[n-memEventLimit:]...)
	}
	return nil
}

// Events returns the most recently emitted events, oldest first
func (m *MemoryStore) Events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.state.events...)
}

func (m *MemoryStore) read(fn func(tx *memTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{state: m.state})
}

func (m *MemoryStore) write(ctx context.Context, fn func(tx Tx) error) error {
	return m.Atomic(ctx, fn)
}

func (m *MemoryStore) GetPatient(ctx context.Context, id string) (p Patient, err error) {
	err = m.read(func(tx *memTx) error { p, err = tx.GetPatient(ctx, id); return err })
	return p, err
}

func (m *MemoryStore) ListPatients(ctx context.Context) (out []Patient, err error) {
	err = m.read(func(tx *memTx) error { out, err = tx.ListPatients(ctx); return err })
	return out, err
}

func (m *MemoryStore) SavePatient(ctx context.Context, p Patient) error {
	return m.write(ctx, func(tx Tx) error { return tx.SavePatient(ctx, p) })
}

func (m *MemoryStore) GetPrescription(ctx context.Context, id string) (p Prescription, err error) {
	err = m.read(func(tx *memTx) error { p, err = tx.GetPrescription(ctx, id); return err })
	return p, err
}

func (m *MemoryStore) ListPrescriptions(ctx context.Context, f PrescriptionFilter) (out []Prescription, err error) {
	err = m.read(func(tx *memTx) error { out, err = tx.ListPrescriptions(ctx, f); return err })
	return out, err
}

func (m *MemoryStore) SavePrescription(ctx context.Context, p Prescription) error {
	return m.write(ctx, func(tx Tx) error { return tx.SavePrescription(ctx, p) })
}

func (m *MemoryStore) InsertEntries(ctx context.Context, entries []ScheduleEntry) (n int, err error) {
	err = m.write(ctx, func(tx Tx) error { n, err = tx.InsertEntries(ctx, entries); return err })
	return n, err
}

func (m *MemoryStore) GetEntry(ctx context.Context, key EntryKey) (e ScheduleEntry, err error) {
	err = m.read(func(tx *memTx) error { e, err = tx.GetEntry(ctx, key); return err })
	return e, err
}

func (m *MemoryStore) ListEntries(ctx context.Context, f ScheduleFilter) (out []ScheduleEntry, err error) {
	err = m.read(func(tx *memTx) error { out, err = tx.ListEntries(ctx, f); return err })
	return out, err
}

func (m *MemoryStore) SetEntryStatus(ctx context.Context, key EntryKey, from, to DoseStatus) error {
	return m.write(ctx, func(tx Tx) error { return tx.SetEntryStatus(ctx, key, from, to) })
}

func (m *MemoryStore) DiscontinuePending(ctx context.Context, f ScheduleFilter) (n int, err error) {
	err = m.write(ctx, func(tx Tx) error { n, err = tx.DiscontinuePending(ctx, f); return err })
	return n, err
}

func (m *MemoryStore) RelabelPending(ctx context.Context, p Patient) (n int, err error) {
	err = m.write(ctx, func(tx Tx) error { n, err = tx.RelabelPending(ctx, p); return err })
	return n, err
}

func (m *MemoryStore) AppendLog(ctx context.Context, l LogEntry) (out LogEntry, err error) {
	err = m.write(ctx, func(tx Tx) error { out, err = tx.AppendLog(ctx, l); return err })
	return out, err
}

func (m *MemoryStore) GetLog(ctx context.Context, id string) (l LogEntry, err error) {
	err = m.read(func(tx *memTx) error { l, err = tx.GetLog(ctx, id); return err })
	return l, err
}

func (m *MemoryStore) ListLogs(ctx context.Context, f LogFilter) (out []LogEntry, err error) {
	err = m.read(func(tx *memTx) error { out, err = tx.ListLogs(ctx, f); return err })
	return out, err
}

func (m *MemoryStore) Emit(ctx context.Context, e *Event) error {
	return m.write(ctx, func(tx Tx) error { return tx.Emit(ctx, e) })
}

// memTx operates directly on a memState. Callers hold the store lock.
// With journal set every map write records its inverse in undo.
type memTx struct {
	state   *memState
	journal bool
	undo    []func()
}

func journalPut[K comparable, V any](t *memTx, m map[K]V, k K, v V) {
	if t.journal {
		prev, had := m[k]
		t.undo = append(t.undo, func() {
			if had {
				m[k] = prev
			} else {
				delete(m, k)
			}
		})
	}
	m[k] = v
}

func (t *memTx) GetPatient(_ context.Context, id string) (Patient, error) {
	p, ok := t.state.patients[id]
	if !ok {
		return Patient{}, fmt.Errorf("%w: patient %s", ErrNotFound, id)
	}
	return p, nil
}

func (t *memTx) ListPatients(_ context.Context) ([]Patient, error) {
	out := make([]Patient, 0, len(t.state.patients))
	for _, p := range t.state.patients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) SavePatient(_ context.Context, p Patient) error {
	journalPut(t, t.state.patients, p.ID, p)
	return nil
}

func (t *memTx) GetPrescription(_ context.Context, id string) (Prescription, error) {
	p, ok := t.state.prescriptions[id]
	if !ok {
		return Prescription{}, fmt.Errorf("%w: prescription %s", ErrNotFound, id)
	}
	p.Times = append([]string(nil), p.Times...)
	return p, nil
}

func (t *memTx) ListPrescriptions(_ context.Context, f PrescriptionFilter) ([]Prescription, error) {
	out := make([]Prescription, 0)
	for _, p := range t.state.prescriptions {
		if f.Match(&p) {
			p.Times = append([]string(nil), p.Times...)
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) SavePrescription(_ context.Context, p Prescription) error {
	p.Times = append([]string(nil), p.Times...)
	journalPut(t, t.state.prescriptions, p.ID, p)
	return nil
}

func (t *memTx) InsertEntries(_ context.Context, entries []ScheduleEntry) (int, error) {
	n := 0
	for _, e := range entries {
		e.Date = Day(e.Date)
		key := e.Key()
		if _, exists := t.state.entries[key]; exists {
			continue
		}
		journalPut(t, t.state.entries, key, e)
		n++
	}
	return n, nil
}

func (t *memTx) GetEntry(_ context.Context, key EntryKey) (ScheduleEntry, error) {
	key.Date = Day(key.Date)
	e, ok := t.state.entries[key]
	if !ok {
		return ScheduleEntry{}, fmt.Errorf("%w: schedule entry %s", ErrNotFound, key)
	}
	return e, nil
}

func (t *memTx) ListEntries(_ context.Context, f ScheduleFilter) ([]ScheduleEntry, error) {
	out := make([]ScheduleEntry, 0)
	for _, e := range t.state.entries {
		if f.Match(&e) {
			out = append(out, e)
		}
	}
	SortEntries(out)
	return out, nil
}

func (t *memTx) SetEntryStatus(_ context.Context, key EntryKey, from, to DoseStatus) error {
	key.Date = Day(key.Date)
	e, ok := t.state.entries[key]
	if !ok {
		return fmt.Errorf("%w: schedule entry %s", ErrNotFound, key)
	}
	if e.Status != from {
		return fmt.Errorf("%w: entry %s is %s", ErrInvalidTransition, key, e.Status)
	}
	e.Status = to
	journalPut(t, t.state.entries, key, e)
	return nil
}

func (t *memTx) DiscontinuePending(_ context.Context, f ScheduleFilter) (int, error) {
	f.Status = DosePending
	n := 0
	for key, e := range t.state.entries {
		if f.Match(&e) {
			e.Status = DoseDiscontinued
			journalPut(t, t.state.entries, key, e)
			n++
		}
	}
	return n, nil
}

func (t *memTx) RelabelPending(_ context.Context, p Patient) (int, error) {
	f := ScheduleFilter{PatientID: p.ID, Status: DosePending}
	n := 0
	for key, e := range t.state.entries {
		if f.Match(&e) {
			e.PatientName, e.Ward, e.Bed = p.Name, p.Ward, p.Bed
			journalPut(t, t.state.entries, key, e)
			n++
		}
	}
	return n, nil
}

func (t *memTx) AppendLog(_ context.Context, l LogEntry) (LogEntry, error) {
	if _, dup := t.state.log.Get(l.ID); dup {
		return LogEntry{}, fmt.Errorf("%w: log entry %s already exists", ErrInvalidRequest, l.ID)
	}
	return t.state.log.Append(l), nil
}

func (t *memTx) GetLog(_ context.Context, id string) (LogEntry, error) {
	l, ok := t.state.log.Get(id)
	if !ok {
		return LogEntry{}, fmt.Errorf("%w: log entry %s", ErrNotFound, id)
	}
	return l, nil
}

func (t *memTx) ListLogs(_ context.Context, f LogFilter) ([]LogEntry, error) {
	return t.state.log.Query(f), nil
}

func (t *memTx) Emit(_ context.Context, e *Event) error {
	t.state.events = append(t.state.events, e)
	return nil
}
