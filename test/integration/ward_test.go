// Package integration drives a full ward day through the HTTP API.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/wardrx/medadmin/internal/api/handlers"
	"github.com/wardrx/medadmin/internal/api/middleware"
	"github.com/wardrx/medadmin/internal/domain/medication"
	"github.com/wardrx/medadmin/internal/observability/metrics"
)

var (
	doctor = medication.Actor{ID: "D001", Name: "Dr. Priya Sharma", Role: medication.RoleDoctor}
	admin  = medication.Actor{ID: "A001", Name: "Ward Admin", Role: medication.RoleAdmin}
	nurses = []medication.Actor{
		{ID: "N001", Name: "Nurse Anjali Singh", Role: medication.RoleNurse},
		{ID: "N002", Name: "Nurse Ravi Kumar", Role: medication.RoleNurse},
	}
)

const apiKey = "ward-test-key"

type client struct {
	t    *testing.T
	base string
}

func newServer(t *testing.T) (*client, *medication.MemoryStore) {
	t.Helper()
	store := medication.NewMemoryStore()
	now := time.Date(2025, 2, 14, 6, 0, 0, 0, time.UTC)
	m := metrics.New(nil)
	svc := medication.NewService(store, zap.NewNop(),
		medication.WithRecorder(m),
		medication.WithClock(func() time.Time { return now }),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(zap.NewNop()))
	r.Use(middleware.Metrics(m))
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(map[string]string{apiKey: "ward-a"}))
		r.Use(middleware.Actor)
		r.Mount("/", handlers.New(svc, nil, zap.NewNop()).Routes())
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &client{t: t, base: srv.URL + "/api/v1"}, store
}

func (c *client) call(actor medication.Actor, method, path string, body, out interface{}) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			c.t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-API-Key", apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderActorID, actor.ID)
	req.Header.Set(middleware.HeaderActorRole, string(actor.Role))
	req.Header.Set(middleware.HeaderActorName, actor.Name)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (c *client) must(actor medication.Actor, method, path string, body, out interface{}, want int) {
	c.t.Helper()
	if got := c.call(actor, method, path, body, out); got != want {
		c.t.Fatalf("%s %s = %d, want %d", method, path, got, want)
	}
}

func administer(outcome medication.DoseStatus, at string) medication.Administration {
	ts, _ := time.Parse(time.RFC3339, at)
	return medication.Administration{Outcome: outcome, Timestamp: ts}
}

func TestWardDay(t *testing.T) {
	c, _ := newServer(t)

	for _, p := range []handlers.AdmitRequest{
		{ID: "P001", Name: "Rahul Verma", Ward: "General", Bed: "12A", DoctorID: doctor.ID},
		{ID: "P002", Name: "Meera Iyer", Ward: "General", Bed: "12B", DoctorID: doctor.ID},
	} {
		c.must(doctor, http.MethodPost, "/patients", p, nil, http.StatusCreated)
	}

	for _, rx := range []handlers.PrescriptionRequest{
		{ID: "RX1", PatientID: "P001", MedicineName: "Amoxicillin", Dosage: "500mg", Route: medication.RouteOral,
			Frequency: 3, Times: []string{"08:00", "14:00", "20:00"}, StartDate: "2025-02-14", EndDate: "2025-02-20"},
		{ID: "RX2", PatientID: "P002", MedicineName: "Ceftriaxone", Dosage: "1g", Route: medication.RouteIV,
			Frequency: 1, Times: []string{"09:00"}, StartDate: "2025-02-14", EndDate: "2025-02-14"},
	} {
		c.must(doctor, http.MethodPost, "/prescriptions", rx, nil, http.StatusCreated)
	}

	var gen medication.GenerationResult
	c.must(admin, http.MethodPost, "/schedule/generate", handlers.GenerateRequest{Date: "2025-02-14"}, &gen, http.StatusOK)
	if gen.Inserted != 4 {
		t.Fatalf("inserted = %d, want 4", gen.Inserted)
	}

	c.must(nurses[0], http.MethodPost, "/schedule/RX1/2025-02-14/08:00/administer",
		administer(medication.DoseGiven, "2025-02-14T08:02:00Z"), nil, http.StatusCreated)
	c.must(nurses[1], http.MethodPost, "/schedule/RX2/2025-02-14/09:00/administer",
		administer(medication.DoseMissed, "2025-02-14T10:00:00Z"), nil, http.StatusCreated)
	c.must(nurses[0], http.MethodPost, "/schedule/RX1/2025-02-14/14:00/administer",
		administer(medication.DoseDelayed, "2025-02-14T14:40:00Z"), nil, http.StatusCreated)

	// discontinuing closes the remaining pending dose only
	var disc struct {
		Discontinued int `json:"discontinued"`
	}
	c.must(doctor, http.MethodPost, "/prescriptions/RX1/discontinue", nil, &disc, http.StatusOK)
	if disc.Discontinued != 1 {
		t.Errorf("discontinued = %d, want 1", disc.Discontinued)
	}
	if got := c.call(nurses[0], http.MethodPost, "/schedule/RX1/2025-02-14/20:00/administer",
		administer(medication.DoseGiven, "2025-02-14T20:00:00Z"), nil); got != http.StatusConflict {
		t.Errorf("administer discontinued dose = %d, want 409", got)
	}

	var summary struct {
		Summary medication.Summary `json:"summary"`
	}
	c.must(doctor, http.MethodGet, "/stats/summary?date=2025-02-14", nil, &summary, http.StatusOK)
	s := summary.Summary
	if s.Total != 4 || s.Given != 1 || s.Missed != 1 || s.Delayed != 1 || s.Discontinued != 1 || s.Pending != 0 {
		t.Errorf("summary = %+v", s)
	}
	if !s.Alert.Active || s.Alert.Count != 1 || s.Badge != "1" {
		t.Errorf("alert = %+v badge %q, want one missed dose", s.Alert, s.Badge)
	}
	if len(s.PatientsWithMissed) != 1 || s.PatientsWithMissed[0] != "P002" {
		t.Errorf("patients with missed = %v", s.PatientsWithMissed)
	}

	var logs struct {
		Logs []medication.LogEntry `json:"logs"`
	}
	c.must(admin, http.MethodGet, "/logs", nil, &logs, http.StatusOK)
	if len(logs.Logs) != 3 {
		t.Fatalf("logs = %d, want 3", len(logs.Logs))
	}
	for i := 1; i < len(logs.Logs); i++ {
		if logs.Logs[i].Seq <= logs.Logs[i-1].Seq {
			t.Errorf("log out of insertion order: %d after %d", logs.Logs[i].Seq, logs.Logs[i-1].Seq)
		}
	}

	var nurseStats struct {
		Nurses []medication.Rollup `json:"nurses"`
	}
	c.must(admin, http.MethodGet, "/stats/nurses", nil, &nurseStats, http.StatusOK)
	if len(nurseStats.Nurses) != 2 || nurseStats.Nurses[0].ID != "N001" || nurseStats.Nurses[0].Total != 2 {
		t.Errorf("nurse rollups = %+v", nurseStats.Nurses)
	}

	var discharged struct {
		Patient medication.Patient `json:"patient"`
	}
	c.must(doctor, http.MethodPost, "/patients/P002/discharge", nil, &discharged, http.StatusOK)
	if discharged.Patient.Status != medication.PatientDischarged {
		t.Errorf("patient status = %s", discharged.Patient.Status)
	}
	if got := c.call(doctor, http.MethodPost, "/prescriptions", handlers.PrescriptionRequest{
		PatientID: "P002", MedicineName: "Ceftriaxone", Dosage: "1g", Route: medication.RouteIV,
		Frequency: 1, Times: []string{"09:00"}, StartDate: "2025-02-15", EndDate: "2025-02-15",
	}, nil); got != http.StatusBadRequest {
		t.Errorf("prescribe for discharged patient = %d, want 400", got)
	}
}

func TestConcurrentAdministrationHasOneWinner(t *testing.T) {
	c, store := newServer(t)
	c.must(doctor, http.MethodPost, "/patients", handlers.AdmitRequest{ID: "P001", Name: "Rahul Verma"}, nil, http.StatusCreated)
	c.must(doctor, http.MethodPost, "/prescriptions", handlers.PrescriptionRequest{
		ID: "RX1", PatientID: "P001", MedicineName: "Heparin", Dosage: "5000u", Route: medication.RouteInjection,
		Frequency: 1, Times: []string{"08:00"}, StartDate: "2025-02-14", EndDate: "2025-02-14",
	}, nil, http.StatusCreated)
	c.must(doctor, http.MethodPost, "/schedule/generate", nil, nil, http.StatusOK)

	const attempts = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[int]int{}
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			nurse := nurses[i%len(nurses)]
			outcome := medication.DoseGiven
			if i%2 == 1 {
				outcome = medication.DoseMissed
			}
			code := c.call(nurse, http.MethodPost, "/schedule/RX1/2025-02-14/08:00/administer",
				administer(outcome, fmt.Sprintf("2025-02-14T08:%02d:00Z", i)), nil)
			mu.Lock()
			statuses[code]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if statuses[http.StatusCreated] != 1 || statuses[http.StatusConflict] != attempts-1 {
		t.Fatalf("statuses = %v, want one 201 and %d 409", statuses, attempts-1)
	}

	logs, err := store.ListLogs(t.Context(), medication.LogFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Errorf("log entries = %d, want 1", len(logs))
	}
	entry, err := store.GetEntry(t.Context(), medication.EntryKey{
		PrescriptionID: "RX1", ScheduledTime: "08:00", Date: time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != logs[0].Status {
		t.Errorf("entry status %s disagrees with log %s", entry.Status, logs[0].Status)
	}
}
