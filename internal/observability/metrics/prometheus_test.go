package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wardrx/medadmin/internal/domain/medication"
)

var _ medication.Recorder = (*Metrics)(nil)

func TestRecorder(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.DoseRecorded("Given")
	m.DoseRecorded("Given")
	m.DoseRecorded("Missed")
	m.AdministrationRejected("invalid_transition")
	m.ScheduleGenerated(6, 1, 40*time.Millisecond)

	if got := testutil.ToFloat64(m.DosesRecorded.WithLabelValues("Given")); got != 2 {
		t.Errorf("doses Given = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DosesRecorded.WithLabelValues("Missed")); got != 1 {
		t.Errorf("doses Missed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Rejections.WithLabelValues("invalid_transition")); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ScheduleEntriesGenerated); got != 6 {
		t.Errorf("entries generated = %v, want 6", got)
	}
	if got := testutil.ToFloat64(m.ScheduleGenerationErrors); got != 1 {
		t.Errorf("generation errors = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.ScheduleDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestGaugesAndEvents(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetOutboxPending(12)
	m.SetBreakerState("redpanda", 2)
	m.SetConsumerLag("medadmin-schedule-worker", "medadmin.prescription-events", 7)
	m.EventConsumed("medadmin.prescription-events", nil)
	m.EventConsumed("medadmin.prescription-events", errors.New("boom"))

	if got := testutil.ToFloat64(m.OutboxPending); got != 12 {
		t.Errorf("outbox pending = %v, want 12", got)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("redpanda")); got != 2 {
		t.Errorf("breaker state = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ConsumerLag.WithLabelValues("medadmin-schedule-worker", "medadmin.prescription-events")); got != 7 {
		t.Errorf("consumer lag = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.EventsConsumed.WithLabelValues("medadmin.prescription-events", "error")); got != 1 {
		t.Errorf("consumed errors = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(nil)
	m.ObserveHTTP(http.MethodGet, "/api/v1/schedule", http.StatusOK, 3*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`medadmin_http_requests_total{method="GET",route="/api/v1/schedule",status="200"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
