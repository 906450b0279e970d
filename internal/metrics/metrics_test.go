package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.Poll(true)
	m.Publish("create")
	m.Requeue(false)
	m.PollerStarted()
	m.PollerStopped("completed")
	m.ConsumerEvent("consumer.empty")
	m.InvalidWorkItem()
	m.DeadLettered(3)
	m.QueueDepth(1, 2)
	m.RateRemaining(10)
}

func TestCountersAndGauges(t *testing.T) {
	t.Parallel()

	m := New()
	m.Publish("create")
	m.Publish("update")
	m.Publish("update")
	m.PollerStarted()
	m.PollerStarted()
	m.PollerStopped("drained")

	if got := testutil.ToFloat64(m.publishes.WithLabelValues("update")); got != 2 {
		t.Fatalf("publishes{update} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.activePollers); got != 1 {
		t.Fatalf("active_pollers = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rateRemaining); got != -1 {
		t.Fatalf("status_rate_remaining = %v, want -1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	m := New()
	m.ConsumerEvent("consumer.message_processed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `runrelay_consumer_events_total{type="consumer.message_processed"} 1`) {
		t.Fatalf("metrics output missing consumer event:\n%s", body)
	}
}
