package maintenance

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"runrelay/internal/metrics"
	"runrelay/pkg/logx"
)

type fakeQueue struct {
	passes   atomic.Int32
	purged   int
	purgeErr error
}

func (f *fakeQueue) PurgeDead(_ context.Context, maxReceives int) (int, error) {
	f.passes.Add(1)
	if maxReceives <= 0 {
		return 0, nil
	}
	return f.purged, f.purgeErr
}

func (f *fakeQueue) PruneDeadLetters(context.Context, time.Duration) (int, error) { return 0, nil }

func (f *fakeQueue) Depth(context.Context) (int, int, error) { return 3, 1, nil }

type fixedRate int

func (r fixedRate) MinRateRemaining() int { return int(r) }

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	b, _ := io.ReadAll(rec.Body)
	return string(b)
}

func TestRunOnceUpdatesGauges(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	q := &fakeQueue{purged: 2}
	s, err := New(Config{MaxReceives: 5}, q, fixedRate(42), m, logx.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	out := scrape(t, m)
	for _, want := range []string{
		`runrelay_queue_depth{state="visible"} 3`,
		`runrelay_queue_depth{state="in_flight"} 1`,
		`runrelay_dead_lettered_total 2`,
		`runrelay_status_rate_remaining 42`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics missing %q:\n%s", want, out)
		}
	}
}

func TestRunOnceReportsErrors(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("database is locked")
	s, err := New(Config{MaxReceives: 5}, &fakeQueue{purgeErr: wantErr}, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.RunOnce(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("RunOnce() error = %v, want %v", err, wantErr)
	}
}

func TestRunOnceWithoutQueue(t *testing.T) {
	t.Parallel()

	s, err := New(Config{}, nil, fixedRate(7), nil, logx.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Schedule: "every minute"}, nil, nil, nil, logx.Nop()); err == nil {
		t.Fatalf("New() error = nil, want schedule error")
	}
}

func TestStartRunsOnSchedule(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	s, err := New(Config{Enabled: true, Schedule: "* * * * * *"}, q, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for q.passes.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no maintenance pass within 3s")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()

	s, err := New(Config{}, &fakeQueue{}, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Stop(context.Background())
}
