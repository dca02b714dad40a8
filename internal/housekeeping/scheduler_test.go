package housekeeping

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeObserver struct {
	mu   sync.Mutex
	runs map[string][]error
}

func (o *fakeObserver) ObserveJob(job string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runs == nil {
		o.runs = make(map[string][]error)
	}
	o.runs[job] = append(o.runs[job], err)
}

func (o *fakeObserver) count(job string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs[job])
}

func TestAdd_RejectsBadSpecAndDuplicates(t *testing.T) {
	s := New(Config{Logger: testLogger()})
	noop := func(context.Context) error { return nil }

	if err := s.Add("a", "every tuesday", noop); err == nil {
		t.Fatal("invalid schedule should be rejected")
	}
	if err := s.Add("a", "0 3 * * *", noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("a", "@daily", noop); err == nil {
		t.Fatal("duplicate job name should be rejected")
	}
	if err := s.Every("b", time.Minute, noop); err != nil {
		t.Fatalf("Every: %v", err)
	}
	if got := s.Jobs(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected jobs %v", got)
	}
}

func TestRunNow_ReportsOutcome(t *testing.T) {
	obs := &fakeObserver{}
	s := New(Config{Observer: obs, Logger: testLogger()})
	boom := errors.New("boom")
	s.Add("ok", "@daily", func(context.Context) error { return nil })
	s.Add("bad", "@daily", func(context.Context) error { return boom })

	if err := s.RunNow(context.Background(), "ok"); err != nil {
		t.Fatalf("RunNow ok: %v", err)
	}
	if err := s.RunNow(context.Background(), "bad"); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatal("unknown job should fail")
	}
	if obs.count("ok") != 1 || obs.count("bad") != 1 {
		t.Fatalf("unexpected observations %+v", obs.runs)
	}
}

func TestRun_FiresScheduledJobs(t *testing.T) {
	obs := &fakeObserver{}
	s := New(Config{Observer: obs, Logger: testLogger()})
	var n atomic.Int32
	if err := s.Every("tick", time.Second, func(context.Context) error {
		n.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for n.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never fired")
		case <-time.After(50 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if obs.count("tick") == 0 {
		t.Fatal("scheduled run was not observed")
	}
}

type fakeSweeper struct{ n int }

func (f *fakeSweeper) Sweep() int { return f.n }

type fakePurger struct {
	cutoff time.Time
	err    error
}

func (f *fakePurger) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 3, f.err
}

type fakePruner struct{ calls int }

func (f *fakePruner) Prune() int { f.calls++; return 0 }

func TestJobs(t *testing.T) {
	if err := SessionSweep(&fakeSweeper{n: 2}, testLogger())(context.Background()); err != nil {
		t.Fatalf("SessionSweep: %v", err)
	}

	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	p := &fakePurger{}
	if err := AuditRetention(p, 90, func() time.Time { return now })(context.Background()); err != nil {
		t.Fatalf("AuditRetention: %v", err)
	}
	if want := now.AddDate(0, 0, -90); !p.cutoff.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", p.cutoff, want)
	}

	p.err = errors.New("locked")
	if err := AuditRetention(p, 90, nil)(context.Background()); err == nil {
		t.Fatal("purge error must propagate")
	}

	pr := &fakePruner{}
	LimiterPrune(pr)(context.Background())
	if pr.calls != 1 {
		t.Fatalf("expected one prune, got %d", pr.calls)
	}
}
