package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/zephy0808/mailcampaign/internal/dispatch"
	"github.com/zephy0808/mailcampaign/internal/models"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []time.Time
	out   []dispatch.Outcome
	err   error
}

func (f *fakeRunner) RunOnce(ctx context.Context, now time.Time) ([]dispatch.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, now)
	return f.out, f.err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeOutbox struct {
	mu     sync.Mutex
	maxAge []time.Duration
}

func (f *fakeOutbox) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxAge = append(f.maxAge, olderThan)
	return 1, nil
}

func (f *fakeOutbox) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.maxAge)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTick(t *testing.T) {
	fixed := time.Date(2030, 5, 1, 12, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	runner := &fakeRunner{out: []dispatch.Outcome{
		{CampaignID: "a", Status: models.CampaignCompleted, Counts: dispatch.Counts{Sent: 2}},
		{CampaignID: "b", Status: models.CampaignFailed, Err: errors.New("boom")},
	}}

	tr := New(runner, nil, Config{}, testLogger())
	tr.now = func() time.Time { return fixed }

	outcomes := tr.Tick(context.Background())
	if len(outcomes) != 2 {
		t.Errorf("Tick() returned %d outcomes, want 2", len(outcomes))
	}
	if runner.count() != 1 {
		t.Fatalf("RunOnce called %d times, want 1", runner.count())
	}
	if got := runner.calls[0]; !got.Equal(fixed) || got.Location() != time.UTC {
		t.Errorf("RunOnce now = %v, want %v in UTC", got, fixed)
	}
}

func TestTickRunnerError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("database is locked")}
	tr := New(runner, nil, Config{}, testLogger())

	if outcomes := tr.Tick(context.Background()); len(outcomes) != 0 {
		t.Errorf("Tick() = %v, want no outcomes", outcomes)
	}
}

func TestDefaultPollInterval(t *testing.T) {
	tr := New(&fakeRunner{}, nil, Config{}, testLogger())
	if tr.cfg.PollInterval != time.Minute {
		t.Errorf("PollInterval = %v, want 1m", tr.cfg.PollInterval)
	}
}

func TestStartStop(t *testing.T) {
	runner := &fakeRunner{}
	outbox := &fakeOutbox{}
	tr := New(runner, outbox, Config{
		PollInterval:   10 * time.Millisecond,
		OutboxMaxAge:   time.Hour,
		OutboxInterval: 10 * time.Millisecond,
	}, testLogger())

	tr.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for runner.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	tr.Stop()

	if runner.count() < 3 {
		t.Errorf("RunOnce called %d times, want at least 3", runner.count())
	}
	if outbox.count() == 0 {
		t.Error("outbox cleanup never ran")
	}
	if outbox.maxAge[0] != time.Hour {
		t.Errorf("Clear olderThan = %v, want 1h", outbox.maxAge[0])
	}

	// no passes after Stop returns
	n := runner.count()
	time.Sleep(30 * time.Millisecond)
	if runner.count() != n {
		t.Error("trigger kept running after Stop")
	}
}

func TestStopsOnContextCancel(t *testing.T) {
	runner := &fakeRunner{}
	tr := New(runner, nil, Config{PollInterval: time.Hour}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	tr.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		tr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not stop after context cancel")
	}
	if runner.count() != 1 {
		t.Errorf("RunOnce called %d times, want 1 (the immediate pass)", runner.count())
	}
}
