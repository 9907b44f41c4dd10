package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"function-harness/internal/engine"
	"function-harness/internal/entity"
	"function-harness/internal/monitor"
)

// scripted replays a fixed list of fetch results, repeating the last one.
type scripted struct {
	mu      sync.Mutex
	steps   []step
	fetches int
}

type step struct {
	status string
	err    error
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Submit(context.Context, engine.Package) (engine.Handle, error) {
	return engine.Handle{Engine: "scripted", ID: "h1"}, nil
}

func (s *scripted) Fetch(context.Context, engine.Handle) (*engine.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.fetches, len(s.steps)-1)
	s.fetches++
	if s.steps[i].err != nil {
		return nil, s.steps[i].err
	}
	return &engine.Snapshot{Status: s.steps[i].status}, nil
}

type statusLog struct {
	mu     sync.Mutex
	pushed []entity.State
	fail   int
}

func (l *statusLog) SetRunStatus(_ context.Context, _, _ string, status *entity.RunStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail > 0 {
		l.fail--
		return errors.New("platform unavailable")
	}
	l.pushed = append(l.pushed, status.State)
	return nil
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{"succeeded", "Succeeded", "FAILED", "skipped", "Error"} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = false", s)
		}
	}
	for _, s := range []string{"", "Running", "Pending", "succeeded ", "completed"} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = true", s)
		}
	}
}

func TestMapSnapshot(t *testing.T) {
	tests := map[string]entity.State{
		"Succeeded": entity.StateCompleted,
		"Failed":    entity.StateError,
		"Error":     entity.StateError,
		"Skipped":   entity.StateStopped,
		"Running":   entity.StateRunning,
	}
	for in, want := range tests {
		if got := MapSnapshot(&engine.Snapshot{Status: in}).State; got != want {
			t.Errorf("MapSnapshot(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestRunPollsUntilTerminal(t *testing.T) {
	eng := &scripted{steps: []step{
		{status: "Pending"},
		{err: errors.New("connection refused")},
		{status: "Running"},
		{status: "SUCCEEDED"},
	}}
	log := &statusLog{fail: 1}
	p := &Poller{Engine: eng, Status: log, Interval: time.Millisecond, Metrics: monitor.NewMetrics()}

	status, err := p.Run(context.Background(), engine.Package{Name: "x"}, "demo", "store://demo/run/pipeline+run/r1")
	if err != nil {
		t.Fatal(err)
	}
	if status.State != entity.StateCompleted {
		t.Errorf("state = %s", status.State)
	}
	// Pending (push fails), fetch error, Running, SUCCEEDED.
	if eng.fetches != 4 {
		t.Errorf("fetches = %d, want 4", eng.fetches)
	}
	if len(log.pushed) != 2 || log.pushed[1] != entity.StateCompleted {
		t.Errorf("pushed = %v", log.pushed)
	}
}

func TestWatchDeadline(t *testing.T) {
	eng := &scripted{steps: []step{{status: "Running"}}}
	p := &Poller{Engine: eng, Status: &statusLog{}, Interval: time.Millisecond, Deadline: 20 * time.Millisecond}

	status, err := p.Watch(context.Background(), engine.Handle{ID: "h1"}, "demo", "k")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if status == nil || status.State != entity.StateRunning {
		t.Errorf("last status = %+v", status)
	}
}

func TestWatchCancelled(t *testing.T) {
	eng := &scripted{steps: []step{{err: errors.New("down")}}}
	p := &Poller{Engine: eng, Status: &statusLog{}, Interval: time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Watch(ctx, engine.Handle{ID: "h1"}, "demo", "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v", err)
	}
	if eng.fetches < 2 {
		t.Errorf("fetches = %d, want retries", eng.fetches)
	}
}

func TestWatchGivesUp(t *testing.T) {
	eng := &scripted{steps: []step{{err: errors.New("down")}}}
	p := &Poller{
		Engine:   eng,
		Status:   &statusLog{},
		Interval: time.Millisecond,
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
		},
	}

	_, err := p.Watch(context.Background(), engine.Handle{ID: "h1"}, "demo", "k")
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("error = %v, want ErrGaveUp", err)
	}
	if eng.fetches != 3 {
		t.Errorf("fetches = %d, want 3", eng.fetches)
	}
}

func TestWatchRetriesFinalPushWithoutRefetching(t *testing.T) {
	// The engine forgets the execution once it reports it finished.
	eng := &scripted{steps: []step{
		{status: "Succeeded"},
		{err: errors.New("container not found")},
	}}
	log := &statusLog{fail: 2}
	p := &Poller{Engine: eng, Status: log, Interval: time.Millisecond, Deadline: time.Second}

	status, err := p.Watch(context.Background(), engine.Handle{ID: "h1"}, "demo", "k")
	if err != nil {
		t.Fatal(err)
	}
	if status.State != entity.StateCompleted {
		t.Errorf("state = %s", status.State)
	}
	if eng.fetches != 1 {
		t.Errorf("fetches = %d, want 1", eng.fetches)
	}
	if len(log.pushed) != 1 || log.pushed[0] != entity.StateCompleted {
		t.Errorf("pushed = %v", log.pushed)
	}
}

func TestWatchGivesUpOnFinalPush(t *testing.T) {
	eng := &scripted{steps: []step{{status: "Failed"}, {err: errors.New("gone")}}}
	p := &Poller{
		Engine:   eng,
		Status:   &statusLog{fail: 10},
		Interval: time.Millisecond,
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
		},
	}

	status, err := p.Watch(context.Background(), engine.Handle{ID: "h1"}, "demo", "k")
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("error = %v, want ErrGaveUp", err)
	}
	if status == nil || status.State != entity.StateError {
		t.Errorf("status = %+v, want the observed terminal status", status)
	}
	if eng.fetches != 1 {
		t.Errorf("fetches = %d, want 1", eng.fetches)
	}
}
