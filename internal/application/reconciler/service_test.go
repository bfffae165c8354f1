package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeTarget struct {
	mu        sync.Mutex
	ids       []string
	listErr   error
	reconcile map[string]int
}

func newFakeTarget(ids ...string) *fakeTarget {
	return &fakeTarget{ids: ids, reconcile: make(map[string]int)}
}

func (f *fakeTarget) StartedContextIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.ids...), nil
}

func (f *fakeTarget) ReconcileContext(ctx context.Context, executionContextID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconcile[executionContextID]++
	return nil
}

func (f *fakeTarget) passes(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconcile[id]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPeriodicSweep(t *testing.T) {
	target := newFakeTarget("ec-1", "ec-2")
	svc := NewService(target, 10*time.Millisecond, zap.NewNop())
	svc.Start()
	defer svc.Stop()

	waitFor(t, func() bool {
		return target.passes("ec-1") >= 2 && target.passes("ec-2") >= 2
	}, "ticker never drove repeated sweeps")
}

func TestTriggerNow(t *testing.T) {
	target := newFakeTarget("ec-1")
	svc := NewService(target, time.Hour, zap.NewNop())
	svc.Start()
	defer svc.Stop()

	svc.TriggerNow()
	waitFor(t, func() bool {
		return target.passes("ec-1") >= 1
	}, "TriggerNow never ran a sweep")
}

func TestSweepSurvivesListError(t *testing.T) {
	target := newFakeTarget("ec-1")
	target.listErr = errors.New("storage down")

	svc := NewService(target, time.Hour, zap.NewNop())
	svc.Start()
	defer svc.Stop()

	svc.TriggerNow()
	time.Sleep(20 * time.Millisecond)

	// The loop keeps running; once storage recovers, sweeps resume.
	target.mu.Lock()
	target.listErr = nil
	target.mu.Unlock()

	svc.TriggerNow()
	waitFor(t, func() bool {
		return target.passes("ec-1") >= 1
	}, "sweep never recovered after a list error")
}

func TestStopIsIdempotent(t *testing.T) {
	svc := NewService(newFakeTarget(), time.Hour, zap.NewNop())
	svc.Start()
	svc.Start() // second start is a no-op
	svc.Stop()
	svc.Stop() // second stop must not panic or block
}
