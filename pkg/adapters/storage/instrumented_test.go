package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/expgrid/dispatchd/pkg/adapters/storage/memory"
	"github.com/expgrid/dispatchd/pkg/domain"
	"github.com/expgrid/dispatchd/pkg/ports"
)

type countingMetrics struct {
	mu        sync.Mutex
	conflicts map[string]int
}

func (m *countingMetrics) RecordVersionConflict(entity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts == nil {
		m.conflicts = make(map[string]int)
	}
	m.conflicts[entity]++
}

func (m *countingMetrics) count(entity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conflicts[entity]
}

func (*countingMetrics) RecordTaskAssigned(string)                {}
func (*countingMetrics) RecordTaskReported(string, time.Duration) {}
func (*countingMetrics) RecordTasksBroken(int)                    {}
func (*countingMetrics) RecordTaskReset(string)                   {}
func (*countingMetrics) RecordReconcilePass(time.Duration)        {}
func (*countingMetrics) RecordDriftRepaired(string)               {}
func (*countingMetrics) SetQueueDepth(string, int, int)           {}
func (*countingMetrics) SetActiveContexts(int)                    {}

func TestConflictCounting(t *testing.T) {
	metrics := &countingMetrics{}
	store := Instrument(memory.NewStore(), metrics)
	ctx := context.Background()

	if err := store.CreateContext(ctx, &domain.ExecutionContext{ID: "ec-1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateTask(ctx, &domain.Task{ID: "t1", ExecutionContextID: "ec-1"}); err != nil {
		t.Fatal(err)
	}

	task, _ := store.GetTask(ctx, "t1")
	if err := store.UpdateTask(ctx, task, task.Version); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	if got := metrics.count("task"); got != 0 {
		t.Errorf("clean write counted as conflict: %d", got)
	}

	// The stale version loses and is counted.
	if err := store.UpdateTask(ctx, task, 0); !errors.Is(err, ports.ErrVersionConflict) {
		t.Fatalf("stale UpdateTask() error = %v, want ErrVersionConflict", err)
	}
	if got := metrics.count("task"); got != 1 {
		t.Errorf("task conflicts = %d, want 1", got)
	}

	ec, _ := store.GetContext(ctx, "ec-1")
	if err := store.UpdateContext(ctx, ec, ec.Version+7); !errors.Is(err, ports.ErrVersionConflict) {
		t.Fatalf("stale UpdateContext() error = %v, want ErrVersionConflict", err)
	}
	if got := metrics.count("context"); got != 1 {
		t.Errorf("context conflicts = %d, want 1", got)
	}
}
