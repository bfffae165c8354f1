package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/expgrid/dispatchd/pkg/domain"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) handle(ctx context.Context, e domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func waitForCount(t *testing.T, r *recorder, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("received %d events, want %d", r.count(), want)
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	ctx := context.Background()

	tasks := &recorder{}
	contexts := &recorder{}
	if err := bus.Subscribe(ctx, "task.events", tasks.handle); err != nil {
		t.Fatal(err)
	}
	if err := bus.Subscribe(ctx, "context.events", contexts.handle); err != nil {
		t.Fatal(err)
	}

	err := bus.Publish(ctx, "task.events", domain.Event{
		ID:   "e1",
		Type: domain.EventTypeTaskAssigned,
	})
	if err != nil {
		t.Fatal(err)
	}

	waitForCount(t, tasks, 1)
	if contexts.count() != 0 {
		t.Errorf("context subscriber received a task event")
	}
}

func TestMultipleSubscribersFanOut(t *testing.T) {
	bus := NewEventBus()
	ctx := context.Background()

	first := &recorder{}
	second := &recorder{}
	_ = bus.Subscribe(ctx, "task.events", first.handle)
	_ = bus.Subscribe(ctx, "task.events", second.handle)

	if err := bus.Publish(ctx, "task.events", domain.Event{ID: "e1"}); err != nil {
		t.Fatal(err)
	}

	waitForCount(t, first, 1)
	waitForCount(t, second, 1)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewEventBus()
	if err := bus.Publish(context.Background(), "task.events", domain.Event{ID: "e1"}); err != nil {
		t.Fatalf("Publish() without subscribers: %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	ctx := context.Background()

	r := &recorder{}
	_ = bus.Subscribe(ctx, "task.events", r.handle)
	_ = bus.Publish(ctx, "task.events", domain.Event{ID: "e1"})
	waitForCount(t, r, 1)

	if err := bus.Unsubscribe(ctx, "task.events"); err != nil {
		t.Fatal(err)
	}
	_ = bus.Publish(ctx, "task.events", domain.Event{ID: "e2"})
	time.Sleep(20 * time.Millisecond)
	if r.count() != 1 {
		t.Errorf("received %d events after unsubscribe, want 1", r.count())
	}
}

func TestSubscriberRemovedOnContextCancel(t *testing.T) {
	bus := NewEventBus()
	ctx, cancel := context.WithCancel(context.Background())

	r := &recorder{}
	_ = bus.Subscribe(ctx, "task.events", r.handle)
	_ = bus.Publish(context.Background(), "task.events", domain.Event{ID: "e1"})
	waitForCount(t, r, 1)

	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bus.SubscriberCount("task.events") == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := bus.SubscriberCount("task.events"); n != 0 {
		t.Fatalf("%d subscribers left after context cancellation, want 0", n)
	}

	_ = bus.Publish(context.Background(), "task.events", domain.Event{ID: "e2"})
	time.Sleep(20 * time.Millisecond)
	if r.count() != 1 {
		t.Errorf("received %d events after cancellation, want 1", r.count())
	}
}

func TestCancelledSubscriberSparesOthers(t *testing.T) {
	bus := NewEventBus()
	transient, cancel := context.WithCancel(context.Background())

	short := &recorder{}
	long := &recorder{}
	_ = bus.Subscribe(transient, "task.events", short.handle)
	_ = bus.Subscribe(context.Background(), "task.events", long.handle)

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bus.SubscriberCount("task.events") == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = bus.Publish(context.Background(), "task.events", domain.Event{ID: "e1"})
	waitForCount(t, long, 1)
	if short.count() != 0 {
		t.Errorf("cancelled subscriber still received %d events", short.count())
	}
}

func TestCloseDropsSubscribers(t *testing.T) {
	bus := NewEventBus()
	ctx := context.Background()

	r := &recorder{}
	_ = bus.Subscribe(ctx, "task.events", r.handle)
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	_ = bus.Publish(ctx, "task.events", domain.Event{ID: "e1"})
	time.Sleep(20 * time.Millisecond)
	if r.count() != 0 {
		t.Errorf("closed bus still delivered %d events", r.count())
	}
}
