package locks

import (
	"sync"
	"testing"
	"time"
)

func TestWriteExcludesWriters(t *testing.T) {
	r := NewRegistry()
	g := r.Write("ec-1")

	acquired := make(chan struct{})
	go func() {
		g2 := r.Write("ec-1")
		close(acquired)
		g2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second writer acquired while the first still holds")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second writer never acquired after release")
	}
}

func TestReadersShare(t *testing.T) {
	r := NewRegistry()
	g1 := r.Read("ec-1")

	done := make(chan struct{})
	go func() {
		g2 := r.Read("ec-1")
		g2.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("concurrent reader blocked")
	}
	g1.Release()
}

func TestEntriesAreReclaimed(t *testing.T) {
	r := NewRegistry()

	g1 := r.Write("ec-1")
	g2 := r.Read("ec-2")
	if got := r.Held(); got != 2 {
		t.Fatalf("Held() = %d, want 2", got)
	}

	g1.Release()
	if got := r.Held(); got != 1 {
		t.Fatalf("Held() = %d, want 1 after first release", got)
	}

	g2.Release()
	if got := r.Held(); got != 0 {
		t.Fatalf("Held() = %d, want 0 after last release", got)
	}
}

func TestIndependentIDsDoNotBlock(t *testing.T) {
	r := NewRegistry()
	g1 := r.Write("ec-1")

	done := make(chan struct{})
	go func() {
		g2 := r.Write("ec-2")
		g2.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different id blocked")
	}
	g1.Release()
}

func TestDoubleReleasePanics(t *testing.T) {
	r := NewRegistry()
	g := r.Write("ec-1")
	g.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("double release did not panic")
		}
	}()
	g.Release()
}

func TestMustHold(t *testing.T) {
	r := NewRegistry()

	g := r.Write("ec-1")
	g.MustHold("ec-1", true)
	g.MustHold("ec-1", false)
	g.Release()

	expectPanic := func(name string, fn func()) {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			fn()
		})
	}

	expectPanic("released guard", func() { g.MustHold("ec-1", true) })

	rg := r.Read("ec-1")
	defer rg.Release()
	expectPanic("write access on read guard", func() { rg.MustHold("ec-1", true) })
	expectPanic("wrong id", func() { rg.MustHold("ec-2", false) })
	expectPanic("nil guard", func() {
		var nilGuard *Guard
		nilGuard.MustHold("ec-1", false)
	})
}

func TestContendedWriters(t *testing.T) {
	r := NewRegistry()

	var held bool
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := r.Write("ec-1")
			if held {
				t.Error("two writers held the lock at once")
			}
			held = true
			held = false
			g.Release()
		}()
	}
	wg.Wait()

	if got := r.Held(); got != 0 {
		t.Fatalf("Held() = %d, want 0 after all writers finished", got)
	}
}
