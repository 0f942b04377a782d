package guard

import (
	"sync"
	"testing"
)

func TestExclusivity(t *testing.T) {
	g := New()

	if !g.TryAcquire("conv-1") {
		t.Fatal("first TryAcquire failed")
	}
	if g.TryAcquire("conv-1") {
		t.Fatal("second TryAcquire succeeded while held")
	}

	// A different conversation is independent.
	if !g.TryAcquire("conv-2") {
		t.Fatal("TryAcquire for a different id failed")
	}

	g.Release("conv-1")
	if !g.TryAcquire("conv-1") {
		t.Fatal("TryAcquire failed after Release")
	}
}

func TestReleaseUnheldIsNoop(t *testing.T) {
	g := New()
	g.Release("never-held")
	if !g.TryAcquire("never-held") {
		t.Fatal("TryAcquire failed after releasing an unheld id")
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	g := New()

	const goroutines = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAcquire("contended") {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	if n := len(wins); n != 1 {
		t.Fatalf("%d goroutines acquired the same id, want exactly 1", n)
	}
	if g.InFlight() != 1 {
		t.Fatalf("InFlight = %d, want 1", g.InFlight())
	}
}
