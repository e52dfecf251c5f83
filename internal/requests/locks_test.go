package requests

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestRequestLocks_SerializesOneID(t *testing.T) {
	var locks requestLocks
	var inside, maxInside atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("r1")
			defer unlock()
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("max holders = %d, want 1", maxInside.Load())
	}
	if locks.held("r1") != 0 || len(locks.locks) != 0 {
		t.Errorf("entries left behind: %v", locks.locks)
	}
}

func TestRequestLocks_IndependentIDs(t *testing.T) {
	var locks requestLocks
	unlockA := locks.lock("a")
	defer unlockA()

	// A different id must not wait on "a".
	done := make(chan struct{})
	go func() {
		unlock := locks.lock("b")
		unlock()
		close(done)
	}()
	<-done

	if locks.held("a") != 1 || locks.held("b") != 0 {
		t.Errorf("held = a:%d b:%d, want a:1 b:0", locks.held("a"), locks.held("b"))
	}
}
