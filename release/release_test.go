package release

import "testing"
import "time"

import "github.com/prataprc/memtagalloc/heap"

func TestDaemonStartStopDoesNotPanic(t *testing.T) {
	a := heap.Get()
	w := a.NewWorker()
	ptr := a.Allocate(w, 32)
	if ptr == nil {
		t.Fatalf("expected allocation to succeed")
	}
	a.Deallocate(ptr)

	d := &Daemon{Alloc: a, FreqMs: 1}
	d.Start()
	time.Sleep(20 * time.Millisecond)
	d.Stop()
}

func TestDaemonZeroFreqNeverStarts(t *testing.T) {
	a := heap.Get()
	d := &Daemon{Alloc: a, FreqMs: 0}
	d.Start()
	// Start should have been a no-op: cancel was never set, so Stop must
	// also be a no-op rather than blocking on a done channel nothing closes.
	d.Stop()
}

func TestDaemonStopWithoutStartIsNoop(t *testing.T) {
	a := heap.Get()
	d := &Daemon{Alloc: a, FreqMs: 1000}
	d.Stop()
}
