// Package release runs a background goroutine that hands idle super-pages
// back to the OS a few at a time, grounded on
// _examples/original_source/mtmalloc/src/mtmalloc.h's MemoryReleaseThread.
package release

import "context"
import "time"

import "github.com/prataprc/memtagalloc/config"
import "github.com/prataprc/memtagalloc/heap"

// Daemon round-robins over both super-page ranges, releasing whichever
// super-page its iteration counter lands on if every chunk in it is
// Available, sleeping FreqMs between iterations. Grounded on
// MemoryReleaseThread's "for (Iter++) { RangeNum = Iter % kNumSizeClassRanges;
// ... Idx = Iter % N; ... usleep(1000 * Config.ReleaseFreq); }" loop, with
// the infinite for-loop's usleep replaced by a context.Context-gated
// time.Timer so Stop can actually end the goroutine -- the original has no
// shutdown path at all, since MemoryReleaseThread runs for the lifetime of
// the process.
type Daemon struct {
	Alloc *heap.Allocator
	FreqMs int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Daemon against alloc, reading release.freq_ms from the
// same settings surface config.Defaultsettings seeds the rest of the
// allocator from.
func New(alloc *heap.Allocator) *Daemon {
	setts := config.Defaultsettings()
	return &Daemon{Alloc: alloc, FreqMs: setts.Int64("release.freq_ms")}
}

// Start launches the release loop in its own goroutine. A FreqMs of zero
// disables releasing entirely, matching Config.ReleaseFreq's documented
// default of "never release".
func (d *Daemon) Start() {
	if d.FreqMs <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx)
}

// Stop signals the release loop to exit and waits for it to do so.
// Safe to call on a Daemon that was never Started.
func (d *Daemon) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	period := time.Duration(d.FreqMs) * time.Millisecond
	timer := time.NewTimer(period)
	defer timer.Stop()

	for iter := int64(0); ; iter++ {
		rangeNum := int(iter % 2)
		n := d.Alloc.NumSuperPages(rangeNum)
		if n > 0 {
			idx := iter % n
			// MaybeReleaseToOs errors only on a bad munmap/madvise target, which
			// would mean the allocator's own bookkeeping is corrupt -- not
			// something this loop can do anything about by retrying, so it's
			// dropped the way MemoryReleaseThread drops it (the call is void).
			_ = d.Alloc.MaybeReleaseToOs(rangeNum, idx)
		}

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			timer.Reset(period)
		}
	}
}
