// Package scan runs memtagalloc's stop-the-world conservative mark-sweep:
// freeze every allocation/deallocation, fan a mark pass out across a pool
// of goroutines, then sweep quarantine once every worker has finished.
// Grounded on _examples/original_source/mtmalloc/src/mtmalloc.h's
// Allocator::Scan/ScanLoop/PostScan.
package scan

import "runtime"
import "sync"
import "time"

import "github.com/prataprc/memtagalloc/heap"
import "github.com/prataprc/memtagalloc/log"

// batchSize is how many consecutive super-pages one claim covers,
// mtmalloc.h's kPosIncrement.
const batchSize = 1024

// Coordinator drives scans over one heap.Allocator.
type Coordinator struct {
	Alloc *heap.Allocator
}

// New builds a Coordinator for alloc.
func New(alloc *heap.Allocator) *Coordinator {
	return &Coordinator{Alloc: alloc}
}

// Scan runs one stop-the-world pass. It holds alloc.ScanGate() exclusively
// for its whole duration -- every Allocate/Deallocate/Quarantine call
// blocks on the gate's read side until Scan returns, the Go substitute for
// mtmalloc.h's SIGUSR2-delivered freeze (ScanSigHandler/KillAllThreadsButMyself),
// which Go cannot run the way the C original does: there is no
// async-signal-safe code path into arbitrary goroutines, and goroutines
// are not OS threads TGKill could target even if there were.
//
// runtime.GOMAXPROCS(0) goroutines each claim batchSize-sized super-page
// slices via Alloc.ClaimScanBatch (mtmalloc.h's per-thread ScanPos claim,
// here claimed by pool workers instead of however many application
// threads happened to be running), mark every live-looking word on each
// claimed super-page, then the Coordinator sweeps quarantine once every
// worker is done. Grounded on
// _examples/bnclabs-gostore/malloc/concur_test.go's goroutine+WaitGroup
// worker style.
func (c *Coordinator) Scan() {
	a := c.Alloc
	gate := a.ScanGate()
	gate.Lock()
	defer gate.Unlock()

	a.ResetScanPos()
	start := time.Now()

	base, size := a.RegionBounds()
	numWorkers := runtime.GOMAXPROCS(0)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			markLoop(a, base, size)
		}()
	}
	wg.Wait()

	inQuarantine := a.SweepQuarantine()

	if a.PrintScan() {
		log.Infof(
			"scan %d: bytesInQuarantine => %dM superpages %d/%d workers %d time %v\n",
			a.NumScans(), inQuarantine>>20, a.NumSuperPages(0), a.NumSuperPages(1),
			numWorkers, time.Since(start))
	}
}

// markLoop claims and marks super-page batches from both ranges until
// nothing is left to claim. Mirrors mtmalloc.h's ScanLoop's per-thread
// loop body, one call per pool worker instead of per application thread.
func markLoop(a *heap.Allocator, base, size [2]uintptr) {
	for rangeNum := 0; rangeNum < 2; rangeNum++ {
		for {
			begin, end, ok := a.ClaimScanBatch(rangeNum, batchSize)
			if !ok {
				break
			}
			for idx := begin; idx < end; idx++ {
				sp := a.SuperPageAt(rangeNum, idx)
				sp.MarkAllLivePointers(a.Registry(), base, size, func(_ uintptr, value uintptr) {
					a.Mark(value)
				})
			}
		}
	}
}
