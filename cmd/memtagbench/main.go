package main

import "flag"
import "fmt"
import "sync"
import "time"
import "unsafe"

import "github.com/prataprc/memtagalloc/heap"
import "github.com/prataprc/memtagalloc/log"
import "github.com/prataprc/memtagalloc/release"
import "github.com/prataprc/memtagalloc/scan"
import "github.com/prataprc/memtagalloc/stats"

var options struct {
	size     int64
	iters    int
	workers  int
	scan     bool
	stats    bool
	logLevel string
}

func argParse() {
	flag.Int64Var(&options.size, "size", 64, "chunk size to allocate on each iteration")
	flag.IntVar(&options.iters, "iters", 100000, "allocate/free iterations per worker")
	flag.IntVar(&options.workers, "workers", 1, "number of concurrent goroutines churning the heap")
	flag.BoolVar(&options.scan, "scan", false, "run one stop-the-world scan after the churn loop")
	flag.BoolVar(&options.stats, "stats", true, "print per-size-class stats when done")
	flag.StringVar(&options.logLevel, "loglevel", "info", "log level: fatal,error,warn,info,verbose,debug,trace")
	flag.Parse()
}

func main() {
	argParse()
	log.SetLogger(nil, map[string]interface{}{
		"memtagalloc.log.level": options.logLevel,
		"memtagalloc.log.file":  "",
	})
	alloc := heap.Get()

	rd := release.New(alloc)
	rd.Start()
	defer rd.Stop()

	start := time.Now()
	fixedSizeLoop(alloc, options.workers)
	elapsed := time.Since(start)
	fmt.Printf("memtagbench: %d workers x %d iters of %d bytes in %v\n",
		options.workers, options.iters, options.size, elapsed)

	if options.scan {
		scan.New(alloc).Scan()
	}
	if options.stats {
		stats.New(alloc).Print()
	}
}

// fixedSizeLoop runs FixedSizeLoop-style allocate-then-free churn across
// numWorkers goroutines, grounded on
// _examples/original_source/mtmalloc/src/malloc_benchmark.cpp's
// FixedSizeLoop/RunThreads (T0/T1/T4/.../T64 shapes, here just a -workers
// flag instead of a fixed template parameter per benchmark function).
func fixedSizeLoop(alloc *heap.Allocator, numWorkers int) {
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			churn(alloc, alloc.NewWorker())
		}()
	}
	wg.Wait()
}

func churn(alloc *heap.Allocator, w *heap.Worker) {
	ptrs := make([]unsafe.Pointer, options.iters)
	for i := 0; i < options.iters; i++ {
		ptrs[i] = alloc.Allocate(w, options.size)
	}
	for _, p := range ptrs {
		alloc.Deallocate(p)
	}
	alloc.MergeWorkerStats(w)
}
