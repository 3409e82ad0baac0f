// Package stats formats heap.Allocator's per-size-class counters for a
// print-on-exit dump, grounded on
// _examples/original_source/mtmalloc/src/mtmalloc.h's
// Statistics::Print/PrintAll.
package stats

import "os"

import sigar "github.com/cloudfoundry/gosigar"

import "github.com/prataprc/memtagalloc/heap"
import "github.com/prataprc/memtagalloc/lib"
import "github.com/prataprc/memtagalloc/log"

// Registry prints a.Stats (the merged, process-wide counters) the way
// mtmalloc.h's Statistics::Print does: one line per non-zero size class,
// then the large-allocation and miscellaneous-access counters.
type Registry struct {
	Alloc *heap.Allocator
}

// New builds a Registry over alloc.
func New(alloc *heap.Allocator) *Registry {
	return &Registry{Alloc: alloc}
}

// Print opens with heap.Allocator.PrintAll's super-page-count header, then
// logs RSS, per-class chunk-size/utilization lines, the raw per-class
// alloc/access counters, and a histogram summarizing how those counters
// are distributed across the size-class table. Mirrors PrintAll's
// "RSS: %zdM SPs: {%zd %zd}" header followed by Statistics::Print's
// per-class loop, here split across the two packages' PrintAll/Print.
func (r *Registry) Print() {
	a := r.Alloc
	classes := a.Classes()

	a.PrintAll()
	log.Infof("stats: RSS %dM\n", rssBytes()>>20)

	allocHist := lib.NewhistorgramInt64(0, int64(classes.NumClasses()), 1)
	accessHist := lib.NewhistorgramInt64(0, int64(classes.NumClasses()), 1)
	chunkSizeAvg := &lib.AverageInt64{}

	for i := 0; i < classes.NumClasses(); i++ {
		allocs := a.Stats.AllocsPerSizeClass[i]
		accesses := a.Stats.AccessesPerSizeClass[i]
		allocHist.Add(allocs)
		accessHist.Add(accesses)
		if allocs > 0 {
			chunkSizeAvg.Add(classes.Descr(i).ChunkSize)
		}
		if allocs > 0 {
			log.Infof("stat.allocs sc %d\tsize\t%d\tcount %d\n",
				i, classes.Descr(i).ChunkSize, allocs)
		}
	}
	if a.Stats.LargeAllocs > 0 {
		log.Infof("stat.large_allocs %d\n", a.Stats.LargeAllocs)
	}
	for i := 0; i < classes.NumClasses(); i++ {
		if accesses := a.Stats.AccessesPerSizeClass[i]; accesses > 0 {
			log.Infof("stat.accesses sc %d\tsize\t%d\tcount %d\n",
				i, classes.Descr(i).ChunkSize, accesses)
		}
	}
	if a.Stats.AccessOther > 0 {
		log.Infof("stat.access_other %d\n", a.Stats.AccessOther)
	}

	log.Infof("stat.allocs across classes: %s\n", allocHist.Logstring())
	log.Infof("stat.accesses across classes: %s\n", accessHist.Logstring())
	if chunkSizeAvg.Samples() > 0 {
		log.Infof("stat.chunk_size mean %d min %d max %d sd %.1f across %d classes\n",
			chunkSizeAvg.Mean(), chunkSizeAvg.Min(), chunkSizeAvg.Max(),
			chunkSizeAvg.SD(), chunkSizeAvg.Samples())
	}
}

// rssBytes reads this process's resident set size via gosigar, the same
// library bogn/config.go and llrb/config.go use for sigar.Mem{} system
// totals, pointed instead at sigar.ProcMem for this process.
func rssBytes() uint64 {
	mem := sigar.ProcMem{}
	if err := mem.Get(os.Getpid()); err != nil {
		return 0
	}
	return mem.Resident
}
