package heap

import "sync/atomic"

// Statistics is the per-size-class allocation/access counters mtmalloc.h's
// Statistics struct keeps, one set per Worker and one aggregated set on
// Allocator. The stats package formats and prints these; heap only owns
// the counting.
type Statistics struct {
	AllocsPerSizeClass   []int64
	AccessesPerSizeClass []int64
	LargeAllocs          int64
	AccessOther          int64
}

// NewStatistics builds a zeroed Statistics sized for numClasses size
// classes.
func NewStatistics(numClasses int) Statistics {
	return Statistics{
		AllocsPerSizeClass:   make([]int64, numClasses),
		AccessesPerSizeClass: make([]int64, numClasses),
	}
}

// MergeFrom folds from's counters into s element-by-element via
// atomic.AddInt64, so a worker's local Statistics can be merged into the
// Allocator's shared one without a separate lock -- mtmalloc.h's
// Statistics::MergeFrom.
func (s *Statistics) MergeFrom(from *Statistics) {
	for i := range from.AllocsPerSizeClass {
		atomic.AddInt64(&s.AllocsPerSizeClass[i], from.AllocsPerSizeClass[i])
		atomic.AddInt64(&s.AccessesPerSizeClass[i], from.AccessesPerSizeClass[i])
	}
	atomic.AddInt64(&s.LargeAllocs, from.LargeAllocs)
	atomic.AddInt64(&s.AccessOther, from.AccessOther)
}
