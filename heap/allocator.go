package heap

import "sync"
import "sync/atomic"
import "unsafe"

import "github.com/prataprc/memtagalloc/api"
import "github.com/prataprc/memtagalloc/config"
import "github.com/prataprc/memtagalloc/internal/layout"
import "github.com/prataprc/memtagalloc/internal/memmap"
import "github.com/prataprc/memtagalloc/log"
import "github.com/prataprc/memtagalloc/shadow"
import "github.com/prataprc/memtagalloc/sizeclass"
import "github.com/prataprc/memtagalloc/superpage"
import "github.com/prataprc/memtagalloc/tag"

// localQuarantineFlush is the local-quarantine byte threshold a Worker
// flushes into Allocator.bytesInQuarantine at, mtmalloc.h's
// kSizeOfLocalQuarantine.
const localQuarantineFlush = 1 << 20

// Allocator is the process-wide, size-classed heap: the reserved region,
// the size-class table, the active tag engine, and the counters scan.Coordinator
// and release.Daemon drive from outside this package. Grounded on
// mtmalloc.h's Allocator struct, with its pthread_mutex_t/pthread_cond_t
// pair replaced by a plain sync.Mutex (no Cv equivalent is needed: nothing
// in this port waits on a condition variable, since QuarantineAndMaybeScan
// already serializes its own scan trigger under Mu) and its SIGUSR2
// freeze replaced by scanGate, a sync.RWMutex every allocation/
// deallocation/quarantine call holds for reading and scan.Coordinator.Scan
// holds for writing.
type Allocator struct {
	registry *superpage.Registry
	region   *Region

	useTag       bool // UseShadow && UseAliases: check the memory tag on free
	tagKind      int  // MTM_USE_TAG {0,1,2}: quarantine's tag-already-detects-UAF shortcut
	printSPAlloc bool
	printScan    bool

	scanGate sync.RWMutex
	mu       sync.Mutex // serializes AllocateSuperPage and the scan trigger

	numSuperPages      [2]int64
	bytesInQuarantine  int64
	lastQuarantineSize int64
	numScans           int64
	scanPos            [2]int64
	dataOnlyScopeLevel int64

	Stats Statistics
}

var (
	singleton     *Allocator
	singletonOnce sync.Once
)

// Get returns the process-wide Allocator, constructing it (and reserving
// its region) on the first call. Grounded on mtmalloc.h's
// pthread_once(&InitAllOnce, InitSingleton) idiom, and on gostore's own
// NewArena single-construction pattern generalized to a lazily built
// singleton.
func Get() *Allocator {
	singletonOnce.Do(func() { singleton = newAllocator() })
	return singleton
}

func newAllocator() *Allocator {
	setts := config.Defaultsettings()
	classes := sizeclass.Init()
	region := newRegion()

	useShadow := setts.Bool("tag.use_shadow")
	useAliases := setts.Bool("tag.use_aliases")
	useMTE := setts.Bool("tag.use_mte")

	var mem, addr api.TagEngine
	if useMTE {
		mte := tag.NewHardwareMTE()
		mem, addr = mte, mte
	} else {
		mem = tag.None()
		if useShadow {
			mem = tag.NewSoftwareShadow()
		}
		addr = tag.None()
		if useAliases {
			addr = tag.NewAliasTBI(layout.AllocatorSpace, layout.AllocatorSize)
		}
	}
	tags := tag.Compose(mem, addr)
	if wm, ok := tags.(interface{ MapWindows() }); ok {
		wm.MapWindows()
	}

	sizeIndex := shadow.New(
		layout.PrimaryMetaSpace, layout.AllocatorSpace, layout.AllocatorSize,
		layout.PrimaryMetaGranularity)
	range1 := shadow.New(
		layout.SecondRangeMeta, layout.Range1Base, layout.AllocatorSize/2,
		layout.SecondRangeGranularity)

	registry := &superpage.Registry{
		Classes: classes, SizeIndex: sizeIndex, Range1State: range1, Tags: tags,
	}

	return &Allocator{
		registry:     registry,
		region:       region,
		useTag:       useShadow && useAliases,
		tagKind:      int(setts.Int64("tag.kind")),
		printSPAlloc: setts.Bool("print.sp_alloc"),
		printScan:    setts.Bool("print.scan"),
		Stats:        NewStatistics(classes.NumClasses()),
	}
}

// Classes returns the size-class table this Allocator was built with.
func (a *Allocator) Classes() *sizeclass.Table { return a.registry.Classes }

// NewWorker builds a Worker sized for this Allocator's size-class table.
func (a *Allocator) NewWorker() *Worker {
	return NewWorker(a.registry.Classes.NumClasses())
}

// MergeWorkerStats folds w's local statistics into the Allocator's shared
// totals. Call on worker-thread exit, mtmalloc.h's TSDOnThreadExit.
func (a *Allocator) MergeWorkerStats(w *Worker) {
	a.Stats.MergeFrom(&w.stats)
}

// Allocate returns a chunk for size, or nil if size is larger than the
// biggest size class (the caller should fall back to large.Allocate).
// Mirrors mtmalloc.h's Allocator::Allocate fast path: try the worker's
// last-used super-page for this class before falling to allocateSlower.
func (a *Allocator) Allocate(w *Worker, size int64) unsafe.Pointer {
	idx := a.registry.Classes.SizeToClass(size)
	if idx < 0 {
		return nil
	}
	w.stats.AllocsPerSizeClass[idx]++

	ps := &w.perClass[idx]
	dataOnly := atomic.LoadInt64(&a.dataOnlyScopeLevel) > 0
	if ps.sp != 0 {
		if ptr, ok := ps.sp.TryAllocate(a.registry, dataOnly, &ps.hint); ok {
			return ptr
		}
	}
	return a.allocateSlower(w, idx, dataOnly)
}

// allocateSlower scans every super-page of idx's range, starting from a
// randomized offset, for one with an Available chunk, creating a fresh
// super-page if none has room. Mirrors mtmalloc.h's AllocateSlower, minus
// the first-call TLS/TSD bootstrap (Go has no per-thread init to defer).
func (a *Allocator) allocateSlower(w *Worker, idx int, dataOnly bool) unsafe.Pointer {
	d := a.registry.Classes.Descr(idx)
	rangeNum := int(d.Range)
	ps := &w.perClass[idx]

	for {
		n := atomic.LoadInt64(&a.numSuperPages[rangeNum])
		offset := int64(0)
		if n > 0 {
			offset = int64(randR(&w.rand)) % n
		}
		for i := int64(0); i < n; i++ {
			slot := i + offset
			if slot >= n {
				slot -= n
			}
			sp := a.region.SuperPageAt(rangeNum, slot)
			if sp.ClassIndex(a.registry) != idx {
				continue
			}
			ps.sp = sp
			if ptr, ok := sp.TryAllocate(a.registry, dataOnly, &ps.hint); ok {
				return ptr
			}
		}
		a.allocateSuperPage(idx, d)
		ps.hint = 0
	}
}

// allocateSuperPage creates the next super-page of d's range, seeds its
// size-class-index shadow entry, resets range-1's external state array
// (range 0's inline tail is already zero -- Available -- on first touch
// of the freshly reserved region), seeds every chunk's memory tag with a
// fresh pseudo-random value, then publishes it by incrementing
// numSuperPages. Mirrors mtmalloc.h's AllocateSuperPage, minus its
// explicit per-super-page mmap and alias mremap loop -- this port's Region
// already reserves the whole range up front and, for the alias backend,
// maps all 16 windows over the whole range once in newAllocator, so there
// is nothing left to map per super-page.
func (a *Allocator) allocateSuperPage(idx int, d sizeclass.Descr) superpage.SuperPage {
	a.mu.Lock()
	defer a.mu.Unlock()

	rangeNum := int(d.Range)
	slot := atomic.LoadInt64(&a.numSuperPages[rangeNum])
	sp := a.region.SuperPageAt(rangeNum, slot)

	a.registry.SizeIndex.Set(uintptr(sp), uint8(idx))
	if d.Range == 1 {
		a.registry.Range1State.SetRange(uintptr(sp), sizeclass.SuperPageSize, byte(superpage.Available))
	}

	seed := uint32(slot+1) * 2654435761
	chunkSize := uintptr(d.ChunkSize)
	end := chunkSize * uintptr(d.NumChunks)
	for off := uintptr(0); off < end; off += chunkSize {
		ptr := unsafe.Pointer(uintptr(sp) + off)
		a.registry.Tags.SetMemoryTag(ptr, uint8(randR(&seed)))
	}

	atomic.AddInt64(&a.numSuperPages[rangeNum], 1)
	if a.printSPAlloc {
		log.Verbosef("heap: allocated super-page class=%d range=%d slot=%d\n", idx, rangeNum, slot)
	}
	return sp
}

// removeAddressTagAndCheckForDoubleFree strips ptr's address tag and, when
// both the software shadow and the alias backend are active, panics if the
// stripped tag disagrees with the chunk's current memory tag -- the
// cross-check mtmalloc.h's RemoveAddressTagAndCheckForDoubleFree performs
// before every Deallocate/Quarantine.
func (a *Allocator) removeAddressTagAndCheckForDoubleFree(ptr unsafe.Pointer) unsafe.Pointer {
	addrTag := a.registry.Tags.GetAddressTag(ptr)
	canon := a.registry.Tags.ApplyAddressTag(ptr, 0)
	if a.useTag {
		memTag := a.registry.Tags.GetMemoryTag(canon) & 0xF
		if addrTag != memTag {
			panic(api.ErrDoubleFree)
		}
	}
	return canon
}

func (a *Allocator) boundsCheck(p uintptr) {
	if p < layout.AllocatorSpace || p >= layout.AllocatorSpace+layout.AllocatorSize {
		panic(api.ErrInvalidPointer)
	}
}

// Deallocate returns ptr straight to Available, bypassing quarantine.
func (a *Allocator) Deallocate(ptr unsafe.Pointer) {
	a.scanGate.RLock()
	defer a.scanGate.RUnlock()

	canon := a.removeAddressTagAndCheckForDoubleFree(ptr)
	a.boundsCheck(uintptr(canon))
	superpage.FromAddr(uintptr(canon)).Deallocate(a.registry, canon)
}

// Quarantine moves ptr into quarantine instead of Available, accumulating
// the freed byte count into w's local quarantine counter. The tag-already-
// detects-UAF shortcut is gated on tagKind (MTM_USE_TAG), not on useTag --
// useTag drives the separate alias+shadow double-free cross-check above.
func (a *Allocator) Quarantine(w *Worker, ptr unsafe.Pointer) {
	a.scanGate.RLock()
	defer a.scanGate.RUnlock()

	canon := a.removeAddressTagAndCheckForDoubleFree(ptr)
	a.boundsCheck(uintptr(canon))
	w.localQuarantine += superpage.FromAddr(uintptr(canon)).Quarantine(a.registry, canon, a.tagKind)
}

// QuarantineAndMaybeScan quarantines ptr and, once w's local quarantine
// crosses localQuarantineFlush and the process-wide total crosses
// maxQuarantineSize bytes past the last scan's survivor count, invokes
// scan to run a stop-the-world mark-sweep. scan is injected rather than
// called directly because heap does not depend on the scan package (scan
// depends on heap) -- mtmalloc.h avoids this split only because Scan is a
// method on the very same Allocator struct as QuarantineAndMaybeScan.
func (a *Allocator) QuarantineAndMaybeScan(w *Worker, ptr unsafe.Pointer, maxQuarantineSize int64, scan func()) {
	a.Quarantine(w, ptr)
	if w.localQuarantine < localQuarantineFlush {
		return
	}

	total := atomic.AddInt64(&a.bytesInQuarantine, w.localQuarantine)
	w.localQuarantine = 0
	limit := maxQuarantineSize + atomic.LoadInt64(&a.lastQuarantineSize)
	if total <= limit {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if atomic.LoadInt64(&a.bytesInQuarantine) < limit {
		return
	}
	scan()
}

// DataOnlyScope enters (level==1) or leaves (level==-1) a scope in which
// every allocation on this Allocator is marked UsedData instead of
// UsedMixed, telling the conservative scanner the memory holds no
// pointers worth following. Mirrors mtmalloc.h's Allocator::DataOnlyScope.
func (a *Allocator) DataOnlyScope(level int) {
	switch level {
	case 1:
		atomic.AddInt64(&a.dataOnlyScopeLevel, 1)
	case -1:
		if atomic.AddInt64(&a.dataOnlyScopeLevel, -1) < 0 {
			panic("heap: DataOnlyScope underflow")
		}
	default:
		panic("heap: DataOnlyScope level must be 1 or -1")
	}
}

// IsMine reports whether ptr, once its address tag is stripped, falls
// inside this Allocator's reserved region.
func (a *Allocator) IsMine(ptr unsafe.Pointer) bool {
	canon := a.registry.Tags.ApplyAddressTag(ptr, 0)
	p := uintptr(canon)
	return p >= layout.AllocatorSpace && p < layout.AllocatorSpace+layout.AllocatorSize
}

// GetPtrChunkSize returns the usable chunk size backing ptr.
func (a *Allocator) GetPtrChunkSize(ptr unsafe.Pointer) int64 {
	canon := a.registry.Tags.ApplyAddressTag(ptr, 0)
	sp := superpage.FromAddr(uintptr(canon))
	return sp.Descr(a.registry).ChunkSize
}

// CountAccess records an instrumented memory access to ptr against w's
// local statistics, for the instrument package's Access hook.
func (a *Allocator) CountAccess(w *Worker, ptr unsafe.Pointer) {
	if !a.IsMine(ptr) {
		w.stats.AccessOther++
		return
	}
	canon := a.registry.Tags.ApplyAddressTag(ptr, 0)
	idx := superpage.FromAddr(uintptr(canon)).ClassIndex(a.registry)
	w.stats.AccessesPerSizeClass[idx]++
}

// NumSuperPages returns how many super-pages exist in the given range.
func (a *Allocator) NumSuperPages(rangeNum int) int64 {
	return atomic.LoadInt64(&a.numSuperPages[rangeNum])
}

// NumScans returns how many stop-the-world scans have run.
func (a *Allocator) NumScans() int64 { return atomic.LoadInt64(&a.numScans) }

// PrintScan reports whether verbose scan logging is configured.
func (a *Allocator) PrintScan() bool { return a.printScan }

// ScanGate returns the RWMutex that serializes every allocation/
// deallocation against a stop-the-world scan: readers run the hot path,
// the single writer is scan.Coordinator.Scan.
func (a *Allocator) ScanGate() *sync.RWMutex { return &a.scanGate }

// Registry returns the Registry backing this Allocator's super-pages, for
// scan.Coordinator and release.Daemon to drive SuperPage methods with.
func (a *Allocator) Registry() *superpage.Registry { return a.registry }

// SuperPageAt returns the idx'th super-page of the given range.
func (a *Allocator) SuperPageAt(rangeNum int, idx int64) superpage.SuperPage {
	return a.region.SuperPageAt(rangeNum, idx)
}

// RegionBounds returns each range's base address and the byte span
// actually committed to super-pages so far (not the full 0.5 TiB
// reservation), for SuperPage.MarkAllLivePointers' conservative
// in-range test.
func (a *Allocator) RegionBounds() (base [2]uintptr, size [2]uintptr) {
	base = a.region.Base
	size = [2]uintptr{
		uintptr(a.NumSuperPages(0)) * sizeclass.SuperPageSize,
		uintptr(a.NumSuperPages(1)) * sizeclass.SuperPageSize,
	}
	return base, size
}

// ResetScanPos zeroes both ranges' scan-claim cursors and counts the scan,
// the first two steps of every stop-the-world scan (mtmalloc.h's Scan
// zeroing ScanPos, then NumScans++, before ScanLoop).
func (a *Allocator) ResetScanPos() {
	atomic.StoreInt64(&a.scanPos[0], 0)
	atomic.StoreInt64(&a.scanPos[1], 0)
	atomic.AddInt64(&a.numScans, 1)
}

// ClaimScanBatch atomically claims up to batchSize consecutive super-page
// indices of rangeNum for the caller to mark, returning ok=false once the
// range is exhausted. Mirrors mtmalloc.h's ScanLoop's
// __atomic_fetch_add(&ScanPos[RangeNum], kPosIncrement) claim.
func (a *Allocator) ClaimScanBatch(rangeNum int, batchSize int64) (start, end int64, ok bool) {
	n := atomic.LoadInt64(&a.numSuperPages[rangeNum])
	pos := atomic.AddInt64(&a.scanPos[rangeNum], batchSize) - batchSize
	if pos >= n {
		return 0, 0, false
	}
	end = pos + batchSize
	if end > n {
		end = n
	}
	return pos, end, true
}

// Mark implements api.Scanner: value is a conservative candidate pointer
// found during the mark phase. If it falls inside either range's
// committed span, the owning super-page's chunk is promoted out of
// Quarantined if it's currently there.
func (a *Allocator) Mark(value uintptr) {
	base, size := a.RegionBounds()
	in0 := value-base[0] < size[0]
	in1 := value-base[1] < size[1]
	if !in0 && !in1 {
		return
	}
	superpage.FromAddr(value).Mark(a.registry, value)
}

// SweepQuarantine implements api.Scanner: runs once per scan after every
// worker's mark pass has finished, demoting Marked chunks back to
// Quarantined (surviving one more cycle) and freeing anything still
// Quarantined to Available. Returns and publishes the surviving byte
// total -- the chunks demoted Marked->Quarantined, not the ones just
// freed -- mirroring mtmalloc.h's PostScan, which sums
// ChunkSize*CountQuarantined() taken after that move.
func (a *Allocator) SweepQuarantine() int64 {
	var surviving int64
	for rangeNum := 0; rangeNum < 2; rangeNum++ {
		n := a.NumSuperPages(rangeNum)
		for idx := int64(0); idx < n; idx++ {
			sp := a.region.SuperPageAt(rangeNum, idx)
			surviving += sp.MoveFromQuarantineToAvailable(a.registry)
		}
	}
	atomic.StoreInt64(&a.lastQuarantineSize, surviving)
	atomic.StoreInt64(&a.bytesInQuarantine, surviving)
	return surviving
}

// MaybeReleaseToOs hands the idx'th super-page of rangeNum back to the OS
// via MADV_DONTNEED if every one of its chunks is Available, for
// release.Daemon's round robin.
func (a *Allocator) MaybeReleaseToOs(rangeNum int, idx int64) error {
	sp := a.region.SuperPageAt(rangeNum, idx)
	return sp.MaybeReleaseToOs(a.registry, memmap.DontNeed)
}

// PrintAll logs the super-page counts and per-size-class statistics
// gathered so far. Per-class formatting lives in the stats package;
// PrintAll only logs the headline numbers mtmalloc.h's PrintAll opens
// with.
func (a *Allocator) PrintAll() {
	log.Infof("heap: super-pages {%d %d}\n", a.NumSuperPages(0), a.NumSuperPages(1))
}
