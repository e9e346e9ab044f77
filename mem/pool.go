package mem

import (
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Frame is a 4 KiB-aligned physical page: a byte-slice view into the
// pool's arena at a fixed PA. Exactly one Frame value exists per PA; it is
// obtained via Pool.Dmap and is valid until the page is freed.
type Frame []byte

// page_t tracks one frame's refcount and (for the per-CPU free-list
// split, mirroring mem.Physmem_t.percpu) its position on a free list.
type page_t struct {
	refcnt int32
	next   uint32 // index of next free page, or ^uint32(0)
}

const nilIdx = ^uint32(0)

// percpuFree is one CPU's private shard of the free list, cutting
// contention on the pool-wide mutex the way mem.Physmem_t.percpu does.
type percpuFree struct {
	mu      sync.Mutex
	head    uint32
	count   int32
}

// Pool is the physical page pool (C2): alloc_zeroed / alloc_contig /
// retain / release over a fixed arena of frames, each refcounted so COW
// and the page cache can share them safely.
type Pool struct {
	arena  []byte
	pages  []page_t
	npages uint32

	mu      sync.Mutex
	head    uint32
	free    int32

	percpu []percpuFree

	zero Frame // a page of zeros, shared read-only until copied
}

// NewPool allocates an arena of npages frames via anonymous mmap
// (golang.org/x/sys/unix — grounded on bobuhiro11-gokvm's own use of
// syscall.Mmap to back guest RAM) and initializes the free list.
func NewPool(npages int) (*Pool, error) {
	if npages <= 0 {
		panic("mem: bad pool size")
	}
	size := npages * PGSIZE
	arena, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		arena:  arena,
		pages:  make([]page_t, npages),
		npages: uint32(npages),
		percpu: make([]percpuFree, runtime.NumCPU()),
	}
	for i := range p.pages {
		p.pages[i].next = uint32(i + 1)
	}
	p.pages[npages-1].next = nilIdx
	p.head = 0
	p.free = int32(npages)
	for i := range p.percpu {
		p.percpu[i].head = nilIdx
	}

	pg, _, ok := p.allocLocked()
	if !ok {
		unix.Munmap(arena)
		return nil, errOOM{}
	}
	for i := range pg {
		pg[i] = 0
	}
	p.zero = pg
	return p, nil
}

type errOOM struct{}

func (errOOM) Error() string { return "mem: out of memory" }

// Close releases the pool's backing arena.
func (p *Pool) Close() error {
	return unix.Munmap(p.arena)
}

func (p *Pool) pa(idx uint32) PA { return PA(idx) * PGSIZE }
func (p *Pool) idx(pa PA) uint32 {
	if !pa.Aligned() {
		panic("mem: unaligned pa")
	}
	i := uint32(pa / PGSIZE)
	if i >= p.npages {
		panic("mem: pa out of range")
	}
	return i
}

// Dmap returns the frame backing pa. It is the hosted stand-in for the
// teacher's direct map (mem.Physmem_t.Dmap): since our "physical memory"
// is a single process-local arena, no separate virtual mapping step is
// needed.
func (p *Pool) Dmap(pa PA) Frame {
	i := p.idx(pa)
	return Frame(p.arena[int(i)*PGSIZE : int(i)*PGSIZE+PGSIZE])
}

func (p *Pool) allocLocked() (Frame, PA, bool) {
	cpu := percpuSlot(len(p.percpu))
	shard := &p.percpu[cpu]
	shard.mu.Lock()
	if shard.head != nilIdx {
		idx := shard.head
		shard.head = p.pages[idx].next
		shard.count--
		shard.mu.Unlock()
		p.pages[idx].refcnt = 0
		return p.Dmap(p.pa(idx)), p.pa(idx), true
	}
	shard.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.head == nilIdx {
		// Global list empty: take a frame from any shard that still has one.
		for i := range p.percpu {
			s := &p.percpu[i]
			s.mu.Lock()
			if s.head != nilIdx {
				idx := s.head
				s.head = p.pages[idx].next
				s.count--
				s.mu.Unlock()
				p.pages[idx].refcnt = 0
				return p.Dmap(p.pa(idx)), p.pa(idx), true
			}
			s.mu.Unlock()
		}
		return nil, 0, false
	}
	idx := p.head
	p.head = p.pages[idx].next
	p.free--
	p.pages[idx].refcnt = 0
	return p.Dmap(p.pa(idx)), p.pa(idx), true
}

// percpuCounter round-robins callers across free-list shards. A real
// per-CPU hint needs runtime support the teacher's forked Go runtime
// provides (runtime.CPUHint) and a hosted binary does not have; this
// round-robin still cuts contention on the pool-wide mutex, which is the
// property the sharding exists for.
var percpuCounter uint64

func percpuSlot(n int) int {
	if n == 0 {
		return 0
	}
	return int(atomic.AddUint64(&percpuCounter, 1) % uint64(n))
}

// AllocZeroed returns a fresh, zero-filled frame with refcount 1, or ok=false
// on exhaustion (OOM).
func (p *Pool) AllocZeroed() (Frame, PA, bool) {
	pg, pa, ok := p.allocLocked()
	if !ok {
		return nil, 0, false
	}
	for i := range pg {
		pg[i] = 0
	}
	p.Retain(pa)
	return pg, pa, true
}

// AllocContig returns n contiguous frames, or ok=false if the pool cannot
// satisfy the request contiguously. Each frame's refcount is 1.
func (p *Pool) AllocContig(n int) ([]PA, bool) {
	if n <= 0 {
		panic("mem: bad contig count")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// Naive scan for n consecutive free indices; adequate for a teaching
	// allocator (the teacher doesn't implement buddy/slab allocation either).
	free := make(map[uint32]bool)
	for i := p.head; i != nilIdx; i = p.pages[i].next {
		free[i] = true
	}
	for start := uint32(0); start+uint32(n) <= p.npages; start++ {
		ok := true
		for i := uint32(0); i < uint32(n); i++ {
			if !free[start+i] {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		pas := make([]PA, n)
		for i := uint32(0); i < uint32(n); i++ {
			idx := start + i
			p.removeFromFreeListLocked(idx)
			p.pages[idx].refcnt = 1
			pas[i] = p.pa(idx)
		}
		return pas, true
	}
	return nil, false
}

func (p *Pool) removeFromFreeListLocked(target uint32) {
	if p.head == target {
		p.head = p.pages[target].next
		p.free--
		return
	}
	for i := p.head; i != nilIdx; i = p.pages[i].next {
		if p.pages[i].next == target {
			p.pages[i].next = p.pages[target].next
			p.free--
			return
		}
	}
}

// Retain increments pa's reference count. The pool invariant (§3 Physical
// Frame) requires the increment happen before any concurrent Release can
// observe a zero count.
func (p *Pool) Retain(pa PA) {
	idx := p.idx(pa)
	c := atomic.AddInt32(&p.pages[idx].refcnt, 1)
	if c <= 0 {
		panic("mem: retain of freed frame")
	}
}

// Release decrements pa's reference count, returning it to the free list
// only on the decrement that brings the count to zero.
func (p *Pool) Release(pa PA) {
	idx := p.idx(pa)
	c := atomic.AddInt32(&p.pages[idx].refcnt, -1)
	if c < 0 {
		panic("mem: double release")
	}
	if c != 0 {
		return
	}
	cpu := percpuSlot(len(p.percpu))
	shard := &p.percpu[cpu]
	shard.mu.Lock()
	if shard.count < 256 {
		p.pages[idx].next = shard.head
		shard.head = idx
		shard.count++
		shard.mu.Unlock()
		return
	}
	shard.mu.Unlock()

	p.mu.Lock()
	p.pages[idx].next = p.head
	p.head = idx
	p.free++
	p.mu.Unlock()
}

// Refcount returns pa's current reference count.
func (p *Pool) Refcount(pa PA) int32 {
	idx := p.idx(pa)
	return atomic.LoadInt32(&p.pages[idx].refcnt)
}

// ZeroPage returns the pool's shared, read-only zero-filled page, used as
// the lazily-materialized source for anonymous demand-zero mappings.
func (p *Pool) ZeroPage() Frame { return p.zero }

// Free reports the number of unallocated frames, across all shards.
func (p *Pool) Free() int {
	p.mu.Lock()
	n := int(p.free)
	p.mu.Unlock()
	for i := range p.percpu {
		p.percpu[i].mu.Lock()
		n += int(p.percpu[i].count)
		p.percpu[i].mu.Unlock()
	}
	return n
}
