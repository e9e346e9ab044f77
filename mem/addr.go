// Package mem implements the physical page pool (C2) and the address
// newtypes used throughout the kernel and hypervisor, grounded on the
// teacher's mem.Pa_t / mem.Pg_t / mem.Physmem_t (biscuit/src/mem/mem.go,
// mem/dmap.go). Because this module runs hosted rather than freestanding,
// "physical" frames are slices of one large anonymous-mmap arena rather
// than real machine physical memory; PTE_ADDR-style bit tricks on raw
// uintptrs are replaced by frame indices into that arena.
package mem

import "fmt"

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT = 12

// PGSIZE is the size of a single frame/page in bytes.
const PGSIZE = 1 << PGSHIFT

// PGOFFSET masks the in-page offset of an address.
const PGOFFSET = PGSIZE - 1

// VA is a virtual address in a process address space. VA and GPA must
// never be implicitly converted into one another: they index unrelated
// translation structures (host page table vs EPT).
type VA uintptr

// PA is a host-physical address: a byte offset into the physical frame
// pool's backing arena.
type PA uintptr

// GPA is a guest-physical address, meaningful only through the EPT.
type GPA uintptr

// Aligned reports whether the address is frame-aligned.
func (v VA) Aligned() bool  { return v&PGOFFSET == 0 }
func (p PA) Aligned() bool  { return p&PGOFFSET == 0 }
func (g GPA) Aligned() bool { return g&PGOFFSET == 0 }

// Page truncates the address down to its containing frame.
func (v VA) Page() VA   { return v &^ PGOFFSET }
func (p PA) Page() PA   { return p &^ PGOFFSET }
func (g GPA) Page() GPA { return g &^ PGOFFSET }

// Offset returns the in-page offset.
func (v VA) Offset() int { return int(v & PGOFFSET) }
func (g GPA) Offset() int { return int(g & PGOFFSET) }

func (v VA) String() string  { return fmt.Sprintf("va:%#x", uintptr(v)) }
func (p PA) String() string  { return fmt.Sprintf("pa:%#x", uintptr(p)) }
func (g GPA) String() string { return fmt.Sprintf("gpa:%#x", uintptr(g)) }

// Canonical reports whether v is a canonical x86-64 virtual address: bits
// 63:47 must be a sign-extension of bit 47.
func (v VA) Canonical() bool {
	top := uint64(v) >> 47
	return top == 0 || top == (1<<17)-1
}

// RoundupPages rounds n bytes up to a whole number of pages.
func RoundupPages(n int) int {
	return (n + PGOFFSET) &^ PGOFFSET
}
