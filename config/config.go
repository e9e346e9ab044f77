// Package config holds the tunables named across spec.md, parsed from
// command-line flags with the standard flag package — the only CLI
// argument style used anywhere in the example corpus (Orizon's
// cmd/orizon, elsie's cmd/elsie).
package config

import (
	"flag"
	"time"
)

// Kernel collects the tunables for one kernel instance.
type Kernel struct {
	// NumCPUs is the number of simulated host CPUs / scheduler cores.
	NumCPUs int
	// Quantum is the scheduling slice length, spec.md §4.5 default 5ms.
	Quantum time.Duration
	// TickInterval is the periodic scheduler timer, spec.md §4.5 default 1ms.
	TickInterval time.Duration
	// PageCacheSlots bounds the page cache's LRU budget (C9).
	PageCacheSlots int
	// PoolPages is the number of 4 KiB frames the physical page pool manages.
	PoolPages int
	// JournalBlocks is the size, in 4 KiB blocks, of the on-disk journal region.
	JournalBlocks int
	// GuestMemBytes is the size of simulated guest physical memory (C11/C12).
	GuestMemBytes int
}

// Default returns the tunables used when nothing overrides them.
func Default() Kernel {
	return Kernel{
		NumCPUs:        4,
		Quantum:        5 * time.Millisecond,
		TickInterval:   1 * time.Millisecond,
		PageCacheSlots: 256,
		PoolPages:      1 << 16,
		JournalBlocks:  256,
		GuestMemBytes:  64 << 20,
	}
}

// RegisterFlags binds k's fields to fs, defaulting to whatever k already
// holds (normally config.Default()).
func (k *Kernel) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&k.NumCPUs, "cpus", k.NumCPUs, "number of simulated host CPUs")
	fs.DurationVar(&k.Quantum, "quantum", k.Quantum, "scheduler quantum")
	fs.DurationVar(&k.TickInterval, "tick", k.TickInterval, "scheduler tick interval")
	fs.IntVar(&k.PageCacheSlots, "cache-slots", k.PageCacheSlots, "page cache slot budget")
	fs.IntVar(&k.PoolPages, "pool-pages", k.PoolPages, "physical page pool size in 4KiB frames")
	fs.IntVar(&k.JournalBlocks, "journal-blocks", k.JournalBlocks, "journal region size in blocks")
	fs.IntVar(&k.GuestMemBytes, "guest-mem", k.GuestMemBytes, "guest physical memory size in bytes")
}
