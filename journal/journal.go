// Package journal implements the write-ahead log (C7) over a
// blockdev.BlockDevice: buffered transactions, the descriptor+data+commit
// protocol, and crash recovery on mount. Grounded on the teacher's block
// abstractions (fs.Bdev_block_t, fs.BlkList_t in biscuit/src/fs/blk.go)
// for the "list of blocks, write them, wait for ack" shape, generalized
// from the teacher's per-block synchronous Write()/Read() into the
// transaction/descriptor/commit/checkpoint protocol spec.md §4.7
// describes (the teacher's own journal, if one exists in the original
// project, was not part of the retrieved pack). The descriptor block's
// checksum uses blake2b, per SPEC_FULL.md §3's domain-stack wiring.
package journal

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/casys-kaist/KeOS-sub001/blockdev"
	"github.com/casys-kaist/KeOS-sub001/errs"
)

// superblockMagic identifies a valid journal superblock.
const superblockMagic = 0x4a4e4c31 // "JNL1"

// maxTxnBlocks bounds how many (LBA, content) pairs a single transaction
// may buffer, so the descriptor block's fixed-size LBA table, which
// follows the 40-byte header (count at 0, blake2b sum at 8), never
// overflows one block.
const maxTxnBlocks = (blockdev.BlockSize - 40) / 8

// superblock is the journal's block 0: magic, head/tail cursors into the
// circular journal region, and the committed flag spec.md §4.7 describes.
type superblock struct {
	Magic     uint32
	Committed uint32
	Head      uint64
	Tail      uint64
	NBlocks   uint64 // number of (LBA,content) pairs in the currently-committed txn
}

func (s *superblock) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], s.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], s.Committed)
	binary.LittleEndian.PutUint64(buf[8:16], s.Head)
	binary.LittleEndian.PutUint64(buf[16:24], s.Tail)
	binary.LittleEndian.PutUint64(buf[24:32], s.NBlocks)
}

func decodeSuperblock(buf []byte) superblock {
	return superblock{
		Magic:     binary.LittleEndian.Uint32(buf[0:4]),
		Committed: binary.LittleEndian.Uint32(buf[4:8]),
		Head:      binary.LittleEndian.Uint64(buf[8:16]),
		Tail:      binary.LittleEndian.Uint64(buf[16:24]),
		NBlocks:   binary.LittleEndian.Uint64(buf[24:32]),
	}
}

// Journal owns a contiguous block range [base, base+size) on dev: block 0
// is the superblock, block 1 is the descriptor slot, and the remainder
// circularly holds committed data blocks.
type Journal struct {
	dev  *blockdev.BlockDevice
	base int64
	size int64
	sb   superblock
}

// Open mounts the journal region starting at base spanning size blocks,
// replaying any committed-but-not-checkpointed transaction it finds.
func Open(dev *blockdev.BlockDevice, base, size int64) (*Journal, errs.Err_t) {
	j := &Journal{dev: dev, base: base, size: size}
	buf := make([]byte, blockdev.BlockSize)
	if err := dev.ReadBlock(base, buf); err != nil {
		return nil, errs.E(errs.IOError)
	}
	j.sb = decodeSuperblock(buf)
	if j.sb.Magic != superblockMagic {
		j.sb = superblock{Magic: superblockMagic}
		if err := j.writeSuperblock(); err != errs.Ok {
			return nil, err
		}
		return j, errs.Ok
	}
	if j.sb.Committed != 0 {
		if err := j.recover(); err != errs.Ok {
			return nil, err
		}
	}
	return j, errs.Ok
}

func (j *Journal) writeSuperblock() errs.Err_t {
	buf := make([]byte, blockdev.BlockSize)
	j.sb.encode(buf)
	if err := j.dev.WriteBlock(j.base, buf); err != nil {
		return errs.E(errs.IOError)
	}
	return errs.Ok
}

// Write is one buffered (LBA, content) pair within a transaction.
type Write struct {
	LBA     int64
	Content []byte // exactly blockdev.BlockSize bytes
}

// Txn accumulates writes in memory; nothing reaches disk until Commit.
type Txn struct {
	writes []Write
	seen   map[int64]int // LBA -> index in writes, last-write-wins
}

// Begin starts a new transaction.
func (j *Journal) Begin() *Txn {
	return &Txn{seen: make(map[int64]int)}
}

// Write buffers a (lba, content) pair, overwriting any earlier buffered
// write to the same lba within this transaction.
func (t *Txn) Write(lba int64, content []byte) {
	cp := make([]byte, blockdev.BlockSize)
	copy(cp, content)
	if i, ok := t.seen[lba]; ok {
		t.writes[i].Content = cp
		return
	}
	t.seen[lba] = len(t.writes)
	t.writes = append(t.writes, Write{LBA: lba, Content: cp})
}

func descriptorBlockFor(j *Journal) int64 { return j.base + 1 }
func dataBlockFor(j *Journal, i int) int64 {
	// +2: block 0 is the superblock, block 1 the descriptor.
	return j.base + 2 + int64(i)%(j.size-2)
}

// Commit durably logs the transaction and then immediately checkpoints it
// (step 3 of spec.md §4.7), since this hosted journal has no separate
// background checkpoint thread. CommitLog and Checkpoint are exposed
// separately so a crash between them — the case spec.md §8's S4 scenario
// exercises — can be simulated without a real power failure.
func (j *Journal) Commit(t *Txn) errs.Err_t {
	if err := j.CommitLog(t); err != errs.Ok {
		return err
	}
	return j.Checkpoint(t)
}

// CommitLog durably logs the transaction: descriptor block, data blocks,
// a write barrier, then the superblock update that marks it committed —
// exactly the ordering spec.md §4.7 requires so a crash never straddles
// pre-commit and post-commit state. After CommitLog returns successfully,
// the transaction survives a crash: a fresh Open will replay it even if
// Checkpoint is never called.
func (j *Journal) CommitLog(t *Txn) errs.Err_t {
	if len(t.writes) == 0 {
		return errs.Ok
	}
	if len(t.writes) > maxTxnBlocks {
		return errs.E(errs.NoSpace)
	}

	desc := make([]byte, blockdev.BlockSize)
	binary.LittleEndian.PutUint32(desc[0:4], uint32(len(t.writes)))
	h, _ := blake2b.New256(nil)
	for i, w := range t.writes {
		off := 40 + i*8
		binary.LittleEndian.PutUint64(desc[off:off+8], uint64(w.LBA))
		h.Write(w.Content)
	}
	copy(desc[8:8+32], h.Sum(nil))

	if err := j.dev.WriteBlock(descriptorBlockFor(j), desc); err != nil {
		return errs.E(errs.IOError)
	}
	for i, w := range t.writes {
		if err := j.dev.WriteBlock(dataBlockFor(j, i), w.Content); err != nil {
			return errs.E(errs.IOError)
		}
	}
	if err := j.dev.Barrier(); err != nil {
		return errs.E(errs.IOError)
	}

	j.sb.Committed = 1
	j.sb.NBlocks = uint64(len(t.writes))
	j.sb.Tail += uint64(len(t.writes))
	return j.writeSuperblock()
}

// Checkpoint applies t's writes to their home locations and marks the
// journal region free again.
func (j *Journal) Checkpoint(t *Txn) errs.Err_t {
	return j.checkpoint(t.writes)
}

// checkpoint writes each buffered (LBA, content) pair to its home
// location, then marks the journal region free.
func (j *Journal) checkpoint(writes []Write) errs.Err_t {
	for _, w := range writes {
		if err := j.dev.WriteBlock(w.LBA, w.Content); err != nil {
			return errs.E(errs.IOError)
		}
	}
	j.sb.Committed = 0
	j.sb.NBlocks = 0
	return j.writeSuperblock()
}

// recover replays a committed transaction found at mount time: if the
// descriptor's checksum matches its data blocks, the transaction is
// replayed to home locations; a mismatch means a torn write during the
// data-block phase, so the partial transaction is discarded instead
// (resolves spec.md §9's open question on checksum mismatch).
func (j *Journal) recover() errs.Err_t {
	desc := make([]byte, blockdev.BlockSize)
	if err := j.dev.ReadBlock(descriptorBlockFor(j), desc); err != nil {
		return errs.E(errs.IOError)
	}
	n := int(binary.LittleEndian.Uint32(desc[0:4]))
	storedSum := desc[8 : 8+32]
	if n <= 0 || n > maxTxnBlocks {
		j.sb.Committed = 0
		return j.writeSuperblock()
	}

	lbas := make([]int64, n)
	blocks := make([][]byte, n)
	h, _ := blake2b.New256(nil)
	for i := 0; i < n; i++ {
		off := 40 + i*8
		lbas[i] = int64(binary.LittleEndian.Uint64(desc[off : off+8]))
		blk := make([]byte, blockdev.BlockSize)
		if err := j.dev.ReadBlock(dataBlockFor(j, i), blk); err != nil {
			return errs.E(errs.IOError)
		}
		blocks[i] = blk
		h.Write(blk)
	}

	if !bytesEqual(h.Sum(nil), storedSum) {
		// Torn write: discard, leaving the filesystem at its pre-commit
		// (home-location) state.
		j.sb.Committed = 0
		j.sb.NBlocks = 0
		return j.writeSuperblock()
	}

	for i := range lbas {
		if err := j.dev.WriteBlock(lbas[i], blocks[i]); err != nil {
			return errs.E(errs.IOError)
		}
	}
	j.sb.Committed = 0
	j.sb.NBlocks = 0
	return j.writeSuperblock()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
