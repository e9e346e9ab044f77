package fs

import (
	"encoding/binary"
	"sync"

	"github.com/casys-kaist/KeOS-sub001/blockdev"
)

// nDirect, nIndirect mirror spec.md §4.8's block map: f in [0,12) direct;
// f in [12, 12+512) single-indirect; beyond that, double-indirect.
const (
	nDirect        = 12
	ptrsPerBlock   = blockdev.BlockSize / 8 // 512 uint64 LBAs per indirect block
	nIndirect      = ptrsPerBlock
	maxFileBlocks  = nDirect + nIndirect + ptrsPerBlock*ptrsPerBlock
	onDiskInodeLen = 136
	inodesPerBlock = blockdev.BlockSize / onDiskInodeLen
)

// onDiskInode is the persisted inode layout.
type onDiskInode struct {
	IsDir     bool
	Nlink     uint32
	Size      int64
	Direct    [nDirect]int64
	Indirect  int64
	DIndirect int64
}

func (d *onDiskInode) encode(buf []byte) {
	if d.IsDir {
		buf[0] = 1
	} else {
		buf[0] = 0
	}
	binary.LittleEndian.PutUint32(buf[4:8], d.Nlink)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(d.Size))
	off := 16
	for i := 0; i < nDirect; i++ {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(d.Direct[i]))
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(d.Indirect))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(d.DIndirect))
}

func decodeOnDiskInode(buf []byte) onDiskInode {
	var d onDiskInode
	d.IsDir = buf[0] != 0
	d.Nlink = binary.LittleEndian.Uint32(buf[4:8])
	d.Size = int64(binary.LittleEndian.Uint64(buf[8:16]))
	off := 16
	for i := 0; i < nDirect; i++ {
		d.Direct[i] = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
		off += 8
	}
	d.Indirect = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
	off += 8
	d.DIndirect = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
	return d
}

// inodeHandle is the in-memory handle for one inode, with the
// reader/writer lock spec.md §4.8 requires ("each inode has a
// reader/writer lock").
type inodeHandle struct {
	sync.RWMutex
	ino  int64
	disk onDiskInode
}

func (f *FS) inodeLBA(ino int64) (lba int64, offset int) {
	idx := ino - 1
	lba = f.sb.InodeTableStart + idx/int64(inodesPerBlock)
	offset = int(idx%int64(inodesPerBlock)) * onDiskInodeLen
	return
}

func (f *FS) readInode(ino int64) (*onDiskInode, error) {
	lba, off := f.inodeLBA(ino)
	buf := make([]byte, blockdev.BlockSize)
	if err := f.dev.ReadBlock(lba, buf); err != nil {
		return nil, err
	}
	d := decodeOnDiskInode(buf[off : off+onDiskInodeLen])
	return &d, nil
}

// writeInodeTxn buffers the inode's current block back into its owning
// inode-table block within txn, read-modify-write since multiple inodes
// share a block.
func (f *FS) writeInodeTxn(txn *journalTxn, h *inodeHandle) error {
	lba, off := f.inodeLBA(h.ino)
	buf := make([]byte, blockdev.BlockSize)
	if err := f.dev.ReadBlock(lba, buf); err != nil {
		return err
	}
	h.disk.encode(buf[off : off+onDiskInodeLen])
	txn.Write(lba, buf)
	return nil
}

// blockLBA resolves file-block index fba to its backing LBA, allocating
// indirect/double-indirect blocks as needed within txn. alloc controls
// whether a hole is filled (write path) or reported absent (read path).
func (f *FS) blockLBA(txn *journalTxn, h *inodeHandle, fba int64, alloc bool) (int64, error) {
	if fba < nDirect {
		if h.disk.Direct[fba] == 0 && alloc {
			lba, err := f.allocBlockTxn(txn)
			if err != nil {
				return 0, err
			}
			h.disk.Direct[fba] = lba
		}
		return h.disk.Direct[fba], nil
	}
	fba -= nDirect
	if fba < nIndirect {
		if h.disk.Indirect == 0 {
			if !alloc {
				return 0, nil
			}
			lba, err := f.allocBlockTxn(txn)
			if err != nil {
				return 0, err
			}
			h.disk.Indirect = lba
			zero := make([]byte, blockdev.BlockSize)
			txn.Write(lba, zero)
		}
		return f.indirectSlot(txn, h.disk.Indirect, fba, alloc)
	}
	fba -= nIndirect
	if fba >= ptrsPerBlock*ptrsPerBlock {
		return 0, errFileTooBig
	}
	if h.disk.DIndirect == 0 {
		if !alloc {
			return 0, nil
		}
		lba, err := f.allocBlockTxn(txn)
		if err != nil {
			return 0, err
		}
		h.disk.DIndirect = lba
		zero := make([]byte, blockdev.BlockSize)
		txn.Write(lba, zero)
	}
	outer := fba / ptrsPerBlock
	inner := fba % ptrsPerBlock
	// indirectSlot itself allocates and records a fresh second-level block
	// when alloc is set and the outer slot is still a hole.
	innerLBA, err := f.indirectSlot(txn, h.disk.DIndirect, outer, alloc)
	if err != nil || innerLBA == 0 {
		return 0, err
	}
	return f.indirectSlot(txn, innerLBA, inner, alloc)
}

func (f *FS) indirectSlot(txn *journalTxn, indirectLBA, slot int64, alloc bool) (int64, error) {
	buf := make([]byte, blockdev.BlockSize)
	if err := f.dev.ReadBlock(indirectLBA, buf); err != nil {
		return 0, err
	}
	off := slot * 8
	cur := int64(binary.LittleEndian.Uint64(buf[off : off+8]))
	if cur != 0 || !alloc {
		return cur, nil
	}
	lba, err := f.allocBlockTxn(txn)
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(lba))
	txn.Write(indirectLBA, buf)
	return lba, nil
}

