package fs

import (
	"github.com/casys-kaist/KeOS-sub001/blockdev"
	"github.com/casys-kaist/KeOS-sub001/errs"
)

// dirEntrySize is the fixed slot size spec.md §4.8 requires "to allow
// constant-time seek by index".
const dirEntrySize = 256
const entriesPerBlock = blockdev.BlockSize / dirEntrySize
const maxNameLen = dirEntrySize - 10 // ino(8) + isDir(1) + nameLen(1)

// dirEntry is one directory slot; a zero Ino marks a free/deleted slot.
type dirEntry struct {
	Ino   int64
	IsDir bool
	Name  string
}

func encodeDirEntry(e dirEntry, buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	if len(e.Name) > maxNameLen {
		e.Name = e.Name[:maxNameLen]
	}
	le := func(off int, v int64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	le(0, e.Ino)
	if e.IsDir {
		buf[8] = 1
	}
	buf[9] = byte(len(e.Name))
	copy(buf[10:10+len(e.Name)], e.Name)
}

func decodeDirEntry(buf []byte) dirEntry {
	var v int64
	for i := 0; i < 8; i++ {
		v |= int64(buf[i]) << (8 * i)
	}
	nameLen := int(buf[9])
	if nameLen > maxNameLen {
		nameLen = 0
	}
	return dirEntry{Ino: v, IsDir: buf[8] != 0, Name: string(buf[10 : 10+nameLen])}
}

// lookupLocked scans dh's directory blocks for name. Caller must hold
// dh's lock (read or write).
func (f *FS) lookupLocked(dh *inodeHandle, name string) (dirEntry, bool, errs.Err_t) {
	n := dh.disk.Size / dirEntrySize
	blk := make([]byte, blockdev.BlockSize)
	var lastLBA int64 = -1
	for i := int64(0); i < n; i++ {
		fba := i / int64(entriesPerBlock)
		lba, err := f.blockLBA(nil, dh, fba, false)
		if err != nil {
			return dirEntry{}, false, errs.E(errs.IOError)
		}
		if lba == 0 {
			continue
		}
		if lba != lastLBA {
			if err := f.dev.ReadBlock(lba, blk); err != nil {
				return dirEntry{}, false, errs.E(errs.IOError)
			}
			lastLBA = lba
		}
		slot := int(i % int64(entriesPerBlock))
		e := decodeDirEntry(blk[slot*dirEntrySize : (slot+1)*dirEntrySize])
		if e.Ino != 0 && e.Name == name {
			return e, true, errs.Ok
		}
	}
	return dirEntry{}, false, errs.Ok
}

// readDirEntriesLocked returns every live entry in dh. Caller must hold
// dh's lock.
func (f *FS) readDirEntriesLocked(dh *inodeHandle) ([]DirListing, errs.Err_t) {
	n := dh.disk.Size / dirEntrySize
	blk := make([]byte, blockdev.BlockSize)
	var lastLBA int64 = -1
	var out []DirListing
	for i := int64(0); i < n; i++ {
		fba := i / int64(entriesPerBlock)
		lba, err := f.blockLBA(nil, dh, fba, false)
		if err != nil {
			return nil, errs.E(errs.IOError)
		}
		if lba == 0 {
			continue
		}
		if lba != lastLBA {
			if err := f.dev.ReadBlock(lba, blk); err != nil {
				return nil, errs.E(errs.IOError)
			}
			lastLBA = lba
		}
		slot := int(i % int64(entriesPerBlock))
		e := decodeDirEntry(blk[slot*dirEntrySize : (slot+1)*dirEntrySize])
		if e.Ino != 0 {
			out = append(out, DirListing{Ino: e.Ino, Name: e.Name})
		}
	}
	return out, errs.Ok
}

// appendDirEntryLocked installs e into the first free slot of dh (if none
// is free, growing the directory by one slot, which allocates a new block
// when that slot starts one), buffering the change into txn. Caller must
// hold dh's write lock.
func (f *FS) appendDirEntryLocked(txn *journalTxn, dh *inodeHandle, e dirEntry) errs.Err_t {
	n := dh.disk.Size / dirEntrySize
	blk := make([]byte, blockdev.BlockSize)
	var lastLBA int64 = -1
	for i := int64(0); i < n; i++ {
		fba := i / int64(entriesPerBlock)
		lba, err := f.blockLBA(txn, dh, fba, false)
		if err != nil {
			return errs.E(errs.IOError)
		}
		if lba == 0 {
			continue
		}
		if lba != lastLBA {
			if err := f.dev.ReadBlock(lba, blk); err != nil {
				return errs.E(errs.IOError)
			}
			lastLBA = lba
		}
		slot := int(i % int64(entriesPerBlock))
		existing := decodeDirEntry(blk[slot*dirEntrySize : (slot+1)*dirEntrySize])
		if existing.Ino == 0 {
			encodeDirEntry(e, blk[slot*dirEntrySize:(slot+1)*dirEntrySize])
			txn.Write(lba, blk)
			return errs.Ok
		}
	}
	// No free slot: append a new entry at the end, growing the directory.
	fba := n / int64(entriesPerBlock)
	lba, err := f.blockLBA(txn, dh, fba, true)
	if err != nil {
		return errs.E(errs.IOError)
	}
	if err := f.dev.ReadBlock(lba, blk); err != nil {
		return errs.E(errs.IOError)
	}
	slot := int(n % int64(entriesPerBlock))
	encodeDirEntry(e, blk[slot*dirEntrySize:(slot+1)*dirEntrySize])
	txn.Write(lba, blk)
	dh.disk.Size = (n + 1) * dirEntrySize
	return errs.Ok
}

// removeDirEntryLocked clears the slot holding name. Caller must hold
// dh's write lock.
func (f *FS) removeDirEntryLocked(txn *journalTxn, dh *inodeHandle, name string) errs.Err_t {
	n := dh.disk.Size / dirEntrySize
	blk := make([]byte, blockdev.BlockSize)
	for i := int64(0); i < n; i++ {
		fba := i / int64(entriesPerBlock)
		lba, err := f.blockLBA(txn, dh, fba, false)
		if err != nil {
			return errs.E(errs.IOError)
		}
		if lba == 0 {
			continue
		}
		if err := f.dev.ReadBlock(lba, blk); err != nil {
			return errs.E(errs.IOError)
		}
		slot := int(i % int64(entriesPerBlock))
		e := decodeDirEntry(blk[slot*dirEntrySize : (slot+1)*dirEntrySize])
		if e.Ino != 0 && e.Name == name {
			for k := 0; k < dirEntrySize; k++ {
				blk[slot*dirEntrySize+k] = 0
			}
			txn.Write(lba, blk)
			return errs.Ok
		}
	}
	return errs.E(errs.NoSuchEntry)
}
