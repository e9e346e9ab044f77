package fs

import (
	"errors"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/casys-kaist/KeOS-sub001/blockdev"
	"github.com/casys-kaist/KeOS-sub001/errs"
	"github.com/casys-kaist/KeOS-sub001/journal"
)

// normalizeName NFC-normalizes a directory entry name before it is stored
// or compared, so visually identical Unicode names collide the way a
// real file system's case-sensitive byte compare would require.
func normalizeName(name string) string { return norm.NFC.String(name) }

// journalTxn is a local alias so the rest of the package need not import
// journal directly in every file.
type journalTxn = journal.Txn

var errFileTooBig = errors.New("fs: file exceeds maximum double-indirect size")

// FS is a mounted, journaled file system over a blockdev.BlockDevice.
// The superblock's bitmaps are guarded by bitmapMu, a single writer lock
// used only inside journaled transactions, per spec.md §4.8's
// concurrency rule.
type FS struct {
	dev *blockdev.BlockDevice
	jr  *journal.Journal
	sb  Superblock

	bitmapMu sync.Mutex

	inodesMu sync.Mutex
	inodes   map[int64]*inodeHandle // ino -> live handle, for single-writer-per-inode semantics
}

func (f *FS) handle(ino int64) (*inodeHandle, errs.Err_t) {
	f.inodesMu.Lock()
	defer f.inodesMu.Unlock()
	if h, ok := f.inodes[ino]; ok {
		return h, errs.Ok
	}
	d, err := f.readInode(ino)
	if err != nil {
		return nil, errs.E(errs.IOError)
	}
	h := &inodeHandle{ino: ino, disk: *d}
	f.inodes[ino] = h
	return h, errs.Ok
}

// allocInodeTxn finds a free inode number via the inode bitmap and
// returns a fresh in-memory handle for it, buffering the bitmap update
// into txn so it commits atomically with the caller's inode/directory
// writes, per spec.md §4.8's single-transaction allocation rule.
func (f *FS) allocInodeTxn(txn *journalTxn) (*inodeHandle, errs.Err_t) {
	f.bitmapMu.Lock()
	defer f.bitmapMu.Unlock()

	for lbaOff := int64(0); lbaOff < f.sb.InodeBitmapLen; lbaOff++ {
		buf := make([]byte, blockdev.BlockSize)
		lba := f.sb.InodeBitmapStart + lbaOff
		if err := f.dev.ReadBlock(lba, buf); err != nil {
			return nil, errs.E(errs.IOError)
		}
		for byteIdx, b := range buf {
			if b == 0xFF {
				continue
			}
			for bit := 0; bit < 8; bit++ {
				if b&(1<<uint(bit)) != 0 {
					continue
				}
				ino := lbaOff*blockdev.BlockSize*8 + int64(byteIdx)*8 + int64(bit) + 1
				if ino > f.sb.NumInodes {
					return nil, errs.E(errs.NoSpace)
				}
				buf[byteIdx] |= 1 << uint(bit)
				txn.Write(lba, buf)
				h := &inodeHandle{ino: ino}
				f.inodesMu.Lock()
				f.inodes[ino] = h
				f.inodesMu.Unlock()
				return h, errs.Ok
			}
		}
	}
	return nil, errs.E(errs.NoSpace)
}

// allocBlockTxn finds a free data block via the block bitmap, marks it
// used by buffering the updated bitmap block into txn, and returns its
// LBA. It must be called with the transaction that will also journal the
// dependent inode/directory update, per spec.md §4.8's single-transaction
// allocation rule.
func (f *FS) allocBlockTxn(txn *journalTxn) (int64, error) {
	f.bitmapMu.Lock()
	defer f.bitmapMu.Unlock()

	for lbaOff := int64(0); lbaOff < f.sb.BlockBitmapLen; lbaOff++ {
		buf := make([]byte, blockdev.BlockSize)
		lba := f.sb.BlockBitmapStart + lbaOff
		if err := f.dev.ReadBlock(lba, buf); err != nil {
			return 0, err
		}
		for byteIdx, b := range buf {
			if b == 0xFF {
				continue
			}
			for bit := 0; bit < 8; bit++ {
				if b&(1<<uint(bit)) != 0 {
					continue
				}
				blockNo := lbaOff*blockdev.BlockSize*8 + int64(byteIdx)*8 + int64(bit)
				dataLBA := f.sb.DataStart + blockNo
				if dataLBA >= f.sb.TotalBlocks {
					return 0, errs.E(errs.NoSpace)
				}
				buf[byteIdx] |= 1 << uint(bit)
				txn.Write(lba, buf)
				return dataLBA, nil
			}
		}
	}
	return 0, errs.E(errs.NoSpace)
}

// Open resolves name within the directory inode dirIno.
func (f *FS) Open(dirIno int64, name string) (ino int64, isDir bool, err errs.Err_t) {
	name = normalizeName(name)
	h, err := f.handle(dirIno)
	if err != errs.Ok {
		return 0, false, err
	}
	h.RLock()
	defer h.RUnlock()
	ent, ok, e := f.lookupLocked(h, name)
	if e != errs.Ok {
		return 0, false, e
	}
	if !ok {
		return 0, false, errs.E(errs.NoSuchEntry)
	}
	ch, e := f.handle(ent.Ino)
	if e != errs.Ok {
		return 0, false, e
	}
	ch.RLock()
	isDir = ch.disk.IsDir
	ch.RUnlock()
	return ent.Ino, isDir, errs.Ok
}

// Create makes a new file or directory named name inside dirIno, as a
// single journaled transaction covering the inode/block bitmaps and the
// parent directory update, per spec.md §4.8.
func (f *FS) Create(dirIno int64, name string, isDir bool) (int64, errs.Err_t) {
	name = normalizeName(name)
	dh, err := f.handle(dirIno)
	if err != errs.Ok {
		return 0, err
	}
	dh.Lock()
	defer dh.Unlock()

	if _, ok, e := f.lookupLocked(dh, name); e != errs.Ok {
		return 0, e
	} else if ok {
		return 0, errs.E(errs.FileExist)
	}

	txn := f.jr.Begin()
	child, err := f.allocInodeTxn(txn)
	if err != errs.Ok {
		return 0, err
	}
	child.Lock()
	child.disk.IsDir = isDir
	child.disk.Nlink = 1
	child.Unlock()

	if e := f.writeInodeTxn(txn, child); e != nil {
		return 0, errs.E(errs.IOError)
	}
	if e := f.appendDirEntryLocked(txn, dh, dirEntry{Ino: child.ino, Name: name, IsDir: isDir}); e != errs.Ok {
		return 0, e
	}
	if e := f.writeInodeTxn(txn, dh); e != nil {
		return 0, errs.E(errs.IOError)
	}
	if e := f.jr.Commit(txn); e != errs.Ok {
		return 0, e
	}
	return child.ino, errs.Ok
}

// Unlink removes name from dirIno. Directories must be empty.
func (f *FS) Unlink(dirIno int64, name string) errs.Err_t {
	name = normalizeName(name)
	dh, err := f.handle(dirIno)
	if err != errs.Ok {
		return err
	}
	dh.Lock()
	defer dh.Unlock()

	ent, ok, e := f.lookupLocked(dh, name)
	if e != errs.Ok {
		return e
	}
	if !ok {
		return errs.E(errs.NoSuchEntry)
	}
	ch, e := f.handle(ent.Ino)
	if e != errs.Ok {
		return e
	}
	ch.Lock()
	if ch.disk.IsDir {
		live, e := f.readDirEntriesLocked(ch)
		if e != errs.Ok {
			ch.Unlock()
			return e
		}
		if len(live) > 0 {
			ch.Unlock()
			return errs.E(errs.Busy)
		}
	}
	ch.disk.Nlink--
	ch.Unlock()

	txn := f.jr.Begin()
	if e := f.removeDirEntryLocked(txn, dh, name); e != errs.Ok {
		return e
	}
	if e := f.writeInodeTxn(txn, dh); e != nil {
		return errs.E(errs.IOError)
	}
	if e := f.writeInodeTxn(txn, ch); e != nil {
		return errs.E(errs.IOError)
	}
	return f.jr.Commit(txn)
}

// ReadDir lists the directory's entries as (ino, name) pairs.
func (f *FS) ReadDir(dirIno int64) ([]DirListing, errs.Err_t) {
	h, err := f.handle(dirIno)
	if err != errs.Ok {
		return nil, err
	}
	h.RLock()
	defer h.RUnlock()
	return f.readDirEntriesLocked(h)
}

// DirListing is one (ino, name) pair returned by ReadDir.
type DirListing struct {
	Ino  int64
	Name string
}

// Size returns the inode's current byte size.
func (f *FS) Size(ino int64) (int64, errs.Err_t) {
	h, err := f.handle(ino)
	if err != errs.Ok {
		return 0, err
	}
	h.RLock()
	defer h.RUnlock()
	return h.disk.Size, errs.Ok
}

// Read reads up to len(buf) bytes from ino starting at offset, returning
// the number of bytes read and whether EOF was reached.
func (f *FS) Read(ino int64, offset int64, buf []byte) (int, bool, errs.Err_t) {
	h, err := f.handle(ino)
	if err != errs.Ok {
		return 0, false, err
	}
	h.RLock()
	defer h.RUnlock()

	if offset >= h.disk.Size {
		return 0, true, errs.Ok
	}
	n := 0
	blk := make([]byte, blockdev.BlockSize)
	for n < len(buf) && offset+int64(n) < h.disk.Size {
		fba := (offset + int64(n)) / blockdev.BlockSize
		blkOff := (offset + int64(n)) % blockdev.BlockSize
		lba, e := f.blockLBA(nil, h, fba, false)
		if e != nil {
			return n, false, errs.E(errs.IOError)
		}
		if lba == 0 {
			for k := blkOff; k < blockdev.BlockSize && n < len(buf) && offset+int64(n) < h.disk.Size; k++ {
				buf[n] = 0
				n++
			}
			continue
		}
		if err := f.dev.ReadBlock(lba, blk); err != nil {
			return n, false, errs.E(errs.IOError)
		}
		for k := blkOff; k < blockdev.BlockSize && n < len(buf) && offset+int64(n) < h.disk.Size; k++ {
			buf[n] = blk[k]
			n++
		}
	}
	return n, offset+int64(n) >= h.disk.Size, errs.Ok
}

// Write writes buf to ino at offset, as a single journaled transaction,
// growing the inode to at least minSize bytes.
func (f *FS) Write(ino int64, offset int64, buf []byte, minSize int64) errs.Err_t {
	h, err := f.handle(ino)
	if err != errs.Ok {
		return err
	}
	h.Lock()
	defer h.Unlock()

	txn := f.jr.Begin()
	n := 0
	blk := make([]byte, blockdev.BlockSize)
	for n < len(buf) {
		fba := (offset + int64(n)) / blockdev.BlockSize
		blkOff := (offset + int64(n)) % blockdev.BlockSize
		lba, e := f.blockLBA(txn, h, fba, true)
		if e != nil {
			return errs.E(errs.IOError)
		}
		if err := f.dev.ReadBlock(lba, blk); err != nil {
			return errs.E(errs.IOError)
		}
		for k := blkOff; k < blockdev.BlockSize && n < len(buf); k++ {
			blk[k] = buf[n]
			n++
		}
		txn.Write(lba, blk)
	}
	end := offset + int64(len(buf))
	if end > h.disk.Size {
		h.disk.Size = end
	}
	if minSize > h.disk.Size {
		h.disk.Size = minSize
	}
	if e := f.writeInodeTxn(txn, h); e != nil {
		return errs.E(errs.IOError)
	}
	return f.jr.Commit(txn)
}

// Writeback is a no-op at this layer: Write already journals synchronously
// to the home location via Commit's checkpoint step. It exists so C9's
// page cache has a uniform backend contract to call through.
func (f *FS) Writeback(ino int64) errs.Err_t { return errs.Ok }

// FileHandle binds one inode to the narrow vmregion.FileRef / page-cache
// backend contract (ReadPage/WritePage), so mmap'd and cached file
// content can be sourced from this file system without exposing FS's
// whole surface.
type FileHandle struct {
	fs  *FS
	Ino int64
}

// File returns a FileHandle bound to ino.
func (f *FS) File(ino int64) *FileHandle { return &FileHandle{fs: f, Ino: ino} }

// ReadPage implements vmregion.FileRef: read one page's worth of content
// at a byte offset.
func (fh *FileHandle) ReadPage(offset int, buf []byte) (int, error) {
	n, _, err := fh.fs.Read(fh.Ino, int64(offset), buf)
	if err != errs.Ok {
		return n, errors.New(err.Error())
	}
	return n, nil
}

// WritePage implements the page cache's backend write contract.
func (fh *FileHandle) WritePage(offset int, buf []byte) error {
	err := fh.fs.Write(fh.Ino, int64(offset), buf, 0)
	if err != errs.Ok {
		return errors.New(err.Error())
	}
	return nil
}

// ReadBlock implements pcache.Backend: read fba's full block's worth of
// content for ino, zero-padding past end-of-file.
func (f *FS) ReadBlock(ino int64, fba int64, buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	_, err := f.File(ino).ReadPage(int(fba*blockdev.BlockSize), buf)
	return err
}

// WriteBlock implements pcache.Backend: write fba's full block's worth of
// content for ino to its home location.
func (f *FS) WriteBlock(ino int64, fba int64, buf []byte) error {
	return f.File(ino).WritePage(int(fba*blockdev.BlockSize), buf)
}
