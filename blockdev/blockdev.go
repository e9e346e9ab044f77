// Package blockdev implements the sector-addressed block device contract
// of C7: read/write 512-byte sectors, grouped 8-to-a-block into 4 KiB
// blocks. Grounded on the teacher's fs.Disk_i / Bdev_block_t (biscuit/src/fs/blk.go):
// the narrow Start(req)-style disk interface is kept in spirit as Disk,
// but reshaped to the spec's direct read(sector)/write(sector) contract
// rather than the teacher's async request-queue + channel-ack protocol,
// since nothing downstream here needs request batching.
package blockdev

import (
	"os"
	"sync"

	"github.com/casys-kaist/KeOS-sub001/errs"
)

// SectorSize is the device's native sector size.
const SectorSize = 512

// BlockSize is the filesystem's logical block size: 8 sectors.
const BlockSize = 4096

// SectorsPerBlock is BlockSize / SectorSize.
const SectorsPerBlock = BlockSize / SectorSize

// Disk is the physical disk abstraction C7 is built over.
type Disk interface {
	ReadSector(sector int64, buf []byte) error
	WriteSector(sector int64, buf []byte) error
	Flush() error
	NumSectors() int64
}

// MemDisk is an in-memory Disk backing, for tests and for quick
// bring-up without a real file.
type MemDisk struct {
	mu    sync.Mutex
	bytes []byte
}

// NewMemDisk creates a MemDisk with the given sector count.
func NewMemDisk(sectors int64) *MemDisk {
	return &MemDisk{bytes: make([]byte, sectors*SectorSize)}
}

func (d *MemDisk) NumSectors() int64 { return int64(len(d.bytes)) / SectorSize }

func (d *MemDisk) ReadSector(sector int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := sector * SectorSize
	if off < 0 || off+SectorSize > int64(len(d.bytes)) {
		return errs.E(errs.BadAddress)
	}
	copy(buf, d.bytes[off:off+SectorSize])
	return nil
}

func (d *MemDisk) WriteSector(sector int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := sector * SectorSize
	if off < 0 || off+SectorSize > int64(len(d.bytes)) {
		return errs.E(errs.BadAddress)
	}
	copy(d.bytes[off:off+SectorSize], buf)
	return nil
}

func (d *MemDisk) Flush() error { return nil }

// FileDisk is a Disk backed by a regular host file, for tools such as
// keos-fsck to operate on real disk images.
type FileDisk struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFileDisk opens path as a FileDisk.
func OpenFileDisk(path string) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &FileDisk{f: f}, nil
}

func (d *FileDisk) NumSectors() int64 {
	fi, err := d.f.Stat()
	if err != nil {
		return 0
	}
	return fi.Size() / SectorSize
}

func (d *FileDisk) ReadSector(sector int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.ReadAt(buf[:SectorSize], sector*SectorSize)
	return err
}

func (d *FileDisk) WriteSector(sector int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.WriteAt(buf[:SectorSize], sector*SectorSize)
	return err
}

func (d *FileDisk) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

// BlockDevice groups Disk's sectors into BlockSize-sized blocks, the unit
// everything above C7 operates in.
type BlockDevice struct {
	disk Disk
}

// New wraps disk as a BlockDevice.
func New(disk Disk) *BlockDevice { return &BlockDevice{disk: disk} }

// NumBlocks reports how many full blocks the underlying disk holds.
func (b *BlockDevice) NumBlocks() int64 { return b.disk.NumSectors() / SectorsPerBlock }

// ReadBlock reads one BlockSize-byte block into buf.
func (b *BlockDevice) ReadBlock(block int64, buf []byte) error {
	base := block * SectorsPerBlock
	for i := int64(0); i < SectorsPerBlock; i++ {
		if err := b.disk.ReadSector(base+i, buf[i*SectorSize:(i+1)*SectorSize]); err != nil {
			return err
		}
	}
	return nil
}

// WriteBlock writes one BlockSize-byte block from buf.
func (b *BlockDevice) WriteBlock(block int64, buf []byte) error {
	base := block * SectorsPerBlock
	for i := int64(0); i < SectorsPerBlock; i++ {
		if err := b.disk.WriteSector(base+i, buf[i*SectorSize:(i+1)*SectorSize]); err != nil {
			return err
		}
	}
	return nil
}

// Barrier flushes outstanding writes, used by the journal's commit
// protocol to enforce "durable before superblock update".
func (b *BlockDevice) Barrier() error { return b.disk.Flush() }
