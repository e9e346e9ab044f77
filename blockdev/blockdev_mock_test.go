package blockdev_test

import (
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/casys-kaist/KeOS-sub001/blockdev"
	"github.com/casys-kaist/KeOS-sub001/blockdev/mocks"
)

// TestBlockDeviceReadBlockSplitsIntoSectors uses a mocked Disk to pin
// down BlockDevice's sector-fanout contract: one block read issues
// exactly SectorsPerBlock ReadSector calls, in order, at consecutive
// sector numbers.
func TestBlockDeviceReadBlockSplitsIntoSectors(t *testing.T) {
	ctrl := gomock.NewController(t)
	disk := mocks.NewMockDisk(ctrl)

	const block = int64(3)
	base := block * blockdev.SectorsPerBlock
	var prev *gomock.Call
	for i := int64(0); i < blockdev.SectorsPerBlock; i++ {
		c := disk.EXPECT().ReadSector(base+i, gomock.Any()).Return(nil)
		if prev != nil {
			c.After(prev)
		}
		prev = c
	}

	dev := blockdev.New(disk)
	buf := make([]byte, blockdev.BlockSize)
	if err := dev.ReadBlock(block, buf); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
}

// TestBlockDeviceBarrierFlushesDisk pins down that Barrier forwards to
// the underlying Disk's Flush, the durability hook the journal's
// commit protocol depends on.
func TestBlockDeviceBarrierFlushesDisk(t *testing.T) {
	ctrl := gomock.NewController(t)
	disk := mocks.NewMockDisk(ctrl)
	disk.EXPECT().Flush().Return(nil)

	dev := blockdev.New(disk)
	if err := dev.Barrier(); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
}
