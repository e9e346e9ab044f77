package journal

import (
	"bytes"
	"testing"

	"github.com/casys-kaist/KeOS-sub001/blockdev"
	"github.com/casys-kaist/KeOS-sub001/errs"
)

func newTestDev(t *testing.T, blocks int64) *blockdev.BlockDevice {
	t.Helper()
	disk := blockdev.NewMemDisk(blocks * blockdev.SectorsPerBlock)
	return blockdev.New(disk)
}

// S4 — Journal recovery: commit a transaction durably, then simulate a
// crash before the checkpoint (home-location) writes happen. Remounting
// must replay the transaction so the home location reflects it.
func TestJournalRecoveryReplaysAfterCommitCrash(t *testing.T) {
	dev := newTestDev(t, 64)
	j, err := Open(dev, 0, 16)
	if err != errs.Ok {
		t.Fatalf("open: %v", err)
	}

	homeLBA := int64(40)
	content := bytes.Repeat([]byte{0xAB}, blockdev.BlockSize)

	txn := j.Begin()
	txn.Write(homeLBA, content)
	if err := j.CommitLog(txn); err != errs.Ok {
		t.Fatalf("commit log: %v", err)
	}
	// Crash here: never call Checkpoint. The home location is still
	// whatever it was before the transaction.

	before := make([]byte, blockdev.BlockSize)
	dev.ReadBlock(homeLBA, before)
	if bytes.Equal(before, content) {
		t.Fatal("home location should not be updated before checkpoint")
	}

	j2, err := Open(dev, 0, 16)
	if err != errs.Ok {
		t.Fatalf("reopen: %v", err)
	}
	_ = j2

	after := make([]byte, blockdev.BlockSize)
	if err := dev.ReadBlock(homeLBA, after); err != nil {
		t.Fatalf("read home: %v", err)
	}
	if !bytes.Equal(after, content) {
		t.Fatal("remount should have replayed the committed transaction")
	}
}

func TestJournalDiscardsTornWrite(t *testing.T) {
	dev := newTestDev(t, 64)
	j, err := Open(dev, 0, 16)
	if err != errs.Ok {
		t.Fatalf("open: %v", err)
	}

	homeLBA := int64(40)
	content := bytes.Repeat([]byte{0xCD}, blockdev.BlockSize)
	txn := j.Begin()
	txn.Write(homeLBA, content)
	if err := j.CommitLog(txn); err != errs.Ok {
		t.Fatalf("commit log: %v", err)
	}

	// Corrupt the logged data block after the descriptor checksum was
	// written, simulating a torn write during the data-block phase.
	corrupt := bytes.Repeat([]byte{0xEE}, blockdev.BlockSize)
	if err := dev.WriteBlock(dataBlockFor(j, 0), corrupt); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	if _, err := Open(dev, 0, 16); err != errs.Ok {
		t.Fatalf("reopen: %v", err)
	}

	home := make([]byte, blockdev.BlockSize)
	if err := dev.ReadBlock(homeLBA, home); err != nil {
		t.Fatalf("read home: %v", err)
	}
	if bytes.Equal(home, content) {
		t.Fatal("torn transaction must not be replayed to home location")
	}
}

func TestCommitAndCheckpoint(t *testing.T) {
	dev := newTestDev(t, 64)
	j, err := Open(dev, 0, 16)
	if err != errs.Ok {
		t.Fatalf("open: %v", err)
	}
	content := bytes.Repeat([]byte{0x42}, blockdev.BlockSize)
	txn := j.Begin()
	txn.Write(50, content)
	if err := j.Commit(txn); err != errs.Ok {
		t.Fatalf("commit: %v", err)
	}
	got := make([]byte, blockdev.BlockSize)
	if err := dev.ReadBlock(50, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("checkpoint should have written content to home location")
	}
}
