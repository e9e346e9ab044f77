package fs

import (
	"bytes"
	"testing"

	"github.com/casys-kaist/KeOS-sub001/blockdev"
	"github.com/casys-kaist/KeOS-sub001/errs"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	disk := blockdev.NewMemDisk(4096 * blockdev.SectorsPerBlock)
	dev := blockdev.New(disk)
	f, err := Format(dev, 16, 256)
	if err != errs.Ok {
		t.Fatalf("format: %v", err)
	}
	return f
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	f := newTestFS(t)
	root := f.sb.RootIno

	ino, err := f.Create(root, "hello.txt", false)
	if err != errs.Ok {
		t.Fatalf("create: %v", err)
	}

	content := bytes.Repeat([]byte("keos"), 2000) // spans multiple blocks
	if err := f.Write(ino, 0, content, 0); err != errs.Ok {
		t.Fatalf("write: %v", err)
	}

	size, err := f.Size(ino)
	if err != errs.Ok || size != int64(len(content)) {
		t.Fatalf("size = %d, err = %v, want %d", size, err, len(content))
	}

	got := make([]byte, len(content))
	n, eof, err := f.Read(ino, 0, got)
	if err != errs.Ok || n != len(content) || !eof {
		t.Fatalf("read: n=%d eof=%v err=%v", n, eof, err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("read content does not match what was written")
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	f := newTestFS(t)
	root := f.sb.RootIno
	if _, err := f.Create(root, "dup", false); err != errs.Ok {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.Create(root, "dup", false); err.Kind() != errs.FileExist {
		t.Fatalf("expected FileExist, got %v", err)
	}
}

func TestOpenNotFound(t *testing.T) {
	f := newTestFS(t)
	if _, _, err := f.Open(f.sb.RootIno, "nope"); err.Kind() != errs.NoSuchEntry {
		t.Fatalf("expected NoSuchEntry, got %v", err)
	}
}

func TestUnlinkAndReadDir(t *testing.T) {
	f := newTestFS(t)
	root := f.sb.RootIno
	if _, err := f.Create(root, "a", false); err != errs.Ok {
		t.Fatalf("create a: %v", err)
	}
	if _, err := f.Create(root, "b", false); err != errs.Ok {
		t.Fatalf("create b: %v", err)
	}
	listing, err := f.ReadDir(root)
	if err != errs.Ok || len(listing) != 2 {
		t.Fatalf("read_dir: %v %v", listing, err)
	}
	if err := f.Unlink(root, "a"); err != errs.Ok {
		t.Fatalf("unlink: %v", err)
	}
	listing, err = f.ReadDir(root)
	if err != errs.Ok || len(listing) != 1 || listing[0].Name != "b" {
		t.Fatalf("read_dir after unlink: %v %v", listing, err)
	}
}

func TestWriteSurvivesRemount(t *testing.T) {
	disk := blockdev.NewMemDisk(4096 * blockdev.SectorsPerBlock)
	dev := blockdev.New(disk)
	f, err := Format(dev, 16, 256)
	if err != errs.Ok {
		t.Fatalf("format: %v", err)
	}
	ino, err := f.Create(f.sb.RootIno, "persist.txt", false)
	if err != errs.Ok {
		t.Fatalf("create: %v", err)
	}
	if err := f.Write(ino, 0, []byte("durable"), 0); err != errs.Ok {
		t.Fatalf("write: %v", err)
	}

	f2, err := Mount(dev)
	if err != errs.Ok {
		t.Fatalf("mount: %v", err)
	}
	gotIno, _, err := f2.Open(f2.sb.RootIno, "persist.txt")
	if err != errs.Ok || gotIno != ino {
		t.Fatalf("open after remount: ino=%d err=%v", gotIno, err)
	}
	buf := make([]byte, len("durable"))
	if _, _, err := f2.Read(gotIno, 0, buf); err != errs.Ok {
		t.Fatalf("read after remount: %v", err)
	}
	if string(buf) != "durable" {
		t.Fatalf("content after remount = %q, want %q", buf, "durable")
	}
}
