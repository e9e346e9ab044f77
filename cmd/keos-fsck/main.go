// Command keos-fsck mounts a disk image, letting fs.Mount's journal
// replay recover any committed-but-not-checkpointed transaction, and
// reports whether the image is consistent. With -watch it uses
// fsnotify to re-run the check whenever the backing image file is
// written (e.g. by a test harness overwriting it in place between runs).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/casys-kaist/KeOS-sub001/blockdev"
	"github.com/casys-kaist/KeOS-sub001/errs"
	"github.com/casys-kaist/KeOS-sub001/fs"
)

func main() {
	watch := flag.Bool("watch", false, "re-check whenever the image file is written")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [-watch] <image>\n", os.Args[0])
		os.Exit(2)
	}
	path := flag.Arg(0)

	if !*watch {
		if err := check(path); err != nil {
			fmt.Fprintf(os.Stderr, "keos-fsck: %s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("%s: clean\n", path)
		return
	}

	if err := watchAndCheck(path); err != nil {
		fmt.Fprintf(os.Stderr, "keos-fsck: %v\n", err)
		os.Exit(1)
	}
}

// check opens the image, runs fs.Mount (which replays the journal if
// the superblock was left with a committed transaction), and reports
// the result. Mounting successfully at all is the recovery proof: a
// corrupt or unrecoverable image fails here with errs.FilesystemCorrupted
// or an I/O error.
func check(path string) error {
	disk, err := blockdev.OpenFileDisk(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer disk.Flush()

	dev := blockdev.New(disk)
	_, ferr := fs.Mount(dev)
	if ferr != errs.Ok {
		return fmt.Errorf("mount: %s", ferr.Error())
	}
	return nil
}

// watchAndCheck runs an initial check, then re-runs it every time the
// image file is written, until the process is interrupted. Only the
// file itself is watched, so an image swapped in by rename produces no
// Write or Create event here and is not re-checked.
func watchAndCheck(path string) error {
	if err := check(path); err != nil {
		fmt.Fprintf(os.Stderr, "keos-fsck: %s: %v\n", path, err)
	} else {
		fmt.Printf("%s: clean\n", path)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer w.Close()

	if err := w.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := check(path); err != nil {
				fmt.Fprintf(os.Stderr, "keos-fsck: %s: %v\n", path, err)
				continue
			}
			fmt.Printf("%s: clean\n", path)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "keos-fsck: watch error: %v\n", err)
		}
	}
}
