// Command keos-profile captures samples from the kernel's profiling
// device (defs.D_PROF) and renders them with the google/pprof driver,
// the same report/flame-graph UI `go tool pprof` uses. Flag layout
// follows SeleniaProject-Orizon's cmd/orizon-profile.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"time"

	"github.com/google/pprof/driver"
	"github.com/google/pprof/profile"
)

func main() {
	var (
		profType = flag.String("type", "cpu", "profile type: cpu, heap")
		duration = flag.Duration("duration", 10*time.Second, "capture duration for -type=cpu")
		output   = flag.String("output", "", "write the captured profile here instead of launching the viewer")
		httpAddr = flag.String("http", "", "serve the interactive viewer on this address (e.g. :8080), like go tool pprof -http")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] [profile.pb.gz]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Inspect a profile captured from the profiling device (D_PROF), or\n")
		fmt.Fprintf(os.Stderr, "capture a fresh one from this process.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	path := flag.Arg(0)
	if path == "" {
		captured, err := capture(*profType, *duration)
		if err != nil {
			fmt.Fprintf(os.Stderr, "keos-profile: capture: %v\n", err)
			os.Exit(1)
		}
		path = captured
	}

	if *output != "" && *output != path {
		if err := copyFile(path, *output); err != nil {
			fmt.Fprintf(os.Stderr, "keos-profile: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := view(path, *httpAddr); err != nil {
		fmt.Fprintf(os.Stderr, "keos-profile: %v\n", err)
		os.Exit(1)
	}
}

// capture records runtime/pprof samples for the requested duration and
// returns the path of the resulting profile file. This is the hosted
// stand-in for reading the guest's D_PROF device, which in the real
// kernel streams pprof-format samples out over a device file; here the
// samples come from the host process running the kernel's Go code.
func capture(kind string, dur time.Duration) (string, error) {
	f, err := os.CreateTemp("", "keos-profile-*.pb.gz")
	if err != nil {
		return "", err
	}
	defer f.Close()

	switch kind {
	case "cpu":
		if err := pprof.StartCPUProfile(f); err != nil {
			return "", fmt.Errorf("start cpu profile: %w", err)
		}
		time.Sleep(dur)
		pprof.StopCPUProfile()
	case "heap":
		if err := pprof.WriteHeapProfile(f); err != nil {
			return "", fmt.Errorf("write heap profile: %w", err)
		}
	default:
		return "", fmt.Errorf("unknown profile type %q", kind)
	}
	return f.Name(), nil
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0o644)
}

// view parses the profile for a sanity check and then hands it to
// google/pprof's own driver, which does the flag parsing, fetching,
// and report rendering that `go tool pprof` uses internally.
func view(path, httpAddr string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if _, err := profile.Parse(bytes.NewReader(b)); err != nil {
		return fmt.Errorf("not a valid pprof profile: %w", err)
	}

	fs := newFlagSet([]string{path})
	if httpAddr != "" {
		fs.httpFlag = httpAddr
	}
	return driver.PProf(&driver.Options{
		Flagset: fs,
	})
}
