// command gcird-cli is a reference tool for exercising a dispatcher
// against real hardware: load a device list and an optional RedRat
// key database, add a device, press a key, and print a health report.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/gc-ir/dispatch/config"
	"github.com/gc-ir/dispatch/gcdispatch"
)

var (
	devicesFile = flag.String("devices", "", "YAML device list to load")
	redratFile  = flag.String("redrat", "", "RedRat XML key database to load")
	host        = flag.String("host", "", "gateway host[:port] to add and act on")
	irPort      = flag.Int("ir-port", 1, "1-indexed IR port on the gateway")
	keyset      = flag.String("keyset", "", "RedRat device name for -press")
	press       = flag.String("press", "", "key name to press (requires -keyset)")
	repeats     = flag.Int("repeats", -1, "explicit repeat count (mutually exclusive with -duration-ms)")
	durationMs  = flag.Int64("duration-ms", -1, "wall-clock press duration in milliseconds")
	health      = flag.Bool("health", false, "print a health report and exit")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gcird-cli: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	d := gcdispatch.New()

	if *devicesFile != "" {
		devices, err := config.LoadDevices(*devicesFile)
		if err != nil {
			return fmt.Errorf("loading device list: %w", err)
		}
		for _, spec := range devices {
			addr := spec.Host
			if spec.Port != 0 {
				addr = fmt.Sprintf("%s:%d", spec.Host, spec.Port)
			}
			if _, err := d.AddDevice(addr, logf); err != nil {
				return fmt.Errorf("adding device %s: %w", addr, err)
			}
		}
	}

	if *redratFile != "" {
		f, err := os.Open(*redratFile)
		if err != nil {
			return fmt.Errorf("opening RedRat dataset: %w", err)
		}
		defer f.Close()
		if err := d.LoadRedratIRDataset(f); err != nil {
			return fmt.Errorf("loading RedRat dataset: %w", err)
		}
	}

	if *host != "" {
		if _, err := d.AddDevice(*host, logf); err != nil && !errors.Is(err, gcdispatch.ErrDeviceAlreadyAdded) {
			return fmt.Errorf("adding device %s: %w", *host, err)
		}
	}

	if *health {
		return printHealth(d)
	}

	if *press != "" {
		return runPress(d)
	}

	return nil
}

func runPress(d *gcdispatch.Dispatcher) error {
	if *host == "" {
		return errors.New("-press requires -host")
	}
	if *keyset == "" {
		return errors.New("-press requires -keyset")
	}
	var repeatsPtr *int
	var durationPtr *int64
	switch {
	case *repeats >= 0 && *durationMs >= 0:
		return errors.New("specify at most one of -repeats and -duration-ms")
	case *repeats >= 0:
		repeatsPtr = repeats
	case *durationMs >= 0:
		durationPtr = durationMs
	}

	sent, timing, err := d.PressKey(*host, *irPort, *keyset, *press, repeatsPtr, durationPtr)
	if err != nil {
		return fmt.Errorf("press_key: %w", err)
	}
	if !sent {
		return fmt.Errorf("unknown key %q in keyset %q", *press, *keyset)
	}
	fmt.Printf("sent %s/%s in %dms\n", *keyset, *press, timing.DurationMs)
	return nil
}

func printHealth(d *gcdispatch.Dispatcher) error {
	report := d.Health(context.Background())
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func logf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "gcird-cli: "+format+"\n", args...)
}
