// Package gcdispatch is the dispatcher facade (C6): a registry of
// Global Caché devices keyed by host:port, exposing add_device,
// press_key, send_ir_signal and health as a small, synchronous API.
// It is the only package meant for use outside this module.
package gcdispatch

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gc-ir/dispatch/internal/gcdevice"
	"github.com/gc-ir/dispatch/internal/gcerr"
	"github.com/gc-ir/dispatch/internal/redrat"
	"github.com/gc-ir/dispatch/internal/scheduler"
)

// Re-exported error kinds, so callers never need to import internal/gcerr.
var (
	ErrDeviceUnavailable  = gcerr.ErrDeviceUnavailable
	ErrDeviceNotFound     = gcerr.ErrDeviceNotFound
	ErrDeviceAlreadyAdded = gcerr.ErrDeviceAlreadyAdded
	ErrPortNotFound       = gcerr.ErrPortNotFound
	ErrConnectionClosed   = gcerr.ErrConnectionClosed
	ErrTimeout            = gcerr.ErrTimeout
	ErrInvalidArguments   = gcerr.ErrInvalidArguments
	ErrDatasetLoad        = gcerr.ErrDatasetLoad
)

// ProtocolError is re-exported for errors.As.
type ProtocolError = gcerr.ProtocolError

const defaultPort = 4998

// CommandTiming is the request/response timestamp pair recorded for a
// send_ir_signal call's final wire sendir, along with its ceiling
// millisecond duration. The HTTP layer (out of scope here) copies
// these into its own request-scoped context.
type CommandTiming struct {
	RequestTime  time.Time
	ResponseTime time.Time
	DurationMs   int64
}

func commandTimingFrom(t scheduler.Timing) CommandTiming {
	delta := t.ResponseTime.Sub(t.RequestTime)
	return CommandTiming{
		RequestTime:  t.RequestTime,
		ResponseTime: t.ResponseTime,
		DurationMs:   int64(math.Ceil(delta.Seconds() * 1000)),
	}
}

// DeviceHealth is one device's entry in Health's report.
type DeviceHealth struct {
	Snapshot  gcdevice.Snapshot
	Available bool
	Errors    []string
}

// IRDBHealth mirrors irdb_health(): whether a key dataset is loaded
// and which device names it defines.
type IRDBHealth struct {
	DatasetLoaded bool
	IRDevices     []string
}

// HealthReport is Dispatcher.Health's full result.
type HealthReport struct {
	Devices []DeviceHealth
	IRDB    IRDBHealth
}

// Dispatcher is the registry of devices and IR key database.
type Dispatcher struct {
	irdb *redrat.Dataset

	mu      sync.Mutex
	devices []*gcdevice.Device

	nextIRID int64
}

// New returns an empty Dispatcher with no devices registered.
func New() *Dispatcher {
	return &Dispatcher{irdb: redrat.NewDataset()}
}

// parseHostPort splits "host" or "host:port" the way add_device/get_device do.
func parseHostPort(host string) (string, uint16, error) {
	h, portStr, err := net.SplitHostPort(host)
	if err != nil {
		// No ":port" suffix: use the default port.
		return host, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: invalid port in %q", gcerr.ErrInvalidArguments, host)
	}
	return h, uint16(port), nil
}

// nextID returns the next IR command id, cycling through [1, 65535].
func (d *Dispatcher) nextID() int {
	n := atomic.AddInt64(&d.nextIRID, 1) - 1
	return int(n%65535) + 1
}

// GetDevice returns the registered device for host[:port], or
// ErrDeviceNotFound.
func (d *Dispatcher) GetDevice(host string) (*gcdevice.Device, error) {
	h, port, err := parseHostPort(host)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, dev := range d.devices {
		if dev.Host == h && dev.Port == port {
			return dev, nil
		}
	}
	return nil, gcerr.ErrDeviceNotFound
}

// AddDevice registers a new device at host[:port], populating its
// module/port inventory and opening one persistent connection per IR
// port. Connection failures during populate are non-fatal: the device
// is still registered (possibly with no usable IR ports), matching
// the upstream dispatcher's "log and keep going" policy.
func (d *Dispatcher) AddDevice(host string, log func(format string, args ...any)) (*gcdevice.Device, error) {
	if _, err := d.GetDevice(host); err == nil {
		return nil, fmt.Errorf("%w: %s", gcerr.ErrDeviceAlreadyAdded, host)
	}
	h, port, err := parseHostPort(host)
	if err != nil {
		return nil, err
	}
	dev := gcdevice.New(h, port)
	if err := dev.PopulateInfo(); err != nil {
		if log != nil {
			log("connection error populating %s: %v", dev, err)
		}
	} else if err := dev.InitIRDevice(); err != nil {
		if log != nil {
			log("connection error initializing IR ports for %s: %v", dev, err)
		}
	}

	d.mu.Lock()
	d.devices = append(d.devices, dev)
	d.mu.Unlock()
	return dev, nil
}

// ClearDeviceList tears down and forgets every registered device.
func (d *Dispatcher) ClearDeviceList() {
	d.mu.Lock()
	devices := d.devices
	d.devices = nil
	d.mu.Unlock()
	for _, dev := range devices {
		dev.Teardown()
	}
}

// ListDevices returns a point-in-time snapshot of every registered device.
func (d *Dispatcher) ListDevices() []gcdevice.Snapshot {
	d.mu.Lock()
	devices := append([]*gcdevice.Device(nil), d.devices...)
	d.mu.Unlock()
	out := make([]gcdevice.Snapshot, len(devices))
	for i, dev := range devices {
		out[i] = dev.Snapshot()
	}
	return out
}

// Health fans a fresh populate_info-style probe out across every
// registered device concurrently and joins the results, plus the IR
// key dataset's load state.
func (d *Dispatcher) Health(ctx context.Context) HealthReport {
	d.mu.Lock()
	devices := append([]*gcdevice.Device(nil), d.devices...)
	d.mu.Unlock()

	results := make([]DeviceHealth, len(devices))
	g, _ := errgroup.WithContext(ctx)
	for i, dev := range devices {
		i, dev := i, dev
		g.Go(func() error {
			snap := dev.Snapshot()
			if err := dev.HealthProbe(); err != nil {
				results[i] = DeviceHealth{Snapshot: snap, Available: false, Errors: []string{err.Error()}}
				return nil
			}
			results[i] = DeviceHealth{Snapshot: snap, Available: true, Errors: []string{}}
			return nil
		})
	}
	g.Wait()

	health := d.irdb.HealthSnapshot()
	return HealthReport{
		Devices: results,
		IRDB:    IRDBHealth{DatasetLoaded: health.DatasetLoaded, IRDevices: health.IRDevices},
	}
}

// SendIRSignal resolves host/ir_port_n, derives any missing fields on
// signal's defensive copy, then schedules the transmission (C5).
// Supplying both repeats and duration is ErrInvalidArguments.
func (d *Dispatcher) SendIRSignal(host string, irPortN int, signal redrat.SignalRecord, repeats *int, durationMs *int64) (CommandTiming, error) {
	dev, err := d.GetDevice(host)
	if err != nil {
		return CommandTiming{}, err
	}
	port, err := dev.GetIRPort(irPortN)
	if err != nil {
		return CommandTiming{}, err
	}
	signal = scheduler.DeriveMicros(signal)

	id := d.nextID()
	port.Lock()
	defer port.Unlock()
	timing, err := scheduler.SendIRSignal(port, signal, id, repeats, durationMs)
	if err != nil {
		return CommandTiming{}, err
	}
	return commandTimingFrom(timing), nil
}

// PressKey looks up keyset/key in the loaded IR dataset and sends it.
// It returns false (no error) if the key is unknown, matching
// press_key's "unknown key is not an error" contract.
func (d *Dispatcher) PressKey(host string, irPortN int, keyset, key string, repeats *int, durationMs *int64) (bool, CommandTiming, error) {
	signal, ok := d.irdb.Lookup(keyset, key)
	if !ok {
		return false, CommandTiming{}, nil
	}
	timing, err := d.SendIRSignal(host, irPortN, signal, repeats, durationMs)
	if err != nil {
		return false, CommandTiming{}, err
	}
	return true, timing, nil
}

// LoadRedratIRDataset parses a RedRat KeyManager XML export and
// atomically replaces the IR key database.
func (d *Dispatcher) LoadRedratIRDataset(r io.Reader) error {
	return d.irdb.Load(r)
}

// GetIRDatasetJSON exports the loaded IR key database as JSON.
func (d *Dispatcher) GetIRDatasetJSON() ([]byte, error) {
	return d.irdb.ExportJSON()
}
