// Package gcdevice models a Global Caché gateway: its module/port
// inventory and one persistent connection+mutex per IR port (C3).
package gcdevice

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gc-ir/dispatch/internal/gcerr"
	"github.com/gc-ir/dispatch/internal/lineconn"
	"github.com/gc-ir/dispatch/internal/protocol"
)

// Re-exported so callers outside internal/protocol never need to
// import it directly for these data-model types (spec.md §3).
type (
	ModuleType       = protocol.ModuleType
	ModuleDescriptor = protocol.ModuleDescriptor
)

const (
	ModuleIR       = protocol.ModuleIR
	ModuleEthernet = protocol.ModuleEthernet
)

// DefaultMaxRepeats is the iTach family's maximum repeat count for a
// single sendir. GC-100 (31), Flex and Global Connect (20) are lower;
// see MaxRepeatsPolicy.
const DefaultMaxRepeats = 50

// MaxRepeatsPolicy maps a gateway's version string (as returned by
// getversion) to its hardware family's maximum sendir repeat count.
// Determining the family from the version string is a documented TODO
// in the upstream protocol; this is exposed as a pluggable hook rather
// than hard-coded so callers can supply one once the mapping is known.
type MaxRepeatsPolicy func(version string) int

// DefaultMaxRepeatsPolicy always returns DefaultMaxRepeats (the iTach
// value), matching the current behavior of the reference service.
func DefaultMaxRepeatsPolicy(version string) int {
	return DefaultMaxRepeats
}

type portKey struct {
	Module, Port int
}

// Device is one physical Global Caché gateway.
type Device struct {
	Host string
	Port uint16

	Policy MaxRepeatsPolicy

	mu        sync.RWMutex
	version   string
	modules   []ModuleDescriptor
	portOrder []portKey
	ports     map[portKey]*IRPort
}

// New constructs a Device. Callers must call PopulateInfo and
// InitIRDevice before using its IR ports.
func New(host string, port uint16) *Device {
	return &Device{
		Host:   host,
		Port:   port,
		Policy: DefaultMaxRepeatsPolicy,
	}
}

// Addr is the "host:port" dial target for this device.
func (d *Device) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(int(d.Port)))
}

func (d *Device) String() string {
	return "Device(" + d.Host + ", " + strconv.Itoa(int(d.Port)) + ")"
}

// PopulateInfo opens a transient connection, waits for its reader to
// be pumping, issues getversion then getdevices, and closes the
// connection (spec.md §4.3).
func (d *Device) PopulateInfo() error {
	version, modules, err := d.probe()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.version = version
	d.modules = modules
	d.mu.Unlock()
	return nil
}

// probe performs one transient getversion+getdevices round trip and
// returns the results without mutating the device.
func (d *Device) probe() (string, []ModuleDescriptor, error) {
	conn, err := lineconn.Dial(d.Addr())
	if err != nil {
		return "", nil, err
	}
	defer conn.Close()
	// Make sure the reader is pumping before the first request.
	time.Sleep(500 * time.Millisecond)
	version, err := protocol.GetVersion(conn)
	if err != nil {
		return "", nil, err
	}
	modules, err := protocol.GetDevices(conn)
	if err != nil {
		return "", nil, err
	}
	return version, modules, nil
}

// HealthProbe re-verifies connectivity with a fresh transient
// connection without mutating the device's stored inventory, so the
// "ir_ports mapping is fully populated and immutable" invariant holds
// even while health checks run concurrently with IR presses.
func (d *Device) HealthProbe() error {
	_, _, err := d.probe()
	return err
}

// InitIRDevice opens one persistent connection per IR port across all
// IR modules and constructs the corresponding IRPorts, ordered by
// (module, port) ascending.
func (d *Device) InitIRDevice() error {
	d.mu.RLock()
	modules := d.modules
	d.mu.RUnlock()

	ports := make(map[portKey]*IRPort)
	var order []portKey
	for _, m := range modules {
		if m.Type != ModuleIR {
			continue
		}
		for p := 1; p <= m.Ports; p++ {
			conn, err := lineconn.Dial(d.Addr())
			if err != nil {
				return err
			}
			key := portKey{m.Module, p}
			ports[key] = &IRPort{
				Module: m.Module,
				Port:   p,
				device: d,
				conn:   conn,
			}
			order = append(order, key)
		}
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].Module != order[j].Module {
			return order[i].Module < order[j].Module
		}
		return order[i].Port < order[j].Port
	})

	d.mu.Lock()
	d.portOrder = order
	d.ports = ports
	d.mu.Unlock()
	return nil
}

// GetIRPort returns the n'th (1-indexed) IR port, ordered by
// (module, port) ascending across all IR modules.
func (d *Device) GetIRPort(n int) (*IRPort, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n < 1 || n > len(d.portOrder) {
		return nil, gcerr.ErrPortNotFound
	}
	return d.ports[d.portOrder[n-1]], nil
}

// Version returns the cached version string from the last PopulateInfo.
func (d *Device) Version() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// Modules returns the cached module inventory from the last PopulateInfo.
func (d *Device) Modules() []ModuleDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]ModuleDescriptor(nil), d.modules...)
}

// Teardown closes every IR port's persistent connection.
func (d *Device) Teardown() {
	d.mu.RLock()
	ports := d.ports
	d.mu.RUnlock()
	for _, p := range ports {
		p.conn.Close()
	}
}

// Snapshot is the dict_repr()-equivalent summary used by list_devices
// and health (recovered from original_source/gcdevice.py).
type Snapshot struct {
	Host              string
	Port              uint16
	ActiveConnections int
	Version           string
	Modules           []ModuleDescriptor
}

func (d *Device) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Snapshot{
		Host:              d.Host,
		Port:              d.Port,
		ActiveConnections: len(d.ports),
		Version:           d.version,
		Modules:           append([]ModuleDescriptor(nil), d.modules...),
	}
}

// IRPort is a single IR port on a Device with its own connection. Its
// mutex serializes all sendir/stopir issued on the port, including the
// chained transmissions of a continuous-repeat scheduler call: the
// scheduler acquires the lock once per logical send_ir_signal call and
// issues every chained sendir directly via SendIR, never re-entering
// a self-locking method.
type IRPort struct {
	Module int
	Port   int

	device *Device
	conn   *lineconn.Connection
	mu     sync.Mutex
}

// Lock acquires the port's mutex for the duration of one logical
// command (possibly several chained sendir calls).
func (p *IRPort) Lock() { p.mu.Lock() }

// Unlock releases the port's mutex.
func (p *IRPort) Unlock() { p.mu.Unlock() }

// SendIR issues sendir on the port's connection. Callers must hold the
// port's lock for the entire logical command.
func (p *IRPort) SendIR(id, freq, repeat, offset int, durations []uint32, waitForResponse bool) error {
	return protocol.SendIR(p.conn, p.Module, p.Port, id, freq, repeat, offset, durations, waitForResponse)
}

// StopIR acquires the port's lock and issues stopir.
func (p *IRPort) StopIR() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return protocol.StopIR(p.conn, p.Module, p.Port)
}

// MaxRepeats returns the owning device's configured maximum repeat
// count, derived from its MaxRepeatsPolicy and cached version string.
func (p *IRPort) MaxRepeats() int {
	return p.device.Policy(p.device.Version())
}
