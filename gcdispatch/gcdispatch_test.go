package gcdispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/gc-ir/dispatch/internal/redrat"
)

// fakeGateway simulates one Global Caché gateway with a single IR
// module of one port: its first accepted connection answers
// getversion/getdevices, every later connection answers sendir with a
// matching completeir and also answers getversion/getdevices, so the
// fresh transient connection of a health probe is served too.
type fakeGateway struct {
	ln   net.Listener
	addr string

	mu  sync.Mutex
	got []string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := &fakeGateway{ln: ln, addr: ln.Addr().String()}
	go g.serve()
	return g
}

func (g *fakeGateway) serve() {
	first := true
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			return
		}
		if first {
			first = false
			go g.serveProbe(conn)
			continue
		}
		go g.servePort(conn)
	}
}

func (g *fakeGateway) serveProbe(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	if line, err := r.ReadString('\r'); err != nil || line != "getversion\r" {
		return
	}
	conn.Write([]byte("710-1001-15\r"))
	if line, err := r.ReadString('\r'); err != nil || line != "getdevices\r" {
		return
	}
	conn.Write([]byte("device,1,1 IR\r"))
	conn.Write([]byte("endlistdevices\r"))
}

func (g *fakeGateway) servePort(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		g.mu.Lock()
		g.got = append(g.got, line)
		g.mu.Unlock()
		switch line {
		case "getversion":
			conn.Write([]byte("710-1001-15\r"))
			continue
		case "getdevices":
			conn.Write([]byte("device,1,1 IR\r"))
			conn.Write([]byte("endlistdevices\r"))
			continue
		}
		if !strings.HasPrefix(line, "sendir,") {
			continue
		}
		fields := strings.SplitN(line, ",", 7)
		if len(fields) < 3 {
			continue
		}
		conn.Write([]byte(fmt.Sprintf("completeir,%s,%s\r", fields[1], fields[2])))
	}
}

func (g *fakeGateway) sendirLines() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.got))
	for _, l := range g.got {
		if strings.HasPrefix(l, "sendir,") {
			out = append(out, l)
		}
	}
	return out
}

func (g *fakeGateway) close() { g.ln.Close() }

func testSignal() redrat.SignalRecord {
	return redrat.SignalRecord{
		Frequency:            38000,
		BaseSequence:         []uint32{100, 100, 100, 100},
		RepeatSequence:       []uint32{50, 50},
		DefaultRepeats:       1,
		BaseSequenceMicros:   10000,
		RepeatSequenceMicros: 10000,
	}
}

func TestAddDeviceThenSingleShotSendIRSignal(t *testing.T) {
	gw := newFakeGateway(t)
	defer gw.close()

	d := New()
	dev, err := d.AddDevice(gw.addr, nil)
	if err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	defer d.ClearDeviceList()
	if dev.Version() != "710-1001-15" {
		t.Fatalf("Version = %q, want 710-1001-15", dev.Version())
	}

	if _, err := d.AddDevice(gw.addr, nil); !errors.Is(err, ErrDeviceAlreadyAdded) {
		t.Fatalf("second AddDevice: got %v, want ErrDeviceAlreadyAdded", err)
	}

	repeats := 0
	timing, err := d.SendIRSignal(gw.addr, 1, testSignal(), &repeats, nil)
	if err != nil {
		t.Fatalf("SendIRSignal: %v", err)
	}
	if timing.ResponseTime.Before(timing.RequestTime) {
		t.Fatalf("ResponseTime %v before RequestTime %v", timing.ResponseTime, timing.RequestTime)
	}
	lines := gw.sendirLines()
	if len(lines) != 1 || lines[0] != "sendir,1:1,1,38000,1,1,100,100,100,100" {
		t.Fatalf("got sendir lines %v", lines)
	}
}

func TestSendIRSignalBoundedRepeatsViaDispatcher(t *testing.T) {
	gw := newFakeGateway(t)
	defer gw.close()

	d := New()
	if _, err := d.AddDevice(gw.addr, nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	defer d.ClearDeviceList()

	repeats := 10
	if _, err := d.SendIRSignal(gw.addr, 1, testSignal(), &repeats, nil); err != nil {
		t.Fatalf("SendIRSignal: %v", err)
	}
	lines := gw.sendirLines()
	if len(lines) != 1 || lines[0] != "sendir,1:1,1,38000,10,5,100,100,100,100,50,50" {
		t.Fatalf("got sendir lines %v", lines)
	}
}

func TestPressKeyUnknownKeyIsNotAnError(t *testing.T) {
	gw := newFakeGateway(t)
	defer gw.close()

	d := New()
	if _, err := d.AddDevice(gw.addr, nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	defer d.ClearDeviceList()

	sent, _, err := d.PressKey(gw.addr, 1, "TV", "Power", nil, nil)
	if err != nil {
		t.Fatalf("PressKey: %v", err)
	}
	if sent {
		t.Fatal("expected PressKey to report unknown key as not sent")
	}
	if lines := gw.sendirLines(); len(lines) != 0 {
		t.Fatalf("expected no sendir for unknown key, got %v", lines)
	}
}

func TestPressKeyLoadedDataset(t *testing.T) {
	const xml = `<?xml version="1.0"?>
<AVDeviceDB><AVDevices><AVDevice>
  <DeviceName>TV</DeviceName>
  <Signals>
    <IRPacket type="ModulatedSignal">
      <Name>Power</Name>
      <ModulationFreq>38000</ModulationFreq>
      <NoRepeats>1</NoRepeats>
      <IntraSigPause>100</IntraSigPause>
      <SigData>AAEAfwABAA==</SigData>
      <Lengths><double>100.0</double><double>200.0</double></Lengths>
    </IRPacket>
  </Signals>
</AVDevice></AVDevices></AVDeviceDB>`

	gw := newFakeGateway(t)
	defer gw.close()

	d := New()
	if err := d.LoadRedratIRDataset(strings.NewReader(xml)); err != nil {
		t.Fatalf("LoadRedratIRDataset: %v", err)
	}
	if _, err := d.AddDevice(gw.addr, nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	defer d.ClearDeviceList()

	sent, _, err := d.PressKey(gw.addr, 1, "TV", "Power", nil, nil)
	if err != nil {
		t.Fatalf("PressKey: %v", err)
	}
	if !sent {
		t.Fatal("expected PressKey to send the loaded key")
	}
	if lines := gw.sendirLines(); len(lines) != 1 {
		t.Fatalf("got %d sendir lines, want 1: %v", len(lines), lines)
	}
}

func TestHealthReportsDeviceAndDataset(t *testing.T) {
	gw := newFakeGateway(t)
	defer gw.close()

	d := New()
	if _, err := d.AddDevice(gw.addr, nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	defer d.ClearDeviceList()

	report := d.Health(context.Background())
	if len(report.Devices) != 1 {
		t.Fatalf("got %d device health entries, want 1", len(report.Devices))
	}
	if !report.Devices[0].Available {
		t.Fatalf("expected device to be available, errors: %v", report.Devices[0].Errors)
	}
	if report.IRDB.DatasetLoaded {
		t.Fatal("expected no dataset loaded")
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	d := New()
	if _, err := d.GetDevice("127.0.0.1:9999"); err != ErrDeviceNotFound {
		t.Fatalf("got %v, want ErrDeviceNotFound", err)
	}
}

func TestClearDeviceListForgetsDevices(t *testing.T) {
	gw := newFakeGateway(t)
	defer gw.close()

	d := New()
	if _, err := d.AddDevice(gw.addr, nil); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	d.ClearDeviceList()
	if devices := d.ListDevices(); len(devices) != 0 {
		t.Fatalf("got %d devices after ClearDeviceList, want 0", len(devices))
	}
	if _, err := d.GetDevice(gw.addr); err != ErrDeviceNotFound {
		t.Fatalf("got %v, want ErrDeviceNotFound after clear", err)
	}
}
