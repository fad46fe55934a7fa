// Package protocol encodes and decodes the Global Caché ASCII wire
// commands used by the dispatch core: getversion, getdevices, sendir
// and stopir (C2). It operates against any LineIO, so it has no
// dependency on the transport's reconnect machinery.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gc-ir/dispatch/internal/gcerr"
)

// LineIO is the subset of lineconn.Connection that the protocol layer
// needs: write a framed line, and observe framed lines received.
type LineIO interface {
	WriteLine(s string) error
	ClearLineBuffer()
	WaitForLine(timeout time.Duration) (string, error)
	JoinedLineBuffer() string
}

// ModuleType is a gateway module's kind, as reported by getdevices.
type ModuleType int

const (
	ModuleIR ModuleType = iota
	ModuleEthernet
)

func (t ModuleType) String() string {
	switch t {
	case ModuleIR:
		return "IR"
	case ModuleEthernet:
		return "ETHERNET"
	default:
		return "UNKNOWN"
	}
}

func parseModuleType(s string) (ModuleType, error) {
	switch s {
	case "IR":
		return ModuleIR, nil
	case "ETHERNET":
		return ModuleEthernet, nil
	default:
		return 0, gcerr.NewProtocolError("device," + s)
	}
}

// ModuleDescriptor is one line of a getdevices response.
type ModuleDescriptor struct {
	Module int
	Ports  int
	Type   ModuleType
}

func isErrLine(line string) bool {
	return strings.HasPrefix(line, "ERR") || strings.HasPrefix(line, "unknown")
}

// GetVersion issues "getversion" and returns the gateway's version
// string, the first line of its response.
func GetVersion(conn LineIO) (string, error) {
	conn.ClearLineBuffer()
	if err := conn.WriteLine("getversion"); err != nil {
		return "", err
	}
	line, err := conn.WaitForLine(0)
	if err != nil {
		return "", err
	}
	if isErrLine(line) {
		conn.ClearLineBuffer()
		return "", gcerr.NewProtocolError(line)
	}
	return line, nil
}

// GetDevices issues "getdevices" and reads lines until
// "endlistdevices", parsing each intervening "device,<m>,<p> <TYPE>"
// line.
func GetDevices(conn LineIO) ([]ModuleDescriptor, error) {
	conn.ClearLineBuffer()
	if err := conn.WriteLine("getdevices"); err != nil {
		return nil, err
	}
	var result []ModuleDescriptor
	for {
		line, err := conn.WaitForLine(0)
		if err != nil {
			return nil, err
		}
		switch {
		case isErrLine(line):
			conn.ClearLineBuffer()
			return nil, gcerr.NewProtocolError(line)
		case line == "endlistdevices":
			return result, nil
		case strings.HasPrefix(line, "device"):
			desc, err := parseDeviceLine(line)
			if err != nil {
				return nil, err
			}
			result = append(result, desc)
		default:
			data := line + "\n" + conn.JoinedLineBuffer()
			return nil, gcerr.NewProtocolError(data)
		}
	}
}

// parseDeviceLine parses "device,<module>,<ports> <TYPE>": replace ','
// with ' ' and split on whitespace, expecting four tokens.
func parseDeviceLine(line string) (ModuleDescriptor, error) {
	fields := strings.Fields(strings.ReplaceAll(line, ",", " "))
	if len(fields) != 4 || fields[0] != "device" {
		return ModuleDescriptor{}, gcerr.NewProtocolError(line)
	}
	module, err := strconv.Atoi(fields[1])
	if err != nil {
		return ModuleDescriptor{}, gcerr.NewProtocolError(line)
	}
	ports, err := strconv.Atoi(fields[2])
	if err != nil {
		return ModuleDescriptor{}, gcerr.NewProtocolError(line)
	}
	typ, err := parseModuleType(fields[3])
	if err != nil {
		return ModuleDescriptor{}, err
	}
	return ModuleDescriptor{Module: module, Ports: ports, Type: typ}, nil
}

// SendIR issues a sendir command for the given module:port. If
// waitForResponse is true it blocks for the matching "completeir" line
// and validates the (module, port, id) triple. If false, it returns
// immediately without consuming any response line — used only by the
// scheduler's continuous-repeat chain (§4.5), which drains any
// trailing completeir on the connection's next ClearLineBuffer.
func SendIR(conn LineIO, module, port, id, freq, repeat, offset int, durations []uint32, waitForResponse bool) error {
	cmd := formatSendIR(module, port, id, freq, repeat, offset, durations)
	conn.ClearLineBuffer()
	if err := conn.WriteLine(cmd); err != nil {
		return err
	}
	if !waitForResponse {
		return nil
	}
	line, err := conn.WaitForLine(0)
	if err != nil {
		return err
	}
	if isErrLine(line) {
		conn.ClearLineBuffer()
		return gcerr.NewProtocolError(line)
	}
	if !strings.HasPrefix(line, "completeir") {
		data := line + "\n" + conn.JoinedLineBuffer()
		return gcerr.NewProtocolError(data)
	}
	rModule, rPort, rID, err := parseTriple(line, "completeir")
	if err != nil {
		return err
	}
	if rModule != module || rPort != port || rID != id {
		return gcerr.NewProtocolError(fmt.Sprintf(
			"unexpected response %q for module, port, id = (%d, %d, %d)", line, module, port, id))
	}
	return nil
}

func formatSendIR(module, port, id, freq, repeat, offset int, durations []uint32) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sendir,%d:%d,%d,%d,%d,%d", module, port, id, freq, repeat, offset)
	for _, d := range durations {
		fmt.Fprintf(&b, ",%d", d)
	}
	return b.String()
}

// StopIR issues "stopir,<module>:<port>" and validates the echoed
// (module, port) pair.
func StopIR(conn LineIO, module, port int) error {
	cmd := fmt.Sprintf("stopir,%d:%d", module, port)
	conn.ClearLineBuffer()
	if err := conn.WriteLine(cmd); err != nil {
		return err
	}
	line, err := conn.WaitForLine(0)
	if err != nil {
		return err
	}
	if isErrLine(line) {
		conn.ClearLineBuffer()
		return gcerr.NewProtocolError(line)
	}
	if !strings.HasPrefix(line, "stopir") {
		data := line + "\n" + conn.JoinedLineBuffer()
		return gcerr.NewProtocolError(data)
	}
	rModule, rPort, _, err := parseTriple(line, "stopir")
	if err != nil {
		return err
	}
	if rModule != module || rPort != port {
		return gcerr.NewProtocolError(fmt.Sprintf(
			"unexpected response %q for module, port = (%d, %d)", line, module, port))
	}
	return nil
}

// parseTriple parses "<prefix>,<module>:<port>,<id>" (id optional for
// stopir, which has no id component).
func parseTriple(line, prefix string) (module, port, id int, err error) {
	rest := strings.TrimPrefix(line, prefix)
	rest = strings.ReplaceAll(rest, ",", " ")
	rest = strings.ReplaceAll(rest, ":", " ")
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return 0, 0, 0, gcerr.NewProtocolError(line)
	}
	module, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, 0, gcerr.NewProtocolError(line)
	}
	port, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, 0, gcerr.NewProtocolError(line)
	}
	if len(fields) >= 3 {
		id, err = strconv.Atoi(fields[2])
		if err != nil {
			return 0, 0, 0, gcerr.NewProtocolError(line)
		}
	}
	return module, port, id, nil
}
