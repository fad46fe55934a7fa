// Package redrat loads a RedRat IR key database (the XML export format
// produced by RedRat's KeyManager tool) into normalized SignalRecords,
// and exports the loaded dataset back out as JSON for inspection (C4).
package redrat

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gc-ir/dispatch/internal/gcerr"
	"github.com/gc-ir/dispatch/internal/gclog"
)

// MinIntraSigPauseCycles is the floor applied to the pause inserted
// between a signal's base and repeat sequences: RedRat XML sometimes
// specifies pauses shorter than the gateway's minimum inter-signal gap.
const MinIntraSigPauseCycles = 10

// SignalRecord is one IR key, normalized into carrier-cycle counts
// ready to hand to protocol.SendIR.
type SignalRecord struct {
	Name                 string
	Frequency            int
	BaseSequence         []uint32
	RepeatSequence       []uint32
	DefaultRepeats       int
	BaseSequenceMicros   int64
	RepeatSequenceMicros int64
}

// Device groups a RedRat device's keys by name.
type Device struct {
	Name string
	Keys map[string]SignalRecord
}

// Dataset is the process-wide loaded IR key database. It is safe for
// concurrent use: Load atomically replaces the device map so readers
// never observe a partially-loaded dataset.
type Dataset struct {
	log *gclog.Logger

	mu      sync.RWMutex
	devices map[string]Device
}

// NewDataset returns an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{log: gclog.New("redrat"), devices: map[string]Device{}}
}

// Lookup returns the signal for (deviceName, keyName), if loaded.
func (ds *Dataset) Lookup(deviceName, keyName string) (SignalRecord, bool) {
	if deviceName == "" || keyName == "" {
		return SignalRecord{}, false
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	dev, ok := ds.devices[deviceName]
	if !ok {
		return SignalRecord{}, false
	}
	rec, ok := dev.Keys[keyName]
	return rec, ok
}

// Health is the dataset's irdb_health()-equivalent summary.
type Health struct {
	DatasetLoaded bool
	IRDevices     []string
}

func (ds *Dataset) HealthSnapshot() Health {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	names := make([]string, 0, len(ds.devices))
	for n := range ds.devices {
		names = append(names, n)
	}
	sort.Strings(names)
	return Health{DatasetLoaded: len(ds.devices) > 0, IRDevices: names}
}

// --- XML shape, per RedRat KeyManager's AVDeviceDB export ---

type rawDB struct {
	XMLName    xml.Name `xml:"AVDeviceDB"`
	AVDevices  struct {
		AVDevice []rawAVDevice `xml:"AVDevice"`
	} `xml:"AVDevices"`
}

type rawAVDevice struct {
	DeviceName string `xml:"DeviceName"`
	Signals    struct {
		IRPacket []rawIRPacket `xml:"IRPacket"`
	} `xml:"Signals"`
}

type rawIRPacket struct {
	Type           string `xml:"type,attr"`
	Name           string `xml:"Name"`
	ModulationFreq string `xml:"ModulationFreq"`
	NoRepeats      string `xml:"NoRepeats"`
	RRNoRepeats    string `xml:"RRNoRepeats"`
	IntraSigPause  string `xml:"IntraSigPause"`
	SigData        string `xml:"SigData"`
	Lengths        struct {
		Double []string `xml:"double"`
	} `xml:"Lengths"`
}

// Load parses a RedRat KeyManager XML export and atomically replaces
// the dataset. A key is skipped (not an error) when it is a
// DoubleSignal or carries no Lengths table, matching the upstream
// loader; any other malformed field is an error that aborts the whole
// load (the prior dataset is left in place).
func (ds *Dataset) Load(r io.Reader) error {
	var doc rawDB
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", gcerr.ErrDatasetLoad, err)
	}

	devices := make(map[string]Device, len(doc.AVDevices.AVDevice))
	for _, av := range doc.AVDevices.AVDevice {
		if av.DeviceName == "" {
			continue
		}
		keys := map[string]SignalRecord{}
		for _, pkt := range av.Signals.IRPacket {
			if pkt.Type == "DoubleSignal" {
				ds.log.Printf("skipping DoubleSignal key %q/%q (unsupported)", av.DeviceName, pkt.Name)
				continue
			}
			if len(pkt.Lengths.Double) == 0 {
				continue
			}
			rec, err := parseSignal(pkt)
			if err != nil {
				return fmt.Errorf("%w: device %q key %q: %v", gcerr.ErrDatasetLoad, av.DeviceName, pkt.Name, err)
			}
			keys[pkt.Name] = rec
		}
		devices[av.DeviceName] = Device{Name: av.DeviceName, Keys: keys}
	}

	ds.mu.Lock()
	ds.devices = devices
	ds.mu.Unlock()
	return nil
}

func parseSignal(pkt rawIRPacket) (SignalRecord, error) {
	lengths, err := parseFloats(pkt.Lengths.Double)
	if err != nil {
		return SignalRecord{}, fmt.Errorf("Lengths: %w", err)
	}

	sigData, err := base64.StdEncoding.DecodeString(strings.TrimSpace(pkt.SigData))
	if err != nil {
		return SignalRecord{}, fmt.Errorf("SigData base64: %w", err)
	}
	parts := bytes.SplitN(sigData, []byte{0x7f}, 3)
	if len(parts) < 2 {
		return SignalRecord{}, fmt.Errorf("SigData: expected base/repeat sections separated by 0x7f")
	}
	baseIdx, repeatIdx := parts[0], parts[1]

	freqF, err := strconv.ParseFloat(strings.TrimSpace(pkt.ModulationFreq), 64)
	if err != nil {
		return SignalRecord{}, fmt.Errorf("ModulationFreq: %w", err)
	}
	freq := int(math.Round(freqF))
	if freq <= 0 {
		return SignalRecord{}, fmt.Errorf("ModulationFreq must be positive, got %d", freq)
	}

	baseTime, err := resolveLengths(baseIdx, lengths)
	if err != nil {
		return SignalRecord{}, fmt.Errorf("base section: %w", err)
	}
	repeatTime, err := resolveLengths(repeatIdx, lengths)
	if err != nil {
		return SignalRecord{}, fmt.Errorf("repeat section: %w", err)
	}

	baseSeq := cleanSequence(scaleToCycles(baseTime, freq))
	repeatSeq := cleanSequence(scaleToCycles(repeatTime, freq))

	intraSigPauseF, err := strconv.ParseFloat(strings.TrimSpace(pkt.IntraSigPause), 64)
	if err != nil {
		return SignalRecord{}, fmt.Errorf("IntraSigPause: %w", err)
	}
	intraSigPause := int(math.Round(intraSigPauseF * float64(freq) / 1000))
	if intraSigPause < MinIntraSigPauseCycles {
		intraSigPause = MinIntraSigPauseCycles
	}
	baseSeq = append(baseSeq, uint32(intraSigPause))
	if len(repeatSeq) > 0 {
		repeatSeq = append(repeatSeq, uint32(intraSigPause))
	}
	if len(baseSeq)%2 != 0 {
		return SignalRecord{}, fmt.Errorf("base sequence has odd length %d", len(baseSeq))
	}
	if len(repeatSeq)%2 != 0 {
		return SignalRecord{}, fmt.Errorf("repeat sequence has odd length %d", len(repeatSeq))
	}

	noRepeatsStr := strings.TrimSpace(pkt.NoRepeats)
	if noRepeatsStr == "" {
		// Older RedRat exports recorded this as RRNoRepeats; use it as
		// the source of DefaultRepeats when NoRepeats is absent.
		noRepeatsStr = strings.TrimSpace(pkt.RRNoRepeats)
	}
	defaultRepeats, err := strconv.Atoi(noRepeatsStr)
	if err != nil {
		return SignalRecord{}, fmt.Errorf("NoRepeats: %w", err)
	}

	return SignalRecord{
		Name:                 pkt.Name,
		Frequency:            freq,
		BaseSequence:         baseSeq,
		RepeatSequence:       repeatSeq,
		DefaultRepeats:       defaultRepeats,
		BaseSequenceMicros:   sumMicros(baseSeq, freq),
		RepeatSequenceMicros: sumMicros(repeatSeq, freq),
	}, nil
}

func parseFloats(ss []string) ([]float64, error) {
	out := make([]float64, len(ss))
	for i, s := range ss {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// resolveLengths maps each raw byte of a SigData section to the
// length table entry it indexes.
func resolveLengths(idx []byte, lengths []float64) ([]float64, error) {
	out := make([]float64, len(idx))
	for i, b := range idx {
		if int(b) >= len(lengths) {
			return nil, fmt.Errorf("length index %d out of range (table has %d entries)", b, len(lengths))
		}
		out[i] = lengths[b]
	}
	return out, nil
}

// scaleToCycles converts millisecond durations to carrier cycles at freq.
func scaleToCycles(times []float64, freq int) []float64 {
	out := make([]float64, len(times))
	for i, v := range times {
		out[i] = v * float64(freq) / 1000
	}
	return out
}

// cleanSequence rounds each pulse/space pair to whole carrier cycles,
// carrying the pulse's rounding remainder into its paired space so the
// pair's total duration is preserved.
func cleanSequence(seq []float64) []uint32 {
	var result []uint32
	for i := 0; i < len(seq); i += 2 {
		pulse := seq[i]
		rounded := math.Round(pulse)
		remainder := pulse - rounded
		result = append(result, uint32(rounded))
		if i+1 < len(seq) {
			result = append(result, uint32(math.Round(seq[i+1]+remainder)))
		}
	}
	return result
}

func sumMicros(seq []uint32, freq int) int64 {
	var total float64
	for _, v := range seq {
		total += float64(v) / float64(freq) * 1_000_000
	}
	return int64(math.Round(total))
}

// --- JSON export ---
//
// BaseSequence and RepeatSequence are large integer arrays that read
// far better as a single compact line than spread across one element
// per line by json.MarshalIndent. We render the rest of the document
// indented and splice in those two arrays compact, the same shape
// produced by the original dataset's NoIndent-wrapped exporter.

const noIndentPlaceholder = "@@NOINDENT:%d@@"

type jsonSignalKey struct {
	Name                 string `json:"Name"`
	Frequency            int    `json:"Frequency"`
	DefaultRepeats       int    `json:"DefaultRepeats"`
	BaseSequenceMicros   int64  `json:"BaseSequenceMicros"`
	RepeatSequenceMicros int64  `json:"RepeatSequenceMicros"`
	BaseSequence         string `json:"BaseSequence"`
	RepeatSequence       string `json:"RepeatSequence"`
}

type jsonDevice struct {
	DeviceName string          `json:"DeviceName"`
	DeviceKeys []jsonSignalKey `json:"DeviceKeys"`
}

// ExportJSON renders the loaded dataset as JSON, sorted by device name
// then key name for deterministic output.
func (ds *Dataset) ExportJSON() ([]byte, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	var replacements []string
	placeholder := func(xs []uint32) string {
		idx := len(replacements)
		replacements = append(replacements, compactIntArray(xs))
		return fmt.Sprintf(noIndentPlaceholder, idx)
	}

	deviceNames := make([]string, 0, len(ds.devices))
	for n := range ds.devices {
		deviceNames = append(deviceNames, n)
	}
	sort.Strings(deviceNames)

	out := make([]jsonDevice, 0, len(deviceNames))
	for _, dn := range deviceNames {
		dev := ds.devices[dn]
		keyNames := make([]string, 0, len(dev.Keys))
		for k := range dev.Keys {
			keyNames = append(keyNames, k)
		}
		sort.Strings(keyNames)

		keys := make([]jsonSignalKey, 0, len(keyNames))
		for _, kn := range keyNames {
			k := dev.Keys[kn]
			keys = append(keys, jsonSignalKey{
				Name:                 k.Name,
				Frequency:            k.Frequency,
				DefaultRepeats:       k.DefaultRepeats,
				BaseSequenceMicros:   k.BaseSequenceMicros,
				RepeatSequenceMicros: k.RepeatSequenceMicros,
				BaseSequence:         placeholder(k.BaseSequence),
				RepeatSequence:       placeholder(k.RepeatSequence),
			})
		}
		out = append(out, jsonDevice{DeviceName: dn, DeviceKeys: keys})
	}

	buf, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	result := string(buf)
	for idx, compact := range replacements {
		quoted := `"` + fmt.Sprintf(noIndentPlaceholder, idx) + `"`
		result = strings.Replace(result, quoted, compact, 1)
	}
	return []byte(result), nil
}

func compactIntArray(xs []uint32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range xs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	}
	b.WriteByte(']')
	return b.String()
}
