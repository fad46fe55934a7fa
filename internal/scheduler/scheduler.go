// Package scheduler turns an explicit repeat count or a wall-clock
// duration into one or a chain of sendir invocations on an IR port,
// bounded by the port's maximum repeat count (C5).
package scheduler

import (
	"fmt"
	"math"
	"time"

	"github.com/gc-ir/dispatch/internal/gcdevice"
	"github.com/gc-ir/dispatch/internal/gcerr"
	"github.com/gc-ir/dispatch/internal/redrat"
)

// Timing is the request/response timestamp pair of the final wire
// sendir issued by a SendIRSignal call. In continuous-repeat mode,
// every chained fire-and-forget transmission before it is
// superseded — only the last (wait_for_response=true) transmission's
// timing is meaningful, matching the upstream dispatcher which
// overwrites its timing side-channel on every sendir call.
type Timing struct {
	RequestTime  time.Time
	ResponseTime time.Time
}

// DeriveMicros returns a defensive copy of sig with BaseSequenceMicros,
// RepeatSequenceMicros and DefaultRepeats computed from Frequency and
// the two sequences, when sig did not already carry them (the Go
// zero value standing in for "absent", since a SignalRecord resolved
// from the loaded IR key database always has all three populated).
// Called twice on the same signal, the second call is a no-op.
func DeriveMicros(sig redrat.SignalRecord) redrat.SignalRecord {
	if sig.BaseSequenceMicros != 0 || sig.RepeatSequenceMicros != 0 || sig.DefaultRepeats != 0 {
		return sig
	}
	out := sig
	periodMicros := 1_000_000 / float64(sig.Frequency)
	out.BaseSequenceMicros = int64(math.Round(sumCycles(sig.BaseSequence) * periodMicros))
	out.RepeatSequenceMicros = int64(math.Round(sumCycles(sig.RepeatSequence) * periodMicros))
	out.DefaultRepeats = 1
	return out
}

func sumCycles(xs []uint32) float64 {
	var total float64
	for _, v := range xs {
		total += float64(v)
	}
	return total
}

// SendIRSignal implements send_ir_signal: translate an explicit repeat
// count or a duration into sendir transmissions on port. Exactly one
// of repeats/durationMs may be non-nil; if both are nil, repeats
// defaults to signal.DefaultRepeats. The caller must hold port's lock
// for the whole call.
func SendIRSignal(port *gcdevice.IRPort, signal redrat.SignalRecord, id int, repeats *int, durationMs *int64) (Timing, error) {
	if repeats != nil && durationMs != nil {
		return Timing{}, gcerr.ErrInvalidArguments
	}
	if durationMs != nil {
		return sendDuration(port, signal, id, float64(*durationMs)/1000, true)
	}
	r := signal.DefaultRepeats
	if repeats != nil {
		r = *repeats
	}
	return sendRepeats(port, signal, id, r, true)
}

// sendRepeats implements Mode A: an explicit repeat count.
func sendRepeats(port *gcdevice.IRPort, signal redrat.SignalRecord, id, repeat int, waitForResponse bool) (Timing, error) {
	max := port.MaxRepeats()
	switch {
	case repeat == 0:
		return fireSendIR(port, id, signal.Frequency, 1, 1, copySequence(signal.BaseSequence), waitForResponse)
	case repeat <= max:
		durations := concatSequences(signal.BaseSequence, signal.RepeatSequence)
		offset := len(signal.BaseSequence) + 1
		return fireSendIR(port, id, signal.Frequency, repeat, offset, durations, waitForResponse)
	default:
		seconds := float64(signal.BaseSequenceMicros+int64(repeat)*signal.RepeatSequenceMicros) / 1_000_000
		return sendDuration(port, signal, id, seconds, false)
	}
}

// sendDuration implements Mode B: a wall-clock duration, expanding
// into a continuous-repeat chain when it exceeds what one sendir's
// max repeat count can hold.
//
// duration<=0 sends nothing (spec's stated boundary for this case),
// resolving in the caller's favor the original implementation's
// equivalent branch, which clamps the computed repeat count to 0
// before ever testing it for negativity and so never actually takes
// that path — see DESIGN.md.
func sendDuration(port *gcdevice.IRPort, signal redrat.SignalRecord, id int, seconds float64, checkMaxRepeats bool) (Timing, error) {
	if seconds <= 0 {
		return Timing{}, nil
	}
	max := port.MaxRepeats()
	baseMicros := float64(signal.BaseSequenceMicros)
	repeatMicros := float64(signal.RepeatSequenceMicros)
	maxChunkSeconds := (baseMicros + float64(max)*repeatMicros) / 1_000_000
	if maxChunkSeconds <= 0.5 {
		return Timing{}, fmt.Errorf("scheduler: repeat sequence too short for continuous mode (%.3fs)", maxChunkSeconds)
	}

	deadline := time.Now().Add(durationFromSeconds(seconds))
	remaining := time.Until(deadline).Seconds()
	// The -0.05 keeps a press that's only 5% into its next repeat from
	// rounding up an extra one.
	repeat := int(math.Ceil(-0.05 + (1_000_000*remaining-baseMicros)/repeatMicros))
	if repeat < 0 {
		repeat = 0
	}
	if checkMaxRepeats && repeat <= max {
		return sendRepeats(port, signal, id, repeat, true)
	}

	// Continuous-repeat chain: every fire-and-forget transmission uses
	// identical parameters and the same id so the hardware treats them
	// as one uninterrupted press. Extend the deadline empirically to
	// compensate for the trailing repeat the hardware needs.
	deadline = deadline.Add(time.Duration(1.9 * repeatMicros * float64(time.Microsecond)))
	for {
		if _, err := sendRepeats(port, signal, id, max, false); err != nil {
			return Timing{}, err
		}
		remaining := time.Until(deadline).Seconds()
		if remaining <= 1.5*maxChunkSeconds {
			sleepUntil := deadline.Add(-durationFromSeconds(maxChunkSeconds))
			if d := time.Until(sleepUntil); d > 0 {
				time.Sleep(d)
			}
			return sendRepeats(port, signal, id, max, true)
		}
		time.Sleep(durationFromSeconds(maxChunkSeconds / 4))
	}
}

func fireSendIR(port *gcdevice.IRPort, id, freq, repeat, offset int, durations []uint32, waitForResponse bool) (Timing, error) {
	start := time.Now().UTC()
	err := port.SendIR(id, freq, repeat, offset, durations, waitForResponse)
	end := time.Now().UTC()
	return Timing{RequestTime: start, ResponseTime: end}, err
}

func copySequence(xs []uint32) []uint32 {
	return append([]uint32(nil), xs...)
}

func concatSequences(a, b []uint32) []uint32 {
	out := make([]uint32, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
