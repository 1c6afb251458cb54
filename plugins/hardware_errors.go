package plugins

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the synthesizer stack. Every failure returned by the
// transport, codec or session wraps exactly one of these.
var (
	ErrDeviceUnavailable    = errors.New("device unavailable")
	ErrBusError             = errors.New("bus error")
	ErrTimeout              = errors.New("timeout")
	ErrOutOfRange           = errors.New("out of range")
	ErrMalformedWord        = errors.New("malformed word")
	ErrUnsupportedFrequency = errors.New("unsupported frequency")
	ErrLockTimeout          = errors.New("lock timeout")
)

// Exit codes used by the CLI, one per error kind
const (
	ExitOK                   = 0
	ExitFailure              = 1
	ExitUsage                = 2
	ExitDeviceUnavailable    = 3
	ExitBusError             = 4
	ExitTimeout              = 5
	ExitOutOfRange           = 6
	ExitMalformedWord        = 7
	ExitUnsupportedFrequency = 8
	ExitLockTimeout          = 9
)

var errorKinds = []struct {
	err    error
	code   int
	status int
	name   string
}{
	{ErrDeviceUnavailable, ExitDeviceUnavailable, 503, "device_unavailable"},
	{ErrBusError, ExitBusError, 502, "bus_error"},
	{ErrTimeout, ExitTimeout, 504, "timeout"},
	{ErrOutOfRange, ExitOutOfRange, 400, "out_of_range"},
	{ErrMalformedWord, ExitMalformedWord, 502, "malformed_word"},
	{ErrUnsupportedFrequency, ExitUnsupportedFrequency, 422, "unsupported_frequency"},
	{ErrLockTimeout, ExitLockTimeout, 504, "lock_timeout"},
}

// ExitCode maps an error to the process exit code for its kind
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return ExitFailure
}

// ErrorKind returns a short identifier for the error kind, or "internal"
func ErrorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

// httpStatus maps an error to the HTTP status used by the synth API
func httpStatus(err error) int {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return 500
}

// RangeError reports a parameter or register field outside its allowed range.
type RangeError struct {
	Field string
	Value uint64
	Min   uint64
	Max   uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s %d is out of range: valid range is %d-%d", e.Field, e.Value, e.Min, e.Max)
}

func (e *RangeError) Unwrap() error { return ErrOutOfRange }

// WordError reports a bus word that cannot be decoded.
type WordError struct {
	Word   []byte
	Reason string
}

func (e *WordError) Error() string {
	return fmt.Sprintf("malformed bus word % X: %s", e.Word, e.Reason)
}

func (e *WordError) Unwrap() error { return ErrMalformedWord }

// FrequencyError reports a target frequency that cannot be synthesized.
type FrequencyError struct {
	Frequency uint64 // Hz
	Reason    string
}

func (e *FrequencyError) Error() string {
	return fmt.Sprintf("cannot synthesize %d Hz: %s", e.Frequency, e.Reason)
}

func (e *FrequencyError) Unwrap() error { return ErrUnsupportedFrequency }
