package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SimulatedDevice is an in-memory LMX2820 and board. It implements
// Transport and Board so a Session can run the full sequence without
// hardware.
type SimulatedDevice struct {
	// LockAfterPolls is the number of rb_LD reads after a calibration
	// before lock is reported
	LockAfterPolls int
	// NeverLock keeps rb_LD unlocked
	NeverLock bool
	// FailTransfer makes the n-th transfer (1-based) fail with a bus error
	FailTransfer int
	// Delay is added to every transfer
	Delay time.Duration

	mu        sync.Mutex
	regs      map[uint8]uint16
	writes    []Register
	transfers int
	polls     int
	closed    bool
	logger    *slog.Logger

	Powered    bool
	RFEnabled  bool
	Position   int
	Doubler    bool
	ResetCount int
}

// NewSimulatedDevice returns a powered, unlocked device
func NewSimulatedDevice(logger *slog.Logger) *SimulatedDevice {
	if logger == nil {
		logger = slog.Default()
	}
	return &SimulatedDevice{
		regs:    make(map[uint8]uint16),
		logger:  logger,
		Powered: true,
	}
}

// Transfer implements Transport
func (d *SimulatedDevice) Transfer(ctx context.Context, word BusWord) ([]byte, error) {
	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("simulated transfer of % X: %w", []byte(word), ErrTimeout)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("simulated device closed: %w", ErrBusError)
	}
	d.transfers++
	if d.FailTransfer > 0 && d.transfers == d.FailTransfer {
		return nil, fmt.Errorf("simulated fault on transfer %d: %w", d.transfers, ErrBusError)
	}
	if len(word) != BusWordLen {
		return nil, fmt.Errorf("simulated device got %d byte word: %w", len(word), ErrBusError)
	}

	if word[0]&readFlag != 0 {
		addr := word[0] & addrMask
		value := d.regs[addr]
		if addr == RegReadLD {
			value = d.lockDetectLocked()
		}
		d.logger.Debug("[SPI SIM] READ", "address", fmt.Sprintf("R%d", addr), "value", fmt.Sprintf("0x%04X", value))
		return []byte{0x00, byte(value >> 8), byte(value)}, nil
	}

	reg, err := Decode(word)
	if err != nil {
		return nil, fmt.Errorf("simulated device: %w", err)
	}
	// CE low: the serial interface is unpowered and nothing latches
	if !d.Powered {
		d.logger.Debug("[SPI SIM] WRITE ignored, chip disabled", "address", fmt.Sprintf("R%d", reg.Address))
		return []byte{0x00, 0x00, 0x00}, nil
	}
	d.regs[reg.Address] = reg.Value
	d.writes = append(d.writes, reg)

	// A write with FCAL_EN set restarts VCO calibration and drops lock
	if reg.Address == RegR0 && FieldFcalEn.Get(reg.Value) == 1 {
		d.polls = 0
	}
	if reg.Address == RegR0 && FieldReset.Get(reg.Value) == 1 {
		d.regs = map[uint8]uint16{RegR0: reg.Value}
		d.polls = 0
	}

	d.logger.Debug("[SPI SIM] WRITE", "address", fmt.Sprintf("R%d", reg.Address), "value", fmt.Sprintf("0x%04X", reg.Value))
	return []byte{0x00, 0x00, 0x00}, nil
}

func (d *SimulatedDevice) lockDetectLocked() uint16 {
	d.polls++
	if d.NeverLock || !d.Powered || d.polls <= d.LockAfterPolls {
		value, _ := FieldReadLD.Set(0, LockDetectUnlockedLow)
		return value
	}
	value, _ := FieldReadLD.Set(0, LockDetectLocked)
	return value
}

// Writes returns the registers written so far, in order
func (d *SimulatedDevice) Writes() []Register {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Register(nil), d.writes...)
}

// Transfers returns the number of transfers attempted
func (d *SimulatedDevice) Transfers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transfers
}

// Registers returns the device's current register contents
func (d *SimulatedDevice) Registers() *RegisterImage {
	d.mu.Lock()
	defer d.mu.Unlock()
	img := NewRegisterImage()
	for addr, value := range d.regs {
		img.Set(addr, value)
	}
	return img
}

// Close implements Transport and Board
func (d *SimulatedDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// PowerEnable implements Board
func (d *SimulatedDevice) PowerEnable(enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !enable {
		d.regs = make(map[uint8]uint16)
		d.polls = 0
	}
	d.Powered = enable
	d.logger.Debug("[GPIO SIM] POWER", "on", enable)
	return nil
}

// ResetPulse implements Board
func (d *SimulatedDevice) ResetPulse() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ResetCount++
	d.Powered = true
	d.regs = make(map[uint8]uint16)
	d.polls = 0
	d.logger.Debug("[GPIO SIM] RESET pulse")
	return nil
}

// RFEnable implements Board
func (d *SimulatedDevice) RFEnable(enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.RFEnabled = enable
	d.logger.Debug("[GPIO SIM] RF", "enabled", enable)
	return nil
}

// SelectBand implements Board
func (d *SimulatedDevice) SelectBand(position int, externalDoubler bool) error {
	if position < 0 || position > 3 {
		return &RangeError{Field: "SP4T position", Value: uint64(position), Max: 3}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Position = position
	d.Doubler = externalDoubler
	d.logger.Debug("[GPIO SIM] SP4T", "position", position, "external_doubler", externalDoubler)
	return nil
}
