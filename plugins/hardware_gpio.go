package plugins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// Board controls the signal generator's discrete lines around the LMX2820
type Board interface {
	PowerEnable(enable bool) error
	ResetPulse() error
	RFEnable(enable bool) error
	SelectBand(position int, externalDoubler bool) error
	Close() error
}

// LockDetector reports whether the PLL is locked
type LockDetector interface {
	Locked(ctx context.Context) (bool, error)
}

// NoPin marks a board line as not fitted
const NoPin = -1

// Chip enable timing: CE low for at least 10 ms, then allow the LDOs to settle
const (
	resetLowTime    = 10 * time.Millisecond
	resetSettleTime = 5 * time.Millisecond
)

// GPIOConfig lists the board's line offsets; NoPin disables a line
type GPIOConfig struct {
	Chip          string
	ChipEnablePin int
	RFEnablePin   int
	SwitchPins    [2]int // SP4T select, LSB first
	DoublerPin    int
	LockDetectPin int
	// RFEnabled is the level the RF enable line is requested at, so a
	// reopened controller keeps a running output on
	RFEnabled bool
}

// DisabledGPIO returns a config with every line disabled
func DisabledGPIO() GPIOConfig {
	return GPIOConfig{
		ChipEnablePin: NoPin,
		RFEnablePin:   NoPin,
		SwitchPins:    [2]int{NoPin, NoPin},
		DoublerPin:    NoPin,
		LockDetectPin: NoPin,
	}
}

// GPIOController manages the board lines through the GPIO character device
type GPIOController struct {
	chip      *gpiocdev.Chip
	chipPath  string
	ceLine    *gpiocdev.Line
	rfLine    *gpiocdev.Line
	swLines   [2]*gpiocdev.Line
	dblLine   *gpiocdev.Line
	lockLine  *gpiocdev.Line
	cfg       GPIOConfig
	sleep     func(time.Duration)
	linesOpen []*gpiocdev.Line
}

// NewGPIOController requests every fitted line. Chip enable starts high so
// the synthesizer keeps its programming, RF enable starts at cfg.RFEnabled
// and the remaining outputs start low.
func NewGPIOController(cfg GPIOConfig) (*GPIOController, error) {
	chip, err := gpiocdev.NewChip(cfg.Chip)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %s: %w", cfg.Chip, errors.Join(ErrDeviceUnavailable, err))
	}

	g := &GPIOController{
		chip:     chip,
		chipPath: cfg.Chip,
		cfg:      cfg,
		sleep:    time.Sleep,
	}

	request := func(pin int, consumer string, opt gpiocdev.LineReqOption) (*gpiocdev.Line, error) {
		if pin == NoPin {
			return nil, nil
		}
		line, err := chip.RequestLine(pin, opt, gpiocdev.WithConsumer(consumer))
		if err != nil {
			return nil, fmt.Errorf("failed to request %s pin %d: %w", consumer, pin, errors.Join(ErrDeviceUnavailable, err))
		}
		g.linesOpen = append(g.linesOpen, line)
		return line, nil
	}

	steps := []struct {
		dst      **gpiocdev.Line
		pin      int
		consumer string
		opt      gpiocdev.LineReqOption
	}{
		{&g.ceLine, cfg.ChipEnablePin, "lmx2820-ce", gpiocdev.AsOutput(1)},
		{&g.rfLine, cfg.RFEnablePin, "lmx2820-rf-en", gpiocdev.AsOutput(lineLevel(cfg.RFEnabled))},
		{&g.swLines[0], cfg.SwitchPins[0], "lmx2820-sp4t-a", gpiocdev.AsOutput(0)},
		{&g.swLines[1], cfg.SwitchPins[1], "lmx2820-sp4t-b", gpiocdev.AsOutput(0)},
		{&g.dblLine, cfg.DoublerPin, "lmx2820-doubler", gpiocdev.AsOutput(0)},
		{&g.lockLine, cfg.LockDetectPin, "lmx2820-ld", gpiocdev.AsInput},
	}
	for _, s := range steps {
		line, err := request(s.pin, s.consumer, s.opt)
		if err != nil {
			g.Close()
			return nil, err
		}
		*s.dst = line
	}

	return g, nil
}

// Close releases all GPIO resources
func (g *GPIOController) Close() error {
	var errs []error

	for _, line := range g.linesOpen {
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close line %d: %w", line.Offset(), err))
		}
	}
	g.linesOpen = nil

	if g.chip != nil {
		if err := g.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close GPIO chip: %w", err))
		}
		g.chip = nil
	}

	return errors.Join(errs...)
}

func lineLevel(high bool) int {
	if high {
		return 1
	}
	return 0
}

func setLine(line *gpiocdev.Line, name string, high bool) error {
	if line == nil {
		return nil
	}
	if err := line.SetValue(lineLevel(high)); err != nil {
		return fmt.Errorf("failed to set %s to %v: %w", name, high, errors.Join(ErrBusError, err))
	}
	return nil
}

// PowerEnable drives the chip enable line
func (g *GPIOController) PowerEnable(enable bool) error {
	return setLine(g.ceLine, "chip enable", enable)
}

// ResetPulse power cycles the synthesizer through chip enable
func (g *GPIOController) ResetPulse() error {
	if g.ceLine == nil {
		return nil
	}
	if err := g.PowerEnable(false); err != nil {
		return err
	}
	g.sleep(resetLowTime)
	if err := g.PowerEnable(true); err != nil {
		return err
	}
	g.sleep(resetSettleTime)
	return nil
}

// RFEnable drives the RF output enable line
func (g *GPIOController) RFEnable(enable bool) error {
	return setLine(g.rfLine, "RF enable", enable)
}

// SelectBand sets the SP4T switch and the external doubler
func (g *GPIOController) SelectBand(position int, externalDoubler bool) error {
	if position < 0 || position > 3 {
		return &RangeError{Field: "SP4T position", Value: uint64(position), Max: 3}
	}
	if err := setLine(g.swLines[0], "SP4T select A", position&0x1 != 0); err != nil {
		return err
	}
	if err := setLine(g.swLines[1], "SP4T select B", position&0x2 != 0); err != nil {
		return err
	}
	return setLine(g.dblLine, "external doubler", externalDoubler)
}

// HasLockDetect reports whether a lock-detect input is fitted
func (g *GPIOController) HasLockDetect() bool {
	return g.lockLine != nil
}

// Locked reads the MUXOUT lock-detect input
func (g *GPIOController) Locked(ctx context.Context) (bool, error) {
	if g.lockLine == nil {
		return false, fmt.Errorf("lock detect line not configured: %w", ErrDeviceUnavailable)
	}
	value, err := g.lockLine.Value()
	if err != nil {
		return false, fmt.Errorf("failed to read lock detect: %w", errors.Join(ErrBusError, err))
	}
	return value == 1, nil
}

// Info returns information about the GPIO controller
func (g *GPIOController) Info() string {
	if g.chip == nil {
		return fmt.Sprintf("GPIO: %s (closed)", g.chipPath)
	}

	return fmt.Sprintf("GPIO: %s (%s, %s), CE: %d, RF EN: %d, SP4T: %d/%d, Doubler: %d, LD: %d",
		g.chipPath, g.chip.Name, g.chip.Label,
		g.cfg.ChipEnablePin, g.cfg.RFEnablePin, g.cfg.SwitchPins[0], g.cfg.SwitchPins[1],
		g.cfg.DoublerPin, g.cfg.LockDetectPin)
}

// ValidateGPIOChip checks if the GPIO chip exists and is accessible
func ValidateGPIOChip(chipPath string) error {
	chip, err := gpiocdev.NewChip(chipPath)
	if err != nil {
		return fmt.Errorf("cannot access GPIO chip %s: %w", chipPath, errors.Join(ErrDeviceUnavailable, err))
	}
	defer chip.Close()

	if chip.Name == "" {
		return fmt.Errorf("GPIO chip %s has invalid name: %w", chipPath, ErrDeviceUnavailable)
	}

	return nil
}

// noBoard is used when no GPIO chip is configured
type noBoard struct{}

func (noBoard) PowerEnable(bool) error     { return nil }
func (noBoard) ResetPulse() error          { return nil }
func (noBoard) RFEnable(bool) error        { return nil }
func (noBoard) SelectBand(int, bool) error { return nil }
func (noBoard) Close() error               { return nil }
