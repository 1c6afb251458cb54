package plugins

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"periph.io/x/conn/v3/physic"
)

// SynthConfig holds the synthesizer hardware configuration
type SynthConfig struct {
	SPIDevice  string        `yaml:"spi_device" json:"spi_device"`
	Bus        int           `yaml:"bus" json:"bus"`
	ChipSelect int           `yaml:"chip_select" json:"chip_select"`
	SPISpeed   uint32        `yaml:"spi_speed" json:"spi_speed"`
	SPITimeout time.Duration `yaml:"spi_timeout" json:"spi_timeout"`

	GPIO struct {
		Chip          string `yaml:"chip" json:"chip"`
		ChipEnablePin *int   `yaml:"chip_enable_pin" json:"chip_enable_pin"`
		RFEnablePin   *int   `yaml:"rf_enable_pin" json:"rf_enable_pin"`
		SwitchPinA    *int   `yaml:"sp4t_a_pin" json:"sp4t_a_pin"`
		SwitchPinB    *int   `yaml:"sp4t_b_pin" json:"sp4t_b_pin"`
		DoublerPin    *int   `yaml:"doubler_pin" json:"doubler_pin"`
		LockDetectPin *int   `yaml:"lock_detect_pin" json:"lock_detect_pin"`
		ChipSelectPin *int   `yaml:"chip_select_pin" json:"chip_select_pin"`
	} `yaml:"gpio" json:"gpio"`

	Reference struct {
		FrequencyHz uint64 `yaml:"frequency_hz" json:"frequency_hz"`
		Doubler     bool   `yaml:"doubler" json:"doubler"`
		Mult        uint32 `yaml:"mult" json:"mult"`
		PreR        uint32 `yaml:"pre_r" json:"pre_r"`
		R           uint32 `yaml:"r" json:"r"`
	} `yaml:"reference" json:"reference"`

	FrequencyHz     uint64        `yaml:"frequency_hz" json:"frequency_hz"`
	Power           *uint32       `yaml:"power" json:"power"`
	ChargePump      *uint32       `yaml:"charge_pump" json:"charge_pump"`
	ToleranceHz     float64       `yaml:"tolerance_hz" json:"tolerance_hz"`
	ExternalDoubler bool          `yaml:"external_doubler" json:"external_doubler"`
	LockTimeout     time.Duration `yaml:"lock_timeout" json:"lock_timeout"`
	RegisterImage   string        `yaml:"register_image" json:"register_image"`
	Simulate        bool          `yaml:"simulate" json:"simulate"`
}

// ApplyDefaults fills unset fields
func (c *SynthConfig) ApplyDefaults() {
	if c.SPISpeed == 0 {
		c.SPISpeed = uint32(DefaultSPISpeed / physic.Hertz)
	}
	if c.SPITimeout == 0 {
		c.SPITimeout = DefaultSPITimeout
	}
	if c.Reference.FrequencyHz == 0 {
		c.Reference.FrequencyHz = 100_000_000
	}
	if c.Reference.Mult == 0 {
		c.Reference.Mult = 1
	}
	if c.Reference.PreR == 0 {
		c.Reference.PreR = 1
	}
	if c.Reference.R == 0 {
		c.Reference.R = 1
	}
	if c.FrequencyHz == 0 {
		c.FrequencyHz = 1_000_000_000
	}
	if c.Power == nil {
		p := uint32(DefaultPower)
		c.Power = &p
	}
	if c.ChargePump == nil {
		cp := uint32(DefaultChargePump)
		c.ChargePump = &cp
	}
	if c.ToleranceHz == 0 {
		c.ToleranceHz = 1
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = DefaultLockTimeout
	}
}

func pinOrNone(pin *int) int {
	if pin == nil {
		return NoPin
	}
	return *pin
}

// SPI returns the transport settings
func (c *SynthConfig) SPI() SPIConfig {
	cfg := SPIConfig{
		Device:     c.SPIDevice,
		Bus:        c.Bus,
		ChipSelect: c.ChipSelect,
		Speed:      physic.Frequency(c.SPISpeed) * physic.Hertz,
		Timeout:    c.SPITimeout,
		CSPin:      NoPin,
	}
	if c.GPIO.ChipSelectPin != nil && c.GPIO.Chip != "" {
		cfg.CSChip = c.GPIO.Chip
		cfg.CSPin = *c.GPIO.ChipSelectPin
	}
	return cfg
}

// Lines returns the board line settings
func (c *SynthConfig) Lines() GPIOConfig {
	return GPIOConfig{
		Chip:          c.GPIO.Chip,
		ChipEnablePin: pinOrNone(c.GPIO.ChipEnablePin),
		RFEnablePin:   pinOrNone(c.GPIO.RFEnablePin),
		SwitchPins:    [2]int{pinOrNone(c.GPIO.SwitchPinA), pinOrNone(c.GPIO.SwitchPinB)},
		DoublerPin:    pinOrNone(c.GPIO.DoublerPin),
		LockDetectPin: pinOrNone(c.GPIO.LockDetectPin),
	}
}

// Params returns the configured default request
func (c *SynthConfig) Params() Params {
	p := Params{
		Frequency: physic.Frequency(c.FrequencyHz) * physic.Hertz,
		Reference: ReferenceConfig{
			Frequency: physic.Frequency(c.Reference.FrequencyHz) * physic.Hertz,
			Doubler:   c.Reference.Doubler,
			Mult:      c.Reference.Mult,
			PreR:      c.Reference.PreR,
			R:         c.Reference.R,
		},
		Tolerance:       physic.Frequency(math.Round(c.ToleranceHz * float64(physic.Hertz))),
		ExternalDoubler: c.ExternalDoubler,
		OutputEnabled:   true,
	}
	if c.Power != nil {
		p.Power = *c.Power
	}
	if c.ChargePump != nil {
		p.ChargePump = *c.ChargePump
	}
	return p
}

// HasLockDetectPin reports whether lock is read from a GPIO input
func (c *SynthConfig) HasLockDetectPin() bool {
	return c.GPIO.Chip != "" && c.GPIO.LockDetectPin != nil
}

// sessionOptions returns the options every session built from c shares
func (c *SynthConfig) sessionOptions(logger *slog.Logger) ([]SessionOption, error) {
	img := DefaultRegisterImage()
	if c.RegisterImage != "" {
		var err error
		img, err = LoadRegisterImage(c.RegisterImage)
		if err != nil {
			return nil, err
		}
	}

	return []SessionOption{
		WithImage(img),
		WithLogger(logger),
		WithLockTimeout(c.LockTimeout),
	}, nil
}

// OpenSession acquires the bus and board lines described by cfg. The
// caller must Close the session on every path.
func OpenSession(cfg SynthConfig, logger *slog.Logger, opts ...SessionOption) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	base, err := cfg.sessionOptions(logger)
	if err != nil {
		return nil, err
	}

	if cfg.Simulate {
		sim := NewSimulatedDevice(logger)
		base = append(base, WithBoard(sim))
		return NewSession(sim, append(base, opts...)...), nil
	}

	transport, err := OpenSPIDevice(cfg.SPI())
	if err != nil {
		return nil, err
	}
	logger.Debug("SPI device opened", "device", transport.DeviceInfo())

	lines := cfg.Lines()
	lines.RFEnabled = resumedOutput(opts)
	if lines.Chip != "" {
		gpio, err := NewGPIOController(lines)
		if err != nil {
			transport.Close()
			return nil, err
		}
		base = append(base, WithBoard(gpio))
		if gpio.HasLockDetect() {
			base = append(base, WithLockDetector(gpio))
		}
		logger.Debug("GPIO lines requested", "gpio", gpio.Info())
	}

	return NewSession(transport, append(base, opts...)...), nil
}

// resumedOutput reports whether opts resume a session whose RF output is on
func resumedOutput(opts []SessionOption) bool {
	var c sessionConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c.resume != nil && c.resume.status.Output
}

// OfflineSession builds a session for dry runs. It never touches the
// bus, but produces the same register maps OpenSession would.
func OfflineSession(cfg SynthConfig, logger *slog.Logger, opts ...SessionOption) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	base, err := cfg.sessionOptions(logger)
	if err != nil {
		return nil, err
	}
	if cfg.HasLockDetectPin() && !cfg.Simulate {
		base = append(base, WithLockDetector(offlineTransport{}))
	}

	return NewOfflineSession(append(base, opts...)...), nil
}

// ParseFrequency accepts "15GHz", "2.4 GHz", "15e9" and "15_000_000_000"
func ParseFrequency(s string) (physic.Frequency, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	if s == "" {
		return 0, errors.New("empty frequency")
	}

	var f physic.Frequency
	if err := f.Set(strings.ReplaceAll(s, " ", "")); err == nil {
		if f <= 0 {
			return 0, fmt.Errorf("frequency %s must be positive: %w", s, ErrOutOfRange)
		}
		return f, nil
	}

	hz, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frequency value: %s", s)
	}
	if hz <= 0 || hz > float64(math.MaxInt64/int64(physic.Hertz)) {
		return 0, &RangeError{Field: "frequency", Value: uint64(math.Max(hz, 0)), Min: 1, Max: uint64(math.MaxInt64 / int64(physic.Hertz))}
	}
	return physic.Frequency(math.Round(hz * float64(physic.Hertz))), nil
}
