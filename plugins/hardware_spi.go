package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
	"golang.org/x/sys/unix"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Transport moves bus words to and from the device
type Transport interface {
	// Transfer clocks word out in one chip-select window and returns the
	// bytes clocked in at the same time
	Transfer(ctx context.Context, word BusWord) ([]byte, error)

	// Close releases the bus. Calling it more than once is safe.
	Close() error
}

// SPI bus defaults
const (
	DefaultSPISpeed   = 10 * physic.MegaHertz
	DefaultSPITimeout = 50 * time.Millisecond
)

// SPIConfig selects the SPI bus and chip select the synthesizer sits on
type SPIConfig struct {
	Device     string           // Explicit device node, overrides Bus/ChipSelect
	Bus        int              // spidev bus index
	ChipSelect int              // spidev chip select
	Speed      physic.Frequency // SCK frequency
	Timeout    time.Duration    // Per-transfer deadline

	// Optional GPIO chip select, driven active low around each transfer.
	// The controller's own chip select is disabled when set.
	CSChip string
	CSPin  int
}

// DevicePath returns the spidev node for the config
func (c SPIConfig) DevicePath() string {
	if c.Device != "" {
		return c.Device
	}
	return fmt.Sprintf("/dev/spidev%d.%d", c.Bus, c.ChipSelect)
}

// SPIDevice is an exclusively held SPI port using periph.io
type SPIDevice struct {
	conn    spi.Conn
	port    spi.PortCloser
	lock    *os.File
	csLine  *gpiocdev.Line
	device  string
	speed   physic.Frequency
	timeout time.Duration

	busy      chan struct{}
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// OpenSPIDevice acquires exclusive access to the configured bus
func OpenSPIDevice(cfg SPIConfig) (*SPIDevice, error) {
	if cfg.Speed == 0 {
		cfg.Speed = DefaultSPISpeed
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultSPITimeout
	}
	path := cfg.DevicePath()

	lock, err := lockDevice(path)
	if err != nil {
		return nil, err
	}

	if _, err := host.Init(); err != nil {
		lock.Close()
		return nil, fmt.Errorf("failed to initialize periph.io: %w", errors.Join(ErrDeviceUnavailable, err))
	}

	port, err := spireg.Open(path)
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf("failed to open SPI device %s: %w", path, errors.Join(ErrDeviceUnavailable, err))
	}

	// LMX2820 samples on the rising edge with SCK idle low: Mode 0
	mode := spi.Mode0
	if cfg.CSChip != "" {
		mode |= spi.NoCS
	}

	conn, err := port.Connect(cfg.Speed, mode, 8)
	if err != nil {
		port.Close()
		lock.Close()
		return nil, fmt.Errorf("failed to connect to SPI device %s: %w", path, errors.Join(ErrDeviceUnavailable, err))
	}

	dev := newSPIDevice(conn, path, cfg.Speed, cfg.Timeout)
	dev.port = port
	dev.lock = lock

	if cfg.CSChip != "" {
		line, err := gpiocdev.RequestLine(cfg.CSChip, cfg.CSPin,
			gpiocdev.AsOutput(1),
			gpiocdev.WithConsumer("lmx2820-cs"))
		if err != nil {
			dev.Close()
			return nil, fmt.Errorf("failed to request chip select pin %d: %w", cfg.CSPin, errors.Join(ErrDeviceUnavailable, err))
		}
		dev.csLine = line
	}

	return dev, nil
}

func newSPIDevice(conn spi.Conn, device string, speed physic.Frequency, timeout time.Duration) *SPIDevice {
	return &SPIDevice{
		conn:    conn,
		device:  device,
		speed:   speed,
		timeout: timeout,
		busy:    make(chan struct{}, 1),
	}
}

// lockDevice takes a non-blocking exclusive flock on the device node so a
// second owner, in this process or another, is refused
func lockDevice(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("SPI device %s not found: %w", path, ErrDeviceUnavailable)
		}
		return nil, fmt.Errorf("SPI device %s not accessible: %w", path, errors.Join(ErrDeviceUnavailable, err))
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("SPI device %s is held by another owner: %w", path, ErrDeviceUnavailable)
		}
		return nil, fmt.Errorf("failed to lock SPI device %s: %w", path, errors.Join(ErrDeviceUnavailable, err))
	}

	return f, nil
}

// Transfer performs one full-duplex transfer bounded by the configured
// timeout. A timed out transfer keeps running in the driver; the device
// refuses new transfers until it has finished.
func (s *SPIDevice) Transfer(ctx context.Context, word BusWord) ([]byte, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.conn == nil {
		return nil, fmt.Errorf("SPI device %s not open: %w", s.device, ErrBusError)
	}

	select {
	case s.busy <- struct{}{}:
	default:
		return nil, fmt.Errorf("SPI device %s has a transfer in flight: %w", s.device, ErrBusError)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	tx := append([]byte(nil), word...)
	rx := make([]byte, len(tx))
	done := make(chan error, 1)

	go func() {
		defer func() { <-s.busy }()
		done <- s.tx(tx, rx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("SPI transfer failed: %w", errors.Join(ErrBusError, err))
		}
		return rx, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("SPI transfer of % X on %s: %w", tx, s.device, ErrTimeout)
	}
}

// tx frames the transfer with the GPIO chip select when one is configured
func (s *SPIDevice) tx(w, r []byte) error {
	if s.csLine != nil {
		if err := s.csLine.SetValue(0); err != nil {
			return fmt.Errorf("failed to assert chip select: %w", err)
		}
		defer s.csLine.SetValue(1)
	}
	return s.conn.Tx(w, r)
}

// Close releases the port, the chip select line and the device lock
func (s *SPIDevice) Close() error {
	var errs []error

	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.csLine != nil {
			if err := s.csLine.Close(); err != nil {
				errs = append(errs, fmt.Errorf("chip select close error: %w", err))
			}
		}
		if s.port != nil {
			if err := s.port.Close(); err != nil {
				errs = append(errs, fmt.Errorf("SPI port close error: %w", err))
			}
		}
		if s.lock != nil {
			unix.Flock(int(s.lock.Fd()), unix.LOCK_UN)
			if err := s.lock.Close(); err != nil {
				errs = append(errs, fmt.Errorf("device lock close error: %w", err))
			}
		}
	})

	return errors.Join(errs...)
}

// DeviceInfo provides information about the SPI device
func (s *SPIDevice) DeviceInfo() string {
	if !s.IsOpen() {
		return fmt.Sprintf("Device: %s (closed)", s.device)
	}
	if s.csLine != nil {
		return fmt.Sprintf("Device: %s, Speed: %s, CS: GPIO %d", s.device, s.speed, s.csLine.Offset())
	}
	return fmt.Sprintf("Device: %s, Speed: %s", s.device, s.speed)
}

// IsOpen returns true until Close has been called
func (s *SPIDevice) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}

// ValidateSPIDevice checks that the device node exists and is not held
func ValidateSPIDevice(path string) error {
	lock, err := lockDevice(path)
	if err != nil {
		return err
	}
	unix.Flock(int(lock.Fd()), unix.LOCK_UN)
	return lock.Close()
}
