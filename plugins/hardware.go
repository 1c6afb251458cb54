package plugins

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"
)

// SynthPlugin provides LMX2820 synthesizer control
// Uses transient connections - acquires and releases the bus for each operation
type SynthPlugin struct {
	config SynthConfig
	logger *slog.Logger

	// mu serializes device access and guards the state carried
	// between transient sessions
	mu     sync.Mutex
	shadow *RegisterImage
	status Status

	// sim is shared across requests in simulate mode so register
	// contents survive between sessions
	sim *SimulatedDevice

	events         *eventHub
	tokenValidator TokenValidator
}

// NewSynthPlugin creates a new synth plugin instance
func NewSynthPlugin(cfg SynthConfig, logger *slog.Logger) (*SynthPlugin, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ApplyDefaults()

	// Catch a bad register image at startup rather than on first use
	if _, err := cfg.sessionOptions(logger); err != nil {
		return nil, err
	}

	logger.Info("Synth plugin initializing",
		"spi_device", cfg.SPI().DevicePath(),
		"spi_speed", cfg.SPISpeed,
		"gpio_chip", cfg.GPIO.Chip,
		"reference_hz", cfg.Reference.FrequencyHz,
		"simulate", cfg.Simulate)

	p := &SynthPlugin{
		config: cfg,
		logger: logger,
		status: Status{State: StateIdle},
		events: newEventHub(),
	}
	if cfg.Simulate {
		p.sim = NewSimulatedDevice(logger)
	}
	return p, nil
}

// Name returns the plugin identifier
func (p *SynthPlugin) Name() string {
	return "synth"
}

// SetTokenValidator sets the token validation function
func (p *SynthPlugin) SetTokenValidator(validator TokenValidator) {
	p.tokenValidator = validator
}

// RegisterRoutes adds the plugin's HTTP routes
func (p *SynthPlugin) RegisterRoutes(app *fiber.App) {
	api := app.Group("/api/synth")

	// Device control endpoints
	api.Post("/configure", p.handleConfigure)
	api.Post("/plan", p.handlePlan)
	api.Post("/reset", p.handleReset)
	api.Post("/output", p.handleOutput)
	api.Get("/status", p.handleStatus)
	api.Get("/lock", p.handleLock)
	api.Get("/info", p.handleInfo)

	// Register access endpoints
	api.Get("/register/:addr", p.handleReadRegister)
	api.Post("/register/:addr", p.handleWriteRegister)
	api.Get("/registers", p.handleRegisters)
	api.Post("/registers/burst", p.handleBurstWrite)

	// State change stream
	api.Use("/events", p.upgradeEvents)
	api.Get("/events", websocket.New(p.handleEvents))

	p.logger.Info("Synth plugin routes registered")
}

// Shutdown performs cleanup
func (p *SynthPlugin) Shutdown() error {
	p.events.close()
	return nil
}

// openSession creates a temporary session for an operation
func (p *SynthPlugin) openSession(opts ...SessionOption) (*Session, error) {
	if p.sim == nil {
		return OpenSession(p.config, p.logger, opts...)
	}

	base, err := p.config.sessionOptions(p.logger)
	if err != nil {
		return nil, err
	}
	dev := sharedDevice{p.sim}
	base = append(base, WithBoard(dev))
	return NewSession(dev, append(base, opts...)...), nil
}

// withSession executes a function with a temporary session. The shadow
// image and status are carried over to the next session.
func (p *SynthPlugin) withSession(fn func(*Session) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.openSession(WithResume(p.shadow, p.status), WithObserver(p.events.publish))
	if err != nil {
		return err
	}
	defer func() {
		p.shadow = s.Shadow()
		p.status = s.Status()
		if err := s.Close(); err != nil {
			p.logger.Warn("Failed to release synthesizer", "error", err)
		}
	}()

	return fn(s)
}

func (p *SynthPlugin) snapshot() (*RegisterImage, Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shadow == nil {
		return nil, p.status
	}
	return p.shadow.Clone(), p.status
}

// configureRequest overrides the configured defaults for one request.
// Frequency accepts the same forms as the command line.
type configureRequest struct {
	Frequency       string   `json:"frequency"`
	FrequencyHz     uint64   `json:"frequency_hz"`
	Power           *uint32  `json:"power"`
	ChargePump      *uint32  `json:"charge_pump"`
	ToleranceHz     *float64 `json:"tolerance_hz"`
	ExternalDoubler *bool    `json:"external_doubler"`
	OutputEnabled   *bool    `json:"output_enabled"`
}

func (r configureRequest) params(defaults Params) (Params, error) {
	p := defaults
	switch {
	case r.Frequency != "":
		f, err := ParseFrequency(r.Frequency)
		if err != nil {
			return p, err
		}
		p.Frequency = f
	case r.FrequencyHz != 0:
		p.Frequency = physic.Frequency(r.FrequencyHz) * physic.Hertz
	default:
		return p, errors.New("frequency is required")
	}
	if r.Power != nil {
		p.Power = *r.Power
	}
	if r.ChargePump != nil {
		p.ChargePump = *r.ChargePump
	}
	if r.ToleranceHz != nil {
		p.Tolerance = physic.Frequency(math.Round(*r.ToleranceHz * float64(physic.Hertz)))
	}
	if r.ExternalDoubler != nil {
		p.ExternalDoubler = *r.ExternalDoubler
	}
	if r.OutputEnabled != nil {
		p.OutputEnabled = *r.OutputEnabled
	}
	return p, nil
}

func (p *SynthPlugin) parseParams(c *fiber.Ctx) (Params, error) {
	var req configureRequest
	if err := c.BodyParser(&req); err != nil {
		return Params{}, fmt.Errorf("invalid request body: %w", err)
	}
	return req.params(p.config.Params())
}

// Device control handlers

func (p *SynthPlugin) handleConfigure(c *fiber.Ctx) error {
	params, err := p.parseParams(c)
	if err != nil {
		return SendErrorMessage(c, 400, err.Error())
	}

	var m *RegisterMap
	var status Status
	err = p.withSession(func(s *Session) error {
		var err error
		m, err = s.Configure(c.UserContext(), params)
		status = s.Status()
		return err
	})

	if err != nil {
		p.logger.Error("Failed to configure synthesizer", "error", err, "frequency", params.Frequency)
		return SendFailure(c, err, status)
	}

	p.logger.Info("Synthesizer configured", "frequency", m.Plan.Actual, "band", m.Plan.Band)
	return SendSuccess(c, fiber.Map{
		"status": status,
		"plan":   m.Plan,
		"writes": m.Len(),
	}, "Synthesizer locked")
}

func (p *SynthPlugin) handlePlan(c *fiber.Ctx) error {
	params, err := p.parseParams(c)
	if err != nil {
		return SendErrorMessage(c, 400, err.Error())
	}

	shadow, status := p.snapshot()
	s, err := OfflineSession(p.config, p.logger, WithResume(shadow, status))
	if err != nil {
		return SendFailure(c, err, nil)
	}
	defer s.Close()

	m, err := s.BuildConfiguration(params)
	if err != nil {
		return SendFailure(c, err, nil)
	}

	return SendSuccess(c, fiber.Map{
		"plan":      m.Plan,
		"registers": m.Registers,
		"post_lock": m.PostLock,
		"changes":   s.Shadow().Diff(m.Image()),
	}, "")
}

func (p *SynthPlugin) handleReset(c *fiber.Ctx) error {
	err := p.withSession(func(s *Session) error {
		return s.Reset(c.UserContext())
	})

	if err != nil {
		p.logger.Error("Failed to reset synthesizer", "error", err)
		return SendFailure(c, err, nil)
	}

	p.logger.Info("Synthesizer reset successful")
	return SendSuccess(c, nil, "Synthesizer reset successful")
}

func (p *SynthPlugin) handleOutput(c *fiber.Ctx) error {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}

	err := p.withSession(func(s *Session) error {
		return s.SetOutput(c.UserContext(), req.Enabled)
	})

	if err != nil {
		if ErrorKind(err) == "internal" {
			return SendError(c, 409, err)
		}
		return SendFailure(c, err, nil)
	}

	return SendSuccess(c, fiber.Map{"enabled": req.Enabled}, "RF output updated")
}

func (p *SynthPlugin) handleStatus(c *fiber.Ctx) error {
	_, status := p.snapshot()
	return SendSuccess(c, fiber.Map{
		"status":   status,
		"simulate": p.config.Simulate,
	}, "")
}

func (p *SynthPlugin) handleLock(c *fiber.Ctx) error {
	var locked bool
	err := p.withSession(func(s *Session) error {
		var err error
		locked, err = s.Locked(c.UserContext())
		return err
	})

	if err != nil {
		return SendFailure(c, err, nil)
	}

	return SendSuccess(c, fiber.Map{"locked": locked}, "")
}

func (p *SynthPlugin) handleInfo(c *fiber.Ctx) error {
	devices := fiber.Map{}
	if p.config.Simulate {
		devices["spi"] = "simulated"
	} else {
		devices["spi"] = deviceState(ValidateSPIDevice(p.config.SPI().DevicePath()))
		if p.config.GPIO.Chip != "" {
			devices["gpio"] = deviceState(ValidateGPIOChip(p.config.GPIO.Chip))
		}
	}

	return SendSuccess(c, fiber.Map{
		"config":  p.config,
		"mode":    "transient",
		"devices": devices,
	}, "")
}

func deviceState(err error) string {
	if err != nil {
		return err.Error()
	}
	return "available"
}

// Register access handlers

func parseAddress(c *fiber.Ctx) (uint8, error) {
	addr, err := c.ParamsInt("addr")
	if err != nil {
		return 0, errors.New("invalid register address")
	}
	if addr < 0 || addr > RegLastAddr {
		return 0, &RangeError{Field: "address", Value: uint64(max(addr, 0)), Max: RegLastAddr}
	}
	return uint8(addr), nil
}

func (p *SynthPlugin) handleReadRegister(c *fiber.Ctx) error {
	addr, err := parseAddress(c)
	if err != nil {
		return SendError(c, 400, err)
	}

	var reg Register
	err = p.withSession(func(s *Session) error {
		var err error
		reg, err = s.ReadRegister(c.UserContext(), addr)
		return err
	})

	if err != nil {
		return SendFailure(c, err, nil)
	}

	return SendSuccess(c, fiber.Map{
		"address":     fmt.Sprintf("R%d", addr),
		"value":       fmt.Sprintf("0x%04X", reg.Value),
		"description": DescribeRegister(addr),
	}, "")
}

func (p *SynthPlugin) handleWriteRegister(c *fiber.Ctx) error {
	addr, err := parseAddress(c)
	if err != nil {
		return SendError(c, 400, err)
	}

	var req struct {
		Value uint `json:"value"`
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}

	reg, err := NewRegister(uint(addr), req.Value)
	if err != nil {
		return SendError(c, 400, err)
	}

	err = p.withSession(func(s *Session) error {
		return s.WriteRegister(c.UserContext(), reg)
	})

	if err != nil {
		return SendFailure(c, err, nil)
	}

	p.logger.Info("Register write", "address", fmt.Sprintf("R%d", reg.Address), "value", fmt.Sprintf("0x%04X", reg.Value))
	return SendSuccess(c, nil, "Register written successfully")
}

// handleRegisters returns the shadow image, as JSON or in the text and
// YAML dump formats
func (p *SynthPlugin) handleRegisters(c *fiber.Ctx) error {
	shadow, _ := p.snapshot()
	if shadow == nil {
		opts, err := p.config.sessionOptions(p.logger)
		if err != nil {
			return SendFailure(c, err, nil)
		}
		shadow = NewOfflineSession(opts...).Shadow()
	}

	switch c.Query("format") {
	case "text":
		var buf bytes.Buffer
		if _, err := shadow.WriteTo(&buf); err != nil {
			return SendError(c, 500, err)
		}
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.Send(buf.Bytes())
	case "yaml":
		out, err := yaml.Marshal(shadow.Registers())
		if err != nil {
			return SendError(c, 500, err)
		}
		c.Set(fiber.HeaderContentType, "application/yaml")
		return c.Send(out)
	}

	registers := make([]fiber.Map, 0, shadow.Len())
	for _, reg := range shadow.Registers() {
		registers = append(registers, fiber.Map{
			"address":     fmt.Sprintf("R%d", reg.Address),
			"value":       fmt.Sprintf("0x%04X", reg.Value),
			"description": DescribeRegister(reg.Address),
		})
	}

	return SendSuccess(c, fiber.Map{
		"registers": registers,
		"count":     len(registers),
	}, "")
}

func (p *SynthPlugin) handleBurstWrite(c *fiber.Ctx) error {
	var req struct {
		Registers []struct {
			Address uint `json:"address"`
			Value   uint `json:"value"`
		} `json:"registers"`
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}

	regs := make([]Register, 0, len(req.Registers))
	for _, r := range req.Registers {
		reg, err := NewRegister(r.Address, r.Value)
		if err != nil {
			return SendError(c, 400, err)
		}
		regs = append(regs, reg)
	}

	written := 0
	err := p.withSession(func(s *Session) error {
		for _, reg := range regs {
			if err := s.WriteRegister(c.UserContext(), reg); err != nil {
				return fmt.Errorf("write %d of %d: %w", written+1, len(regs), err)
			}
			written++
		}
		return nil
	})

	if err != nil {
		return SendFailure(c, err, fiber.Map{"written": written})
	}

	p.logger.Info("Burst write completed", "count", written)
	return SendSuccess(c, fiber.Map{"written": written}, fmt.Sprintf("Wrote %d registers successfully", written))
}

// Event stream handlers

func (p *SynthPlugin) upgradeEvents(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	// WebSocket clients cannot set headers, so the token comes as a query parameter
	if p.tokenValidator != nil && !p.tokenValidator(c.Query("token")) {
		return c.Status(401).JSON(APIResponse{
			Success: false,
			Error:   "Unauthorized",
		})
	}
	return c.Next()
}

func (p *SynthPlugin) handleEvents(c *websocket.Conn) {
	events, cancel := p.events.subscribe()
	defer cancel()

	// The client only ever closes; reading detects it
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	_, status := p.snapshot()
	if err := c.WriteJSON(Event{Attempt: status.Attempt, State: status.State, Error: status.LastError}); err != nil {
		return
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				p.logger.Debug("Event stream closed", "error", err)
				return
			}
		case <-gone:
			return
		}
	}
}

// eventHub fans session events out to stream subscribers. Slow
// subscribers miss events rather than block the session.
type eventHub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan Event]struct{})}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// sharedDevice keeps the simulated device open when a transient session
// closes
type sharedDevice struct {
	*SimulatedDevice
}

func (sharedDevice) Close() error { return nil }

func init() {
	RegisterPlugin("synth", func(config any) (Plugin, error) {
		switch cfg := config.(type) {
		case SynthConfig:
			return NewSynthPlugin(cfg, slog.Default())
		case *SynthConfig:
			return NewSynthPlugin(*cfg, slog.Default())
		default:
			return nil, fmt.Errorf("invalid config for synth plugin: expected SynthConfig")
		}
	})
}
