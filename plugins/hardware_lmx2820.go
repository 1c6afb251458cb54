package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"periph.io/x/conn/v3/physic"
)

// State is the session's position in the configuration sequence
type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateLocking
	StateLocked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateLocking:
		return "locking"
	case StateLocked:
		return "locked"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText lets states appear by name in JSON and YAML
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Session defaults
const (
	DefaultLockTimeout  = 100 * time.Millisecond
	DefaultPollInterval = 200 * time.Microsecond
	DefaultTolerance    = physic.Hertz
	DefaultPower        = 7
	DefaultChargePump   = 12
)

// Params is a high-level configuration request
type Params struct {
	Frequency       physic.Frequency `json:"frequency" yaml:"frequency"`
	Power           uint32           `json:"power" yaml:"power"`
	ChargePump      uint32           `json:"charge_pump" yaml:"charge_pump"`
	Reference       ReferenceConfig  `json:"reference" yaml:"reference"`
	Tolerance       physic.Frequency `json:"tolerance" yaml:"tolerance"`
	ExternalDoubler bool             `json:"external_doubler" yaml:"external_doubler"`
	OutputEnabled   bool             `json:"output_enabled" yaml:"output_enabled"`
}

// DefaultParams returns a 1 GHz configuration on the default reference
func DefaultParams() Params {
	return Params{
		Frequency:     physic.GigaHertz,
		Power:         DefaultPower,
		ChargePump:    DefaultChargePump,
		Reference:     DefaultReference(),
		Tolerance:     DefaultTolerance,
		OutputEnabled: true,
	}
}

// RegisterMap is one complete device configuration in write order. It is
// not modified after BuildConfiguration returns it.
type RegisterMap struct {
	Plan      *FrequencyPlan `json:"plan" yaml:"plan"`
	Registers []Register     `json:"registers" yaml:"registers"`
	PostLock  []Register     `json:"post_lock,omitempty" yaml:"post_lock,omitempty"`
	image     *RegisterImage
}

// Len returns the total number of register writes
func (m *RegisterMap) Len() int {
	return len(m.Registers) + len(m.PostLock)
}

// Image returns the register contents after the map has been applied
func (m *RegisterMap) Image() *RegisterImage {
	return m.image.Clone()
}

// Event reports a session state change
type Event struct {
	Attempt string    `json:"attempt"`
	State   State     `json:"state"`
	Time    time.Time `json:"time"`
	Error   string    `json:"error,omitempty"`
}

// Status is a snapshot of the session
type Status struct {
	State     State          `json:"state"`
	Attempt   string         `json:"attempt,omitempty"`
	Plan      *FrequencyPlan `json:"plan,omitempty"`
	Output    bool           `json:"output"`
	LastError string         `json:"last_error,omitempty"`
}

type sessionConfig struct {
	board        Board
	lockDetector LockDetector
	image        *RegisterImage
	lockTimeout  time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	observer     func(Event)
	resume       *resumeState
}

type resumeState struct {
	shadow *RegisterImage
	status Status
}

// SessionOption configures a Session
type SessionOption func(*sessionConfig)

// WithBoard sets the board line controller
func WithBoard(b Board) SessionOption {
	return func(c *sessionConfig) { c.board = b }
}

// WithLockDetector reads lock state from the given detector instead of the
// rb_LD readback register
func WithLockDetector(d LockDetector) SessionOption {
	return func(c *sessionConfig) { c.lockDetector = d }
}

// WithImage sets the base register image
func WithImage(img *RegisterImage) SessionOption {
	return func(c *sessionConfig) { c.image = img }
}

// WithLockTimeout bounds the lock-detect poll. Zero skips lock detection.
func WithLockTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.lockTimeout = d }
}

// WithPollInterval sets the first lock-detect poll interval
func WithPollInterval(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.pollInterval = d }
}

// WithLogger sets the session logger
func WithLogger(l *slog.Logger) SessionOption {
	return func(c *sessionConfig) { c.logger = l }
}

// WithResume continues from a previous session's shadow image and status
// instead of starting Idle on the base image
func WithResume(shadow *RegisterImage, st Status) SessionOption {
	return func(c *sessionConfig) {
		if shadow != nil {
			c.resume = &resumeState{shadow: shadow.Clone(), status: st}
		}
	}
}

// WithObserver registers a callback for state changes
func WithObserver(fn func(Event)) SessionOption {
	return func(c *sessionConfig) { c.observer = fn }
}

// Session programs one LMX2820 over a transport. It is not safe for
// concurrent configuration; callers serialize Apply, Reset and writes.
type Session struct {
	transport Transport
	cfg       sessionConfig
	initial   *RegisterImage

	mu      sync.Mutex
	shadow  *RegisterImage
	state   State
	attempt string
	current *RegisterMap
	output  bool
	lastErr error
}

// NewSession creates a session in the Idle state
func NewSession(t Transport, opts ...SessionOption) *Session {
	cfg := sessionConfig{
		lockTimeout:  DefaultLockTimeout,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.board == nil {
		cfg.board = noBoard{}
	}
	if cfg.image == nil {
		cfg.image = DefaultRegisterImage()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	s := &Session{
		transport: t,
		cfg:       cfg,
		initial:   cfg.image.Clone(),
		shadow:    cfg.image.Clone(),
		state:     StateIdle,
	}
	if r := cfg.resume; r != nil {
		s.shadow = r.shadow
		s.state = r.status.State
		s.attempt = r.status.Attempt
		s.output = r.status.Output
		if r.status.Plan != nil {
			s.current = &RegisterMap{Plan: r.status.Plan, image: r.shadow.Clone()}
		}
		if r.status.LastError != "" {
			s.lastErr = errors.New(r.status.LastError)
		}
	}
	if s.cfg.lockDetector == nil {
		s.cfg.lockDetector = readbackLockDetector{s}
	}
	return s
}

// NewOfflineSession returns a session that can plan and build
// configurations but refuses every bus transfer
func NewOfflineSession(opts ...SessionOption) *Session {
	return NewSession(offlineTransport{}, opts...)
}

// offlineTransport stands in for the bus in dry runs
type offlineTransport struct{}

func (offlineTransport) Transfer(context.Context, BusWord) ([]byte, error) {
	return nil, fmt.Errorf("dry run: %w", ErrDeviceUnavailable)
}

func (offlineTransport) Locked(context.Context) (bool, error) {
	return false, fmt.Errorf("dry run: %w", ErrDeviceUnavailable)
}

func (offlineTransport) Close() error { return nil }

type fieldValue struct {
	f     Field
	value uint32
}

// BuildConfiguration computes the ordered register writes for p. The map
// starts from the session's base image, so identical params always yield an
// identical map whatever was programmed before.
func (s *Session) BuildConfiguration(p Params) (*RegisterMap, error) {
	if p.Power > FieldOutAPwr.Max() {
		return nil, &RangeError{Field: "output power", Value: uint64(p.Power), Max: uint64(FieldOutAPwr.Max())}
	}
	if p.ChargePump > FieldCpg.Max() {
		return nil, &RangeError{Field: "charge pump gain", Value: uint64(p.ChargePump), Max: uint64(FieldCpg.Max())}
	}
	if p.Tolerance == 0 {
		p.Tolerance = DefaultTolerance
	}

	plan, err := PlanFrequency(p.Frequency, p.Reference, p.Tolerance, p.ExternalDoubler)
	if err != nil {
		return nil, err
	}

	img := s.initial.Clone()

	muxout := uint32(MuxoutReadback)
	if _, ok := s.cfg.lockDetector.(readbackLockDetector); !ok {
		muxout = MuxoutLockDetect
	}

	mash := uint32(0)
	if plan.Fractional() {
		mash = 3
	}
	osc2x := uint32(0)
	if p.Reference.Doubler {
		osc2x = 1
	}

	fields := []fieldValue{
		{FieldReset, 0},
		{FieldPowerdown, 0},
		{FieldFcalEn, 1},
		{FieldMuxoutLDSel, muxout},
		{FieldOsc2x, osc2x},
		{FieldMult, p.Reference.Mult},
		{FieldPllRPre, p.Reference.PreR},
		{FieldPllR, p.Reference.R},
		{FieldCpg, p.ChargePump},
		{FieldMashOrder, mash},
		{FieldPllN, plan.N},
		{FieldDenHi, plan.Den >> 16},
		{FieldDenLo, plan.Den & 0xFFFF},
		{FieldNumHi, plan.Num >> 16},
		{FieldNumLo, plan.Num & 0xFFFF},
		{FieldOutAMux, plan.OutMux},
		{FieldOutAPD, 1},
		{FieldOutAPwr, p.Power},
	}
	if plan.OutMux == OutMuxChdiv {
		fields = append(fields, fieldValue{FieldChdivA, plan.ChdivCode})
	}

	for _, fv := range fields {
		if err := img.SetField(fv.f, fv.value); err != nil {
			return nil, err
		}
	}

	m := &RegisterMap{Plan: plan}
	for _, addr := range img.Addresses() {
		value, _ := img.Get(addr)
		m.Registers = append(m.Registers, Register{Address: addr, Value: value})
	}

	// RFOUTA is powered up only once the PLL has locked
	if p.OutputEnabled {
		if err := img.SetField(FieldOutAPD, 0); err != nil {
			return nil, err
		}
		value, _ := img.Get(RegOutAMux)
		m.PostLock = append(m.PostLock, Register{Address: RegOutAMux, Value: value})
	}
	m.image = img

	return m, nil
}

// Apply writes the map in order, waits for lock, then writes the post-lock
// registers. The first failure stops the sequence and leaves the session
// Failed; nothing is retried.
func (s *Session) Apply(ctx context.Context, m *RegisterMap) error {
	if m == nil || m.Plan == nil {
		return fmt.Errorf("register map is empty")
	}

	attempt := uuid.NewString()
	log := s.cfg.logger.With("attempt", attempt)

	s.mu.Lock()
	s.attempt = attempt
	s.lastErr = nil
	s.mu.Unlock()

	s.setState(StateConfiguring)
	log.Info("Configuring synthesizer",
		"target_hz", m.Plan.Target,
		"band", m.Plan.Band,
		"registers", m.Len())

	if err := s.cfg.board.RFEnable(false); err != nil {
		return s.fail(log, err)
	}
	s.setOutput(false)
	if err := s.cfg.board.PowerEnable(true); err != nil {
		return s.fail(log, err)
	}
	if err := s.cfg.board.SelectBand(m.Plan.SwitchPosition, m.Plan.ExternalDoubler); err != nil {
		return s.fail(log, err)
	}

	for i, reg := range m.Registers {
		if err := s.WriteRegister(ctx, reg); err != nil {
			return s.fail(log, fmt.Errorf("write %d of %d: %w", i+1, len(m.Registers), err))
		}
	}

	s.setState(StateLocking)
	if err := s.waitForLock(ctx); err != nil {
		return s.fail(log, err)
	}

	for _, reg := range m.PostLock {
		if err := s.WriteRegister(ctx, reg); err != nil {
			return s.fail(log, fmt.Errorf("post-lock write: %w", err))
		}
	}
	if len(m.PostLock) > 0 {
		if err := s.cfg.board.RFEnable(true); err != nil {
			return s.fail(log, err)
		}
		s.setOutput(true)
	}

	s.mu.Lock()
	s.current = m
	s.mu.Unlock()
	s.setState(StateLocked)

	log.Info("Synthesizer locked",
		"actual_hz", m.Plan.Actual,
		"vco_hz", m.Plan.VCO,
		"n", m.Plan.N,
		"num", m.Plan.Num,
		"den", m.Plan.Den)
	return nil
}

// Configure builds and applies params in one step
func (s *Session) Configure(ctx context.Context, p Params) (*RegisterMap, error) {
	m, err := s.BuildConfiguration(p)
	if err != nil {
		s.mu.Lock()
		s.attempt = uuid.NewString()
		s.lastErr = nil
		s.mu.Unlock()
		s.setState(StateConfiguring)

		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.setState(StateFailed)
		return nil, err
	}
	if err := s.Apply(ctx, m); err != nil {
		return m, err
	}
	return m, nil
}

var errNotLocked = errors.New("PLL not locked")

// waitForLock polls the lock detector until lock or the lock timeout
func (s *Session) waitForLock(ctx context.Context) error {
	if s.cfg.lockTimeout <= 0 {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.pollInterval
	b.MaxInterval = 10 * s.cfg.pollInterval
	b.MaxElapsedTime = s.cfg.lockTimeout

	polls := 0
	err := backoff.Retry(func() error {
		polls++
		locked, err := s.cfg.lockDetector.Locked(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !locked {
			return errNotLocked
		}
		return nil
	}, backoff.WithContext(b, ctx))

	if errors.Is(err, errNotLocked) {
		return fmt.Errorf("no PLL lock after %s (%d polls): %w", s.cfg.lockTimeout, polls, ErrLockTimeout)
	}
	return err
}

// WriteRegister encodes and writes one register, updating the shadow image
func (s *Session) WriteRegister(ctx context.Context, reg Register) error {
	word, err := Encode(reg)
	if err != nil {
		return err
	}
	if _, err := s.transport.Transfer(ctx, word); err != nil {
		return fmt.Errorf("failed to write register R%d: %w", reg.Address, err)
	}

	s.mu.Lock()
	s.shadow.Set(reg.Address, reg.Value)
	s.mu.Unlock()

	s.cfg.logger.Debug("Register write",
		"address", fmt.Sprintf("R%d", reg.Address),
		"value", fmt.Sprintf("0x%04X", reg.Value))
	return nil
}

// ReadRegister reads one register back through MUXOUT. The session must
// have MUXOUT_LD_SEL set to readback for the data to be meaningful.
func (s *Session) ReadRegister(ctx context.Context, addr uint8) (Register, error) {
	word, err := EncodeRead(addr)
	if err != nil {
		return Register{}, err
	}
	rx, err := s.transport.Transfer(ctx, word)
	if err != nil {
		return Register{}, fmt.Errorf("failed to read register R%d: %w", addr, err)
	}
	return DecodeReadback(addr, rx)
}

// SetOutput powers RFOUTA up or down without reprogramming the PLL.
// Enabling is only allowed while locked.
func (s *Session) SetOutput(ctx context.Context, enable bool) error {
	s.mu.Lock()
	state := s.state
	value, ok := s.shadow.Get(RegOutAMux)
	s.mu.Unlock()

	if enable && state != StateLocked {
		return fmt.Errorf("cannot enable output in state %s", state)
	}
	if !ok {
		return fmt.Errorf("register image has no R%d", RegOutAMux)
	}

	pd := uint32(1)
	if enable {
		pd = 0
	}
	value, err := FieldOutAPD.Set(value, pd)
	if err != nil {
		return err
	}

	if !enable {
		if err := s.cfg.board.RFEnable(false); err != nil {
			return err
		}
	}
	if err := s.WriteRegister(ctx, Register{Address: RegOutAMux, Value: value}); err != nil {
		return err
	}
	if enable {
		if err := s.cfg.board.RFEnable(true); err != nil {
			return err
		}
	}

	s.setOutput(enable)
	s.cfg.logger.Info("RF output", "enabled", enable)
	return nil
}

// Adopt takes over a device that an earlier session programmed with m,
// without writing to it. The shadow image becomes m's and the session is
// Locked when the lock detector reports lock, Idle otherwise.
func (s *Session) Adopt(ctx context.Context, m *RegisterMap) (bool, error) {
	if m == nil || m.Plan == nil || m.image == nil {
		return false, fmt.Errorf("register map is empty")
	}
	locked, err := s.cfg.lockDetector.Locked(ctx)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.shadow = m.image.Clone()
	s.lastErr = nil
	if locked {
		s.current = m
	} else {
		s.current = nil
	}
	s.mu.Unlock()

	if locked {
		s.setState(StateLocked)
	} else {
		s.setState(StateIdle)
	}
	s.cfg.logger.Info("Adopted synthesizer", "target_hz", m.Plan.Target, "locked", locked)
	return locked, nil
}

// Reset power cycles the device and pulses the RESET bit, returning the
// session to Idle with the initial shadow image
func (s *Session) Reset(ctx context.Context) error {
	if err := s.cfg.board.RFEnable(false); err != nil {
		return err
	}
	s.setOutput(false)
	if err := s.cfg.board.ResetPulse(); err != nil {
		return err
	}

	s.mu.Lock()
	r0, _ := s.initial.Get(RegR0)
	s.mu.Unlock()

	for _, bit := range []uint32{1, 0} {
		value, err := FieldReset.Set(r0, bit)
		if err != nil {
			return err
		}
		word, err := Encode(Register{Address: RegR0, Value: value})
		if err != nil {
			return err
		}
		if _, err := s.transport.Transfer(ctx, word); err != nil {
			return fmt.Errorf("failed to pulse RESET: %w", err)
		}
	}

	s.mu.Lock()
	s.shadow = s.initial.Clone()
	s.current = nil
	s.lastErr = nil
	s.attempt = ""
	s.mu.Unlock()
	s.setState(StateIdle)

	s.cfg.logger.Info("Synthesizer reset")
	return nil
}

// Locked reads the lock detector once
func (s *Session) Locked(ctx context.Context) (bool, error) {
	return s.cfg.lockDetector.Locked(ctx)
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Shadow returns a copy of the register contents last written
func (s *Session) Shadow() *RegisterImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shadow.Clone()
}

// Status returns a snapshot of the session
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state, Attempt: s.attempt, Output: s.output}
	if s.current != nil {
		st.Plan = s.current.Plan
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Close releases the board lines and the transport
func (s *Session) Close() error {
	return errors.Join(s.cfg.board.Close(), s.transport.Close())
}

func (s *Session) fail(log *slog.Logger, err error) error {
	// RF stays off after any failure
	if rfErr := s.cfg.board.RFEnable(false); rfErr != nil {
		log.Warn("Failed to disable RF after error", "error", rfErr)
	}
	s.setOutput(false)

	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.setState(StateFailed)

	log.Error("Configuration failed", "error", err, "kind", ErrorKind(err))
	return err
}

func (s *Session) setOutput(on bool) {
	s.mu.Lock()
	s.output = on
	s.mu.Unlock()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	ev := Event{Attempt: s.attempt, State: state, Time: time.Now()}
	if s.lastErr != nil {
		ev.Error = s.lastErr.Error()
	}
	s.mu.Unlock()

	s.cfg.logger.Debug("Session state", "state", state.String())
	if s.cfg.observer != nil {
		s.cfg.observer(ev)
	}
}

// readbackLockDetector reads rb_LD through the register readback path
type readbackLockDetector struct {
	s *Session
}

func (d readbackLockDetector) Locked(ctx context.Context) (bool, error) {
	reg, err := d.s.ReadRegister(ctx, RegReadLD)
	if err != nil {
		return false, err
	}
	return FieldReadLD.Get(reg.Value) == LockDetectLocked, nil
}
