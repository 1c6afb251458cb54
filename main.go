package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberLogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/linht/synth-manager/plugins"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"
)

// Configuration constants
const (
	// Server timeouts
	ServerReadTimeout  = 30 * time.Second
	ServerWriteTimeout = 30 * time.Second

	// Upload limit, register images are small
	MaxBodySize = 1 * 1024 * 1024 // 1 MB

	// Session management (24-hour expiry)
	SessionDuration = 24 * time.Hour
	TokenBytes      = 32
)

// Session represents a simple authenticated session for local use
type Session struct {
	Token     string
	ExpiresAt time.Time
}

var (
	config         Config
	currentSession *Session
	sessionMu      sync.RWMutex
)

// options holds the command line flags that select what to do
type options struct {
	configPath string
	envPath    string
	serve      bool
	dryRun     bool
	reset      bool
	checkLock  bool
	enable     bool
	disable    bool
	dump       string
	verbose    bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run parses args, executes one command and returns the process exit code
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("lmxctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.configPath, "config", DefaultConfigPath, "YAML configuration file")
	fs.StringVar(&opts.envPath, "env", DefaultEnvPath, ".env file with LMX_* overrides")
	fs.BoolVar(&opts.serve, "serve", false, "run the HTTP control API")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "print the register map without touching the bus")
	fs.BoolVar(&opts.reset, "reset", false, "reset the synthesizer before configuring")
	fs.BoolVar(&opts.checkLock, "lock", false, "only report the lock-detect state")
	fs.BoolVar(&opts.enable, "enable", false, "power up RFOUTA without retuning")
	fs.BoolVar(&opts.disable, "disable", false, "power down RFOUTA without retuning")
	fs.StringVar(&opts.dump, "dump", "", "print the register map as text or yaml")
	fs.BoolVar(&opts.verbose, "v", false, "debug logging")

	freq := fs.String("freq", "", "output frequency, e.g. 15GHz, 15e9 or 15_000_000_000")
	ref := fs.String("ref", "", "reference oscillator frequency")
	power := fs.Uint("power", 0, "RFOUTA power (0-7)")
	chargePump := fs.Uint("cp", 0, "charge pump gain (0-15)")
	output := fs.Bool("output", true, "power up RFOUTA once locked")
	extDoubler := fs.Bool("ext-doubler", false, "board carries the external doubler (22.6-40 GHz)")
	image := fs.String("image", "", "register image file in TICS Pro hex format")
	device := fs.String("device", "", "SPI device node, overrides -bus and -cs")
	bus := fs.Int("bus", 0, "spidev bus number")
	cs := fs.Int("cs", 0, "spidev chip select")
	speed := fs.String("speed", "", "SPI clock, e.g. 10MHz")
	lockTimeout := fs.Duration("lock-timeout", plugins.DefaultLockTimeout, "lock-detect timeout, 0 skips lock detection")
	simulate := fs.Bool("simulate", false, "use the in-memory simulated device")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return plugins.ExitOK
		}
		return plugins.ExitUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %v\n", fs.Args())
		return plugins.ExitUsage
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	setupLogging(stderr, level)

	configRequired := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			configRequired = true
		}
	})

	cfg, err := loadConfig(opts.configPath, configRequired, opts.envPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return plugins.ExitUsage
	}

	if !opts.verbose {
		lvl, err := parseLevel(cfg.LogLevel)
		if err != nil {
			slog.Error("Failed to load config", "error", err)
			return plugins.ExitUsage
		}
		setupLogging(stderr, lvl)
	}

	// Flags override file and environment values, but only when given
	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		if flagErr != nil {
			return
		}
		switch f.Name {
		case "freq":
			flagErr = setFrequency(&cfg.Synth.FrequencyHz, *freq)
		case "ref":
			flagErr = setFrequency(&cfg.Synth.Reference.FrequencyHz, *ref)
		case "speed":
			var hz uint64
			flagErr = setFrequency(&hz, *speed)
			cfg.Synth.SPISpeed = uint32(hz)
		case "power":
			p := uint32(*power)
			cfg.Synth.Power = &p
		case "cp":
			cp := uint32(*chargePump)
			cfg.Synth.ChargePump = &cp
		case "ext-doubler":
			cfg.Synth.ExternalDoubler = *extDoubler
		case "image":
			cfg.Synth.RegisterImage = *image
		case "device":
			cfg.Synth.SPIDevice = *device
		case "bus":
			cfg.Synth.Bus = *bus
		case "cs":
			cfg.Synth.ChipSelect = *cs
		case "lock-timeout":
			cfg.Synth.LockTimeout = *lockTimeout
		case "simulate":
			cfg.Synth.Simulate = *simulate
		}
	})
	if flagErr != nil {
		slog.Error("Invalid flag", "error", flagErr)
		if errors.Is(flagErr, plugins.ErrOutOfRange) {
			return plugins.ExitOutOfRange
		}
		return plugins.ExitUsage
	}
	if opts.enable && opts.disable {
		slog.Error("Invalid flag", "error", "-enable and -disable are exclusive")
		return plugins.ExitUsage
	}
	if opts.dump != "" && opts.dump != "text" && opts.dump != "yaml" {
		slog.Error("Invalid flag", "error", fmt.Sprintf("-dump must be text or yaml, got %q", opts.dump))
		return plugins.ExitUsage
	}

	config = cfg

	freqGiven := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "freq" {
			freqGiven = true
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.serve {
		err = serve(ctx, cfg)
	} else {
		params := cfg.Synth.Params()
		params.OutputEnabled = *output
		err = runOnce(ctx, cfg.Synth, params, opts, freqGiven, stdout)
	}

	if err != nil {
		slog.Error("Command failed", "error", err, "kind", plugins.ErrorKind(err))
	}
	return plugins.ExitCode(err)
}

func setupLogging(w io.Writer, level slog.Level) {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

func setFrequency(dst *uint64, s string) error {
	f, err := plugins.ParseFrequency(s)
	if err != nil {
		return err
	}
	*dst = uint64(f / physic.Hertz)
	return nil
}

// runOnce performs one configuration, reset or lock check and reports the
// result on stdout
func runOnce(ctx context.Context, cfg plugins.SynthConfig, params plugins.Params, opts options, freqGiven bool, stdout io.Writer) error {
	logger := slog.Default()

	if opts.dryRun {
		s, err := plugins.OfflineSession(cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		m, err := s.BuildConfiguration(params)
		if err != nil {
			return err
		}
		format := opts.dump
		if format == "" {
			format = "text"
		}
		return printMap(stdout, m, format)
	}

	s, err := plugins.OpenSession(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn("Failed to release synthesizer", "error", err)
		}
	}()

	if opts.checkLock {
		locked, err := s.Locked(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "locked: %v\n", locked)
		if !locked {
			return fmt.Errorf("PLL not locked: %w", plugins.ErrLockTimeout)
		}
		return nil
	}

	toggle := opts.enable || opts.disable
	if opts.reset {
		if err := s.Reset(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "reset")
		if !freqGiven && !toggle {
			return nil
		}
	}

	if freqGiven || !toggle {
		m, err := s.Configure(ctx, params)
		if err != nil {
			return err
		}

		st := s.Status()
		fmt.Fprintf(stdout, "%s: %.0f Hz (band %s, VCO %.0f Hz, N=%d NUM=%d DEN=%d) attempt %s\n",
			st.State, m.Plan.Actual, m.Plan.Band, m.Plan.VCO, m.Plan.N, m.Plan.Num, m.Plan.Den, st.Attempt)

		if opts.dump != "" {
			if err := printMap(stdout, m, opts.dump); err != nil {
				return err
			}
		}
	} else if err := adopt(ctx, s, params); err != nil {
		return err
	}

	if toggle {
		if err := s.SetOutput(ctx, opts.enable); err != nil {
			return err
		}
		if opts.enable {
			fmt.Fprintln(stdout, "output: enabled")
		} else {
			fmt.Fprintln(stdout, "output: disabled")
		}
	}
	return nil
}

// adopt takes over a synthesizer an earlier run programmed from the same
// configuration, so an output toggle keeps its R78 settings
func adopt(ctx context.Context, s *plugins.Session, params plugins.Params) error {
	m, err := s.BuildConfiguration(params)
	if err != nil {
		return err
	}
	locked, err := s.Adopt(ctx, m)
	if err != nil {
		return err
	}
	slog.Debug("Adopted running synthesizer", "target_hz", m.Plan.Target, "locked", locked)
	return nil
}

// printMap writes the register map in write order
func printMap(w io.Writer, m *plugins.RegisterMap, format string) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(m)
	}

	for _, reg := range m.Registers {
		if _, err := fmt.Fprintf(w, "R%d\t0x%02X%04X\n", reg.Address, reg.Address, reg.Value); err != nil {
			return err
		}
	}
	for _, reg := range m.PostLock {
		if _, err := fmt.Fprintf(w, "R%d\t0x%02X%04X\t# after lock\n", reg.Address, reg.Address, reg.Value); err != nil {
			return err
		}
	}
	return nil
}

// newApp builds the HTTP control API
func newApp(cfg Config) (*fiber.App, []plugins.Plugin, error) {
	app := fiber.New(fiber.Config{
		ReadTimeout:  ServerReadTimeout,
		WriteTimeout: ServerWriteTimeout,
		AppName:      "LMX2820 Synth Manager",
		BodyLimit:    MaxBodySize,
	})

	// Add logger middleware
	app.Use(fiberLogger.New(fiberLogger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))

	// Serve static files
	app.Static("/", "./web")

	// Login/logout endpoints (no auth required for login)
	app.Post("/login", handleLogin)
	app.Post("/logout", handleLogout)

	// Auth middleware for all other API routes
	app.Use("/api", authMiddleware)

	loaded, err := initPlugins(app, cfg)
	if err != nil {
		return nil, nil, err
	}
	return app, loaded, nil
}

// serve runs the HTTP control API until ctx is cancelled
func serve(ctx context.Context, cfg Config) error {
	app, loaded, err := newApp(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize plugins: %w", err)
	}
	defer func() {
		for _, p := range loaded {
			if err := p.Shutdown(); err != nil {
				slog.Warn("Plugin shutdown error", "name", p.Name(), "error", err)
			}
		}
	}()

	addr := cfg.Server.Host + ":" + cfg.Server.Port

	// Setup graceful shutdown
	go func() {
		<-ctx.Done()

		slog.Info("Shutting down server...")
		if err := app.ShutdownWithContext(context.Background()); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
	}()

	slog.Info("Starting LMX2820 Synth Manager", "address", addr)
	if err := app.Listen(addr); err != nil {
		return fmt.Errorf("failed to start server on %s: %w", addr, err)
	}
	return nil
}

func handleLogin(c *fiber.Ctx) error {
	var req struct {
		Password string `json:"password"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid request"})
	}

	// Check password
	if err := bcrypt.CompareHashAndPassword([]byte(config.Auth.PasswordHash), []byte(req.Password)); err != nil {
		slog.Warn("Failed login attempt", "ip", c.IP())
		return c.Status(401).JSON(fiber.Map{"error": "Invalid password"})
	}

	slog.Info("Successful login", "ip", c.IP())

	// Generate new session (replaces any existing session for local-only use)
	session := &Session{
		Token:     generateToken(),
		ExpiresAt: time.Now().Add(SessionDuration),
	}
	sessionMu.Lock()
	currentSession = session
	sessionMu.Unlock()

	return c.JSON(fiber.Map{
		"success": true,
		"token":   session.Token,
		"expires": session.ExpiresAt.Unix(),
	})
}

func handleLogout(c *fiber.Ctx) error {
	sessionMu.Lock()
	currentSession = nil
	sessionMu.Unlock()
	slog.Info("User logged out", "ip", c.IP())
	return c.JSON(fiber.Map{"success": true})
}

func authMiddleware(c *fiber.Ctx) error {
	// Check for token in header first, fallback to query parameter (for WebSocket)
	token := c.Get("X-Auth-Token")
	if token == "" {
		token = c.Query("token")
	}

	if !validateToken(token) {
		return c.Status(401).JSON(fiber.Map{"error": "Unauthorized"})
	}
	return c.Next()
}

func validateToken(token string) bool {
	if token == "" {
		return false
	}

	sessionMu.RLock()
	defer sessionMu.RUnlock()

	if currentSession == nil {
		return false
	}

	// Check token match and expiration
	if currentSession.Token != token {
		return false
	}

	if time.Now().After(currentSession.ExpiresAt) {
		return false
	}

	return true
}

func generateToken() string {
	b := make([]byte, TokenBytes)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func initPlugins(app *fiber.App, cfg Config) ([]plugins.Plugin, error) {
	var loaded []plugins.Plugin
	for _, name := range cfg.Plugins {
		factory, exists := plugins.Get(name)
		if !exists {
			slog.Warn("Unknown plugin", "name", name, "available", plugins.Names())
			continue
		}

		// Get plugin-specific config
		var pluginConfig any
		switch name {
		case "synth":
			pluginConfig = cfg.Synth
		case "images":
			pluginConfig = cfg.Images
		}

		plugin, err := factory(pluginConfig)
		if err != nil {
			return loaded, fmt.Errorf("plugin %s: %w", name, err)
		}

		// Set token validator for plugins with their own stream endpoints
		if v, ok := plugin.(interface{ SetTokenValidator(plugins.TokenValidator) }); ok {
			v.SetTokenValidator(validateToken)
		}

		plugin.RegisterRoutes(app)
		loaded = append(loaded, plugin)
		slog.Info("Plugin loaded", "name", plugin.Name())
	}
	return loaded, nil
}
