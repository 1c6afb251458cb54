package plugins

import (
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func newTestApp(t *testing.T) (*fiber.App, *SynthPlugin) {
	t.Helper()

	var cfg SynthConfig
	cfg.Simulate = true

	p, err := NewSynthPlugin(cfg, nil)
	if err != nil {
		t.Fatalf("NewSynthPlugin() error = %v", err)
	}
	app := fiber.New()
	p.RegisterRoutes(app)
	t.Cleanup(func() { p.Shutdown() })
	return app, p
}

type testResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string) (int, testResponse) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out testResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decoding response: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func TestSynthConfigure(t *testing.T) {
	app, p := newTestApp(t)

	status, resp := doRequest(t, app, "POST", "/api/synth/configure", `{"frequency": "15GHz"}`)
	if status != 200 || !resp.Success {
		t.Fatalf("configure = %d %+v", status, resp)
	}

	var data struct {
		Status Status         `json:"status"`
		Plan   *FrequencyPlan `json:"plan"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Plan.Target != 15_000_000_000 || data.Plan.Band != "10_22" {
		t.Errorf("plan = %+v", data.Plan)
	}

	// State carries over to the next transient session
	_, st := p.snapshot()
	if st.State != StateLocked || !st.Output {
		t.Errorf("status after configure = %+v", st)
	}
	if !p.sim.RFEnabled || p.sim.Position != 1 {
		t.Errorf("simulated board RF=%v position=%d", p.sim.RFEnabled, p.sim.Position)
	}

	status, resp = doRequest(t, app, "POST", "/api/synth/output", `{"enabled": false}`)
	if status != 200 || !resp.Success {
		t.Fatalf("output = %d %+v", status, resp)
	}
	if p.sim.RFEnabled {
		t.Error("RF still enabled")
	}

	status, resp = doRequest(t, app, "GET", "/api/synth/lock", "")
	if status != 200 || !strings.Contains(string(resp.Data), `"locked":true`) {
		t.Errorf("lock = %d %s", status, resp.Data)
	}
}

func TestSynthConfigureErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantKind   string
	}{
		{"unsupported frequency", `{"frequency": "50GHz"}`, 422, "unsupported_frequency"},
		{"power out of range", `{"frequency_hz": 1000000000, "power": 9}`, 400, "out_of_range"},
		{"missing frequency", `{}`, 400, ""},
		{"unparseable frequency", `{"frequency": "fast"}`, 400, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, p := newTestApp(t)

			status, resp := doRequest(t, app, "POST", "/api/synth/configure", tt.body)
			if status != tt.wantStatus || resp.Success {
				t.Fatalf("status = %d %+v, want %d", status, resp, tt.wantStatus)
			}
			if resp.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", resp.Kind, tt.wantKind)
			}
			if p.sim.Transfers() != 0 {
				t.Errorf("rejected request made %d transfers", p.sim.Transfers())
			}
		})
	}
}

func TestSynthPlanIsDryRun(t *testing.T) {
	app, p := newTestApp(t)

	status, resp := doRequest(t, app, "POST", "/api/synth/plan", `{"frequency": "1.234567891 GHz"}`)
	if status != 200 || !resp.Success {
		t.Fatalf("plan = %d %+v", status, resp)
	}

	var data struct {
		Plan      *FrequencyPlan `json:"plan"`
		Registers []Register     `json:"registers"`
		Changes   []RegisterDiff `json:"changes"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Plan.N != 98 || len(data.Registers) == 0 || len(data.Changes) == 0 {
		t.Errorf("plan response = %+v", data)
	}
	if p.sim.Transfers() != 0 {
		t.Errorf("dry run made %d transfers", p.sim.Transfers())
	}
}

func TestSynthRegisters(t *testing.T) {
	app, p := newTestApp(t)

	status, resp := doRequest(t, app, "POST", "/api/synth/register/36", `{"value": 75}`)
	if status != 200 || !resp.Success {
		t.Fatalf("write = %d %+v", status, resp)
	}
	if v := p.sim.Registers().values[RegPllN]; v != 75 {
		t.Errorf("device R36 = %d, want 75", v)
	}

	status, resp = doRequest(t, app, "GET", "/api/synth/register/36", "")
	if status != 200 || !strings.Contains(string(resp.Data), `"value":"0x004B"`) {
		t.Errorf("read = %d %s", status, resp.Data)
	}

	status, resp = doRequest(t, app, "POST", "/api/synth/register/36", `{"value": 70000}`)
	if status != 400 || resp.Kind != "out_of_range" {
		t.Errorf("oversize write = %d %+v", status, resp)
	}

	status, _ = doRequest(t, app, "GET", "/api/synth/register/123", "")
	if status != 400 {
		t.Errorf("read of R123 = %d, want 400", status)
	}

	status, resp = doRequest(t, app, "POST", "/api/synth/registers/burst",
		`{"registers": [{"address": 43, "value": 1}, {"address": 42, "value": 0}]}`)
	if status != 200 || !strings.Contains(string(resp.Data), `"written":2`) {
		t.Errorf("burst = %d %s", status, resp.Data)
	}

	status, resp = doRequest(t, app, "GET", "/api/synth/registers", "")
	if status != 200 || !strings.Contains(string(resp.Data), `"R36"`) {
		t.Errorf("registers = %d %s", status, resp.Data)
	}
}

func TestSynthRegistersText(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/synth/registers?format=text", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	img, err := ParseRegisterImage(strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("text dump does not parse: %v\n%s", err, body)
	}
	if diffs := DefaultRegisterImage().Diff(img); len(diffs) != 0 {
		t.Errorf("text dump differs from power-up image: %v", diffs)
	}
}

func TestSynthReset(t *testing.T) {
	app, p := newTestApp(t)

	doRequest(t, app, "POST", "/api/synth/configure", `{"frequency_hz": 2400000000}`)
	status, resp := doRequest(t, app, "POST", "/api/synth/reset", "")
	if status != 200 || !resp.Success {
		t.Fatalf("reset = %d %+v", status, resp)
	}

	status, resp = doRequest(t, app, "GET", "/api/synth/status", "")
	if status != 200 || !strings.Contains(string(resp.Data), `"state":"idle"`) {
		t.Errorf("status = %d %s", status, resp.Data)
	}
	if p.sim.ResetCount != 1 {
		t.Errorf("ResetCount = %d", p.sim.ResetCount)
	}

	status, resp = doRequest(t, app, "POST", "/api/synth/output", `{"enabled": true}`)
	if status != 409 || resp.Success {
		t.Errorf("enable while idle = %d %+v", status, resp)
	}
}

func TestSynthEventsRequiresUpgrade(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/synth/events", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUpgradeRequired)
	}
}

func TestEventHub(t *testing.T) {
	h := newEventHub()
	events, cancel := h.subscribe()

	h.publish(Event{State: StateConfiguring})
	if ev := <-events; ev.State != StateConfiguring {
		t.Errorf("event state = %s", ev.State)
	}

	cancel()
	cancel()
	if _, ok := <-events; ok {
		t.Error("channel open after cancel")
	}

	h.close()
	late, _ := h.subscribe()
	if _, ok := <-late; ok {
		t.Error("subscription after close is open")
	}
	h.publish(Event{State: StateIdle})
}

var errAnyParse = errors.New("any parse error")

func TestParseFrequency(t *testing.T) {
	tests := []struct {
		input   string
		wantHz  int64
		wantErr error
	}{
		{"15GHz", 15_000_000_000, nil},
		{"2.4 GHz", 2_400_000_000, nil},
		{"15e9", 15_000_000_000, nil},
		{"15_000_000_000", 15_000_000_000, nil},
		{"100MHz", 100_000_000, nil},
		{"1000000000", 1_000_000_000, nil},
		{"", 0, errAnyParse},
		{"fast", 0, errAnyParse},
		{"-5", 0, ErrOutOfRange},
		{"-5GHz", 0, ErrOutOfRange},
		{"0", 0, ErrOutOfRange},
		{"-2.5e9", 0, ErrOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			f, err := ParseFrequency(tt.input)
			if tt.wantErr != nil {
				if err == nil {
					t.Fatalf("ParseFrequency(%q) = %s, want error", tt.input, f)
				}
				if tt.wantErr != errAnyParse && !errors.Is(err, tt.wantErr) {
					t.Errorf("ParseFrequency(%q) error = %v, want %v", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFrequency(%q) error = %v", tt.input, err)
			}
			if got := int64(f / 1_000_000); got != tt.wantHz {
				t.Errorf("ParseFrequency(%q) = %d Hz, want %d", tt.input, got, tt.wantHz)
			}
		})
	}
}

func TestSynthConfigDefaults(t *testing.T) {
	var cfg SynthConfig
	cfg.ApplyDefaults()

	p := cfg.Params()
	if p.Frequency != DefaultParams().Frequency || p.Power != DefaultPower || p.ChargePump != DefaultChargePump {
		t.Errorf("Params() = %+v", p)
	}
	if p.Reference != DefaultReference() {
		t.Errorf("Reference = %+v, want %+v", p.Reference, DefaultReference())
	}
	if cfg.SPI().DevicePath() != "/dev/spidev0.0" || cfg.SPI().CSPin != NoPin {
		t.Errorf("SPI() = %+v", cfg.SPI())
	}
	if lines := cfg.Lines(); lines != DisabledGPIO() {
		t.Errorf("Lines() = %+v, want all disabled", lines)
	}
	if cfg.HasLockDetectPin() {
		t.Error("HasLockDetectPin() = true with no GPIO chip")
	}
}

func TestResumedOutput(t *testing.T) {
	img := DefaultRegisterImage()

	tests := []struct {
		name string
		opts []SessionOption
		want bool
	}{
		{"fresh session", nil, false},
		{"resumed with output off", []SessionOption{WithResume(img, Status{State: StateLocked})}, false},
		{"resumed with output on", []SessionOption{WithLogger(nil), WithResume(img, Status{State: StateLocked, Output: true})}, true},
		{"no shadow to resume", []SessionOption{WithResume(nil, Status{Output: true})}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resumedOutput(tt.opts); got != tt.want {
				t.Errorf("resumedOutput() = %v, want %v", got, tt.want)
			}
		})
	}
}
