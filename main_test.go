package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/linht/synth-manager/plugins"
)

// runCLI runs the command with an isolated config and .env
func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()

	dir := t.TempDir()
	base := []string{
		"-config", writeFile(t, "config.yaml", "log_level: warn\n"),
		"-env", filepath.Join(dir, ".env"),
	}

	var stdout, stderr bytes.Buffer
	code := run(append(base, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunSimulated(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantCode   int
		wantStdout []string
	}{
		{
			name:       "configure",
			args:       []string{"-simulate", "-freq", "15GHz"},
			wantCode:   plugins.ExitOK,
			wantStdout: []string{"locked: 15000000000 Hz", "band 10_22", "N=75 NUM=0"},
		},
		{
			name:       "configure with text dump",
			args:       []string{"-simulate", "-freq", "2.4 GHz", "-dump", "text"},
			wantCode:   plugins.ExitOK,
			wantStdout: []string{"locked: 2400000000 Hz", "R0\t0x00", "R78\t0x4E"},
		},
		{
			name:       "external doubler",
			args:       []string{"-simulate", "-freq", "30GHz", "-ext-doubler"},
			wantCode:   plugins.ExitOK,
			wantStdout: []string{"band 22_32"},
		},
		{
			name:     "unsupported frequency",
			args:     []string{"-simulate", "-freq", "50GHz"},
			wantCode: plugins.ExitUnsupportedFrequency,
		},
		{
			name:     "power out of range",
			args:     []string{"-simulate", "-freq", "1GHz", "-power", "8"},
			wantCode: plugins.ExitOutOfRange,
		},
		{
			name:       "reset only",
			args:       []string{"-simulate", "-reset"},
			wantCode:   plugins.ExitOK,
			wantStdout: []string{"reset"},
		},
		{
			name:       "lock check",
			args:       []string{"-simulate", "-lock"},
			wantCode:   plugins.ExitOK,
			wantStdout: []string{"locked: true"},
		},
		{
			name:       "enable without retuning",
			args:       []string{"-simulate", "-enable"},
			wantCode:   plugins.ExitOK,
			wantStdout: []string{"output: enabled"},
		},
		{
			name:       "disable without retuning",
			args:       []string{"-simulate", "-disable"},
			wantCode:   plugins.ExitOK,
			wantStdout: []string{"output: disabled"},
		},
		{
			name:       "configure then disable",
			args:       []string{"-simulate", "-freq", "1GHz", "-disable"},
			wantCode:   plugins.ExitOK,
			wantStdout: []string{"locked: 1000000000 Hz", "output: disabled"},
		},
		{
			name:     "negative frequency",
			args:     []string{"-simulate", "-freq", "-5"},
			wantCode: plugins.ExitOutOfRange,
		},
		{
			name:     "missing device",
			args:     []string{"-device", "/dev/does-not-exist-spidev9.9", "-freq", "1GHz"},
			wantCode: plugins.ExitDeviceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, stdout, stderr := runCLI(t, tt.args...)
			if code != tt.wantCode {
				t.Fatalf("exit code = %d, want %d\nstdout: %s\nstderr: %s", code, tt.wantCode, stdout, stderr)
			}
			for _, want := range tt.wantStdout {
				if !strings.Contains(stdout, want) {
					t.Errorf("stdout missing %q:\n%s", want, stdout)
				}
			}
		})
	}
}

func TestRunDryRun(t *testing.T) {
	code, stdout, stderr := runCLI(t, "-dry-run", "-freq", "15GHz", "-dump", "yaml")
	if code != plugins.ExitOK {
		t.Fatalf("exit code = %d\n%s", code, stderr)
	}
	for _, want := range []string{"registers:", "post_lock:", "target_hz: 15000000000", "10_22"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("yaml dump missing %q:\n%s", want, stdout)
		}
	}

	code, stdout, _ = runCLI(t, "-dry-run", "-freq", "1GHz")
	if code != plugins.ExitOK {
		t.Fatalf("exit code = %d", code)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if !strings.HasPrefix(lines[len(lines)-1], "R78\t") || !strings.HasSuffix(lines[len(lines)-1], "# after lock") {
		t.Errorf("last line = %q, want the post-lock R78 write", lines[len(lines)-1])
	}
	if !strings.HasPrefix(lines[len(lines)-2], "R0\t") {
		t.Errorf("R0 is not the last pre-lock write: %q", lines[len(lines)-2])
	}
}

func TestRunUsage(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"unknown flag", []string{"-nope"}, plugins.ExitUsage},
		{"extra argument", []string{"15GHz"}, plugins.ExitUsage},
		{"bad frequency", []string{"-dry-run", "-freq", "fast"}, plugins.ExitUsage},
		{"negative frequency", []string{"-dry-run", "-freq", "-5"}, plugins.ExitOutOfRange},
		{"zero reference", []string{"-dry-run", "-ref", "0"}, plugins.ExitOutOfRange},
		{"enable and disable", []string{"-simulate", "-enable", "-disable"}, plugins.ExitUsage},
		{"bad dump format", []string{"-dry-run", "-dump", "xml"}, plugins.ExitUsage},
		{"help", []string{"-h"}, plugins.ExitOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, _ := runCLI(t, tt.args...); code != tt.want {
				t.Errorf("exit code = %d, want %d", code, tt.want)
			}
		})
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, &stdout, &stderr); code != plugins.ExitUsage {
		t.Errorf("missing explicit config: exit code = %d, want %d", code, plugins.ExitUsage)
	}
}

func TestAPIRequiresLogin(t *testing.T) {
	cfg := defaultConfig()
	cfg.Synth.Simulate = true
	cfg.Synth.ApplyDefaults()
	cfg.Images.Dir = t.TempDir()
	cfg.Plugins = []string{"synth", "images", "unknown"}
	config = cfg

	sessionMu.Lock()
	currentSession = nil
	sessionMu.Unlock()

	app, loaded, err := newApp(cfg)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d plugins, want 2", len(loaded))
	}
	t.Cleanup(func() {
		for _, p := range loaded {
			p.Shutdown()
		}
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/synth/status", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status without token = %d", resp.StatusCode)
	}

	sessionMu.Lock()
	currentSession = &Session{Token: "abc", ExpiresAt: time.Now().Add(time.Hour)}
	sessionMu.Unlock()
	t.Cleanup(func() {
		sessionMu.Lock()
		currentSession = nil
		sessionMu.Unlock()
	})

	req := httptest.NewRequest("POST", "/api/synth/configure", strings.NewReader(`{"frequency": "8GHz"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth-Token", "abc")
	resp, err = app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out plugins.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 || !out.Success || out.Message != "Synthesizer locked" {
		t.Errorf("configure = %d %+v", resp.StatusCode, out)
	}

	if !validateToken("abc") || validateToken("abd") || validateToken("") {
		t.Error("validateToken() accepted the wrong tokens")
	}
}
