package plugins

import (
	"path/filepath"
	"slices"
	"testing"
)

func TestRegistry(t *testing.T) {
	if names := Names(); !slices.Contains(names, "images") || !slices.Contains(names, "synth") {
		t.Fatalf("Names() = %v, want images and synth", names)
	}
	if _, ok := Get("nope"); ok {
		t.Error("Get() found an unregistered plugin")
	}

	var simulated SynthConfig
	simulated.Simulate = true

	tests := []struct {
		name    string
		config  any
		wantErr bool
	}{
		{"synth", simulated, false},
		{"synth", &simulated, false},
		{"synth", ImagesConfig{}, true},
		{"images", ImagesConfig{Dir: filepath.Join(t.TempDir(), "images")}, false},
		{"images", simulated, true},
	}

	for _, tt := range tests {
		factory, ok := Get(tt.name)
		if !ok {
			t.Fatalf("Get(%q) not registered", tt.name)
		}
		p, err := factory(tt.config)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s factory(%T) error = %v, wantErr %v", tt.name, tt.config, err, tt.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if p.Name() != tt.name {
			t.Errorf("%s factory built plugin %q", tt.name, p.Name())
		}
		p.Shutdown()
	}
}
