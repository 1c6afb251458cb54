package plugins

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultRegisterImage(t *testing.T) {
	img := DefaultRegisterImage()
	if img.Len() == 0 {
		t.Fatal("embedded image is empty")
	}

	addrs := img.Addresses()
	if addrs[len(addrs)-1] != RegR0 {
		t.Errorf("last address = R%d, want R0", addrs[len(addrs)-1])
	}
	for i := 1; i < len(addrs); i++ {
		if addrs[i] >= addrs[i-1] {
			t.Fatalf("addresses not descending at %d: %v", i, addrs)
		}
	}

	if got := img.GetField(FieldMult); got != 1 {
		t.Errorf("MULT = %d, want 1", got)
	}
}

func TestParseRegisterImage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[uint8]uint16
		wantErr error
	}{
		{
			name:  "short values",
			input: "R36 0x004B\nR0 0x6470\n",
			want:  map[uint8]uint16{36: 0x004B, 0: 0x6470},
		},
		{
			name:  "full words with comments",
			input: "# TICS Pro export\n\nR36\t0x24004B\nR0\t0x006470\n",
			want:  map[uint8]uint16{36: 0x004B, 0: 0x6470},
		},
		{
			name:    "word address disagrees with name",
			input:   "R36 0x25004B\n",
			wantErr: ErrMalformedWord,
		},
		{
			name:    "word with read flag",
			input:   "R36 0xA4004B\n",
			wantErr: ErrMalformedWord,
		},
		{
			name:    "unimplemented register",
			input:   "R123 0x0000\n",
			wantErr: ErrOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := ParseRegisterImage(strings.NewReader(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseRegisterImage() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRegisterImage() error = %v", err)
			}
			if img.Len() != len(tt.want) {
				t.Fatalf("Len() = %d, want %d", img.Len(), len(tt.want))
			}
			for addr, want := range tt.want {
				if got, ok := img.Get(addr); !ok || got != want {
					t.Errorf("R%d = %#04x (present %v), want %#04x", addr, got, ok, want)
				}
			}
		})
	}
}

func TestParseRegisterImageSyntax(t *testing.T) {
	for _, input := range []string{"R36", "X36 0x0000", "R36 zz", "Rabc 0x0000"} {
		if _, err := ParseRegisterImage(strings.NewReader(input)); err == nil {
			t.Errorf("ParseRegisterImage(%q) succeeded, want error", input)
		}
	}
}

func TestRegisterImageWriteToRoundTrip(t *testing.T) {
	img := DefaultRegisterImage()

	var buf bytes.Buffer
	if _, err := img.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "image.txt")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadRegisterImage(path)
	if err != nil {
		t.Fatalf("LoadRegisterImage() error = %v", err)
	}
	if diffs := img.Diff(loaded); len(diffs) != 0 {
		t.Errorf("reloaded image differs: %v", diffs)
	}
	if loaded.Len() != img.Len() {
		t.Errorf("Len() = %d, want %d", loaded.Len(), img.Len())
	}
}

func TestRegisterImageDiff(t *testing.T) {
	base := NewRegisterImage()
	base.Set(0, 0x6470)
	base.Set(36, 0x0028)
	base.Set(78, 0x0041)

	next := base.Clone()
	next.Set(36, 0x004B)
	next.Set(43, 0x0001)

	diffs := base.Diff(next)
	want := []RegisterDiff{
		{Address: 36, Old: 0x0028, New: 0x004B},
		{Address: 43, New: 0x0001, Added: true},
	}
	if len(diffs) != len(want) {
		t.Fatalf("Diff() = %v, want %v", diffs, want)
	}
	for i := range want {
		if diffs[i] != want[i] {
			t.Errorf("diff[%d] = %+v, want %+v", i, diffs[i], want[i])
		}
	}

	if got := diffs[0].String(); got != "R036: 0x0028 -> 0x004B" {
		t.Errorf("String() = %q", got)
	}

	// Clone is independent of its source
	if v, _ := base.Get(36); v != 0x0028 {
		t.Errorf("base R36 = %#04x after modifying clone", v)
	}
}

func TestDescribeRegister(t *testing.T) {
	if got := DescribeRegister(RegPllN); !strings.Contains(got, "PLL N") {
		t.Errorf("DescribeRegister(R36) = %q", got)
	}
	if got := DescribeRegister(5); got != "R5 - Reserved" {
		t.Errorf("DescribeRegister(R5) = %q", got)
	}
	if got := DescribeRegister(127); got != "R127 - Unimplemented" {
		t.Errorf("DescribeRegister(R127) = %q", got)
	}
}
