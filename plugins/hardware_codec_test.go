package plugins

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		reg  Register
		want BusWord
	}{
		{"R0", Register{Address: 0, Value: 0x6470}, BusWord{0x00, 0x64, 0x70}},
		{"R36 N divider", Register{Address: RegPllN, Value: 0x004B}, BusWord{0x24, 0x00, 0x4B}},
		{"last register", Register{Address: RegLastAddr, Value: 0xFFFF}, BusWord{0x7A, 0xFF, 0xFF}},
		{"zero value", Register{Address: RegOutAPwr, Value: 0}, BusWord{0x4F, 0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			word, err := Encode(tt.reg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !bytes.Equal(word, tt.want) {
				t.Errorf("Encode() = % X, want % X", []byte(word), []byte(tt.want))
			}

			got, err := Decode(word)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got != tt.reg {
				t.Errorf("Decode(Encode(%v)) = %v", tt.reg, got)
			}
		})
	}
}

func TestEncodeDecodeEveryRegister(t *testing.T) {
	step := uint(1)
	if testing.Short() {
		step = 257
	}

	for addr := uint(0); addr <= RegLastAddr; addr++ {
		for value := uint(0); value <= maxValue; value += step {
			word, err := EncodeRaw(addr, value)
			if err != nil {
				t.Fatalf("EncodeRaw(%d, %#04x) error = %v", addr, value, err)
			}
			if len(word) != BusWordLen || word[0]&readFlag != 0 {
				t.Fatalf("EncodeRaw(%d, %#04x) = % X, want a %d byte write frame", addr, value, []byte(word), BusWordLen)
			}
			got, err := Decode(word)
			if err != nil {
				t.Fatalf("Decode(% X) error = %v", []byte(word), err)
			}
			if uint(got.Address) != addr || uint(got.Value) != value {
				t.Fatalf("Decode(EncodeRaw(%d, %#04x)) = %v", addr, value, got)
			}
		}
	}
}

func TestEncodeRawRejectsEveryWideValue(t *testing.T) {
	wide := []uint{maxValue + 1, maxValue + 2, 1 << 20, 1 << 31, ^uint(0)}
	for value := uint(maxValue + 1); value <= 2*maxValue+1; value += 251 {
		wide = append(wide, value)
	}

	for addr := uint(0); addr <= RegLastAddr; addr++ {
		for _, value := range wide {
			word, err := EncodeRaw(addr, value)
			if !errors.Is(err, ErrOutOfRange) || word != nil {
				t.Fatalf("EncodeRaw(%d, %#x) = % X, %v, want ErrOutOfRange and no frame", addr, value, []byte(word), err)
			}
		}
	}

	for addr := uint(RegLastAddr + 1); addr <= 0xFF; addr++ {
		if _, err := EncodeRaw(addr, 0); !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("EncodeRaw(%d, 0) error = %v, want ErrOutOfRange", addr, err)
		}
	}
}

func TestEncodeRawOutOfRange(t *testing.T) {
	tests := []struct {
		name  string
		addr  uint
		value uint
	}{
		{"value wider than 16 bits", 36, 0x10000},
		{"address past last register", 123, 0},
		{"address wider than 7 bits", 200, 0x1234},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeRaw(tt.addr, tt.value)
			if !errors.Is(err, ErrOutOfRange) {
				t.Fatalf("EncodeRaw(%d, %#x) error = %v, want ErrOutOfRange", tt.addr, tt.value, err)
			}
			var rangeErr *RangeError
			if !errors.As(err, &rangeErr) {
				t.Fatalf("error %T is not a *RangeError", err)
			}
			if ExitCode(err) != ExitOutOfRange {
				t.Errorf("ExitCode() = %d, want %d", ExitCode(err), ExitOutOfRange)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		word BusWord
	}{
		{"short", BusWord{0x24, 0x00}},
		{"long", BusWord{0x24, 0x00, 0x4B, 0x00}},
		{"empty", BusWord{}},
		{"read flag set", BusWord{0xA4, 0x00, 0x4B}},
		{"unimplemented address", BusWord{0x7F, 0x12, 0x34}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.word)
			if !errors.Is(err, ErrMalformedWord) {
				t.Fatalf("Decode(% X) error = %v, want ErrMalformedWord", []byte(tt.word), err)
			}
		})
	}
}

func TestEncodeRead(t *testing.T) {
	word, err := EncodeRead(RegReadLD)
	if err != nil {
		t.Fatalf("EncodeRead() error = %v", err)
	}
	if want := (BusWord{0xCA, 0x00, 0x00}); !bytes.Equal(word, want) {
		t.Errorf("EncodeRead(R74) = % X, want % X", []byte(word), []byte(want))
	}

	reg, err := DecodeReadback(RegReadLD, []byte{0x00, 0x80, 0x00})
	if err != nil {
		t.Fatalf("DecodeReadback() error = %v", err)
	}
	if FieldReadLD.Get(reg.Value) != LockDetectLocked {
		t.Errorf("rb_LD = %d, want %d", FieldReadLD.Get(reg.Value), LockDetectLocked)
	}

	if _, err := DecodeReadback(RegReadLD, []byte{0x00}); !errors.Is(err, ErrMalformedWord) {
		t.Errorf("short readback error = %v, want ErrMalformedWord", err)
	}
}

func TestFieldSetGet(t *testing.T) {
	tests := []struct {
		name  string
		field Field
		reg   uint16
		value uint32
		want  uint16
	}{
		{"single bit set", FieldFcalEn, 0x6460, 1, 0x6470},
		{"single bit clear", FieldOutAPD, 0x0041, 0, 0x0001},
		{"multi bit keeps neighbours", FieldPllR, 0xF01F, 0xFF, 0xFFFF},
		{"full width", FieldNumLo, 0x1234, 0xBEEF, 0xBEEF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.field.Set(tt.reg, tt.value)
			if err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Set() = %#04x, want %#04x", got, tt.want)
			}
			if v := tt.field.Get(got); v != tt.value {
				t.Errorf("Get() = %d, want %d", v, tt.value)
			}
		})
	}

	if _, err := FieldOutAPwr.Set(0, 8); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Set() past field width error = %v, want ErrOutOfRange", err)
	}
}
