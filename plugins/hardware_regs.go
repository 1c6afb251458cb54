package plugins

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
)

// LMX2820 register addresses
const (
	RegR0       = 0  // FCAL_EN, MUXOUT_LD_SEL, RESET, POWERDOWN
	RegOsc2x    = 11 // Reference doubler
	RegMult     = 12 // Reference multiplier
	RegPllR     = 13 // Post-multiplier R divider
	RegPllRPre  = 14 // Pre-multiplier R divider
	RegCpg      = 16 // Charge pump gain
	RegChdiv    = 32 // Channel divider A
	RegMash     = 35 // Sigma-delta modulator order
	RegPllN     = 36 // Integer N divider
	RegDenHi    = 38 // PLL_DEN[31:16]
	RegDenLo    = 39 // PLL_DEN[15:0]
	RegNumHi    = 42 // PLL_NUM[31:16]
	RegNumLo    = 43 // PLL_NUM[15:0]
	RegReadLD   = 74 // Lock detect readback (read only)
	RegOutAMux  = 78 // RFOUTA mux and power down
	RegOutAPwr  = 79 // RFOUTA power
	RegLastAddr = 122

	// Address field is 7 bits wide
	RegAddrBits = 7
)

// Register fields used by the session
var (
	FieldFcalEn      = Field{Name: "FCAL_EN", Address: RegR0, MSB: 4, LSB: 4}
	FieldMuxoutLDSel = Field{Name: "MUXOUT_LD_SEL", Address: RegR0, MSB: 2, LSB: 2}
	FieldReset       = Field{Name: "RESET", Address: RegR0, MSB: 1, LSB: 1}
	FieldPowerdown   = Field{Name: "POWERDOWN", Address: RegR0, MSB: 0, LSB: 0}
	FieldOsc2x       = Field{Name: "OSC_2X", Address: RegOsc2x, MSB: 4, LSB: 4}
	FieldMult        = Field{Name: "MULT", Address: RegMult, MSB: 12, LSB: 10}
	FieldPllR        = Field{Name: "PLL_R", Address: RegPllR, MSB: 12, LSB: 5}
	FieldPllRPre     = Field{Name: "PLL_R_PRE", Address: RegPllRPre, MSB: 11, LSB: 0}
	FieldCpg         = Field{Name: "CPG", Address: RegCpg, MSB: 3, LSB: 0}
	FieldChdivA      = Field{Name: "CHDIVA", Address: RegChdiv, MSB: 8, LSB: 6}
	FieldMashOrder   = Field{Name: "MASH_ORDER", Address: RegMash, MSB: 8, LSB: 7}
	FieldPllN        = Field{Name: "PLL_N", Address: RegPllN, MSB: 14, LSB: 0}
	FieldDenHi       = Field{Name: "PLL_DEN_MSB", Address: RegDenHi, MSB: 15, LSB: 0}
	FieldDenLo       = Field{Name: "PLL_DEN_LSB", Address: RegDenLo, MSB: 15, LSB: 0}
	FieldNumHi       = Field{Name: "PLL_NUM_MSB", Address: RegNumHi, MSB: 15, LSB: 0}
	FieldNumLo       = Field{Name: "PLL_NUM_LSB", Address: RegNumLo, MSB: 15, LSB: 0}
	FieldReadLD      = Field{Name: "rb_LD", Address: RegReadLD, MSB: 15, LSB: 14}
	FieldOutAPD      = Field{Name: "OUTA_PD", Address: RegOutAMux, MSB: 6, LSB: 6}
	FieldOutAMux     = Field{Name: "OUTA_MUX", Address: RegOutAMux, MSB: 1, LSB: 0}
	FieldOutAPwr     = Field{Name: "OUTA_PWR", Address: RegOutAPwr, MSB: 3, LSB: 1}
)

// OUTA_MUX values
const (
	OutMuxChdiv   = 0 // VCO through channel divider
	OutMuxVco     = 1 // VCO direct
	OutMuxDoubler = 2 // VCO through internal doubler
)

// rb_LD values
const (
	LockDetectUnlockedLow  = 0
	LockDetectInvalid      = 1
	LockDetectLocked       = 2
	LockDetectUnlockedHigh = 3
)

// MUXOUT_LD_SEL values
const (
	MuxoutReadback   = 0
	MuxoutLockDetect = 1
)

// Register descriptions for UI and dumps
var RegisterDescriptions = map[uint8]string{
	RegR0:      "R0 - Calibration, reset, power down",
	RegOsc2x:   "R11 - Reference doubler",
	RegMult:    "R12 - Reference multiplier",
	RegPllR:    "R13 - PLL R divider",
	RegPllRPre: "R14 - PLL R pre-divider",
	RegCpg:     "R16 - Charge pump gain",
	RegChdiv:   "R32 - Channel divider A",
	RegMash:    "R35 - MASH order",
	RegPllN:    "R36 - PLL N divider",
	RegDenHi:   "R38 - PLL denominator MSB",
	RegDenLo:   "R39 - PLL denominator LSB",
	RegNumHi:   "R42 - PLL numerator MSB",
	RegNumLo:   "R43 - PLL numerator LSB",
	RegReadLD:  "R74 - Lock detect readback",
	RegOutAMux: "R78 - RFOUTA mux and power down",
	RegOutAPwr: "R79 - RFOUTA power",
}

// DescribeRegister returns the UI description of a register
func DescribeRegister(addr uint8) string {
	if desc, ok := RegisterDescriptions[addr]; ok {
		return desc
	}
	if addr > RegLastAddr {
		return fmt.Sprintf("R%d - Unimplemented", addr)
	}
	return fmt.Sprintf("R%d - Reserved", addr)
}

//go:embed data/lmx2820_defaults.txt
var defaultImageText string

// RegisterImage is a sparse shadow of device register contents. Only
// registers present in the image are ever written, reserved registers the
// image does not name are left at their power-up state.
type RegisterImage struct {
	values map[uint8]uint16
}

// NewRegisterImage returns an empty image
func NewRegisterImage() *RegisterImage {
	return &RegisterImage{values: make(map[uint8]uint16)}
}

// DefaultRegisterImage returns the embedded power-up image
func DefaultRegisterImage() *RegisterImage {
	img, err := ParseRegisterImage(strings.NewReader(defaultImageText))
	if err != nil {
		panic(fmt.Sprintf("embedded register image: %v", err))
	}
	return img
}

// LoadRegisterImage reads an image file in TICS Pro hex export format
func LoadRegisterImage(path string) (*RegisterImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open register image %s: %w", path, err)
	}
	defer f.Close()

	img, err := ParseRegisterImage(f)
	if err != nil {
		return nil, fmt.Errorf("register image %s: %w", path, err)
	}
	return img, nil
}

// ParseRegisterImage parses lines of the form "R<n> 0x<hex>". Blank lines and
// lines starting with '#' are skipped. A value wider than 16 bits is a full
// bus word whose address byte must agree with <n>.
func ParseRegisterImage(r io.Reader) (*RegisterImage, error) {
	img := NewRegisterImage()
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			return nil, fmt.Errorf("line %d: invalid format %q", lineNum, line)
		}
		if !strings.HasPrefix(parts[0], "R") {
			return nil, fmt.Errorf("line %d: invalid register name %q", lineNum, parts[0])
		}

		addr, err := strconv.ParseUint(parts[0][1:], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid register number %q", lineNum, parts[0])
		}
		raw, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(parts[1]), "0x"), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid hex value %q", lineNum, parts[1])
		}

		reg, err := NewRegister(uint(addr), uint(raw&0xFFFF))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}

		if raw > 0xFFFF {
			word := BusWord{byte(raw >> 16), byte(raw >> 8), byte(raw)}
			decoded, err := Decode(word)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			if decoded.Address != reg.Address {
				return nil, fmt.Errorf("line %d: %w", lineNum, &WordError{
					Word:   word,
					Reason: fmt.Sprintf("address byte names R%d, line names R%d", decoded.Address, reg.Address),
				})
			}
		}

		img.values[reg.Address] = reg.Value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read register image: %w", err)
	}

	return img, nil
}

// Clone returns an independent copy
func (img *RegisterImage) Clone() *RegisterImage {
	out := NewRegisterImage()
	for addr, value := range img.values {
		out.values[addr] = value
	}
	return out
}

// Get returns a register value and whether the image holds it
func (img *RegisterImage) Get(addr uint8) (uint16, bool) {
	value, ok := img.values[addr]
	return value, ok
}

// Set stores a register value
func (img *RegisterImage) Set(addr uint8, value uint16) {
	img.values[addr] = value
}

// SetField updates one field, adding the register if the image lacks it
func (img *RegisterImage) SetField(f Field, value uint32) error {
	updated, err := f.Set(img.values[f.Address], value)
	if err != nil {
		return err
	}
	img.values[f.Address] = updated
	return nil
}

// GetField extracts one field, zero when the register is absent
func (img *RegisterImage) GetField(f Field) uint32 {
	return f.Get(img.values[f.Address])
}

// Len returns the number of registers in the image
func (img *RegisterImage) Len() int {
	return len(img.values)
}

// Addresses returns the image's addresses in descending order, R0 last
func (img *RegisterImage) Addresses() []uint8 {
	addrs := make([]uint8, 0, len(img.values))
	for addr := range img.values {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)
	slices.Reverse(addrs)
	return addrs
}

// Registers returns the image contents in write order
func (img *RegisterImage) Registers() []Register {
	addrs := img.Addresses()
	regs := make([]Register, 0, len(addrs))
	for _, addr := range addrs {
		regs = append(regs, Register{Address: addr, Value: img.values[addr]})
	}
	return regs
}

// RegisterDiff is one register that differs between two images
type RegisterDiff struct {
	Address uint8  `json:"address" yaml:"address"`
	Old     uint16 `json:"old" yaml:"old"`
	New     uint16 `json:"new" yaml:"new"`
	Added   bool   `json:"added,omitempty" yaml:"added,omitempty"`
}

func (d RegisterDiff) String() string {
	if d.Added {
		return fmt.Sprintf("R%03d: (unset) -> 0x%04X", d.Address, d.New)
	}
	return fmt.Sprintf("R%03d: 0x%04X -> 0x%04X", d.Address, d.Old, d.New)
}

// Diff lists registers of next that are absent from or differ in img, in
// ascending address order
func (img *RegisterImage) Diff(next *RegisterImage) []RegisterDiff {
	var diffs []RegisterDiff
	addrs := next.Addresses()
	slices.Reverse(addrs)

	for _, addr := range addrs {
		newValue := next.values[addr]
		oldValue, ok := img.values[addr]
		if ok && oldValue == newValue {
			continue
		}
		diffs = append(diffs, RegisterDiff{Address: addr, Old: oldValue, New: newValue, Added: !ok})
	}
	return diffs
}

// WriteTo writes the image in the format ParseRegisterImage reads, using
// full 24-bit bus words like a TICS Pro export
func (img *RegisterImage) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, addr := range img.Addresses() {
		n, err := fmt.Fprintf(w, "R%d\t0x%02X%04X\n", addr, addr, img.values[addr])
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
