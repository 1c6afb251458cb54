package plugins

import "fmt"

// LMX2820 serial frame: one R/W bit, a 7-bit address and 16 data bits,
// clocked MSB first in a single chip-select window.
const (
	BusWordLen = 3
	readFlag   = 0x80
	addrMask   = 0x7F
	maxValue   = 0xFFFF
)

// Register is one addressable device register
type Register struct {
	Address uint8  `json:"address" yaml:"address"`
	Value   uint16 `json:"value" yaml:"value"`
}

func (r Register) String() string {
	return fmt.Sprintf("R%d=0x%04X", r.Address, r.Value)
}

// BusWord is the raw frame clocked onto the wire for one register
type BusWord []byte

// NewRegister validates address and value against the device's widths
func NewRegister(addr uint, value uint) (Register, error) {
	if addr > RegLastAddr {
		return Register{}, &RangeError{Field: "register address", Value: uint64(addr), Max: RegLastAddr}
	}
	if value > maxValue {
		return Register{}, &RangeError{Field: fmt.Sprintf("R%d value", addr), Value: uint64(value), Max: maxValue}
	}
	return Register{Address: uint8(addr), Value: uint16(value)}, nil
}

// Encode packs a register into a write frame
func Encode(reg Register) (BusWord, error) {
	if reg.Address > RegLastAddr {
		return nil, &RangeError{Field: "register address", Value: uint64(reg.Address), Max: RegLastAddr}
	}
	return BusWord{reg.Address & addrMask, byte(reg.Value >> 8), byte(reg.Value)}, nil
}

// EncodeRaw validates an unchecked address/value pair and encodes it
func EncodeRaw(addr uint, value uint) (BusWord, error) {
	reg, err := NewRegister(addr, value)
	if err != nil {
		return nil, err
	}
	return Encode(reg)
}

// EncodeRead builds a read request for addr; the data bits are don't-care
func EncodeRead(addr uint8) (BusWord, error) {
	if addr > RegLastAddr {
		return nil, &RangeError{Field: "register address", Value: uint64(addr), Max: RegLastAddr}
	}
	return BusWord{readFlag | addr, 0x00, 0x00}, nil
}

// Decode unpacks a write frame. The R/W bit must be clear and the address
// must name an implemented register.
func Decode(word BusWord) (Register, error) {
	if len(word) != BusWordLen {
		return Register{}, &WordError{Word: word, Reason: fmt.Sprintf("length %d, want %d", len(word), BusWordLen)}
	}
	if word[0]&readFlag != 0 {
		return Register{}, &WordError{Word: word, Reason: "read flag set"}
	}
	addr := word[0] & addrMask
	if addr > RegLastAddr {
		return Register{}, &WordError{Word: word, Reason: fmt.Sprintf("address R%d is not implemented", addr)}
	}
	return Register{Address: addr, Value: uint16(word[1])<<8 | uint16(word[2])}, nil
}

// DecodeReadback extracts the data clocked back on MISO for a read of addr.
// The first byte shifted out while the address is sent carries no data.
func DecodeReadback(addr uint8, rx []byte) (Register, error) {
	if len(rx) != BusWordLen {
		return Register{}, &WordError{Word: rx, Reason: fmt.Sprintf("readback length %d, want %d", len(rx), BusWordLen)}
	}
	if addr > RegLastAddr {
		return Register{}, &RangeError{Field: "register address", Value: uint64(addr), Max: RegLastAddr}
	}
	return Register{Address: addr, Value: uint16(rx[1])<<8 | uint16(rx[2])}, nil
}

// Field is a bit range inside a register, MSB and LSB inclusive
type Field struct {
	Name    string
	Address uint8
	MSB     uint8
	LSB     uint8
}

// Width returns the field width in bits
func (f Field) Width() uint8 {
	return f.MSB - f.LSB + 1
}

// Max returns the largest value the field can hold
func (f Field) Max() uint32 {
	return 1<<f.Width() - 1
}

func (f Field) mask() uint16 {
	return uint16(f.Max() << f.LSB)
}

// Set returns regValue with the field replaced by value
func (f Field) Set(regValue uint16, value uint32) (uint16, error) {
	if value > f.Max() {
		return regValue, &RangeError{Field: f.Name, Value: uint64(value), Max: uint64(f.Max())}
	}
	return regValue&^f.mask() | uint16(value<<f.LSB)&f.mask(), nil
}

// Get extracts the field from regValue
func (f Field) Get(regValue uint16) uint32 {
	return uint32(regValue&f.mask()) >> f.LSB
}
