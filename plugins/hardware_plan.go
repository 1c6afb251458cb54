package plugins

import (
	"fmt"
	"math/big"

	"periph.io/x/conn/v3/physic"
)

// LMX2820 synthesis limits
const (
	VCOMinHz = 5_650_000_000
	VCOMaxHz = 11_300_000_000

	PFDMinHz = 5_000_000
	PFDMaxHz = 400_000_000

	MinPLLN = 12
	MaxPLLN = 1<<15 - 1

	// Denominator used when the exact fraction does not fit in 32 bits
	DefaultDenominator = 1<<32 - 1

	// Highest output reachable through the board's external doubler
	ExternalDoublerMaxHz = 40_000_000_000
)

// Channel divider ratios and their CHDIVA codes
var channelDividers = []struct {
	ratio uint64
	code  uint32
}{
	{2, 0}, {4, 1}, {8, 2}, {16, 3}, {32, 4}, {64, 5}, {128, 6},
}

// Board RF switch bands, selected by output frequency
var bands = []struct {
	name     string
	maxHz    uint64
	position int
	external bool
}{
	{"1_10", 10_000_000_000, 0, false},
	{"10_22", 2 * VCOMaxHz, 1, false},
	{"22_32", 32_000_000_000, 2, true},
	{"32_40", ExternalDoublerMaxHz, 3, true},
}

// MinOutputHz is the lowest frequency reachable through the channel divider
const MinOutputHz = VCOMinHz / 128

// ReferenceConfig describes the reference input path
type ReferenceConfig struct {
	Frequency physic.Frequency `json:"frequency" yaml:"frequency"`
	Doubler   bool             `json:"doubler" yaml:"doubler"`
	Mult      uint32           `json:"mult" yaml:"mult"`
	PreR      uint32           `json:"pre_r" yaml:"pre_r"`
	R         uint32           `json:"r" yaml:"r"`
}

// DefaultReference is a 100 MHz oscillator with every divider bypassed
func DefaultReference() ReferenceConfig {
	return ReferenceConfig{Frequency: 100 * physic.MegaHertz, Mult: 1, PreR: 1, R: 1}
}

// pfd returns the phase detector frequency as the exact ratio num/den Hz
func (r ReferenceConfig) pfd() (*big.Rat, error) {
	osc, err := wholeHertz("reference frequency", r.Frequency)
	if err != nil {
		return nil, err
	}
	if r.Mult != 1 && (r.Mult < 3 || r.Mult > 7) {
		return nil, &RangeError{Field: "MULT", Value: uint64(r.Mult), Min: 1, Max: 7}
	}
	if r.PreR < 1 || r.PreR > FieldPllRPre.Max() {
		return nil, &RangeError{Field: "PLL_R_PRE", Value: uint64(r.PreR), Min: 1, Max: uint64(FieldPllRPre.Max())}
	}
	if r.R < 1 || r.R > FieldPllR.Max() {
		return nil, &RangeError{Field: "PLL_R", Value: uint64(r.R), Min: 1, Max: uint64(FieldPllR.Max())}
	}

	num := new(big.Int).SetUint64(osc)
	if r.Doubler {
		num.Lsh(num, 1)
	}
	num.Mul(num, big.NewInt(int64(r.Mult)))
	den := big.NewInt(int64(r.PreR) * int64(r.R))
	pfd := new(big.Rat).SetFrac(num, den)

	if pfd.Cmp(big.NewRat(PFDMinHz, 1)) < 0 || pfd.Cmp(big.NewRat(PFDMaxHz, 1)) > 0 {
		f, _ := pfd.Float64()
		return nil, &RangeError{Field: "phase detector frequency", Value: uint64(f), Min: PFDMinHz, Max: PFDMaxHz}
	}
	return pfd, nil
}

// FrequencyPlan is the divider solution for one target frequency
type FrequencyPlan struct {
	Target          uint64  `json:"target_hz" yaml:"target_hz"`
	Actual          float64 `json:"actual_hz" yaml:"actual_hz"`
	Error           float64 `json:"error_hz" yaml:"error_hz"`
	PFD             float64 `json:"pfd_hz" yaml:"pfd_hz"`
	VCO             float64 `json:"vco_hz" yaml:"vco_hz"`
	Band            string  `json:"band" yaml:"band"`
	SwitchPosition  int     `json:"switch_position" yaml:"switch_position"`
	ExternalDoubler bool    `json:"external_doubler" yaml:"external_doubler"`
	OutMux          uint32  `json:"outa_mux" yaml:"outa_mux"`
	ChannelDivider  uint64  `json:"chdiv,omitempty" yaml:"chdiv,omitempty"`
	ChdivCode       uint32  `json:"-" yaml:"-"`
	N               uint32  `json:"n" yaml:"n"`
	Num             uint32  `json:"num" yaml:"num"`
	Den             uint32  `json:"den" yaml:"den"`
}

// Fractional reports whether the plan needs the sigma-delta modulator
func (p *FrequencyPlan) Fractional() bool {
	return p.Num != 0
}

// PlanFrequency finds the output path and PLL divider values that synthesize
// target from ref. externalDoubler reports whether the board carries the
// external x2 stage needed above 22.6 GHz.
func PlanFrequency(target physic.Frequency, ref ReferenceConfig, tolerance physic.Frequency, externalDoubler bool) (*FrequencyPlan, error) {
	f, err := wholeHertz("target frequency", target)
	if err != nil {
		return nil, &FrequencyError{Frequency: uint64(target / physic.Hertz), Reason: err.Error()}
	}

	maxHz := uint64(2 * VCOMaxHz)
	if externalDoubler {
		maxHz = ExternalDoublerMaxHz
	}
	if f < MinOutputHz || f > maxHz {
		return nil, &FrequencyError{
			Frequency: f,
			Reason:    fmt.Sprintf("outside supported range %d-%d Hz", uint64(MinOutputHz), maxHz),
		}
	}

	plan := &FrequencyPlan{Target: f}
	for _, b := range bands {
		if f <= b.maxHz {
			plan.Band = b.name
			plan.SwitchPosition = b.position
			plan.ExternalDoubler = b.external
			break
		}
	}

	// vco = f * vcoMul / vcoDiv
	var vcoMul, vcoDiv uint64 = 1, 1
	switch {
	case f < VCOMinHz:
		plan.OutMux = OutMuxChdiv
		for _, d := range channelDividers {
			vco := f * d.ratio
			if vco >= VCOMinHz && vco <= VCOMaxHz {
				plan.ChannelDivider = d.ratio
				plan.ChdivCode = d.code
				vcoMul = d.ratio
				break
			}
		}
		if plan.ChannelDivider == 0 {
			return nil, &FrequencyError{Frequency: f, Reason: "no channel divider places the VCO in range"}
		}
	case f <= VCOMaxHz:
		plan.OutMux = OutMuxVco
	case f <= 2*VCOMaxHz:
		plan.OutMux = OutMuxDoubler
		vcoDiv = 2
	default:
		plan.OutMux = OutMuxDoubler
		vcoDiv = 4
	}

	vco := new(big.Rat).SetFrac(
		new(big.Int).SetUint64(f*vcoMul),
		new(big.Int).SetUint64(vcoDiv),
	)
	if vco.Cmp(big.NewRat(VCOMinHz, 1)) < 0 || vco.Cmp(big.NewRat(VCOMaxHz, 1)) > 0 {
		return nil, &FrequencyError{Frequency: f, Reason: "VCO frequency outside 5.65-11.3 GHz"}
	}

	pfd, err := ref.pfd()
	if err != nil {
		return nil, err
	}

	ratio := new(big.Rat).Quo(vco, pfd)
	n, num, den := splitRatio(ratio)
	if n < MinPLLN || n > MaxPLLN {
		return nil, &FrequencyError{
			Frequency: f,
			Reason:    fmt.Sprintf("PLL_N %d outside %d-%d", n, MinPLLN, MaxPLLN),
		}
	}
	plan.N, plan.Num, plan.Den = uint32(n), num, den

	actualVCO := new(big.Rat).Mul(pfd, divisionRatio(plan.N, plan.Num, plan.Den))
	actual := new(big.Rat).Mul(actualVCO, big.NewRat(int64(vcoDiv), int64(vcoMul)))
	diff := new(big.Rat).Sub(actual, new(big.Rat).SetInt(new(big.Int).SetUint64(f)))
	diff.Abs(diff)

	plan.PFD, _ = pfd.Float64()
	plan.VCO, _ = actualVCO.Float64()
	plan.Actual, _ = actual.Float64()
	plan.Error, _ = diff.Float64()

	tol := new(big.Rat).SetFrac(big.NewInt(int64(tolerance)), big.NewInt(int64(physic.Hertz)))
	if diff.Cmp(tol) > 0 {
		return nil, &FrequencyError{
			Frequency: f,
			Reason:    fmt.Sprintf("closest achievable frequency is off by %.6f Hz, tolerance %s", plan.Error, tolerance),
		}
	}

	return plan, nil
}

// splitRatio turns N+NUM/DEN into register values, using the exact reduced
// fraction when its denominator fits in 32 bits
func splitRatio(ratio *big.Rat) (n uint64, num, den uint32) {
	q, r := new(big.Int).QuoRem(ratio.Num(), ratio.Denom(), new(big.Int))
	n = q.Uint64()
	if r.Sign() == 0 {
		return n, 0, 1
	}

	if ratio.Denom().IsUint64() && ratio.Denom().Uint64() <= DefaultDenominator {
		return n, uint32(r.Uint64()), uint32(ratio.Denom().Uint64())
	}

	// round(r * DEN / denom)
	scaled := new(big.Int).Mul(r, big.NewInt(DefaultDenominator))
	scaled.Lsh(scaled, 1)
	scaled.Add(scaled, ratio.Denom())
	scaled.Quo(scaled, new(big.Int).Lsh(ratio.Denom(), 1))

	if scaled.Uint64() >= DefaultDenominator {
		return n + 1, 0, 1
	}
	return n, uint32(scaled.Uint64()), DefaultDenominator
}

func divisionRatio(n, num, den uint32) *big.Rat {
	if den == 0 {
		den = 1
	}
	r := new(big.Rat).SetFrac64(int64(num), int64(den))
	return r.Add(r, new(big.Rat).SetInt64(int64(n)))
}

// SynthesizedFrequency evaluates the synthesis formula over register contents.
// It is the inverse of the planning step and is used to check a decoded
// register map against the requested frequency.
func SynthesizedFrequency(img *RegisterImage, osc physic.Frequency, externalDoubler bool) (float64, error) {
	ref := ReferenceConfig{
		Frequency: osc,
		Doubler:   img.GetField(FieldOsc2x) == 1,
		Mult:      img.GetField(FieldMult),
		PreR:      img.GetField(FieldPllRPre),
		R:         img.GetField(FieldPllR),
	}
	pfd, err := ref.pfd()
	if err != nil {
		return 0, err
	}

	num := img.GetField(FieldNumHi)<<16 | img.GetField(FieldNumLo)
	den := img.GetField(FieldDenHi)<<16 | img.GetField(FieldDenLo)
	vco := new(big.Rat).Mul(pfd, divisionRatio(img.GetField(FieldPllN), num, den))

	switch img.GetField(FieldOutAMux) {
	case OutMuxChdiv:
		code := img.GetField(FieldChdivA)
		if code >= uint32(len(channelDividers)) {
			return 0, &RangeError{Field: "CHDIVA", Value: uint64(code), Max: uint64(len(channelDividers) - 1)}
		}
		vco.Quo(vco, new(big.Rat).SetInt64(int64(channelDividers[code].ratio)))
	case OutMuxVco:
	case OutMuxDoubler:
		vco.Mul(vco, big.NewRat(2, 1))
		if externalDoubler {
			vco.Mul(vco, big.NewRat(2, 1))
		}
	default:
		return 0, &RangeError{Field: "OUTA_MUX", Value: uint64(img.GetField(FieldOutAMux)), Max: OutMuxDoubler}
	}

	out, _ := vco.Float64()
	return out, nil
}

// wholeHertz converts a physic.Frequency to an integral number of hertz
func wholeHertz(name string, f physic.Frequency) (uint64, error) {
	if f <= 0 {
		return 0, &RangeError{Field: name, Value: 0, Min: 1, Max: uint64(ExternalDoublerMaxHz)}
	}
	if f%physic.Hertz != 0 {
		return 0, fmt.Errorf("%s %s is not a whole number of hertz: %w", name, f, ErrOutOfRange)
	}
	return uint64(f / physic.Hertz), nil
}
