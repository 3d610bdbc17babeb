package config

import "bmscode-go/errcode"

// Chemistry selects a preset of cell limits and an OCV curve.
type Chemistry string

const (
	LFP   Chemistry = "lfp"
	NMC   Chemistry = "nmc"
	NMCHV Chemistry = "nmc_hv"
	LTO   Chemistry = "lto"
)

// cellLimits are per-cell voltages in volts.
type cellLimits struct {
	ov, ovReset   float64
	charge        float64
	balanceMin    float64
	uvReset       float64
	discharge, uv float64
	ocv           []float64 // 100 % down to 0 % in 5 % steps; nil if unknown
}

var presets = map[Chemistry]cellLimits{
	LFP: {
		ov: 3.80, ovReset: 3.40, charge: 3.55, balanceMin: 3.30,
		uvReset: 3.10, discharge: 2.80, uv: 2.50,
		ocv: []float64{
			3.392, 3.314, 3.309, 3.308, 3.304, 3.296, 3.283, 3.275, 3.271, 3.268, 3.265,
			3.264, 3.262, 3.252, 3.240, 3.226, 3.213, 3.190, 3.177, 3.132, 2.833,
		},
	},
	NMC: {
		ov: 4.25, ovReset: 4.05, charge: 4.20, balanceMin: 3.80,
		uvReset: 3.50, discharge: 3.20, uv: 3.00,
		ocv: []float64{
			4.198, 4.135, 4.089, 4.056, 4.026, 3.993, 3.962, 3.924, 3.883, 3.858, 3.838,
			3.819, 3.803, 3.787, 3.764, 3.745, 3.726, 3.702, 3.684, 3.588, 2.800,
		},
	},
	NMCHV: {
		ov: 4.35, ovReset: 4.15, charge: 4.30, balanceMin: 3.80,
		uvReset: 3.50, discharge: 3.20, uv: 3.00,
	},
	LTO: {
		ov: 2.85, ovReset: 2.70, charge: 2.80, balanceMin: 2.50,
		uvReset: 2.10, discharge: 2.00, uv: 1.90,
	},
}

// ParseChemistry validates a chemistry name.
func ParseChemistry(s string) (Chemistry, error) {
	c := Chemistry(s)
	if _, ok := presets[c]; !ok {
		return "", &errcode.E{C: errcode.InvalidConfig, Op: "config", Msg: "unknown chemistry " + s}
	}
	return c, nil
}

// ocvSoC is the SoC axis matching the preset OCV tables.
func ocvSoC() []float64 {
	out := make([]float64, 21)
	for i := range out {
		out[i] = 1 - float64(i)*0.05
	}
	return out
}
