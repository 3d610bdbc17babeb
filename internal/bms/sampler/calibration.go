package sampler

import (
	"math"

	"bmscode-go/x/mathx"
)

// Linear maps a raw code to volts: raw*Gain + Offset.
type Linear struct {
	Gain   float64
	Offset float64
}

func (l Linear) Apply(raw int32) float64 { return float64(raw)*l.Gain + l.Offset }

// Stack converts a whole-stack code: raw*Gain plus one Offset per cell.
type Stack struct {
	Gain   float64
	Offset float64
}

func (s Stack) Volts(raw int32, cells int) float64 {
	return float64(raw)*s.Gain + float64(cells)*s.Offset
}

// Shunt converts a coulomb-counter code to amps. Readings inside the dead
// band are reported as zero.
type Shunt struct {
	LSB      float64 // volts per code across the shunt
	Ohms     float64 // shunt resistance
	DeadBand float64 // amps
}

func (s Shunt) Amps(raw int32) float64 {
	if s.Ohms == 0 {
		return 0
	}
	a := float64(raw) * s.LSB / s.Ohms
	if mathx.Abs(a) < s.DeadBand {
		return 0
	}
	return a
}

// Thermistor is an NTC on a pull-up divider, evaluated with the Beta equation.
type Thermistor struct {
	LSB    float64 // volts per code at the divider tap
	PullUp float64 // ohms
	Ref    float64 // divider supply
	R25    float64 // ohms at 25 °C
	Beta   float64
}

// Celsius returns the temperature for raw, or false if the divider voltage
// indicates an open or shorted sensor.
func (t Thermistor) Celsius(raw int32) (float64, bool) {
	v := float64(raw) * t.LSB
	if v <= 0 || v >= t.Ref || t.Beta == 0 || t.R25 == 0 {
		return 0, false
	}
	r := t.PullUp * v / (t.Ref - v)
	inv := 1/298.15 + math.Log(r/t.R25)/t.Beta
	return 1/inv - 273.15, true
}

// Calibration holds the conversion constants for every channel kind.
// Conversions are pure functions of the raw value and these constants.
type Calibration struct {
	Cell        Linear
	Stack       Stack
	Current     Shunt
	Temperature Thermistor
}

// BQ769x0 returns the calibration for a bq769x0 front end with the given
// factory trim and shunt.
func BQ769x0(gainMicroV, offsetMilliV int32, shuntOhms float64) Calibration {
	return Calibration{
		Cell:    Linear{Gain: float64(gainMicroV) * 1e-6, Offset: float64(offsetMilliV) * 1e-3},
		Stack:   Stack{Gain: 4 * float64(gainMicroV) * 1e-6, Offset: float64(offsetMilliV) * 1e-3},
		Current: Shunt{LSB: 8.44e-6, Ohms: shuntOhms, DeadBand: 0.010},
		Temperature: Thermistor{
			LSB:    382e-6,
			PullUp: 10000,
			Ref:    3.3,
			R25:    10000,
			Beta:   3435,
		},
	}
}
