package protection

import (
	"bmscode-go/errcode"
	"bmscode-go/internal/bms/estimator"
	"bmscode-go/internal/bms/sampler"
)

// Class is one monitored condition.
type Class uint8

const (
	CellOverVoltage Class = iota
	CellUnderVoltage
	ChargeOverCurrent
	DischargeOverCurrent
	ShortCircuit
	OverTemperature
	UnderTemperature
	DischargeUnderTemperature

	NumClasses
)

var classNames = [NumClasses]string{
	CellOverVoltage:           "cell_ov",
	CellUnderVoltage:          "cell_uv",
	ChargeOverCurrent:         "chg_oc",
	DischargeOverCurrent:      "dis_oc",
	ShortCircuit:              "short",
	OverTemperature:           "ot",
	UnderTemperature:          "ut",
	DischargeUnderTemperature: "dis_ut",
}

func (c Class) String() string {
	if c < NumClasses {
		return classNames[c]
	}
	return "unknown"
}

func (c Class) Valid() bool { return c < NumClasses }

// ParseClass accepts the names produced by String.
func ParseClass(s string) (Class, error) {
	for i, n := range classNames {
		if n == s {
			return Class(i), nil
		}
	}
	return 0, errcode.UnknownClass
}

// low reports whether the class trips below its thresholds.
func (c Class) low() bool {
	return c == CellUnderVoltage || c == UnderTemperature || c == DischargeUnderTemperature
}

// source is the channel kind a class depends on.
func (c Class) source() sampler.Kind {
	switch c {
	case CellOverVoltage, CellUnderVoltage:
		return sampler.KindVoltage
	case ChargeOverCurrent, DischargeOverCurrent, ShortCircuit:
		return sampler.KindCurrent
	}
	return sampler.KindTemperature
}

// measure extracts the monitored value. ok is false when the pack state has
// no valid reading for it.
func (c Class) measure(ps estimator.PackState) (v float64, ok bool) {
	switch c {
	case CellOverVoltage:
		return ps.MaxCell, ps.MaxIndex >= 0 && len(ps.Cells) > 0
	case CellUnderVoltage:
		return ps.MinCell, ps.MinIndex >= 0 && len(ps.Cells) > 0
	case ChargeOverCurrent:
		return ps.Current, ps.CurrentValid
	case DischargeOverCurrent, ShortCircuit:
		return -ps.Current, ps.CurrentValid
	case OverTemperature:
		return ps.MaxTemp, anyValid(ps.Temperatures)
	case UnderTemperature, DischargeUnderTemperature:
		return ps.MinTemp, anyValid(ps.Temperatures)
	}
	return 0, false
}

func anyValid(ts []sampler.TempReading) bool {
	for _, t := range ts {
		if t.Valid {
			return true
		}
	}
	return false
}

// Set is a bitset of classes.
type Set uint32

func (s Set) Has(c Class) bool { return s&(1<<c) != 0 }
func (s Set) With(c Class) Set { return s | 1<<c }

// All is the set of every class.
const All Set = 1<<NumClasses - 1
