// Package sampler reads raw front-end channels once per tick and converts
// them to calibrated cell voltages, pack current and temperatures.
package sampler

import (
	"time"

	"bmscode-go/errcode"
	"bmscode-go/x/mathx"
)

// Raw is one channel code as read from the front end.
type Raw struct {
	Value int32
	Valid bool
}

// Session is one scoped acquisition. It is opened and closed within a
// single Sample call.
type Session interface {
	Cell(i int) Raw
	Current() Raw
	Temperature(i int) Raw
	Close() error
}

// StackSession is a Session that also measures the whole stack, used to
// cross-check the sum of the cell readings.
type StackSession interface {
	Session
	Stack() Raw
}

// Frontend opens acquisition sessions on the measurement hardware.
type Frontend interface {
	Begin() (Session, error)
}

// CellReading is immutable once captured.
type CellReading struct {
	Index   int
	Voltage float64 // volts
	At      time.Time
	Valid   bool
}

type TempReading struct {
	Index   int
	Celsius float64
	Valid   bool
}

type Sample struct {
	Cells        []CellReading
	Current      float64 // amps, positive charging
	CurrentValid bool
	Temperatures []TempReading
	At           time.Time
}

// Voltages returns the cell voltages in index order.
func (s Sample) Voltages() []float64 {
	out := make([]float64, len(s.Cells))
	for i, c := range s.Cells {
		out[i] = c.Voltage
	}
	return out
}

// Limits bound the plausible range of each channel kind. Values outside
// indicate an open wire, a short or a converter fault.
type Limits struct {
	CellMin    float64
	CellMax    float64
	CurrentMax float64
	TempMin    float64
	TempMax    float64

	// StackTolerance is the largest accepted difference between the
	// stack reading and the sum of the cells, in volts. Zero disables
	// the check.
	StackTolerance float64
}

type Config struct {
	Cells       int
	Sensors     int
	Calibration Calibration
	Limits      Limits
}

func (c Config) Validate() error {
	switch {
	case c.Cells <= 0:
		return &errcode.E{C: errcode.InvalidConfig, Op: "sampler", Msg: "cells must be positive"}
	case c.Sensors < 0:
		return &errcode.E{C: errcode.InvalidConfig, Op: "sampler", Msg: "negative sensor count"}
	case c.Limits.CellMin >= c.Limits.CellMax:
		return &errcode.E{C: errcode.InvalidConfig, Op: "sampler", Msg: "cell limits inverted"}
	case c.Limits.TempMin >= c.Limits.TempMax:
		return &errcode.E{C: errcode.InvalidConfig, Op: "sampler", Msg: "temperature limits inverted"}
	case c.Limits.StackTolerance < 0:
		return &errcode.E{C: errcode.InvalidConfig, Op: "sampler", Msg: "negative stack tolerance"}
	case c.Limits.CurrentMax <= 0:
		return &errcode.E{C: errcode.InvalidConfig, Op: "sampler", Msg: "current limit must be positive"}
	case c.Calibration.Current.Ohms <= 0:
		return &errcode.E{C: errcode.InvalidConfig, Op: "sampler", Msg: "shunt resistance must be positive"}
	}
	return nil
}

type Sampler struct {
	fe  Frontend
	cfg Config
}

func New(fe Frontend, cfg Config) (*Sampler, error) {
	if fe == nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "sampler", Msg: "nil frontend"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sampler{fe: fe, cfg: cfg}, nil
}

func (s *Sampler) Config() Config { return s.cfg }

// Sample reads every channel once, stamped with at. On any invalid or
// out-of-range channel it returns a *SensorFault together with a Sample in
// which the failing channels have Valid == false.
func (s *Sampler) Sample(at time.Time) (Sample, error) {
	out := Sample{
		Cells:        make([]CellReading, s.cfg.Cells),
		Temperatures: make([]TempReading, s.cfg.Sensors),
		At:           at,
	}
	for i := range out.Cells {
		out.Cells[i] = CellReading{Index: i, At: at}
	}
	for i := range out.Temperatures {
		out.Temperatures[i] = TempReading{Index: i}
	}

	fault := &SensorFault{}
	sess, err := s.fe.Begin()
	if err != nil {
		for i := range out.Cells {
			fault.add(KindVoltage, i, 0, "frontend unavailable")
		}
		fault.add(KindCurrent, 0, 0, "frontend unavailable")
		for i := range out.Temperatures {
			fault.add(KindTemperature, i, 0, "frontend unavailable")
		}
		fault.Err = err
		return out, fault
	}

	lim := s.cfg.Limits
	cal := s.cfg.Calibration
	for i := range out.Cells {
		raw := sess.Cell(i)
		if !raw.Valid {
			fault.add(KindVoltage, i, raw.Value, "read failed")
			continue
		}
		v := cal.Cell.Apply(raw.Value)
		if !mathx.Between(v, lim.CellMin, lim.CellMax) {
			fault.add(KindVoltage, i, raw.Value, "out of range")
			continue
		}
		out.Cells[i].Voltage = v
		out.Cells[i].Valid = true
	}
	if ss, ok := sess.(StackSession); ok && lim.StackTolerance > 0 && len(fault.Channels) == 0 {
		s.checkStack(ss.Stack(), out.Cells, fault)
	}

	if raw := sess.Current(); !raw.Valid {
		fault.add(KindCurrent, 0, raw.Value, "read failed")
	} else if a := cal.Current.Amps(raw.Value); !mathx.Between(a, -lim.CurrentMax, lim.CurrentMax) {
		fault.add(KindCurrent, 0, raw.Value, "out of range")
	} else {
		out.Current = a
		out.CurrentValid = true
	}

	for i := range out.Temperatures {
		raw := sess.Temperature(i)
		if !raw.Valid {
			fault.add(KindTemperature, i, raw.Value, "read failed")
			continue
		}
		c, ok := cal.Temperature.Celsius(raw.Value)
		if !ok {
			fault.add(KindTemperature, i, raw.Value, "open or shorted")
			continue
		}
		if !mathx.Between(c, lim.TempMin, lim.TempMax) {
			fault.add(KindTemperature, i, raw.Value, "out of range")
			continue
		}
		out.Temperatures[i].Celsius = c
		out.Temperatures[i].Valid = true
	}

	cerr := sess.Close()
	if len(fault.Channels) > 0 {
		fault.Err = cerr
		return out, fault
	}
	if cerr != nil {
		return out, &errcode.E{C: errcode.Error, Op: "sampler", Msg: "close", Err: cerr}
	}
	return out, nil
}

// checkStack compares the stack reading with the sum of the cells. A
// mismatch means a cell channel reads wrong without leaving its range, so
// it is reported against the voltage channels at index len(cells).
func (s *Sampler) checkStack(raw Raw, cells []CellReading, fault *SensorFault) {
	n := len(cells)
	if !raw.Valid {
		fault.add(KindVoltage, n, raw.Value, "stack read failed")
		return
	}
	var sum float64
	for _, c := range cells {
		sum += c.Voltage
	}
	if mathx.Abs(s.cfg.Calibration.Stack.Volts(raw.Value, n)-sum) > s.cfg.Limits.StackTolerance {
		fault.add(KindVoltage, n, raw.Value, "stack mismatch")
	}
}
