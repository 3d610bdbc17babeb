// Package estimator derives state of charge, state of health and internal
// resistance from successive samples.
package estimator

import (
	"math"
	"time"

	"bmscode-go/errcode"
	"bmscode-go/internal/bms/sampler"
	"bmscode-go/x/mathx"
)

type Config struct {
	CapacityAh float64

	// Open-circuit voltage curve. Voltages are per cell, either ascending
	// or descending, paired with SoC fractions. Empty disables correction.
	OCVVoltage []float64
	OCVSoC     []float64

	QuiescentCurrent  float64
	QuiescentDuration time.Duration
	OCVBlend          float64 // 1 snaps to the OCV estimate

	FadePerCycle float64
	R0           float64 // resistance at full health; 0 disables the cap

	LoadStepCurrent float64
	StalenessBound  time.Duration
	RFilter         float64 // EMA weight of a new measurement
	RMax            float64

	// Full/empty detection.
	ChargeVoltage    float64
	FullCurrent      float64
	DischargeVoltage float64
	FlagHysteresis   float64
}

func (c Config) Validate() error {
	bad := func(msg string) error {
		return &errcode.E{C: errcode.InvalidConfig, Op: "estimator", Msg: msg}
	}
	switch {
	case c.CapacityAh <= 0:
		return bad("capacity must be positive")
	case len(c.OCVVoltage) != len(c.OCVSoC):
		return bad("ocv table length mismatch")
	case c.OCVBlend < 0 || c.OCVBlend > 1:
		return bad("ocv blend outside [0,1]")
	case c.RFilter <= 0 || c.RFilter > 1:
		return bad("r filter outside (0,1]")
	case c.FadePerCycle < 0 || c.FadePerCycle >= 1:
		return bad("fade per cycle outside [0,1)")
	case c.LoadStepCurrent <= 0:
		return bad("load step must be positive")
	case c.StalenessBound <= 0:
		return bad("staleness bound must be positive")
	case c.DischargeVoltage >= c.ChargeVoltage:
		return bad("discharge voltage not below charge voltage")
	}
	for _, s := range c.OCVSoC {
		if s < 0 || s > 1 {
			return bad("ocv soc outside [0,1]")
		}
	}
	return nil
}

// PackState is owned by the control loop and replaced once per tick.
type PackState struct {
	Cells        []sampler.CellReading
	Current      float64 // amps, positive charging
	Temperatures []sampler.TempReading

	SoC        float64 // [0,1]
	SoH        float64 // [0,1], non-increasing
	Resistance float64 // ohms per cell; 0 until measured

	MinCell, MaxCell, AvgCell float64
	MinIndex, MaxIndex        int
	PackVoltage               float64
	CellsValid                bool
	MinTemp, MaxTemp          float64
	TempsValid                bool
	CurrentValid              bool

	Discharged float64 // cumulative Ah out of the pack
	Cycles     int     // equivalent full cycles accounted for in SoH
	QuietFor   time.Duration
	Full       bool
	Empty      bool

	At          time.Time
	Initialized bool
}

// Voltages returns the cell voltages in index order.
func (p PackState) Voltages() []float64 {
	out := make([]float64, len(p.Cells))
	for i, c := range p.Cells {
		out[i] = c.Voltage
	}
	return out
}

type Estimator struct {
	cfg Config
}

func New(cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Estimator{cfg: cfg}, nil
}

func (e *Estimator) Config() Config { return e.cfg }

// Init builds the first PackState, seeding SoC from the OCV curve.
func (e *Estimator) Init(s sampler.Sample) PackState {
	ps := PackState{SoC: 0.5, SoH: 1, Initialized: true}
	e.observe(&ps, s)
	if ps.CellsValid && len(e.cfg.OCVVoltage) > 0 {
		ps.SoC = e.ocvSoC(ps.AvgCell)
	}
	e.updateFlags(&ps)
	return ps
}

// Update advances prev by one sample taken dt after it. A StaleEstimate
// error is non-fatal: the returned state is valid and keeps the previous
// resistance estimate.
func (e *Estimator) Update(prev PackState, s sampler.Sample, dt time.Duration) (PackState, error) {
	if !prev.Initialized {
		return e.Init(s), nil
	}
	if dt < 0 {
		dt = 0
	}
	ps := prev
	e.observe(&ps, s)
	if !ps.CurrentValid {
		ps.Current = 0
	}
	hours := dt.Hours()

	// Coulomb counting against the usable capacity.
	usable := e.cfg.CapacityAh * math.Max(prev.SoH, 0.01)
	ps.SoC = mathx.Clamp(prev.SoC+ps.Current*hours/usable, 0, 1)

	// OCV correction once the pack has rested.
	if ps.CurrentValid && math.Abs(ps.Current) < e.cfg.QuiescentCurrent {
		ps.QuietFor = prev.QuietFor + dt
	} else {
		ps.QuietFor = 0
	}
	if ps.QuietFor >= e.cfg.QuiescentDuration && ps.CellsValid && len(e.cfg.OCVVoltage) > 0 {
		ocv := e.ocvSoC(ps.AvgCell)
		ps.SoC = mathx.Clamp(ps.SoC+e.cfg.OCVBlend*(ocv-ps.SoC), 0, 1)
	}

	// Equivalent full cycles from discharged throughput.
	if ps.Current < 0 {
		ps.Discharged = prev.Discharged - ps.Current*hours
	}
	var err error
	ps.Resistance, err = e.resistance(prev, ps, dt)

	// SoH moves only when a cycle completes, using the filtered resistance
	// at that point.
	cycles := int(ps.Discharged / e.cfg.CapacityAh)
	soh := prev.SoH
	if cycles > prev.Cycles {
		soh -= float64(cycles-prev.Cycles) * e.cfg.FadePerCycle
		if e.cfg.R0 > 0 && ps.Resistance > 0 {
			soh = math.Min(soh, e.cfg.R0/ps.Resistance)
		}
		ps.Cycles = cycles
	}
	ps.SoH = mathx.Clamp(math.Min(prev.SoH, soh), 0, 1)

	e.updateFlags(&ps)
	return ps, err
}

// resistance returns the filtered internal resistance after a load step
// between prev and cur, or prev.Resistance if there was none.
func (e *Estimator) resistance(prev, cur PackState, dt time.Duration) (float64, error) {
	if !prev.CellsValid || !cur.CellsValid || !prev.CurrentValid || !cur.CurrentValid {
		return prev.Resistance, nil
	}
	di := cur.Current - prev.Current
	if math.Abs(di) < e.cfg.LoadStepCurrent {
		return prev.Resistance, nil
	}
	if dt > e.cfg.StalenessBound {
		return prev.Resistance, &errcode.E{C: errcode.StaleEstimate, Op: "estimator", Msg: "load step sample pair too far apart"}
	}
	r := math.Abs((cur.AvgCell - prev.AvgCell) / di)
	if r <= 0 || (e.cfg.RMax > 0 && r > e.cfg.RMax) {
		return prev.Resistance, nil
	}
	if prev.Resistance == 0 {
		return r, nil
	}
	return prev.Resistance + e.cfg.RFilter*(r-prev.Resistance), nil
}

func (e *Estimator) ocvSoC(v float64) float64 {
	return mathx.Clamp(mathx.Interpolate(e.cfg.OCVVoltage, e.cfg.OCVSoC, v), 0, 1)
}

// observe copies the sample into ps and recomputes the derived fields.
// Invalid channels are excluded from the aggregates.
func (e *Estimator) observe(ps *PackState, s sampler.Sample) {
	ps.Cells = append([]sampler.CellReading(nil), s.Cells...)
	ps.Temperatures = append([]sampler.TempReading(nil), s.Temperatures...)
	ps.Current = s.Current
	ps.CurrentValid = s.CurrentValid
	ps.At = s.At

	ps.CellsValid = len(s.Cells) > 0
	ps.MinCell, ps.MaxCell, ps.AvgCell, ps.PackVoltage = 0, 0, 0, 0
	ps.MinIndex, ps.MaxIndex = -1, -1
	n := 0
	for _, c := range s.Cells {
		if !c.Valid {
			ps.CellsValid = false
			continue
		}
		if n == 0 || c.Voltage < ps.MinCell {
			ps.MinCell, ps.MinIndex = c.Voltage, c.Index
		}
		if n == 0 || c.Voltage > ps.MaxCell {
			ps.MaxCell, ps.MaxIndex = c.Voltage, c.Index
		}
		ps.PackVoltage += c.Voltage
		n++
	}
	if n > 0 {
		ps.AvgCell = ps.PackVoltage / float64(n)
	}

	ps.TempsValid = len(s.Temperatures) > 0
	ps.MinTemp, ps.MaxTemp = 0, 0
	m := 0
	for _, t := range s.Temperatures {
		if !t.Valid {
			ps.TempsValid = false
			continue
		}
		if m == 0 || t.Celsius < ps.MinTemp {
			ps.MinTemp = t.Celsius
		}
		if m == 0 || t.Celsius > ps.MaxTemp {
			ps.MaxTemp = t.Celsius
		}
		m++
	}
}

// updateFlags latches Full at the charge voltage once current tapers, and
// Empty at the discharge voltage. Both release with FlagHysteresis.
func (e *Estimator) updateFlags(ps *PackState) {
	if !ps.CellsValid {
		return
	}
	c := e.cfg
	switch {
	case !ps.Full && ps.MaxCell >= c.ChargeVoltage && math.Abs(ps.Current) <= c.FullCurrent:
		ps.Full = true
		ps.SoC = 1
	case ps.Full && ps.MaxCell < c.ChargeVoltage-c.FlagHysteresis:
		ps.Full = false
	}
	switch {
	case !ps.Empty && ps.MinCell <= c.DischargeVoltage:
		ps.Empty = true
		ps.SoC = 0
	case ps.Empty && ps.MinCell > c.DischargeVoltage+c.FlagHysteresis:
		ps.Empty = false
	}
}
