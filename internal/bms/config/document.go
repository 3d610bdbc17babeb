package config

import (
	"time"

	"bmscode-go/errcode"
	"bmscode-go/internal/bms/protection"
	"bmscode-go/internal/bms/sampler"
	"bmscode-go/internal/util"
	"bmscode-go/x/timex"
)

// Document is the JSON form published on config/bms. Only chemistry, cells,
// capacity and shunt are required; every other field overrides the preset.
type Document struct {
	Chemistry     string  `json:"chemistry"`
	Cells         int     `json:"cells"`
	CapacityAh    float64 `json:"capacity_ah"`
	ShuntMilliOhm float64 `json:"shunt_mohm"`
	BoardMaxA     float64 `json:"board_max_a,omitempty"`
	TickMs        *int64  `json:"tick_ms,omitempty"`

	// StackToleranceV bounds the stack reading against the sum of the
	// cells; 0 disables the check.
	StackToleranceV *float64 `json:"stack_tolerance_v,omitempty"`

	Calibration *CalibrationDoc     `json:"calibration,omitempty"`
	Estimator   *EstimatorDoc       `json:"estimator,omitempty"`
	Protection  map[string]ClassDoc `json:"protection,omitempty"`
	Balancing   *BalancingDoc       `json:"balancing,omitempty"`
}

// CalibrationDoc carries the front-end trim when it is not read from the device.
type CalibrationDoc struct {
	GainMicroV   int32    `json:"gain_uv"`
	OffsetMilliV int32    `json:"offset_mv"`
	Beta         *float64 `json:"beta,omitempty"`
}

type EstimatorDoc struct {
	QuiescentA   *float64 `json:"quiescent_a,omitempty"`
	QuiescentMs  *int64   `json:"quiescent_ms,omitempty"`
	OCVBlend     *float64 `json:"ocv_blend,omitempty"`
	FadePerCycle *float64 `json:"fade_per_cycle,omitempty"`
	R0Ohm        *float64 `json:"r0_ohm,omitempty"`
	LoadStepA    *float64 `json:"load_step_a,omitempty"`
	StalenessMs  *int64   `json:"staleness_ms,omitempty"`
	RFilter      *float64 `json:"r_filter,omitempty"`
}

type ClassDoc struct {
	Enabled         *bool    `json:"enabled,omitempty"`
	Warn            *float64 `json:"warn,omitempty"`
	Fault           *float64 `json:"fault,omitempty"`
	Hysteresis      *float64 `json:"hysteresis,omitempty"`
	WarnHysteresis  *float64 `json:"warn_hysteresis,omitempty"`
	WarnMs          *int64   `json:"warn_ms,omitempty"`
	FaultMs         *int64   `json:"fault_ms,omitempty"`
	ClearMs         *int64   `json:"clear_ms,omitempty"`
	ImmediateTrip   *bool    `json:"immediate,omitempty"`
	Latching        *bool    `json:"latching,omitempty"`
	BlocksCharge    *bool    `json:"blocks_chg,omitempty"`
	BlocksDischarge *bool    `json:"blocks_dis,omitempty"`
}

type BalancingDoc struct {
	Enabled         *bool    `json:"enabled,omitempty"`
	ThresholdV      *float64 `json:"threshold_v,omitempty"`
	HysteresisV     *float64 `json:"hysteresis_v,omitempty"`
	MaxActive       *int     `json:"max_active,omitempty"`
	IdleA           *float64 `json:"idle_a,omitempty"`
	IdleDelayMs     *int64   `json:"idle_delay_ms,omitempty"`
	MinCellV        *float64 `json:"min_cell_v,omitempty"`
	NoAdjacent      *bool    `json:"no_adjacent,omitempty"`
	ThermalCapacity *float64 `json:"thermal_capacity,omitempty"`
	ThermalDecay    *float64 `json:"thermal_decay,omitempty"`
}

// Parse decodes a bus payload ([]byte, string or map) into a validated Config.
func Parse(payload any) (Config, error) {
	var doc Document
	if err := util.DecodeJSON(payload, &doc); err != nil {
		return Config{}, errcode.Wrap(errcode.InvalidPayload, "config", err)
	}
	return doc.Build()
}

// Build applies the document on top of the chemistry preset and validates.
func (d Document) Build() (Config, error) {
	chem, err := ParseChemistry(d.Chemistry)
	if err != nil {
		return Config{}, err
	}
	c, err := Default(chem, d.Cells, d.CapacityAh, Board{ShuntOhms: d.ShuntMilliOhm / 1000, MaxCurrent: d.BoardMaxA})
	if err != nil {
		return Config{}, err
	}
	if d.TickMs != nil {
		c.TickPeriod = timex.FromMs(*d.TickMs)
		c.Estimator.StalenessBound = 2 * c.TickPeriod
	}
	setF(&c.Sampler.Limits.StackTolerance, d.StackToleranceV)
	if cd := d.Calibration; cd != nil {
		cal := &c.Sampler.Calibration
		trim := sampler.BQ769x0(cd.GainMicroV, cd.OffsetMilliV, c.Board.ShuntOhms)
		cal.Cell, cal.Stack = trim.Cell, trim.Stack
		setF(&cal.Temperature.Beta, cd.Beta)
		c.CalibrationSet = true
	}
	if ed := d.Estimator; ed != nil {
		e := &c.Estimator
		setF(&e.QuiescentCurrent, ed.QuiescentA)
		setD(&e.QuiescentDuration, ed.QuiescentMs)
		setF(&e.OCVBlend, ed.OCVBlend)
		setF(&e.FadePerCycle, ed.FadePerCycle)
		setF(&e.R0, ed.R0Ohm)
		setF(&e.LoadStepCurrent, ed.LoadStepA)
		setD(&e.StalenessBound, ed.StalenessMs)
		setF(&e.RFilter, ed.RFilter)
	}
	for name, cd := range d.Protection {
		cl, err := protection.ParseClass(name)
		if err != nil {
			return Config{}, &errcode.E{C: errcode.InvalidConfig, Op: "config", Msg: "unknown protection class " + name}
		}
		p := &c.Protection.Classes[cl]
		setB(&p.Enabled, cd.Enabled)
		setF(&p.Warn, cd.Warn)
		setF(&p.Fault, cd.Fault)
		setF(&p.Hysteresis, cd.Hysteresis)
		setF(&p.WarnHysteresis, cd.WarnHysteresis)
		setD(&p.WarnDebounce, cd.WarnMs)
		setD(&p.FaultDebounce, cd.FaultMs)
		setD(&p.ClearDebounce, cd.ClearMs)
		setB(&p.ImmediateTrip, cd.ImmediateTrip)
		setB(&p.Latching, cd.Latching)
		setB(&p.BlocksCharge, cd.BlocksCharge)
		setB(&p.BlocksDischarge, cd.BlocksDischarge)
	}
	if bd := d.Balancing; bd != nil {
		b := &c.Balancing
		setB(&b.Enabled, bd.Enabled)
		setF(&b.Threshold, bd.ThresholdV)
		setF(&b.Hysteresis, bd.HysteresisV)
		if bd.MaxActive != nil {
			b.MaxActive = *bd.MaxActive
		}
		setF(&b.IdleCurrent, bd.IdleA)
		setD(&b.IdleDelay, bd.IdleDelayMs)
		setF(&b.MinCellVoltage, bd.MinCellV)
		setB(&b.NoAdjacent, bd.NoAdjacent)
		setF(&b.ThermalCapacity, bd.ThermalCapacity)
		setF(&b.ThermalDecay, bd.ThermalDecay)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setF(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setB(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setD(dst *time.Duration, ms *int64) {
	if ms != nil {
		*dst = timex.FromMs(*ms)
	}
}
