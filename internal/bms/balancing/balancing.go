// Package balancing selects the cells to bleed each tick.
package balancing

import (
	"math"
	"sort"
	"time"

	"bmscode-go/errcode"
	"bmscode-go/internal/bms/estimator"
	"bmscode-go/internal/bms/protection"
	"bmscode-go/x/mathx"
)

type Config struct {
	Enabled bool

	Threshold  float64 // V above the lowest cell
	Hysteresis float64 // V subtracted from Threshold for cells already bleeding
	MaxActive  int

	// Bleeding only starts after the pack has been idle for IdleDelay and
	// only for cells above MinCellVoltage.
	IdleCurrent    float64
	IdleDelay      time.Duration
	MinCellVoltage float64

	// NoAdjacent forbids bleeding neighbouring cells together, as required
	// by front ends whose bleed FETs share a sense line.
	NoAdjacent bool

	// Thermal budget in cell-seconds of bleeding. Zero capacity disables it.
	ThermalCapacity float64
	ThermalDecay    float64 // cell-seconds recovered per second
}

func (c Config) Validate() error {
	bad := func(msg string) error {
		return &errcode.E{C: errcode.InvalidConfig, Op: "balancing", Msg: msg}
	}
	switch {
	case c.MaxActive < 0 || c.MaxActive > 32:
		return bad("max active outside 0..32")
	case c.Threshold < 0 || c.Hysteresis < 0:
		return bad("negative threshold")
	case c.Hysteresis > c.Threshold:
		return bad("hysteresis larger than threshold")
	case c.ThermalCapacity < 0 || c.ThermalDecay < 0:
		return bad("negative thermal budget")
	case c.IdleDelay < 0:
		return bad("negative idle delay")
	}
	return nil
}

// Plan is the bleed selection for one tick. Load and Idle carry the
// scheduler's memory from tick to tick, so Plan is a pure function of its
// inputs.
type Plan struct {
	Cells []int     // selected cells, highest voltage first
	Duty  []float64 // duty applied this tick per entry of Cells, 0 or 1
	On    bool      // bleed switches closed during this tick

	Load float64       // thermal accumulator, cell-seconds
	Idle time.Duration // time the pack has been idle
}

// Mask returns the bleed switch mask to apply for this tick.
func (p Plan) Mask() uint32 {
	if !p.On {
		return 0
	}
	var m uint32
	for _, c := range p.Cells {
		m |= 1 << uint(c)
	}
	return m
}

// Active reports whether cell i is selected.
func (p Plan) Active(i int) bool {
	for _, c := range p.Cells {
		if c == i {
			return true
		}
	}
	return false
}

type Scheduler struct {
	cfg Config
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{cfg: cfg}, nil
}

func (s *Scheduler) Config() Config { return s.cfg }

// Plan computes the next plan from the pack state, the protection status
// and the prior plan.
func (s *Scheduler) Plan(ps estimator.PackState, st protection.Status, prior Plan, dt time.Duration) Plan {
	cfg := s.cfg
	if dt < 0 {
		dt = 0
	}
	sec := dt.Seconds()

	next := Plan{
		Load: math.Max(0, prior.Load-cfg.ThermalDecay*sec),
	}
	if ps.CurrentValid && math.Abs(ps.Current) < cfg.IdleCurrent {
		next.Idle = prior.Idle + dt
	}

	if !cfg.Enabled || cfg.MaxActive == 0 || !ps.CellsValid ||
		!st.ChargeAllowed() || !st.DischargeAllowed() || next.Idle < cfg.IdleDelay {
		return next
	}

	type cand struct {
		idx int
		v   float64
	}
	var cands []cand
	for _, c := range ps.Cells {
		limit := ps.MinCell + cfg.Threshold
		if prior.Active(c.Index) {
			limit -= cfg.Hysteresis
		}
		if c.Voltage > limit && c.Voltage > cfg.MinCellVoltage {
			cands = append(cands, cand{c.Index, c.Voltage})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].v != cands[j].v {
			return cands[i].v > cands[j].v
		}
		return cands[i].idx < cands[j].idx
	})

	for _, c := range cands {
		if len(next.Cells) == cfg.MaxActive {
			break
		}
		if cfg.NoAdjacent && (next.Active(c.idx-1) || next.Active(c.idx+1)) {
			continue
		}
		next.Cells = append(next.Cells, c.idx)
	}
	n := float64(len(next.Cells))
	if n == 0 {
		return next
	}

	duty := 1.0
	if cfg.ThermalCapacity > 0 {
		if sec > 0 {
			duty = mathx.Clamp((cfg.ThermalCapacity-next.Load)/(n*sec), 0, 1)
		} else if next.Load >= cfg.ThermalCapacity {
			duty = 0
		}
	}
	// The front end bleeds for whole ticks only: a tick is spent bleeding
	// when the budget covers all of it, otherwise the cells stay selected
	// and wait for the accumulator to decay. Duty is what was applied.
	applied := 0.0
	if duty >= 1 {
		next.On = true
		next.Load += n * sec
		applied = 1
	}
	next.Duty = make([]float64, len(next.Cells))
	for i := range next.Duty {
		next.Duty[i] = applied
	}
	return next
}
