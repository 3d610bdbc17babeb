// Package protection runs one debounced state machine per condition class
// and derives the charge/discharge permissions and switch outputs.
package protection

import (
	"time"

	"bmscode-go/errcode"
	"bmscode-go/internal/bms/estimator"
	"bmscode-go/internal/bms/sampler"
)

type Level uint8

const (
	Normal Level = iota
	Warning
	Fault
	LatchedFault
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Fault:
		return "fault"
	case LatchedFault:
		return "latched_fault"
	}
	return "unknown"
}

// Blocking reports whether the level inhibits the directions the class guards.
func (l Level) Blocking() bool { return l >= Fault }

type ClassConfig struct {
	Enabled bool

	// Thresholds in the class's unit (V, A, °C). For low-side classes
	// (under-voltage, under-temperature) the trip is below the threshold.
	// Hysteresis is the release margin from Fault, WarnHysteresis the
	// margin from Warn.
	Warn           float64
	Fault          float64
	Hysteresis     float64
	WarnHysteresis float64

	WarnDebounce  time.Duration
	FaultDebounce time.Duration
	ClearDebounce time.Duration

	ImmediateTrip bool
	Latching      bool

	BlocksCharge    bool
	BlocksDischarge bool
}

type Config struct {
	Classes [NumClasses]ClassConfig
}

func (c Config) Validate() error {
	for i, cc := range c.Classes {
		if !cc.Enabled {
			continue
		}
		cl := Class(i)
		bad := func(msg string) error {
			return &errcode.E{C: errcode.InvalidConfig, Op: "protection", Msg: cl.String() + ": " + msg}
		}
		if cl.low() && cc.Warn < cc.Fault || !cl.low() && cc.Warn > cc.Fault {
			return bad("warning threshold beyond fault threshold")
		}
		if cc.Hysteresis < 0 || cc.WarnHysteresis < 0 {
			return bad("negative hysteresis")
		}
		if cc.WarnDebounce < 0 || cc.FaultDebounce < 0 || cc.ClearDebounce < 0 {
			return bad("negative debounce")
		}
	}
	return nil
}

// Allowed is the aggregate permission bitmask.
type Allowed uint8

const (
	ChargeAllowed Allowed = 1 << iota
	DischargeAllowed
)

// Mode is the switch state derived from permissions, manual enables and
// the full/empty flags.
type Mode uint8

const (
	ModeOff Mode = iota
	ModeCharge
	ModeDischarge
	ModeNormal
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeCharge:
		return "chg"
	case ModeDischarge:
		return "dis"
	case ModeNormal:
		return "normal"
	}
	return "unknown"
}

type ClassStatus struct {
	Level  Level
	Value  float64
	Valid  bool // Value came from a valid reading
	Forced bool // held in fault by a sensor fault or external trip
}

type Transition struct {
	Class    Class
	From, To Level
	Value    float64
}

// Status is derived fresh on every Evaluate.
type Status struct {
	Classes     [NumClasses]ClassStatus
	Allowed     Allowed
	Mode        Mode
	ModeChanged bool
	Transitions []Transition
}

func (s Status) ChargeAllowed() bool    { return s.Allowed&ChargeAllowed != 0 }
func (s Status) DischargeAllowed() bool { return s.Allowed&DischargeAllowed != 0 }

// ChargeSwitch and DischargeSwitch are the FET commands.
func (s Status) ChargeSwitch() bool    { return s.Mode == ModeCharge || s.Mode == ModeNormal }
func (s Status) DischargeSwitch() bool { return s.Mode == ModeDischarge || s.Mode == ModeNormal }

// Latched returns the set of classes in LatchedFault.
func (s Status) Latched() Set {
	var out Set
	for i, c := range s.Classes {
		if c.Level == LatchedFault {
			out = out.With(Class(i))
		}
	}
	return out
}

type classState struct {
	level   Level
	pendTo  Level
	pendFor time.Duration
}

// Engine holds the per-class machines. It is driven by a single goroutine.
type Engine struct {
	cfg     Config
	state   [NumClasses]classState
	mode    Mode
	chgOn   bool
	disOn   bool
	resets  Set
	trips   Set
	started bool
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, chgOn: true, disOn: true}, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Level returns the current level of c.
func (e *Engine) Level(c Class) Level {
	if !c.Valid() {
		return Normal
	}
	return e.state[c].level
}

// Reset requests that a latched class return to Normal at the next Evaluate.
func (e *Engine) Reset(c Class) error {
	if !c.Valid() {
		return errcode.UnknownClass
	}
	if e.state[c].level != LatchedFault {
		return errcode.NotLatched
	}
	e.resets = e.resets.With(c)
	return nil
}

// ResetAll requests a reset of every latched class.
func (e *Engine) ResetAll() error {
	n := 0
	for i := range e.state {
		if e.state[i].level == LatchedFault {
			e.resets = e.resets.With(Class(i))
			n++
		}
	}
	if n == 0 {
		return errcode.NotLatched
	}
	return nil
}

// Trip forces c to Fault at the next Evaluate, as an external protection
// event (for example a hardware alert) would.
func (e *Engine) Trip(c Class) error {
	if !c.Valid() {
		return errcode.UnknownClass
	}
	e.trips = e.trips.With(c)
	return nil
}

func (e *Engine) SetChargeEnable(on bool)    { e.chgOn = on }
func (e *Engine) SetDischargeEnable(on bool) { e.disOn = on }

// Evaluate advances every class by at most one transition and derives the
// aggregate status.
func (e *Engine) Evaluate(ps estimator.PackState, fault *sampler.SensorFault, dt time.Duration) Status {
	if dt < 0 {
		dt = 0
	}
	var st Status
	for i := range e.state {
		c := Class(i)
		cs := &e.state[i]
		v, ok := c.measure(ps)
		forced := fault.Has(c.source()) || !ok || e.trips.Has(c)
		st.Classes[i] = ClassStatus{Value: v, Valid: ok}

		cc := e.cfg.Classes[i]
		if !cc.Enabled {
			cs.level, cs.pendTo, cs.pendFor = Normal, Normal, 0
			continue
		}
		from := cs.level
		if to, moved := e.step(c, cs, cc, v, forced, dt); moved {
			cs.level, cs.pendTo, cs.pendFor = to, to, 0
			st.Transitions = append(st.Transitions, Transition{Class: c, From: from, To: to, Value: v})
		}
		st.Classes[i].Level = cs.level
		st.Classes[i].Forced = forced && cs.level.Blocking()
	}
	e.resets, e.trips = 0, 0

	st.Allowed = ChargeAllowed | DischargeAllowed
	for i, cs := range st.Classes {
		if !cs.Level.Blocking() {
			continue
		}
		cc := e.cfg.Classes[i]
		if cc.BlocksCharge {
			st.Allowed &^= ChargeAllowed
		}
		if cc.BlocksDischarge {
			st.Allowed &^= DischargeAllowed
		}
	}
	// Without every cell voltage nothing is known to be safe.
	if fault.Has(sampler.KindVoltage) || !ps.CellsValid {
		st.Allowed = 0
	}

	mode := modeFor(st.Allowed&ChargeAllowed != 0 && e.chgOn && !ps.Full,
		st.Allowed&DischargeAllowed != 0 && e.disOn && !ps.Empty)
	st.Mode = mode
	st.ModeChanged = e.started && mode != e.mode
	e.mode, e.started = mode, true
	return st
}

func modeFor(chg, dis bool) Mode {
	switch {
	case chg && dis:
		return ModeNormal
	case chg:
		return ModeCharge
	case dis:
		return ModeDischarge
	}
	return ModeOff
}

// step returns the next level for one class and whether it changed.
func (e *Engine) step(c Class, cs *classState, cc ClassConfig, v float64, forced bool, dt time.Duration) (Level, bool) {
	over := func(th float64) bool {
		if c.low() {
			return v < th
		}
		return v > th
	}
	released := func(th, margin float64) bool {
		if c.low() {
			return v > th+margin
		}
		return v < th-margin
	}
	// debounce moves toward want once it has been wanted for window.
	debounce := func(want Level, window time.Duration) (Level, bool) {
		if cs.pendTo != want {
			cs.pendTo, cs.pendFor = want, 0
		}
		cs.pendFor += dt
		if cs.pendFor >= window {
			return want, true
		}
		return cs.level, false
	}
	idle := func() (Level, bool) {
		cs.pendTo, cs.pendFor = cs.level, 0
		return cs.level, false
	}

	switch cs.level {
	case Normal, Warning:
		if forced || cc.ImmediateTrip && over(cc.Fault) {
			return Fault, true
		}
		if cs.level == Normal {
			if over(cc.Warn) {
				return debounce(Warning, cc.WarnDebounce)
			}
			return idle()
		}
		if over(cc.Fault) {
			return debounce(Fault, cc.FaultDebounce)
		}
		if released(cc.Warn, cc.WarnHysteresis) {
			return debounce(Normal, cc.ClearDebounce)
		}
		return idle()

	case Fault:
		if cc.Latching {
			return LatchedFault, true
		}
		if forced || !released(cc.Fault, cc.Hysteresis) {
			return idle()
		}
		to := Warning
		if released(cc.Warn, cc.WarnHysteresis) {
			to = Normal
		}
		return debounce(to, cc.ClearDebounce)

	case LatchedFault:
		if e.resets.Has(c) {
			// A reset never releases a class whose input is still untrusted.
			if forced {
				return Fault, true
			}
			return Normal, true
		}
	}
	return idle()
}
