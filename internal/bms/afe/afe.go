// Package afe adapts a bq769x0 front end to the sampler and to the
// switch and bleed outputs of the control loop.
package afe

import (
	"errors"
	"math"
	"sync"
	"time"

	"tinygo.org/x/drivers"

	"bmscode-go/drivers/bq769x0"
	"bmscode-go/errcode"
	"bmscode-go/internal/bms/protection"
	"bmscode-go/internal/bms/sampler"
	"bmscode-go/x/timex"
)

var ErrDeviceXReady = errors.New("afe: device not ready (XREADY)")

// Short-circuit blanking delay; the classes carry no sub-millisecond debounce.
const scdDelayMicros = 200

// Frontend implements sampler.Frontend and the loop's actuator interface
// on top of one configured device.
type Frontend struct {
	mu  sync.Mutex // serialises device access between the loop and controls
	dev *bq769x0.Device

	// OnAlert receives the protection classes the device tripped in
	// hardware. It runs on the sampling goroutine and must not block.
	OnAlert func(protection.Set)

	limits bq769x0.Limits
}

// Config selects the device and, optionally, the limits its own
// comparators enforce.
type Config struct {
	Address   uint16
	Cells     int
	ShuntOhms float64

	// Protection, if set, is programmed into the device so the hardware
	// trips at the same limits as the software classes.
	Protection *protection.Config
}

// Open configures the device behind i2c and returns a ready front end.
func Open(i2c drivers.I2C, cfg Config) (*Frontend, error) {
	if cfg.Cells < 0 || cfg.Cells > bq769x0.MaxCells {
		return nil, &errcode.E{C: errcode.InvalidConfig, Op: "afe", Err: bq769x0.ErrCellCount}
	}
	dev := bq769x0.New(i2c, bq769x0.Config{Address: cfg.Address, Cells: uint8(cfg.Cells)})
	if err := dev.Configure(); err != nil {
		if errors.Is(err, bq769x0.ErrCellCount) {
			return nil, &errcode.E{C: errcode.InvalidConfig, Op: "afe", Err: err}
		}
		return nil, &errcode.E{C: errcode.SensorFault, Op: "afe", Msg: "configure", Err: err}
	}
	f := &Frontend{dev: dev}
	if cfg.Protection != nil {
		if _, err := f.Protect(*cfg.Protection, cfg.ShuntOhms); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Protect programs the device comparators from the protection classes:
// short circuit, discharge over-current, cell over- and under-voltage.
// A disabled class gets the widest setting. It returns the limits the
// device applies after rounding.
func (f *Frontend) Protect(pc protection.Config, shuntOhms float64) (bq769x0.Limits, error) {
	if shuntOhms <= 0 {
		return bq769x0.Limits{}, &errcode.E{C: errcode.InvalidConfig, Op: "afe", Err: bq769x0.ErrShunt}
	}
	milli := func(v float64) int32 { return int32(math.Round(v * 1000)) }
	cls := pc.Classes
	p := bq769x0.Protection{
		ShuntMicroOhm:  int32(math.Round(shuntOhms * 1e6)),
		SCDMilliAmps:   math.MaxInt32,
		SCDDelayMicros: scdDelayMicros,
		OCDMilliAmps:   math.MaxInt32,
		OVMilliVolts:   math.MaxInt32 / 2,
	}
	if c := cls[protection.ShortCircuit]; c.Enabled {
		p.SCDMilliAmps = milli(c.Fault)
	}
	if c := cls[protection.DischargeOverCurrent]; c.Enabled {
		p.OCDMilliAmps = milli(c.Fault)
		p.OCDDelayMillis = int32(timex.Ms(c.FaultDebounce))
	}
	if c := cls[protection.CellOverVoltage]; c.Enabled {
		p.OVMilliVolts = milli(c.Fault)
		p.OVDelaySecs = int32(c.FaultDebounce / time.Second)
	}
	if c := cls[protection.CellUnderVoltage]; c.Enabled {
		p.UVMilliVolts = milli(c.Fault)
		p.UVDelaySecs = int32(c.FaultDebounce / time.Second)
	}
	f.mu.Lock()
	lim, err := f.dev.SetProtection(p)
	f.mu.Unlock()
	if err != nil {
		return bq769x0.Limits{}, &errcode.E{C: errcode.SensorFault, Op: "afe", Msg: "protect", Err: err}
	}
	f.limits = lim
	return lim, nil
}

// Limits returns the hardware limits last programmed by Protect.
func (f *Frontend) Limits() bq769x0.Limits { return f.limits }

// Shutdown puts the device into ship mode, cutting the pack off until a
// boot signal wakes it.
func (f *Frontend) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dev.Shutdown()
}

func (f *Frontend) Device() *bq769x0.Device { return f.dev }

// Calibration returns the sampler calibration built from the device trim.
func (f *Frontend) Calibration(shuntOhms float64) sampler.Calibration {
	c := f.dev.Calibration()
	return sampler.BQ769x0(c.GainMicroV, c.OffsetMilliV, shuntOhms)
}

// Classes maps hardware protection bits to protection classes.
func Classes(st bq769x0.Status) protection.Set {
	var s protection.Set
	if st.Has(bq769x0.StatOV) {
		s = s.With(protection.CellOverVoltage)
	}
	if st.Has(bq769x0.StatUV) {
		s = s.With(protection.CellUnderVoltage)
	}
	if st.Has(bq769x0.StatOCD) {
		s = s.With(protection.DischargeOverCurrent)
	}
	if st.Has(bq769x0.StatSCD) {
		s = s.With(protection.ShortCircuit)
	}
	return s
}

// Begin reads SYS_STAT. A device reporting XREADY cannot be sampled.
func (f *Frontend) Begin() (sampler.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.dev.ReadStatus()
	if err != nil {
		return nil, err
	}
	if st.Has(bq769x0.StatDeviceXReady) {
		_ = f.dev.ClearStatus(bq769x0.StatDeviceXReady)
		return nil, ErrDeviceXReady
	}
	return &session{f: f, st: st}, nil
}

func (f *Frontend) SetSwitches(chg, dis bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dev.SetSwitches(chg, dis)
}

func (f *Frontend) SetBalancing(mask uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dev.SetBalancing(mask)
}

type session struct {
	f  *Frontend
	st bq769x0.Status
}

func (s *session) Cell(i int) sampler.Raw {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	code, err := s.f.dev.ReadCellCode(i)
	return sampler.Raw{Value: int32(code), Valid: err == nil}
}

func (s *session) Current() sampler.Raw {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	code, err := s.f.dev.ReadCoulombCode()
	return sampler.Raw{Value: int32(code), Valid: err == nil}
}

// Stack reads the BAT register for the sampler's cross-check.
func (s *session) Stack() sampler.Raw {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	code, err := s.f.dev.ReadPackCode()
	return sampler.Raw{Value: int32(code), Valid: err == nil}
}

func (s *session) Temperature(i int) sampler.Raw {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	code, err := s.f.dev.ReadThermistorCode(i)
	return sampler.Raw{Value: int32(code), Valid: err == nil}
}

// Close acknowledges CC_READY and any hardware faults seen at Begin.
func (s *session) Close() error {
	if tripped := Classes(s.st); tripped != 0 && s.f.OnAlert != nil {
		s.f.OnAlert(tripped)
	}
	ack := s.st & (bq769x0.StatCCReady | bq769x0.StatFaults)
	if ack == 0 {
		return nil
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	return s.f.dev.ClearStatus(ack)
}
