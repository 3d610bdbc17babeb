// Package config assembles and validates the configuration of the control
// core from chemistry presets and per-device overrides.
package config

import (
	"math"
	"time"

	"bmscode-go/errcode"
	"bmscode-go/internal/bms/balancing"
	"bmscode-go/internal/bms/estimator"
	"bmscode-go/internal/bms/protection"
	"bmscode-go/internal/bms/sampler"
)

// Board describes the hardware around the cells.
type Board struct {
	ShuntOhms  float64
	MaxCurrent float64 // continuous rating of the power path, A
}

type Config struct {
	Chemistry  Chemistry
	Cells      int
	CapacityAh float64
	Board      Board
	TickPeriod time.Duration

	// CalibrationSet marks a cell calibration given explicitly; otherwise
	// the front end's factory trim replaces the preset.
	CalibrationSet bool

	Sampler    sampler.Config
	Estimator  estimator.Config
	Protection protection.Config
	Balancing  balancing.Config
}

const (
	DefaultTickPeriod = 250 * time.Millisecond
	cellsPerSensor    = 5

	// Release margins below a warning threshold.
	warnVolts   = 0.05
	warnCelsius = 2
)

// Default returns the preset for chem with limits scaled to the capacity.
// Current limits are 1C capped by the board rating; the short-circuit
// limit is twice the discharge limit.
func Default(chem Chemistry, cells int, capacityAh float64, board Board) (Config, error) {
	p, ok := presets[chem]
	if !ok {
		return Config{}, &errcode.E{C: errcode.InvalidConfig, Op: "config", Msg: "unknown chemistry " + string(chem)}
	}
	if cells <= 0 || capacityAh <= 0 || board.ShuntOhms <= 0 {
		return Config{}, &errcode.E{C: errcode.InvalidConfig, Op: "config", Msg: "cells, capacity and shunt must be positive"}
	}
	oc := capacityAh
	if board.MaxCurrent > 0 && board.MaxCurrent < oc {
		oc = board.MaxCurrent
	}
	sensors := (cells + cellsPerSensor - 1) / cellsPerSensor

	c := Config{
		Chemistry:  chem,
		Cells:      cells,
		CapacityAh: capacityAh,
		Board:      board,
		TickPeriod: DefaultTickPeriod,
	}

	cal := sampler.BQ769x0(380, 0, board.ShuntOhms)
	c.Sampler = sampler.Config{
		Cells:       cells,
		Sensors:     sensors,
		Calibration: cal,
		Limits: sampler.Limits{
			CellMin:    0.5,
			CellMax:    5.0,
			CurrentMax: 0.95 * math.MaxInt16 * cal.Current.LSB / board.ShuntOhms,
			TempMin:    -40,
			TempMax:    120,

			StackTolerance: 0.1 + 0.02*float64(cells),
		},
	}

	c.Estimator = estimator.Config{
		CapacityAh:        capacityAh,
		QuiescentCurrent:  0.1,
		QuiescentDuration: 10 * time.Minute,
		OCVBlend:          0.2,
		FadePerCycle:      0.0002,
		LoadStepCurrent:   0.2 * capacityAh,
		StalenessBound:    2 * DefaultTickPeriod,
		RFilter:           0.2,
		RMax:              0.5,
		ChargeVoltage:     p.charge,
		FullCurrent:       0.05 * capacityAh,
		DischargeVoltage:  p.discharge,
		FlagHysteresis:    0.05,
	}
	if p.ocv != nil {
		c.Estimator.OCVVoltage = append([]float64(nil), p.ocv...)
		c.Estimator.OCVSoC = ocvSoC()
	}

	cls := &c.Protection.Classes
	cls[protection.CellOverVoltage] = protection.ClassConfig{
		Enabled:        true,
		Warn:           p.charge + (p.ov-p.charge)/2,
		Fault:          p.ov,
		Hysteresis:     p.ov - p.ovReset,
		WarnHysteresis: warnVolts,
		WarnDebounce:   500 * time.Millisecond,
		FaultDebounce:  2 * time.Second,
		ClearDebounce:  2 * time.Second,
		BlocksCharge:   true,
	}
	cls[protection.CellUnderVoltage] = protection.ClassConfig{
		Enabled:         true,
		Warn:            (p.discharge + p.uv) / 2,
		Fault:           p.uv,
		Hysteresis:      p.uvReset - p.uv,
		WarnHysteresis:  warnVolts,
		WarnDebounce:    500 * time.Millisecond,
		FaultDebounce:   2 * time.Second,
		ClearDebounce:   2 * time.Second,
		BlocksDischarge: true,
	}
	cls[protection.ChargeOverCurrent] = protection.ClassConfig{
		Enabled:        true,
		Warn:           0.9 * oc,
		Fault:          oc,
		Hysteresis:     0.1 * oc,
		WarnHysteresis: 0.05 * oc,
		FaultDebounce:  320 * time.Millisecond,
		ClearDebounce:  10 * time.Second,
		BlocksCharge:   true,
	}
	cls[protection.DischargeOverCurrent] = protection.ClassConfig{
		Enabled:         true,
		Warn:            0.9 * oc,
		Fault:           oc,
		Hysteresis:      0.1 * oc,
		WarnHysteresis:  0.05 * oc,
		FaultDebounce:   320 * time.Millisecond,
		ClearDebounce:   10 * time.Second,
		BlocksDischarge: true,
	}
	cls[protection.ShortCircuit] = protection.ClassConfig{
		Enabled:         true,
		Warn:            2 * oc,
		Fault:           2 * oc,
		ImmediateTrip:   true,
		Latching:        true,
		BlocksCharge:    true,
		BlocksDischarge: true,
	}
	cls[protection.OverTemperature] = protection.ClassConfig{
		Enabled:         sensors > 0,
		Warn:            40,
		Fault:           45,
		Hysteresis:      5,
		WarnHysteresis:  warnCelsius,
		WarnDebounce:    time.Second,
		FaultDebounce:   2 * time.Second,
		ClearDebounce:   5 * time.Second,
		BlocksCharge:    true,
		BlocksDischarge: true,
	}
	cls[protection.UnderTemperature] = protection.ClassConfig{
		Enabled:        sensors > 0,
		Warn:           3,
		Fault:          0,
		Hysteresis:     5,
		WarnHysteresis: warnCelsius,
		WarnDebounce:   time.Second,
		FaultDebounce:  2 * time.Second,
		ClearDebounce:  5 * time.Second,
		BlocksCharge:   true,
	}
	cls[protection.DischargeUnderTemperature] = protection.ClassConfig{
		Enabled:         sensors > 0,
		Warn:            -15,
		Fault:           -20,
		Hysteresis:      5,
		WarnHysteresis:  warnCelsius,
		WarnDebounce:    time.Second,
		FaultDebounce:   2 * time.Second,
		ClearDebounce:   5 * time.Second,
		BlocksDischarge: true,
	}

	c.Balancing = balancing.Config{
		Enabled:         true,
		Threshold:       0.01,
		Hysteresis:      0.005,
		MaxActive:       cells,
		IdleCurrent:     0.1,
		IdleDelay:       30 * time.Minute,
		MinCellVoltage:  p.balanceMin,
		NoAdjacent:      true,
		ThermalCapacity: 120,
		ThermalDecay:    1,
	}
	return c, nil
}

// Validate checks every section and the consistency between them.
func (c Config) Validate() error {
	bad := func(msg string) error {
		return &errcode.E{C: errcode.InvalidConfig, Op: "config", Msg: msg}
	}
	if _, ok := presets[c.Chemistry]; !ok {
		return bad("unknown chemistry " + string(c.Chemistry))
	}
	if c.TickPeriod <= 0 {
		return bad("tick period must be positive")
	}
	if c.Cells <= 0 || c.Cells > 32 {
		return bad("cells outside 1..32")
	}
	if c.Sampler.Cells != c.Cells {
		return bad("sampler cell count differs")
	}
	if c.Estimator.CapacityAh != c.CapacityAh {
		return bad("estimator capacity differs")
	}
	if c.Balancing.MaxActive > c.Cells {
		return bad("balancing max active exceeds cell count")
	}
	if c.Estimator.StalenessBound < c.TickPeriod {
		return bad("staleness bound shorter than tick period")
	}
	if c.Sampler.Sensors == 0 {
		for _, cl := range []protection.Class{protection.OverTemperature, protection.UnderTemperature, protection.DischargeUnderTemperature} {
			if c.Protection.Classes[cl].Enabled {
				return bad("temperature protection needs a sensor")
			}
		}
	}
	if b := c.Balancing; b.Enabled && b.ThermalCapacity > 0 &&
		b.ThermalCapacity < float64(b.MaxActive)*c.TickPeriod.Seconds() {
		return bad("balancing thermal capacity below one tick of max active cells")
	}
	for _, err := range []error{
		c.Sampler.Validate(),
		c.Estimator.Validate(),
		c.Protection.Validate(),
		c.Balancing.Validate(),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}
