package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bmscode-go/errcode"
	"bmscode-go/internal/bms/protection"
)

func TestDefaultNMC(t *testing.T) {
	c, err := Default(NMC, 4, 10, Board{ShuntOhms: 0.001, MaxCurrent: 50})
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, DefaultTickPeriod, c.TickPeriod)
	assert.Equal(t, 4, c.Sampler.Cells)
	assert.Equal(t, 1, c.Sampler.Sensors)

	ov := c.Protection.Classes[protection.CellOverVoltage]
	assert.Equal(t, 4.25, ov.Fault)
	assert.InDelta(t, 0.20, ov.Hysteresis, 1e-9)
	assert.Equal(t, 2*time.Second, ov.FaultDebounce)
	assert.True(t, ov.BlocksCharge)
	assert.False(t, ov.BlocksDischarge)

	uv := c.Protection.Classes[protection.CellUnderVoltage]
	assert.Equal(t, 3.00, uv.Fault)
	assert.InDelta(t, 0.50, uv.Hysteresis, 1e-9)

	// 1C is below the board rating.
	assert.Equal(t, 10.0, c.Protection.Classes[protection.DischargeOverCurrent].Fault)
	assert.Equal(t, 320*time.Millisecond, c.Protection.Classes[protection.ChargeOverCurrent].FaultDebounce)
	sc := c.Protection.Classes[protection.ShortCircuit]
	assert.Equal(t, 20.0, sc.Fault)
	assert.True(t, sc.ImmediateTrip)
	assert.True(t, sc.Latching)

	assert.Equal(t, 45.0, c.Protection.Classes[protection.OverTemperature].Fault)
	ut := c.Protection.Classes[protection.UnderTemperature]
	assert.Equal(t, 0.0, ut.Fault)
	assert.True(t, ut.BlocksCharge)
	assert.False(t, ut.BlocksDischarge)
	dut := c.Protection.Classes[protection.DischargeUnderTemperature]
	assert.True(t, dut.Enabled)
	assert.Equal(t, -20.0, dut.Fault)
	assert.False(t, dut.BlocksCharge)
	assert.True(t, dut.BlocksDischarge)

	assert.Len(t, c.Estimator.OCVVoltage, 21)
	assert.Equal(t, 1.0, c.Estimator.OCVSoC[0])
	assert.InDelta(t, 0.0, c.Estimator.OCVSoC[20], 1e-9)
	assert.Equal(t, 4.20, c.Estimator.ChargeVoltage)
	assert.Equal(t, 3.20, c.Estimator.DischargeVoltage)

	assert.Equal(t, 0.01, c.Balancing.Threshold)
	assert.Equal(t, 30*time.Minute, c.Balancing.IdleDelay)
	assert.Equal(t, 3.80, c.Balancing.MinCellVoltage)
	assert.InDelta(t, 0.18, c.Sampler.Limits.StackTolerance, 1e-9)
}

func TestWarningReleasesAboveFaultReset(t *testing.T) {
	c, err := Default(LFP, 8, 100, Board{ShuntOhms: 0.0005})
	require.NoError(t, err)
	ov := c.Protection.Classes[protection.CellOverVoltage]

	// A cell held just under the charge voltage clears the warning.
	assert.Greater(t, ov.Warn-ov.WarnHysteresis, c.Estimator.ChargeVoltage-0.01)
	assert.Greater(t, ov.Warn-ov.WarnHysteresis, ov.Fault-ov.Hysteresis)
}

func TestDefaultCurrentCappedByBoard(t *testing.T) {
	c, err := Default(LFP, 8, 100, Board{ShuntOhms: 0.0005, MaxCurrent: 40})
	require.NoError(t, err)
	assert.Equal(t, 40.0, c.Protection.Classes[protection.ChargeOverCurrent].Fault)
	assert.Equal(t, 80.0, c.Protection.Classes[protection.ShortCircuit].Fault)
	assert.Equal(t, 2, c.Sampler.Sensors)
	assert.Equal(t, 3.80, c.Protection.Classes[protection.CellOverVoltage].Fault)
	assert.Greater(t, c.Sampler.Limits.CurrentMax, 80.0)
}

func TestAllPresetsValidate(t *testing.T) {
	for _, chem := range []Chemistry{LFP, NMC, NMCHV, LTO} {
		c, err := Default(chem, 5, 20, Board{ShuntOhms: 0.001})
		require.NoError(t, err, chem)
		assert.NoError(t, c.Validate(), chem)
	}
}

func TestDefaultRejects(t *testing.T) {
	_, err := Default("lead", 4, 10, Board{ShuntOhms: 0.001})
	assert.Equal(t, errcode.InvalidConfig, errcode.Of(err))
	_, err = Default(NMC, 0, 10, Board{ShuntOhms: 0.001})
	assert.Equal(t, errcode.InvalidConfig, errcode.Of(err))
	_, err = Default(NMC, 4, 10, Board{})
	assert.Equal(t, errcode.InvalidConfig, errcode.Of(err))
}

func TestValidateCrossChecks(t *testing.T) {
	base, err := Default(NMC, 4, 10, Board{ShuntOhms: 0.001})
	require.NoError(t, err)

	for name, mut := range map[string]func(*Config){
		"tick":       func(c *Config) { c.TickPeriod = 0 },
		"cells":      func(c *Config) { c.Sampler.Cells = 5 },
		"capacity":   func(c *Config) { c.Estimator.CapacityAh = 11 },
		"max active": func(c *Config) { c.Balancing.MaxActive = 5 },
		"staleness":  func(c *Config) { c.Estimator.StalenessBound = time.Millisecond },
		"sensors":    func(c *Config) { c.Sampler.Sensors = 0 },
		"cold sensors": func(c *Config) {
			c.Sampler.Sensors = 0
			c.Protection.Classes[protection.OverTemperature].Enabled = false
			c.Protection.Classes[protection.UnderTemperature].Enabled = false
		},
		"thermal budget": func(c *Config) { c.Balancing.ThermalCapacity = 0.5 },
		"section": func(c *Config) {
			c.Protection.Classes[protection.CellOverVoltage].Warn = 5
		},
	} {
		c := base
		mut(&c)
		assert.Equal(t, errcode.InvalidConfig, errcode.Of(c.Validate()), name)
	}
}

func TestParseDocument(t *testing.T) {
	doc := `{
		"chemistry": "lfp",
		"cells": 8,
		"capacity_ah": 100,
		"shunt_mohm": 0.5,
		"board_max_a": 60,
		"tick_ms": 100,
		"stack_tolerance_v": 0.5,
		"calibration": {"gain_uv": 382, "offset_mv": -5},
		"estimator": {"r0_ohm": 0.002, "quiescent_ms": 60000},
		"protection": {
			"cell_ov": {"latching": true, "fault_ms": 1000, "warn_hysteresis": 0.02},
			"ut": {"enabled": false}
		},
		"balancing": {"max_active": 2, "idle_delay_ms": 0, "no_adjacent": false}
	}`
	c, err := Parse(doc)
	require.NoError(t, err)

	assert.Equal(t, LFP, c.Chemistry)
	assert.Equal(t, 100*time.Millisecond, c.TickPeriod)
	assert.Equal(t, 200*time.Millisecond, c.Estimator.StalenessBound)
	assert.True(t, c.CalibrationSet)
	assert.InDelta(t, 382e-6, c.Sampler.Calibration.Cell.Gain, 1e-12)
	assert.InDelta(t, -0.005, c.Sampler.Calibration.Cell.Offset, 1e-12)
	assert.InDelta(t, 4*382e-6, c.Sampler.Calibration.Stack.Gain, 1e-12)
	assert.Equal(t, 0.5, c.Sampler.Limits.StackTolerance)
	assert.InDelta(t, 0.0005, c.Sampler.Calibration.Current.Ohms, 1e-12)
	assert.Equal(t, 0.002, c.Estimator.R0)
	assert.Equal(t, time.Minute, c.Estimator.QuiescentDuration)

	ov := c.Protection.Classes[protection.CellOverVoltage]
	assert.True(t, ov.Latching)
	assert.Equal(t, time.Second, ov.FaultDebounce)
	assert.Equal(t, 0.02, ov.WarnHysteresis)
	assert.InDelta(t, 0.40, ov.Hysteresis, 1e-9)
	assert.False(t, c.Protection.Classes[protection.UnderTemperature].Enabled)
	assert.True(t, c.Protection.Classes[protection.DischargeUnderTemperature].Enabled)
	assert.True(t, c.Protection.Classes[protection.OverTemperature].Enabled)
	assert.Equal(t, 60.0, c.Protection.Classes[protection.DischargeOverCurrent].Fault)

	assert.Equal(t, 2, c.Balancing.MaxActive)
	assert.Zero(t, c.Balancing.IdleDelay)
	assert.False(t, c.Balancing.NoAdjacent)
}

func TestParseFromMap(t *testing.T) {
	c, err := Parse(map[string]any{"chemistry": "nmc", "cells": 4, "capacity_ah": 5, "shunt_mohm": 1})
	require.NoError(t, err)
	assert.Equal(t, 4, c.Cells)
}

func TestParseErrors(t *testing.T) {
	cases := map[string]struct {
		payload any
		want    errcode.Code
	}{
		"garbage":   {"{", errcode.InvalidPayload},
		"chemistry": {`{"chemistry":"pb","cells":4,"capacity_ah":5,"shunt_mohm":1}`, errcode.InvalidConfig},
		"class":     {`{"chemistry":"nmc","cells":4,"capacity_ah":5,"shunt_mohm":1,"protection":{"xx":{}}}`, errcode.InvalidConfig},
		"inverted":  {`{"chemistry":"nmc","cells":4,"capacity_ah":5,"shunt_mohm":1,"protection":{"cell_ov":{"warn":4.5}}}`, errcode.InvalidConfig},
		"no shunt":  {`{"chemistry":"nmc","cells":4,"capacity_ah":5}`, errcode.InvalidConfig},
	}
	for name, tc := range cases {
		_, err := Parse(tc.payload)
		assert.Equal(t, tc.want, errcode.Of(err), name)
	}
}
