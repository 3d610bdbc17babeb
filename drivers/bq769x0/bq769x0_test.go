package bq769x0

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bmscode-go/drivers/bq769x0/sim"
)

func newDevice(t *testing.T, cells uint8) (*Device, *sim.AFE) {
	t.Helper()
	afe := sim.New(AddressDefault, 380, -12)
	d := New(afe, Config{Cells: cells})
	require.NoError(t, d.Configure())
	return d, afe
}

func TestConfigureReadsCalibration(t *testing.T) {
	d, afe := newDevice(t, 4)

	assert.Equal(t, Calibration{GainMicroV: 380, OffsetMilliV: -12}, d.Calibration())
	assert.Equal(t, byte(ctrl1ADCEn|ctrl1TempSel), afe.Register(regSysCtrl1))
	assert.Equal(t, byte(ccCfgDefault), afe.Register(regCCCfg))
	assert.Equal(t, 1, d.Thermistors())

	chg, dsg := afe.Switches()
	assert.False(t, chg)
	assert.False(t, dsg)
}

func TestConfigureRejectsCellCount(t *testing.T) {
	afe := sim.New(AddressDefault, 380, 0)
	assert.ErrorIs(t, New(afe, Config{Cells: 2}).Configure(), ErrCellCount)
	assert.ErrorIs(t, New(afe, Config{Cells: 16}).Configure(), ErrCellCount)
}

func TestConfigureWrongAddress(t *testing.T) {
	afe := sim.New(0x18, 380, 0)
	assert.ErrorIs(t, New(afe, Config{Cells: 4}).Configure(), sim.ErrNACK)
}

func TestCellCodeRoundTrip(t *testing.T) {
	d, afe := newDevice(t, 5)
	for i, mv := range []int32{3000, 3300, 3700, 4200, 4250} {
		afe.SetCellMilliVolts(i, mv)
		code, err := d.ReadCellCode(i)
		require.NoError(t, err)
		assert.InDelta(t, mv, d.Calibration().CellMilliVolts(code), 1, "cell %d", i)
	}
	_, err := d.ReadCellCode(5)
	assert.ErrorIs(t, err, ErrCellIndex)
}

func TestThermistorAndCoulombCodes(t *testing.T) {
	d, afe := newDevice(t, 10)
	require.Equal(t, 2, d.Thermistors())

	afe.SetThermistorCode(1, 0x1234)
	code, err := d.ReadThermistorCode(1)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), code)
	_, err = d.ReadThermistorCode(2)
	assert.ErrorIs(t, err, ErrSensorIndex)

	// -5 A through 1 mΩ.
	afe.SetCurrentMilliAmps(-5000, 1000)
	cc, err := d.ReadCoulombCode()
	require.NoError(t, err)
	assert.InDelta(t, -5000, float64(cc)*8440/1000, 10)
}

func TestSwitchesAndBalancing(t *testing.T) {
	d, afe := newDevice(t, 10)

	require.NoError(t, d.SetSwitches(true, false))
	chg, dsg := afe.Switches()
	assert.True(t, chg)
	assert.False(t, dsg)
	assert.Equal(t, byte(ctrl2CCEn|ctrl2CHGOn), afe.Register(regSysCtrl2))

	require.NoError(t, d.SetBalancing(0b10_0000_0101))
	assert.Equal(t, uint32(0b10_0000_0101), afe.Balancing())

	require.NoError(t, d.SetBalancing(0))
	assert.Zero(t, afe.Balancing())
}

func TestOutputsRequireConfigure(t *testing.T) {
	d := New(sim.New(AddressDefault, 380, 0), Config{Cells: 4})
	assert.ErrorIs(t, d.SetSwitches(true, true), ErrNotReady)
	assert.ErrorIs(t, d.SetBalancing(1), ErrNotReady)
}

func TestStatusClear(t *testing.T) {
	d, afe := newDevice(t, 4)
	afe.Raise(byte(StatSCD))

	st, err := d.ReadStatus()
	require.NoError(t, err)
	assert.True(t, st.Has(StatSCD))
	assert.True(t, st.Has(StatFaults))

	require.NoError(t, d.ClearStatus(StatSCD))
	st, err = d.ReadStatus()
	require.NoError(t, err)
	assert.False(t, st.Has(StatSCD))
}

func TestReadErrorPropagates(t *testing.T) {
	d, afe := newDevice(t, 4)
	afe.FailCell(1, sim.ErrNACK)
	_, err := d.ReadCellCode(1)
	assert.ErrorIs(t, err, sim.ErrNACK)
	_, err = d.ReadCellCode(0)
	assert.NoError(t, err)
}

func TestPackCodeFollowsCells(t *testing.T) {
	d, afe := newDevice(t, 4)
	for i := 0; i < 4; i++ {
		afe.SetCellMilliVolts(i, 3700)
	}
	code, err := d.ReadPackCode()
	require.NoError(t, err)
	mv := int32(code)*4*d.Calibration().GainMicroV/1000 + 4*d.Calibration().OffsetMilliV
	assert.InDelta(t, 14800, mv, 2)

	afe.SetPackMilliVolts(12000)
	afe.SetCellMilliVolts(0, 3600)
	code, err = d.ReadPackCode()
	require.NoError(t, err)
	mv = int32(code)*4*d.Calibration().GainMicroV/1000 + 4*d.Calibration().OffsetMilliV
	assert.InDelta(t, 12000, mv, 2, "pinned")
}

func TestSetProtection(t *testing.T) {
	d, afe := newDevice(t, 4)
	lim, err := d.SetProtection(Protection{
		ShuntMicroOhm:  1000,
		SCDMilliAmps:   100_000,
		SCDDelayMicros: 200,
		OCDMilliAmps:   50_000,
		OCDDelayMillis: 320,
		OVMilliVolts:   4250,
		OVDelaySecs:    2,
		UVMilliVolts:   3000,
		UVDelaySecs:    2,
	})
	require.NoError(t, err)

	assert.Equal(t, byte(0x92), afe.Register(regProtect1), "RSNS, 200 µs, 89 mV")
	assert.Equal(t, byte(0x56), afe.Register(regProtect2), "320 ms, 50 mV")
	assert.Equal(t, byte(0x10), afe.Register(regProtect3), "UV 1 s, OV 2 s")
	assert.Equal(t, byte(0xBC), afe.Register(regOVTrip))
	assert.Equal(t, byte(0xF0), afe.Register(regUVTrip))

	assert.Equal(t, Limits{SCDMilliAmps: 89_000, OCDMilliAmps: 50_000, OVMilliVolts: 4244, UVMilliVolts: 3003}, lim)
	assert.LessOrEqual(t, lim.OVMilliVolts, int32(4250))
	assert.GreaterOrEqual(t, lim.UVMilliVolts, int32(3000))
}

func TestSetProtectionClampsTrips(t *testing.T) {
	d, afe := newDevice(t, 4)
	lim, err := d.SetProtection(Protection{ShuntMicroOhm: 1000, OVMilliVolts: 2850, UVMilliVolts: 6000})
	require.NoError(t, err)
	assert.Zero(t, afe.Register(regOVTrip))
	assert.Equal(t, byte(0xFF), afe.Register(regUVTrip))
	assert.Equal(t, int32(3100), lim.OVMilliVolts, "lowest OV the device supports")
	assert.Less(t, lim.UVMilliVolts, int32(6000))

	// Below every setting picks the smallest.
	assert.Equal(t, byte(protect1RSNS), afe.Register(regProtect1))
	assert.Zero(t, afe.Register(regProtect2))
}

func TestSetProtectionErrors(t *testing.T) {
	_, err := New(sim.New(AddressDefault, 380, 0), Config{Cells: 4}).SetProtection(Protection{ShuntMicroOhm: 1000})
	assert.ErrorIs(t, err, ErrNotReady)

	d, _ := newDevice(t, 4)
	_, err = d.SetProtection(Protection{})
	assert.ErrorIs(t, err, ErrShunt)
}

func TestShutdownEntersShipMode(t *testing.T) {
	d, afe := newDevice(t, 4)
	require.NoError(t, d.SetSwitches(true, true))
	require.False(t, afe.Shipped())

	require.NoError(t, d.Shutdown())
	assert.True(t, afe.Shipped())
	assert.ErrorIs(t, d.SetSwitches(true, true), ErrNotReady)
	_, err := d.ReadStatus()
	assert.ErrorIs(t, err, sim.ErrNACK)
}
