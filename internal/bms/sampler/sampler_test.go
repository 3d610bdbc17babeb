package sampler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bmscode-go/errcode"
)

type fakeFrontend struct {
	cells    []Raw
	current  Raw
	temps    []Raw
	beginErr error
	opened   int
	closed   int
}

func (f *fakeFrontend) Begin() (Session, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.opened++
	return (*fakeSession)(f), nil
}

type fakeSession fakeFrontend

func (s *fakeSession) Cell(i int) Raw        { return s.cells[i] }
func (s *fakeSession) Current() Raw          { return s.current }
func (s *fakeSession) Temperature(i int) Raw { return s.temps[i] }
func (s *fakeSession) Close() error          { s.closed++; return nil }

// Code for a thermistor at 25 °C: half of 3.3 V over 382 µV/LSB.
const code25C = 4319

func testConfig() Config {
	return Config{
		Cells:       4,
		Sensors:     1,
		Calibration: BQ769x0(380, 0, 0.001),
		Limits: Limits{
			CellMin: 0.5, CellMax: 5.0,
			CurrentMax: 200,
			TempMin:    -40, TempMax: 120,
		},
	}
}

func mv(v int32) Raw { return Raw{Value: v * 1000 / 380, Valid: true} }

func newFake() *fakeFrontend {
	return &fakeFrontend{
		cells:   []Raw{mv(3700), mv(3710), mv(3690), mv(3705)},
		current: Raw{Value: -1185, Valid: true}, // about -10 A across 1 mΩ
		temps:   []Raw{{Value: code25C, Valid: true}},
	}
}

func TestSampleConverts(t *testing.T) {
	fe := newFake()
	s, err := New(fe, testConfig())
	require.NoError(t, err)

	at := time.Unix(100, 0)
	got, err := s.Sample(at)
	require.NoError(t, err)

	require.Len(t, got.Cells, 4)
	for i, c := range got.Cells {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, at, c.At)
		assert.True(t, c.Valid)
	}
	assert.InDelta(t, 3.700, got.Cells[0].Voltage, 0.001)
	assert.InDelta(t, 3.690, got.Cells[2].Voltage, 0.001)
	assert.True(t, got.CurrentValid)
	assert.InDelta(t, -10.0, got.Current, 0.01)
	require.Len(t, got.Temperatures, 1)
	assert.InDelta(t, 25.0, got.Temperatures[0].Celsius, 0.1)
	assert.Equal(t, 1, fe.opened)
	assert.Equal(t, 1, fe.closed)
}

func TestCurrentDeadBand(t *testing.T) {
	sh := Shunt{LSB: 8.44e-6, Ohms: 0.001, DeadBand: 0.010}
	assert.Zero(t, sh.Amps(1)) // 8.44 mA
	assert.InDelta(t, 0.01688, sh.Amps(2), 1e-6)
	assert.Zero(t, Shunt{}.Amps(100))
}

func TestThermistorOpenAndShort(t *testing.T) {
	th := testConfig().Calibration.Temperature
	_, ok := th.Celsius(0)
	assert.False(t, ok)
	_, ok = th.Celsius(9000) // above 3.3 V
	assert.False(t, ok)
	hot, ok := th.Celsius(2000)
	require.True(t, ok)
	assert.Greater(t, hot, 25.0)
}

func TestSampleOutOfRangeCell(t *testing.T) {
	fe := newFake()
	fe.cells[1] = Raw{Value: 0x3FFF, Valid: true} // about 6.2 V
	s, err := New(fe, testConfig())
	require.NoError(t, err)

	got, err := s.Sample(time.Unix(0, 0))
	require.Error(t, err)

	var sf *SensorFault
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, errcode.SensorFault, errcode.Of(err))
	require.Len(t, sf.Channels, 1)
	assert.Equal(t, ChannelFault{Kind: KindVoltage, Index: 1, Raw: 0x3FFF, Reason: "out of range"}, sf.Channels[0])
	assert.True(t, sf.Has(KindVoltage))
	assert.False(t, sf.Has(KindCurrent))

	// The good channels are still delivered.
	assert.False(t, got.Cells[1].Valid)
	assert.True(t, got.Cells[0].Valid)
	assert.True(t, got.CurrentValid)
	assert.True(t, got.Temperatures[0].Valid)
	assert.Equal(t, 1, fe.closed)
}

func TestSampleInvalidChannels(t *testing.T) {
	fe := newFake()
	fe.current = Raw{}
	fe.temps[0] = Raw{Value: 0, Valid: true} // shorted
	s, err := New(fe, testConfig())
	require.NoError(t, err)

	_, err = s.Sample(time.Unix(0, 0))
	var sf *SensorFault
	require.True(t, errors.As(err, &sf))
	assert.True(t, sf.Has(KindCurrent))
	assert.True(t, sf.Has(KindTemperature))
	assert.False(t, sf.Has(KindVoltage))
}

func TestSampleFrontendDown(t *testing.T) {
	cause := errors.New("i2c: nack")
	fe := newFake()
	fe.beginErr = cause
	s, err := New(fe, testConfig())
	require.NoError(t, err)

	got, err := s.Sample(time.Unix(0, 0))
	assert.ErrorIs(t, err, cause)
	var sf *SensorFault
	require.True(t, errors.As(err, &sf))
	assert.Len(t, sf.Channels, 4+1+1)
	for _, c := range got.Cells {
		assert.False(t, c.Valid)
	}
	assert.Contains(t, err.Error(), "voltage[3]")
}

func TestSampleIsPure(t *testing.T) {
	s, err := New(newFake(), testConfig())
	require.NoError(t, err)
	at := time.Unix(5, 0)
	a, errA := s.Sample(at)
	b, errB := s.Sample(at)
	assert.Equal(t, a, b)
	assert.Equal(t, errA, errB)
}

func TestConfigValidate(t *testing.T) {
	_, err := New(nil, testConfig())
	assert.Equal(t, errcode.InvalidParams, errcode.Of(err))

	for name, mut := range map[string]func(*Config){
		"cells":   func(c *Config) { c.Cells = 0 },
		"limits":  func(c *Config) { c.Limits.CellMin = 6 },
		"temps":   func(c *Config) { c.Limits.TempMax = -50 },
		"current": func(c *Config) { c.Limits.CurrentMax = 0 },
		"shunt":   func(c *Config) { c.Calibration.Current.Ohms = 0 },
	} {
		cfg := testConfig()
		mut(&cfg)
		assert.Equal(t, errcode.InvalidConfig, errcode.Of(cfg.Validate()), name)
	}
}
