package bq769x0

// Protection configures the device's own comparators. Currents are
// discharge magnitudes. Thresholds and delays round down to the nearest
// register setting, except UV which rounds up.
type Protection struct {
	ShuntMicroOhm int32

	SCDMilliAmps   int32
	SCDDelayMicros int32
	OCDMilliAmps   int32
	OCDDelayMillis int32

	OVMilliVolts int32
	OVDelaySecs  int32
	UVMilliVolts int32
	UVDelaySecs  int32
}

// Limits are the thresholds the device applies after rounding.
type Limits struct {
	SCDMilliAmps int32
	OCDMilliAmps int32
	OVMilliVolts int32
	UVMilliVolts int32
}

// SetProtection writes PROTECT1..3, OV_TRIP and UV_TRIP. The cell trips
// are derived from the factory calibration, so Configure must run first.
func (d *Device) SetProtection(p Protection) (Limits, error) {
	if !d.ready {
		return Limits{}, ErrNotReady
	}
	if p.ShuntMicroOhm <= 0 {
		return Limits{}, ErrShunt
	}
	var lim Limits

	scd := setting(scdThresholdMilliV[:], shuntMilliV(p.SCDMilliAmps, p.ShuntMicroOhm))
	p1 := byte(protect1RSNS | setting(scdDelayMicros[:], p.SCDDelayMicros)<<protect1DelayPos | scd)
	lim.SCDMilliAmps = shuntMilliAmps(scdThresholdMilliV[scd], p.ShuntMicroOhm)

	ocd := setting(ocdThresholdMilliV[:], shuntMilliV(p.OCDMilliAmps, p.ShuntMicroOhm))
	p2 := byte(setting(ocdDelayMillis[:], p.OCDDelayMillis)<<protect2DelayPos | ocd)
	lim.OCDMilliAmps = shuntMilliAmps(ocdThresholdMilliV[ocd], p.ShuntMicroOhm)

	ov := d.tripCode(p.OVMilliVolts, ovTripBase, false)
	uv := d.tripCode(p.UVMilliVolts, uvTripBase, true)
	lim.OVMilliVolts = d.cal.CellMilliVolts(ovTripBase | uint16(ov)<<4)
	lim.UVMilliVolts = d.cal.CellMilliVolts(uvTripBase | uint16(uv)<<4)
	p3 := byte(setting(uvDelaySecs[:], p.UVDelaySecs)<<protect3UVPos |
		setting(ovDelaySecs[:], p.OVDelaySecs)<<protect3OVPos)

	for _, w := range [...]struct{ reg, val byte }{
		{regProtect1, p1},
		{regProtect2, p2},
		{regProtect3, p3},
		{regOVTrip, ov},
		{regUVTrip, uv},
	} {
		if err := d.writeByte(w.reg, w.val); err != nil {
			return Limits{}, err
		}
	}
	return lim, nil
}

// tripCode returns the OV_TRIP/UV_TRIP byte for mv, clamped to the range
// the fixed upper bits allow.
func (d *Device) tripCode(mv int32, base uint16, roundUp bool) byte {
	if d.cal.GainMicroV <= 0 {
		return 0
	}
	code := int64(mv-d.cal.OffsetMilliV) * 1000 / int64(d.cal.GainMicroV)
	lo, hi := int64(base), int64(base|0x0FF0)
	if code < lo {
		code = lo
	}
	if code > hi {
		code = hi
	}
	t := (code - lo) >> 4
	if roundUp && t < 0xFF && (code-lo)&0x0F != 0 {
		t++
	}
	return byte(t)
}

// Shutdown puts the device into ship mode. Only a boot signal on TS1
// wakes it again; the device must be reconfigured afterwards.
func (d *Device) Shutdown() error {
	for _, v := range [...]byte{0, ctrl1ShutB, ctrl1ShutA} {
		if err := d.writeByte(regSysCtrl1, v); err != nil {
			return err
		}
	}
	d.ready = false
	d.ctrl2 = 0
	return nil
}

// shuntMilliV is the voltage across the shunt at ma.
func shuntMilliV(ma, microOhm int32) int32 {
	return int32(int64(ma) * int64(microOhm) / 1_000_000)
}

func shuntMilliAmps(mv, microOhm int32) int32 {
	return int32(int64(mv) * 1_000_000 / int64(microOhm))
}
