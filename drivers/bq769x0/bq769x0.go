package bq769x0

import (
	"errors"

	"tinygo.org/x/drivers"
)

var (
	// Sentinel errors (TinyGo-safe; no fmt)
	ErrCellCount   = errors.New("cell count must be 3..15")
	ErrCellIndex   = errors.New("cell index out of range")
	ErrSensorIndex = errors.New("thermistor index out of range")
	ErrNotReady    = errors.New("device not configured")
	ErrShunt       = errors.New("shunt resistance must be positive")
)

// Calibration holds the factory ADC trim read from the device.
type Calibration struct {
	GainMicroV   int32 // µV per LSB, 365..396
	OffsetMilliV int32 // signed, mV
}

// CellMilliVolts converts a 14-bit cell code to millivolts.
func (c Calibration) CellMilliVolts(code uint16) int32 {
	return int32(code&codeMask14)*c.GainMicroV/1000 + c.OffsetMilliV
}

// Config is integer-only.
type Config struct {
	Address uint16
	Cells   uint8 // series cells wired to the AFE, 3..15
}

// Device represents one bq769x0 on an I²C bus.
type Device struct {
	i2c   drivers.I2C
	addr  uint16
	cells uint8
	cal   Calibration
	ctrl2 byte // shadow of SYS_CTRL2
	ready bool

	// Fixed buffers to avoid per-call heap allocations.
	w [2]byte
	r [2]byte
}

func New(i2c drivers.I2C, cfg Config) *Device {
	addr := cfg.Address
	if addr == 0 {
		addr = AddressDefault
	}
	return &Device{i2c: i2c, addr: addr, cells: cfg.Cells}
}

// Configure reads the factory calibration, enables the ADC, external
// thermistors and continuous coulomb counting, opens both FETs and clears
// any latched status.
func (d *Device) Configure() error {
	if d.cells < 3 || d.cells > MaxCells {
		return ErrCellCount
	}
	g1, err := d.readByte(regADCGain1)
	if err != nil {
		return err
	}
	g2, err := d.readByte(regADCGain2)
	if err != nil {
		return err
	}
	off, err := d.readByte(regADCOffset)
	if err != nil {
		return err
	}
	d.cal = Calibration{
		GainMicroV:   365 + int32(((g1&0x0C)<<1)|((g2&0xE0)>>5)),
		OffsetMilliV: int32(int8(off)),
	}

	if err := d.writeByte(regCCCfg, ccCfgDefault); err != nil {
		return err
	}
	if err := d.writeByte(regSysCtrl1, ctrl1ADCEn|ctrl1TempSel); err != nil {
		return err
	}
	d.ctrl2 = ctrl2CCEn
	if err := d.writeByte(regSysCtrl2, d.ctrl2); err != nil {
		return err
	}
	if err := d.ClearStatus(0xFF); err != nil {
		return err
	}
	d.ready = true
	return nil
}

func (d *Device) Cells() int               { return int(d.cells) }
func (d *Device) Calibration() Calibration { return d.cal }

// Thermistors returns the number of TSx inputs in use (one per 5-cell group).
func (d *Device) Thermistors() int {
	return (int(d.cells) + CellsPerGroup - 1) / CellsPerGroup
}

// ReadStatus returns SYS_STAT.
func (d *Device) ReadStatus() (Status, error) {
	b, err := d.readByte(regSysStat)
	return Status(b), err
}

// ClearStatus writes 1s to the given SYS_STAT bits.
func (d *Device) ClearStatus(bits Status) error {
	return d.writeByte(regSysStat, byte(bits))
}

// ReadCellCode returns the 14-bit ADC code for cell i (0-based).
func (d *Device) ReadCellCode(i int) (uint16, error) {
	if i < 0 || i >= int(d.cells) {
		return 0, ErrCellIndex
	}
	v, err := d.readWord(byte(regVC1Hi + 2*i))
	return v & codeMask14, err
}

// ReadPackCode returns the raw BAT register. The stack voltage is
// 4 × gain × code plus one offset per cell.
func (d *Device) ReadPackCode() (uint16, error) {
	return d.readWord(regBatHi)
}

// ReadThermistorCode returns the 14-bit TSx code (LSB 382 µV).
func (d *Device) ReadThermistorCode(i int) (uint16, error) {
	if i < 0 || i >= d.Thermistors() {
		return 0, ErrSensorIndex
	}
	v, err := d.readWord(byte(regTS1Hi + 2*i))
	return v & codeMask14, err
}

// ReadCoulombCode returns the signed coulomb counter (LSB 8.44 µV across
// the shunt; positive when charging).
func (d *Device) ReadCoulombCode() (int16, error) {
	v, err := d.readWord(regCCHi)
	return int16(v), err
}

// SetSwitches drives the CHG and DSG FET gates.
func (d *Device) SetSwitches(chg, dsg bool) error {
	if !d.ready {
		return ErrNotReady
	}
	v := d.ctrl2 &^ (ctrl2CHGOn | ctrl2DSGOn)
	if chg {
		v |= ctrl2CHGOn
	}
	if dsg {
		v |= ctrl2DSGOn
	}
	if err := d.writeByte(regSysCtrl2, v); err != nil {
		return err
	}
	d.ctrl2 = v
	return nil
}

// Switches returns the last commanded FET state.
func (d *Device) Switches() (chg, dsg bool) {
	return d.ctrl2&ctrl2CHGOn != 0, d.ctrl2&ctrl2DSGOn != 0
}

// SetBalancing writes the bleed mask (bit i = cell i) across CELLBAL1..3.
func (d *Device) SetBalancing(mask uint32) error {
	if !d.ready {
		return ErrNotReady
	}
	groups := d.Thermistors()
	for g := 0; g < groups; g++ {
		bits := byte((mask >> (CellsPerGroup * g)) & 0x1F)
		if err := d.writeByte(byte(regCellBal1+g), bits); err != nil {
			return err
		}
	}
	return nil
}

// Register I/O. Words are big-endian (HI register first).

func (d *Device) readByte(reg byte) (byte, error) {
	d.w[0] = reg
	if err := d.i2c.Tx(d.addr, d.w[:1], d.r[:1]); err != nil {
		return 0, err
	}
	return d.r[0], nil
}

func (d *Device) writeByte(reg, val byte) error {
	d.w[0] = reg
	d.w[1] = val
	return d.i2c.Tx(d.addr, d.w[:2], nil)
}

func (d *Device) readWord(reg byte) (uint16, error) {
	d.w[0] = reg
	if err := d.i2c.Tx(d.addr, d.w[:1], d.r[:2]); err != nil {
		return 0, err
	}
	return uint16(d.r[0])<<8 | uint16(d.r[1]), nil
}
