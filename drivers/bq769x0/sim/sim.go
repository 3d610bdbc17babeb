// Package sim is an in-memory bq769x0 register model implementing
// drivers.I2C, used by host tests and the simulator.
package sim

import (
	"errors"
	"math"
	"sync"
)

var ErrNACK = errors.New("i2c: nack")

const (
	regSysStat   = 0x00
	regCellBal1  = 0x01
	regSysCtrl1  = 0x04
	regSysCtrl2  = 0x05
	regVC1Hi     = 0x0C
	regBatHi     = 0x2A
	regTS1Hi     = 0x2C
	regCCHi      = 0x32
	regADCGain1  = 0x50
	regADCOffset = 0x51
	regADCGain2  = 0x59

	nRegs    = 0x60
	maxCells = 15

	tsLSBMicroV = 382
	ccLSBNanoV  = 8440
)

// AFE models one device. All methods are safe for concurrent use.
type AFE struct {
	mu     sync.Mutex
	addr   uint16
	regs   [nRegs]byte
	gain   int32 // µV/LSB
	offset int32 // mV
	fail   map[byte]error
	txs    int

	// Cell voltages as set, for the BAT register unless it is pinned.
	cellMV     [maxCells]int32
	cellSet    [maxCells]bool
	packPinned bool

	shipSeq int
	shipped bool
}

// New returns a model answering at addr with the given factory trim.
// gainMicroV must be in 365..396.
func New(addr uint16, gainMicroV int32, offsetMilliV int8) *AFE {
	a := &AFE{addr: addr, gain: gainMicroV, offset: int32(offsetMilliV)}
	x := byte(gainMicroV - 365)
	a.regs[regADCGain1] = ((x >> 3) & 0x03) << 2
	a.regs[regADCGain2] = (x & 0x07) << 5
	a.regs[regADCOffset] = byte(offsetMilliV)
	return a
}

// Tx implements drivers.I2C.
func (a *AFE) Tx(addr uint16, w, r []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.txs++
	if a.shipped || addr != a.addr || len(w) == 0 || int(w[0]) >= nRegs {
		return ErrNACK
	}
	reg := w[0]
	if err := a.fail[reg]; err != nil {
		return err
	}
	for i := 1; i < len(w); i++ {
		at := int(reg) + i - 1
		if at >= nRegs {
			return ErrNACK
		}
		if at == regSysStat {
			a.regs[at] &^= w[i] // write-1-to-clear
			continue
		}
		if at == regSysCtrl1 {
			a.ship(w[i])
		}
		a.regs[at] = w[i]
	}
	for i := range r {
		at := int(reg) + i
		if at >= nRegs {
			return ErrNACK
		}
		r[i] = a.regs[at]
	}
	return nil
}

// Transactions returns the number of Tx calls seen.
func (a *AFE) Transactions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.txs
}

// Fail makes every transaction on reg return err; nil clears it.
func (a *AFE) Fail(reg byte, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail == nil {
		a.fail = make(map[byte]error)
	}
	if err == nil {
		delete(a.fail, reg)
		return
	}
	a.fail[reg] = err
}

// FailCell injects err on the cell's voltage register.
func (a *AFE) FailCell(i int, err error) { a.Fail(byte(regVC1Hi+2*i), err) }

func (a *AFE) putWord(reg int, v uint16) {
	a.regs[reg] = byte(v >> 8)
	a.regs[reg+1] = byte(v)
}

// SetCellMilliVolts stores the code the ADC would report for mv. Unless
// the pack voltage is pinned, BAT follows the sum of the cells.
func (a *AFE) SetCellMilliVolts(i int, mv int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.putWord(regVC1Hi+2*i, cellCode(mv, a.gain, a.offset))
	a.setCell(i, mv)
}

// SetCellCode stores a raw 14-bit code (used to model open wires).
func (a *AFE) SetCellCode(i int, code uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	code &= 0x3FFF
	a.putWord(regVC1Hi+2*i, code)
	a.setCell(i, int32(code)*a.gain/1000+a.offset)
}

// SetPackMilliVolts pins the BAT register to mv regardless of the cells.
func (a *AFE) SetPackMilliVolts(mv int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.packPinned = true
	a.putWord(regBatHi, a.packCode(mv))
}

func (a *AFE) setCell(i int, mv int32) {
	if i < 0 || i >= maxCells {
		return
	}
	a.cellMV[i], a.cellSet[i] = mv, true
	if a.packPinned {
		return
	}
	var sum int32
	for c, ok := range a.cellSet {
		if ok {
			sum += a.cellMV[c]
		}
	}
	a.putWord(regBatHi, a.packCode(sum))
}

// packCode inverts V(BAT) = 4 × gain × code + cells × offset.
func (a *AFE) packCode(mv int32) uint16 {
	var n int32
	for _, ok := range a.cellSet {
		if ok {
			n++
		}
	}
	code := (int64(mv-n*a.offset)*1000 + int64(2*a.gain)) / int64(4*a.gain)
	if code < 0 {
		code = 0
	}
	if code > 0xFFFF {
		code = 0xFFFF
	}
	return uint16(code)
}

// ship follows the SHUT_A/SHUT_B sequence 00, 01, 10 on SYS_CTRL1.
func (a *AFE) ship(v byte) {
	switch v & 0x03 {
	case 0x00:
		a.shipSeq = 1
	case 0x01:
		if a.shipSeq == 1 {
			a.shipSeq = 2
		} else {
			a.shipSeq = 0
		}
	case 0x02:
		a.shipped = a.shipSeq == 2
		a.shipSeq = 0
	default:
		a.shipSeq = 0
	}
}

// Shipped reports whether the device entered ship mode. It then answers
// no transaction.
func (a *AFE) Shipped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shipped
}

func cellCode(mv, gain, offset int32) uint16 {
	code := (int64(mv-offset)*1000 + int64(gain)/2) / int64(gain)
	if code < 0 {
		code = 0
	}
	if code > 0x3FFF {
		code = 0x3FFF
	}
	return uint16(code)
}

// SetCurrentMilliAmps stores the coulomb counter for a current through a
// shunt of shuntMicroOhm. Positive is charge.
func (a *AFE) SetCurrentMilliAmps(ma int32, shuntMicroOhm int32) {
	// mA × µΩ = nV across the shunt.
	nv := int64(ma) * int64(shuntMicroOhm)
	code := nv / ccLSBNanoV
	if code > math.MaxInt16 {
		code = math.MaxInt16
	}
	if code < math.MinInt16 {
		code = math.MinInt16
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.putWord(regCCHi, uint16(int16(code)))
	a.regs[regSysStat] |= 0x80 // CC_READY
}

// SetTemperature stores the TSx code for a 10 kΩ NTC (beta 3435) on a
// 10 kΩ pull-up from 3.3 V at celsius.
func (a *AFE) SetTemperature(i int, celsius float64) {
	const (
		t25  = 298.15
		beta = 3435.0
		r25  = 10000.0
	)
	r := r25 * math.Exp(beta*(1/(celsius+273.15)-1/t25))
	mv := 3300 * r / (10000 + r)
	a.SetThermistorCode(i, uint16(math.Round(mv*1000/tsLSBMicroV)))
}

func (a *AFE) SetThermistorCode(i int, code uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.putWord(regTS1Hi+2*i, code&0x3FFF)
}

// Raise sets SYS_STAT bits as the device would on a hardware event.
func (a *AFE) Raise(bits byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.regs[regSysStat] |= bits
	if bits&0x0F != 0 {
		a.regs[regSysCtrl2] &^= 0x03 // hardware opens the FETs
	}
}

func (a *AFE) Status() byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.regs[regSysStat]
}

// Switches returns the CHG/DSG gate bits last written.
func (a *AFE) Switches() (chg, dsg bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.regs[regSysCtrl2]
	return v&0x01 != 0, v&0x02 != 0
}

// Balancing returns the bleed mask assembled from CELLBAL1..3.
func (a *AFE) Balancing() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var m uint32
	for g := 0; g < 3; g++ {
		m |= uint32(a.regs[regCellBal1+g]&0x1F) << (5 * g)
	}
	return m
}

// Register returns a raw register value.
func (a *AFE) Register(reg byte) byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.regs[reg]
}
