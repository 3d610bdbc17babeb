// Package bq769x0 drives the TI bq76920/30/40 battery monitor analog front end.
package bq769x0

const (
	// 7-bit I2C address (non-CRC variants).
	AddressDefault = 0x08

	CellsPerGroup = 5 // cells per CELLBAL register and per thermistor input
	MaxCells      = 15

	// Register map (8-bit sub-addresses; 16-bit values are HI then LO).
	regSysStat   = 0x00
	regCellBal1  = 0x01
	regSysCtrl1  = 0x04
	regSysCtrl2  = 0x05
	regProtect1  = 0x06
	regProtect2  = 0x07
	regProtect3  = 0x08
	regOVTrip    = 0x09
	regUVTrip    = 0x0A
	regCCCfg     = 0x0B
	regVC1Hi     = 0x0C
	regBatHi     = 0x2A
	regTS1Hi     = 0x2C
	regCCHi      = 0x32
	regADCGain1  = 0x50
	regADCOffset = 0x51
	regADCGain2  = 0x59

	// SYS_CTRL1
	ctrl1ADCEn   = 0x10
	ctrl1TempSel = 0x08 // external thermistors
	ctrl1ShutA   = 0x02
	ctrl1ShutB   = 0x01

	// PROTECT1..3 field positions
	protect1RSNS     = 0x80 // double-range thresholds
	protect1DelayPos = 3
	protect2DelayPos = 4
	protect3OVPos    = 4
	protect3UVPos    = 6

	// OV_TRIP/UV_TRIP hold bits 11..4 of the 14-bit cell code; bits 13..12
	// are fixed to 10 for OV and 01 for UV.
	ovTripBase = 0x2000
	uvTripBase = 0x1000

	// SYS_CTRL2
	ctrl2CCEn  = 0x40
	ctrl2DSGOn = 0x02
	ctrl2CHGOn = 0x01

	// CC_CFG must be written with 0x19 after power-up.
	ccCfgDefault = 0x19

	codeMask14 = 0x3FFF
)

// Status mirrors SYS_STAT. Bits are cleared by writing 1s back.
type Status uint8

const (
	StatOCD          Status = 0x01
	StatSCD          Status = 0x02
	StatOV           Status = 0x04
	StatUV           Status = 0x08
	StatOVRDAlert    Status = 0x10
	StatDeviceXReady Status = 0x20
	StatCCReady      Status = 0x80

	// StatFaults are the hardware protection bits that open the FETs.
	StatFaults = StatOCD | StatSCD | StatOV | StatUV | StatOVRDAlert | StatDeviceXReady
)

func (s Status) Has(b Status) bool { return s&b != 0 }

// Comparator settings with RSNS = 1, indexed by register field value.
var (
	scdThresholdMilliV = [...]int32{44, 67, 89, 111, 133, 155, 178, 200}
	scdDelayMicros     = [...]int32{70, 100, 200, 400}
	ocdThresholdMilliV = [...]int32{17, 22, 28, 33, 39, 44, 50, 56, 61, 67, 72, 78, 83, 89, 94, 100}
	ocdDelayMillis     = [...]int32{8, 20, 40, 80, 160, 320, 640, 1280}
	ovDelaySecs        = [...]int32{1, 2, 4, 8}
	uvDelaySecs        = [...]int32{1, 4, 8, 16}
)

// setting returns the index of the largest entry not above v, or 0.
func setting(table []int32, v int32) int {
	for i := len(table) - 1; i > 0; i-- {
		if v >= table[i] {
			return i
		}
	}
	return 0
}
