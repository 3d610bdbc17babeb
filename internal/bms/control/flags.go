package control

import (
	"sync/atomic"

	"bmscode-go/internal/bms/protection"
)

// Flags collects edge-triggered requests from interrupt handlers and bus
// controls. Every method is safe to call from any goroutine; the loop
// drains the flags once per tick.
type Flags struct {
	trips    atomic.Uint32
	resets   atomic.Uint32
	resetAll atomic.Bool
	chg      atomic.Int32 // 0 unchanged, 1 off, 2 on
	dis      atomic.Int32
}

func (f *Flags) Trip(s protection.Set)      { f.trips.Or(uint32(s)) }
func (f *Flags) Reset(c protection.Class)   { f.resets.Or(uint32(protection.Set(0).With(c))) }
func (f *Flags) ResetAll()                  { f.resetAll.Store(true) }
func (f *Flags) SetChargeEnable(on bool)    { f.chg.Store(enable(on)) }
func (f *Flags) SetDischargeEnable(on bool) { f.dis.Store(enable(on)) }

func enable(on bool) int32 {
	if on {
		return 2
	}
	return 1
}

type pending struct {
	trips, resets protection.Set
	resetAll      bool
	chg, dis      int32
}

func (f *Flags) take() pending {
	return pending{
		trips:    protection.Set(f.trips.Swap(0)),
		resets:   protection.Set(f.resets.Swap(0)),
		resetAll: f.resetAll.Swap(false),
		chg:      f.chg.Swap(0),
		dis:      f.dis.Swap(0),
	}
}
