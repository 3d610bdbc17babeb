package bms

import (
	"math"

	"bmscode-go/internal/bms/control"
	"bmscode-go/internal/bms/protection"
	"bmscode-go/internal/bms/sampler"
	"bmscode-go/types"
	"bmscode-go/x/mathx"
)

func milli(v float64) int32 {
	return int32(mathx.Clamp(math.Round(v*1000), math.MinInt32, math.MaxInt32))
}

func permille(v float64) uint16 {
	return uint16(math.Round(mathx.Clamp(v, 0, 1) * 1000))
}

func packValue(s control.Snapshot) types.PackValue {
	p := s.Pack
	out := types.PackValue{
		Seq:           s.Seq,
		CellsMilliV:   make([]int32, len(p.Cells)),
		PackMilliV:    milli(p.PackVoltage),
		MinMilliV:     milli(p.MinCell),
		MaxMilliV:     milli(p.MaxCell),
		MinIndex:      p.MinIndex,
		MaxIndex:      p.MaxIndex,
		CurrentMilliA: milli(p.Current),
		CurrentValid:  p.CurrentValid,
		TempsMilliC:   make([]int32, len(p.Temperatures)),
		SoCPermille:   permille(p.SoC),
		SoHPermille:   permille(p.SoH),
		R_uOhm:        uint32(math.Round(p.Resistance * 1e6)),
		Cycles:        p.Cycles,
		Full:          p.Full,
		Empty:         p.Empty,
		TS:            s.At.UnixMilli(),
	}
	for i, c := range p.Cells {
		out.CellsMilliV[i] = milli(c.Voltage)
		if !c.Valid {
			out.InvalidCells = append(out.InvalidCells, c.Index)
		}
	}
	for i, t := range p.Temperatures {
		out.TempsMilliC[i] = milli(t.Celsius)
	}
	return out
}

func protectionValue(s control.Snapshot) types.ProtectionValue {
	st := s.Protection
	out := types.ProtectionValue{
		Seq:              s.Seq,
		Classes:          make([]types.ClassValue, 0, protection.NumClasses),
		ChargeAllowed:    st.ChargeAllowed(),
		DischargeAllowed: st.DischargeAllowed(),
		Mode:             st.Mode.String(),
		TS:               s.At.UnixMilli(),
	}
	for i, cs := range st.Classes {
		c := protection.Class(i)
		out.Classes = append(out.Classes, types.ClassValue{Class: c.String(), Level: cs.Level.String(), Forced: cs.Forced})
		if cs.Level == protection.LatchedFault {
			out.Latched = append(out.Latched, c.String())
		}
	}
	return out
}

func balancingValue(s control.Snapshot) types.BalancingValue {
	p := s.Balancing
	out := types.BalancingValue{
		Seq:          s.Seq,
		Cells:        append([]int{}, p.Cells...),
		DutyPermille: make([]uint16, len(p.Duty)),
		Mask:         p.Mask(),
		TS:           s.At.UnixMilli(),
	}
	for i, d := range p.Duty {
		out.DutyPermille[i] = permille(d)
	}
	return out
}

func transitionEvent(t protection.Transition, ts int64) types.TransitionEvent {
	return types.TransitionEvent{
		Class:      t.Class.String(),
		From:       t.From.String(),
		To:         t.To.String(),
		ValueMilli: milli(t.Value),
		TS:         ts,
	}
}

func sensorFaultEvent(f *sampler.SensorFault, ts int64) types.SensorFaultEvent {
	out := types.SensorFaultEvent{TS: ts}
	for _, c := range f.Channels {
		out.Channels = append(out.Channels, types.ChannelFaultValue{
			Kind:   c.Kind.String(),
			Index:  c.Index,
			Raw:    c.Raw,
			Reason: c.Reason,
		})
	}
	if f.Err != nil {
		out.Error = f.Err.Error()
	}
	return out
}

// sameFault reports whether two faults list the same channels.
func sameFault(a, b *sampler.SensorFault) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Channels) != len(b.Channels) {
		return false
	}
	for i := range a.Channels {
		if a.Channels[i].Kind != b.Channels[i].Kind || a.Channels[i].Index != b.Channels[i].Index {
			return false
		}
	}
	return true
}
