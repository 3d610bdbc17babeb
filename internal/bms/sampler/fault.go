package sampler

import (
	"strconv"

	"bmscode-go/errcode"
)

// Kind identifies a family of input channels.
type Kind uint8

const (
	KindVoltage Kind = iota
	KindCurrent
	KindTemperature
)

func (k Kind) String() string {
	switch k {
	case KindVoltage:
		return "voltage"
	case KindCurrent:
		return "current"
	case KindTemperature:
		return "temperature"
	}
	return "unknown"
}

// ChannelFault describes one bad channel.
type ChannelFault struct {
	Kind   Kind
	Index  int
	Raw    int32
	Reason string
}

// SensorFault is returned by Sample when one or more channels were invalid
// or out of range. The Sample returned alongside it still carries every
// channel that read correctly.
type SensorFault struct {
	Channels []ChannelFault
	Err      error // frontend error, if any
}

func (e *SensorFault) Error() string {
	s := "sensor fault:"
	for i, c := range e.Channels {
		if i > 0 {
			s += ","
		}
		s += " " + c.Kind.String() + "[" + strconv.Itoa(c.Index) + "] " + c.Reason
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *SensorFault) Code() errcode.Code { return errcode.SensorFault }
func (e *SensorFault) Unwrap() error      { return e.Err }

// Has reports whether any channel of kind k failed. A nil fault has none.
func (e *SensorFault) Has(k Kind) bool {
	if e == nil {
		return false
	}
	for _, c := range e.Channels {
		if c.Kind == k {
			return true
		}
	}
	return false
}

func (e *SensorFault) add(k Kind, i int, raw int32, reason string) {
	e.Channels = append(e.Channels, ChannelFault{Kind: k, Index: i, Raw: raw, Reason: reason})
}
