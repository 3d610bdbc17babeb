package types

// ---- Service state (retained: bms/state) ----

type BMSState struct {
	Level  string `json:"level"`  // "idle", "running", "stopped"
	Status string `json:"status"` // short code, e.g. "ok", "invalid_config"
	Device string `json:"device,omitempty"`
	TS     int64  `json:"ts_ms"`
}

// ---- Retained values ----

// Retained value: bms/pack/value
type PackValue struct {
	Seq           uint64  `json:"seq"`
	CellsMilliV   []int32 `json:"cells_mV"`
	InvalidCells  []int   `json:"invalid_cells,omitempty"`
	PackMilliV    int32   `json:"pack_mV"`
	MinMilliV     int32   `json:"min_mV"`
	MaxMilliV     int32   `json:"max_mV"`
	MinIndex      int     `json:"min_idx"`
	MaxIndex      int     `json:"max_idx"`
	CurrentMilliA int32   `json:"current_mA"` // positive charging
	CurrentValid  bool    `json:"current_ok"`
	TempsMilliC   []int32 `json:"temps_mC"`
	SoCPermille   uint16  `json:"soc_pm"`
	SoHPermille   uint16  `json:"soh_pm"`
	R_uOhm        uint32  `json:"r_uohm"` // per cell; 0 until measured
	Cycles        int     `json:"cycles"`
	Full          bool    `json:"full"`
	Empty         bool    `json:"empty"`
	TS            int64   `json:"ts_ms"`
}

type ClassValue struct {
	Class  string `json:"class"`
	Level  string `json:"level"` // "normal" | "warning" | "fault" | "latched_fault"
	Forced bool   `json:"forced,omitempty"`
}

// Retained value: bms/protection/value
type ProtectionValue struct {
	Seq              uint64       `json:"seq"`
	Classes          []ClassValue `json:"classes"`
	ChargeAllowed    bool         `json:"chg_allowed"`
	DischargeAllowed bool         `json:"dis_allowed"`
	Mode             string       `json:"mode"` // "off" | "chg" | "dis" | "normal"
	Latched          []string     `json:"latched,omitempty"`
	TS               int64        `json:"ts_ms"`
}

// Retained value: bms/balancing/value
type BalancingValue struct {
	Seq          uint64   `json:"seq"`
	Cells        []int    `json:"cells"`
	DutyPermille []uint16 `json:"duty_pm"`
	Mask         uint32   `json:"mask"`
	TS           int64    `json:"ts_ms"`
}

// ---- Events (not retained) ----

// bms/event/transition
type TransitionEvent struct {
	Class      string `json:"class"`
	From       string `json:"from"`
	To         string `json:"to"`
	ValueMilli int32  `json:"value_milli"` // mV, mA or m°C by class
	TS         int64  `json:"ts_ms"`
}

// bms/event/overrun
type OverrunEvent struct {
	Overruns uint32 `json:"overruns"`
	Skipped  uint32 `json:"skipped"`
	TS       int64  `json:"ts_ms"`
}

type ChannelFaultValue struct {
	Kind   string `json:"kind"` // "voltage" | "current" | "temperature"
	Index  int    `json:"index"`
	Raw    int32  `json:"raw"`
	Reason string `json:"reason"`
}

// bms/event/sensor_fault
type SensorFaultEvent struct {
	Channels []ChannelFaultValue `json:"channels"`
	Error    string              `json:"error,omitempty"`
	TS       int64               `json:"ts_ms"`
}

// ---- Controls (bms/control/<verb>, request/reply) ----

type ResetRequest struct {
	Class string `json:"class"` // class name, or "" / "all"
}

type EnableRequest struct {
	On bool `json:"on"`
}

type TripRequest struct {
	Class string `json:"class"`
}

type ControlReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
