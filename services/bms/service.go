// Package bms hosts the control loop on the bus: it takes its
// configuration from config/bms, publishes pack, protection and balancing
// values and accepts operator controls.
package bms

import (
	"context"
	"sync"

	"bmscode-go/bus"
	"bmscode-go/errcode"
	bmsconfig "bmscode-go/internal/bms/config"
	"bmscode-go/internal/bms/control"
	"bmscode-go/internal/bms/protection"
	"bmscode-go/internal/bms/sampler"
	"bmscode-go/internal/util"
	"bmscode-go/types"
	"bmscode-go/x/logx"
	"bmscode-go/x/timex"
)

const (
	serviceName = "bms"

	TokBMS        = "bms"
	TokConfig     = "config"
	TokControl    = "control"
	TokEvent      = "event"
	TokValue      = "value"
	TokState      = "state"
	TokPack       = "pack"
	TokProtection = "protection"
	TokBalancing  = "balancing"

	VerbReset     = "reset"
	VerbChgEnable = "chg_enable"
	VerbDisEnable = "dis_enable"
	VerbTrip      = "trip"
	VerbShutdown  = "shutdown"

	EventTransition  = "transition"
	EventOverrun     = "overrun"
	EventSensorFault = "sensor_fault"
)

var (
	topicConfig     = bus.T(TokConfig, TokBMS)
	topicCtrl       = bus.T(TokBMS, TokControl, "+")
	topicState      = bus.T(TokBMS, TokState)
	topicPack       = bus.T(TokBMS, TokPack, TokValue)
	topicProtection = bus.T(TokBMS, TokProtection, TokValue)
	topicBalancing  = bus.T(TokBMS, TokBalancing, TokValue)
	topicEvent      = bus.T(TokBMS, TokEvent)
)

// ControlTopic returns bms/control/<verb>.
func ControlTopic(verb string) bus.Topic { return bus.T(TokBMS, TokControl, verb) }

type Options struct {
	Device string        // reported in bms/state
	Clock  control.Clock // nil for the system clock
}

type Service struct {
	conn *bus.Connection
	open Opener
	opts Options

	loop     *control.Loop
	done     chan error
	shutdown func() error

	mu    sync.Mutex
	last  control.Snapshot
	fault *sampler.SensorFault
	overs uint32
}

func New(conn *bus.Connection, open Opener, opts Options) *Service {
	return &Service{conn: conn, open: open, opts: opts}
}

// Run serves until ctx is done or the loop stops.
func (s *Service) Run(ctx context.Context) error {
	cfgSub := s.conn.Subscribe(topicConfig)
	ctrlSub := s.conn.Subscribe(topicCtrl)
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(ctrlSub)

	s.publishState("idle", "awaiting_config")

	for {
		select {
		case <-ctx.Done():
			if s.done != nil {
				<-s.done
			}
			s.publishState("stopped", "context_cancelled")
			return ctx.Err()

		case err := <-s.done:
			s.publishState("stopped", string(errcode.Of(err)))
			return err

		case msg := <-cfgSub.Channel():
			if err := s.configure(ctx, msg.Payload); err != nil {
				logx.Errorf(serviceName, "config: %v", err)
				s.reply(msg, err)
				if errcode.Of(err) != errcode.ConfigLocked {
					s.publishState("idle", string(errcode.Of(err)))
				}
				continue
			}
			s.reply(msg, nil)
			s.publishState("running", "ok")

		case msg := <-ctrlSub.Channel():
			s.reply(msg, s.control(msg))
		}
	}
}

// configure builds and starts the loop. It succeeds once.
func (s *Service) configure(ctx context.Context, payload any) error {
	if s.loop != nil {
		return errcode.ConfigLocked
	}
	cfg, err := bmsconfig.Parse(payload)
	if err != nil {
		return err
	}
	hw, err := s.open(cfg)
	if err != nil {
		return err
	}
	if hw.Trim != nil && !cfg.CalibrationSet {
		cfg.Sampler.Calibration.Cell = hw.Trim.Cell
		cfg.Sampler.Calibration.Stack = hw.Trim.Stack
	}
	loop, err := control.New(cfg, hw.Frontend, control.Options{
		Clock:      s.opts.Clock,
		Actuators:  hw.Actuators,
		Publishers: []control.Publisher{control.PublisherFunc(s.publish)},
	})
	if err != nil {
		return err
	}
	if hw.Alerts != nil {
		hw.Alerts(loop.Flags().Trip)
	}
	logx.Infof(serviceName, "%s %ds %.1fAh, tick %dms", cfg.Chemistry, cfg.Cells, cfg.CapacityAh, timex.Ms(cfg.TickPeriod))

	s.loop = loop
	s.shutdown = hw.Shutdown
	s.done = make(chan error, 1)
	go func() { s.done <- loop.Run(ctx) }()
	return nil
}

func (s *Service) control(msg *bus.Message) error {
	if msg.Topic.Len() != 3 {
		return errcode.InvalidTopic
	}
	verb, _ := msg.Topic.At(2).(string)
	if s.loop == nil {
		return errcode.NotConfigured
	}
	flags := s.loop.Flags()

	switch verb {
	case VerbReset:
		var req types.ResetRequest
		if err := util.DecodeJSON(msg.Payload, &req); err != nil {
			return errcode.InvalidPayload
		}
		latched := s.Last().Protection.Latched()
		if req.Class == "" || req.Class == "all" {
			if latched == 0 {
				return errcode.NotLatched
			}
			flags.ResetAll()
			return nil
		}
		c, err := protection.ParseClass(req.Class)
		if err != nil {
			return err
		}
		if !latched.Has(c) {
			return errcode.NotLatched
		}
		flags.Reset(c)

	case VerbChgEnable, VerbDisEnable:
		var req types.EnableRequest
		if err := util.DecodeJSON(msg.Payload, &req); err != nil {
			return errcode.InvalidPayload
		}
		if verb == VerbChgEnable {
			flags.SetChargeEnable(req.On)
		} else {
			flags.SetDischargeEnable(req.On)
		}

	case VerbTrip:
		var req types.TripRequest
		if err := util.DecodeJSON(msg.Payload, &req); err != nil {
			return errcode.InvalidPayload
		}
		c, err := protection.ParseClass(req.Class)
		if err != nil {
			return err
		}
		flags.Trip(protection.Set(0).With(c))

	case VerbShutdown:
		if s.shutdown == nil {
			return errcode.Unsupported
		}
		logx.Warnf(serviceName, "shutdown requested, entering ship mode")
		if err := s.shutdown(); err != nil {
			return &errcode.E{C: errcode.SensorFault, Op: serviceName, Msg: "shutdown", Err: err}
		}

	default:
		return errcode.Unsupported
	}
	logx.Infof(serviceName, "control %s", verb)
	return nil
}

// Last returns the most recent snapshot.
func (s *Service) Last() control.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// publish runs on the loop goroutine.
func (s *Service) publish(snap control.Snapshot) {
	s.mu.Lock()
	s.last = snap
	prevFault, prevOvers := s.fault, s.overs
	s.fault, s.overs = snap.SensorFault, snap.Overruns
	s.mu.Unlock()

	ts := snap.At.UnixMilli()
	s.pub(topicPack, packValue(snap), true)
	s.pub(topicProtection, protectionValue(snap), true)
	s.pub(topicBalancing, balancingValue(snap), true)

	for _, t := range snap.Protection.Transitions {
		s.pub(topicEvent.Append(EventTransition), transitionEvent(t, ts), false)
	}
	if snap.SensorFault != nil && !sameFault(prevFault, snap.SensorFault) {
		s.pub(topicEvent.Append(EventSensorFault), sensorFaultEvent(snap.SensorFault, ts), false)
	}
	if snap.Overruns != prevOvers {
		s.pub(topicEvent.Append(EventOverrun), types.OverrunEvent{Overruns: snap.Overruns, Skipped: snap.Skipped, TS: ts}, false)
	}
}

func (s *Service) pub(t bus.Topic, payload any, retained bool) {
	s.conn.Publish(s.conn.NewMessage(t, payload, retained))
}

func (s *Service) publishState(level, status string) {
	s.pub(topicState, types.BMSState{Level: level, Status: status, Device: s.opts.Device, TS: timex.NowMs()}, true)
}

func (s *Service) reply(req *bus.Message, err error) {
	if !req.CanReply() {
		return
	}
	r := types.ControlReply{OK: err == nil}
	if err != nil {
		r.Error = string(errcode.Of(err))
	}
	s.conn.Reply(req, r, false)
}
