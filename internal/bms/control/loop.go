// Package control runs the sample, estimate, protect, balance and publish
// pipeline once per tick on a fixed period.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bmscode-go/errcode"
	"bmscode-go/internal/bms/balancing"
	"bmscode-go/internal/bms/config"
	"bmscode-go/internal/bms/estimator"
	"bmscode-go/internal/bms/protection"
	"bmscode-go/internal/bms/sampler"
	"bmscode-go/x/logx"
	"bmscode-go/x/timex"
)

const tag = "bms"

// Actuators drive the power switches and bleed resistors.
type Actuators interface {
	SetSwitches(chg, dis bool) error
	SetBalancing(mask uint32) error
}

// Publisher receives every snapshot. It runs on the loop goroutine and
// must not block.
type Publisher interface {
	Publish(Snapshot)
}

type PublisherFunc func(Snapshot)

func (f PublisherFunc) Publish(s Snapshot) { f(s) }

// Snapshot is the outcome of one tick.
type Snapshot struct {
	Seq         uint64
	At          time.Time
	Pack        estimator.PackState
	Protection  protection.Status
	Balancing   balancing.Plan
	SensorFault *sampler.SensorFault
	Stale       bool // resistance update rejected this tick

	// Cumulative deadline accounting. An overrun is reported in the
	// snapshot of the tick that follows it.
	Overruns uint32
	Skipped  uint32
}

type Options struct {
	Clock      Clock
	Actuators  Actuators
	Publishers []Publisher
}

// Loop owns the pack state. Tick and Run must not be called concurrently.
type Loop struct {
	period time.Duration
	clock  Clock
	act    Actuators
	pubs   []Publisher
	flags  Flags

	smp *sampler.Sampler
	est *estimator.Estimator
	eng *protection.Engine
	bal *balancing.Scheduler

	seq      uint64
	last     time.Time
	pack     estimator.PackState
	plan     balancing.Plan
	faulted  bool
	overruns uint32
	skipped  uint32
}

// New builds a loop from a validated configuration and a front end.
func New(cfg config.Config, fe sampler.Frontend, opts Options) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	smp, err := sampler.New(fe, cfg.Sampler)
	if err != nil {
		return nil, err
	}
	est, err := estimator.New(cfg.Estimator)
	if err != nil {
		return nil, err
	}
	eng, err := protection.New(cfg.Protection)
	if err != nil {
		return nil, err
	}
	bal, err := balancing.New(cfg.Balancing)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	return &Loop{
		period: cfg.TickPeriod,
		clock:  opts.Clock,
		act:    opts.Actuators,
		pubs:   opts.Publishers,
		smp:    smp,
		est:    est,
		eng:    eng,
		bal:    bal,
	}, nil
}

// Flags returns the request flags drained by the loop.
func (l *Loop) Flags() *Flags { return &l.flags }

func (l *Loop) Period() time.Duration { return l.period }

// Tick runs the pipeline once at now.
func (l *Loop) Tick(now time.Time) Snapshot {
	var dt time.Duration
	if l.seq > 0 {
		dt = now.Sub(l.last)
	}
	l.seq++
	l.last = now

	smp, err := l.smp.Sample(now)
	var sf *sampler.SensorFault
	if err != nil && !errors.As(err, &sf) {
		logx.Warnf(tag, "sample: %v", err)
	}
	switch {
	case sf != nil && !l.faulted:
		logx.Errorf(tag, "%v", sf)
	case sf == nil && l.faulted:
		logx.Infof(tag, "sensor fault cleared")
	}
	l.faulted = sf != nil

	// Requests raised before or during acquisition apply to this tick.
	l.apply(l.flags.take())

	pack, err := l.est.Update(l.pack, smp, dt)
	stale := errcode.Of(err) == errcode.StaleEstimate
	if err != nil {
		logx.Debugf(tag, "estimate: %v", err)
	}
	l.pack = pack

	st := l.eng.Evaluate(pack, sf, dt)
	for _, t := range st.Transitions {
		logx.Infof(tag, "%s %s -> %s (%.3f)", t.Class, t.From, t.To, t.Value)
	}
	if st.ModeChanged {
		logx.Infof(tag, "mode %s", st.Mode)
	}

	l.plan = l.bal.Plan(pack, st, l.plan, dt)

	if l.act != nil {
		if err := l.act.SetSwitches(st.ChargeSwitch(), st.DischargeSwitch()); err != nil {
			logx.Errorf(tag, "switches: %v", err)
		}
		if err := l.act.SetBalancing(l.plan.Mask()); err != nil {
			logx.Errorf(tag, "balancing: %v", err)
		}
	}

	snap := Snapshot{
		Seq:         l.seq,
		At:          now,
		Pack:        pack,
		Protection:  st,
		Balancing:   l.plan,
		SensorFault: sf,
		Stale:       stale,
		Overruns:    l.overruns,
		Skipped:     l.skipped,
	}
	for _, p := range l.pubs {
		p.Publish(snap)
	}
	return snap
}

func (l *Loop) apply(p pending) {
	for c := protection.Class(0); c < protection.NumClasses; c++ {
		if p.trips.Has(c) {
			_ = l.eng.Trip(c)
			logx.Warnf(tag, "trip %s", c)
		}
		if p.resets.Has(c) {
			if err := l.eng.Reset(c); err != nil {
				logx.Debugf(tag, "reset %s: %v", c, err)
			}
		}
	}
	if p.resetAll {
		if err := l.eng.ResetAll(); err != nil {
			logx.Debugf(tag, "reset all: %v", err)
		}
	}
	if p.chg != 0 {
		l.eng.SetChargeEnable(p.chg == 2)
	}
	if p.dis != 0 {
		l.eng.SetDischargeEnable(p.dis == 2)
	}
}

// Run ticks on the configured period until ctx is done. Cancellation is
// observed between ticks only. A tick that ends after its successor's slot
// is an overrun: missed slots are skipped, not replayed.
func (l *Loop) Run(ctx context.Context) error {
	logx.Infof(tag, "loop started, period %dms", timex.Ms(l.period))
	slot := l.clock.Now()
	for {
		select {
		case <-ctx.Done():
			logx.Infof(tag, "loop stopped after %d ticks", l.seq)
			return ctx.Err()
		default:
		}

		l.Tick(l.clock.Now())

		end := l.clock.Now()
		next, skipped := nextDeadline(slot, l.period, end)
		if skipped > 0 {
			l.overruns++
			l.skipped += uint32(skipped)
			logx.Warnf(tag, "%v", &errcode.E{
				C:   errcode.DeadlineExceeded,
				Op:  "tick",
				Msg: fmt.Sprintf("ran %v, skipped %d slots", end.Sub(slot), skipped),
			})
		}
		slot = next

		select {
		case <-ctx.Done():
		case <-l.clock.After(next.Sub(end)):
		}
	}
}
