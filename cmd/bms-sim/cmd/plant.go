package cmd

import (
	"context"
	"math"
	"sync"
	"time"

	"bmscode-go/drivers/bq769x0/sim"
	bmsconfig "bmscode-go/internal/bms/config"
	"bmscode-go/x/mathx"
)

// plant is a first-order cell model driving the simulated front end.
// Cell voltage is OCV(SoC) plus I·R; current flows only through closed
// switches.
type plant struct {
	afe   *sim.AFE
	capAs float64 // capacity in ampere-seconds
	shunt int32   // µΩ
	r     float64 // Ω per cell
	bleed float64 // A per bleeding cell

	ocvSoC, ocvV []float64
	vMin, vMax   float64

	demand  float64 // A, positive charging
	soc     []float64
	temp    float64
	sensors int
}

type plantParams struct {
	SoC       float64
	Imbalance float64 // SoC added to the last cell
	Current   float64
	Temp      float64
}

func newPlant(a *sim.AFE, cfg bmsconfig.Config, p plantParams) *plant {
	pl := &plant{
		afe:     a,
		capAs:   cfg.CapacityAh * 3600,
		shunt:   int32(math.Round(cfg.Board.ShuntOhms * 1e6)),
		r:       0.002,
		bleed:   0.05,
		ocvSoC:  cfg.Estimator.OCVSoC,
		ocvV:    cfg.Estimator.OCVVoltage,
		vMin:    cfg.Estimator.DischargeVoltage,
		vMax:    cfg.Estimator.ChargeVoltage,
		demand:  p.Current,
		temp:    p.Temp,
		sensors: cfg.Sampler.Sensors,
		soc:     make([]float64, cfg.Cells),
	}
	for i := range pl.soc {
		pl.soc[i] = p.SoC
	}
	if n := len(pl.soc); n > 0 {
		pl.soc[n-1] = mathx.Clamp(p.SoC+p.Imbalance, 0, 1)
	}
	pl.write()
	return pl
}

// flowing returns the current the switches let through.
func (p *plant) flowing() float64 {
	chg, dsg := p.afe.Switches()
	if (p.demand > 0 && !chg) || (p.demand < 0 && !dsg) {
		return 0
	}
	return p.demand
}

func (p *plant) ocv(soc float64) float64 {
	if len(p.ocvV) > 0 {
		return mathx.Interpolate(p.ocvSoC, p.ocvV, soc)
	}
	return p.vMin + soc*(p.vMax-p.vMin)
}

// Step advances the model by dt and refreshes the registers.
func (p *plant) Step(dt time.Duration) {
	i := p.flowing()
	mask := p.afe.Balancing()
	sec := dt.Seconds()
	for c := range p.soc {
		a := i
		if mask&(1<<uint(c)) != 0 {
			a -= p.bleed
		}
		p.soc[c] = mathx.Clamp(p.soc[c]+a*sec/p.capAs, 0, 1)
	}
	p.write()
}

func (p *plant) write() {
	i := p.flowing()
	// BAT follows the cells in the model.
	for c, s := range p.soc {
		v := p.ocv(s) + i*p.r
		p.afe.SetCellMilliVolts(c, int32(math.Round(v*1000)))
	}
	p.afe.SetCurrentMilliAmps(int32(math.Round(i*1000)), p.shunt)
	for s := 0; s < p.sensors; s++ {
		p.afe.SetTemperature(s, p.temp)
	}
}

// stepClock is a simulated clock. Each wait steps the plant by the
// requested duration, but only once the consumer has released the tick.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step func(time.Duration)
	gate chan struct{}
}

func newStepClock(start time.Time, step func(time.Duration)) *stepClock {
	return &stepClock{now: start, step: step, gate: make(chan struct{})}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	go func() {
		if _, ok := <-c.gate; !ok {
			return
		}
		c.mu.Lock()
		c.step(d)
		c.now = c.now.Add(d)
		t := c.now
		c.mu.Unlock()
		ch <- t
	}()
	return ch
}

// Release lets the next wait complete.
func (c *stepClock) Release(ctx context.Context) {
	select {
	case c.gate <- struct{}{}:
	case <-ctx.Done():
	}
}

// Stop makes pending and future waits never complete.
func (c *stepClock) Stop() { close(c.gate) }
