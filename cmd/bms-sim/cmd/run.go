package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"bmscode-go/bus"
	"bmscode-go/drivers/bq769x0/sim"
	bmsconfig "bmscode-go/internal/bms/config"
	"bmscode-go/services/bms"
	"bmscode-go/services/config"
	"bmscode-go/types"
)

const (
	afeAddr   = 0x08
	afeGainUV = 380
)

var runOpts struct {
	ticks     int
	every     int
	current   float64
	soc       float64
	imbalance float64
	temp      float64
	json      bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the control loop for a number of simulated ticks",
	Long: `run steps simulated time one tick period at a time, so a run is
deterministic and as fast as the host allows. Every --every ticks it prints
the pack, protection mode and balancing mask; events are printed as they
occur.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runOpts.ticks <= 0 || runOpts.every <= 0 {
			return errors.New("--ticks and --every must be positive")
		}
		return runSim(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	f := runCmd.Flags()
	f.IntVarP(&runOpts.ticks, "ticks", "n", 40, "ticks to run")
	f.IntVar(&runOpts.every, "every", 1, "print every N ticks")
	f.Float64VarP(&runOpts.current, "current", "i", 0, "demanded pack current in A, positive charging")
	f.Float64Var(&runOpts.soc, "soc", 0.5, "initial state of charge of every cell")
	f.Float64Var(&runOpts.imbalance, "imbalance", 0, "extra state of charge on the last cell")
	f.Float64Var(&runOpts.temp, "temp", 25, "temperature of every sensor in °C")
	f.BoolVar(&runOpts.json, "json", false, "print JSON lines")
	rootCmd.AddCommand(runCmd)
}

type simLine struct {
	Pack       types.PackValue       `json:"pack"`
	Protection types.ProtectionValue `json:"protection"`
	Balancing  types.BalancingValue  `json:"balancing"`
}

func runSim(parent context.Context, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	doc, err := config.Decode(device)
	if err != nil {
		return err
	}
	cfg, err := bmsconfig.Parse(doc["bms"])
	if err != nil {
		return err
	}

	afe := sim.New(afeAddr, afeGainUV, 0)
	pl := newPlant(afe, cfg, plantParams{
		SoC:       runOpts.soc,
		Imbalance: runOpts.imbalance,
		Current:   runOpts.current,
		Temp:      runOpts.temp,
	})
	clk := newStepClock(time.Unix(0, 0).UTC(), pl.Step)

	b := bus.NewBus(64)
	obs := b.NewConnection("sim")
	stateSub := obs.Subscribe(bus.T(bms.TokBMS, bms.TokState))
	packSub := obs.Subscribe(bus.T(bms.TokBMS, bms.TokPack, bms.TokValue))
	protSub := obs.Subscribe(bus.T(bms.TokBMS, bms.TokProtection, bms.TokValue))
	balSub := obs.Subscribe(bus.T(bms.TokBMS, bms.TokBalancing, bms.TokValue))
	evSub := obs.Subscribe(bus.T(bms.TokBMS, bms.TokEvent, "#"))
	defer obs.Disconnect()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	config.NewConfigService().Start(context.WithValue(ctx, config.CtxDeviceKey, device), b.NewConnection("config"))
	svc := bms.New(b.NewConnection("bms"), bms.BQ769x0(afe, afeAddr), bms.Options{Device: device, Clock: clk})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := svc.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			cancel()
			clk.Stop()
		}()
		return watch(gctx, out, clk, stateSub, packSub, protSub, balSub, evSub)
	})
	return g.Wait()
}

// watch prints ticks and events, releasing simulated time after each tick,
// until the last tick or a configuration failure.
func watch(ctx context.Context, out io.Writer, clk *stepClock, stateSub, packSub, protSub, balSub, evSub *bus.Subscription) error {
	var line simLine
	for {
		select {
		case <-ctx.Done():
			return nil

		case m := <-stateSub.Channel():
			st, _ := m.Payload.(types.BMSState)
			if st.Level == "idle" && st.Status != "awaiting_config" {
				return fmt.Errorf("bms service idle: %s", st.Status)
			}

		case m := <-evSub.Channel():
			printEvent(out, m)

		case m := <-packSub.Channel():
			line.Pack, _ = m.Payload.(types.PackValue)

		case m := <-protSub.Channel():
			line.Protection, _ = m.Payload.(types.ProtectionValue)

		case m := <-balSub.Channel():
			line.Balancing, _ = m.Payload.(types.BalancingValue)
			// Pack and protection for this tick were published first.
			drain(packSub, func(m *bus.Message) { line.Pack, _ = m.Payload.(types.PackValue) })
			drain(protSub, func(m *bus.Message) { line.Protection, _ = m.Payload.(types.ProtectionValue) })
			drain(evSub, func(m *bus.Message) { printEvent(out, m) })

			seq := line.Balancing.Seq
			last := seq >= uint64(runOpts.ticks)
			if seq%uint64(runOpts.every) == 0 || last {
				if err := printLine(out, line); err != nil {
					return err
				}
			}
			if last {
				return nil
			}
			clk.Release(ctx)
		}
	}
}

func drain(sub *bus.Subscription, fn func(*bus.Message)) {
	for {
		select {
		case m := <-sub.Channel():
			fn(m)
		default:
			return
		}
	}
}

func printLine(out io.Writer, l simLine) error {
	if runOpts.json {
		b, err := json.Marshal(l)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(b))
		return err
	}
	p := l.Pack
	_, err := fmt.Fprintf(out, "%6d %9.2fs %8.3fV %8.3fA soc %5.1f%% min %4d max %4d %-6s mask %08x\n",
		l.Balancing.Seq, float64(p.TS)/1000, float64(p.PackMilliV)/1000, float64(p.CurrentMilliA)/1000,
		float64(p.SoCPermille)/10, p.MinMilliV, p.MaxMilliV, l.Protection.Mode, l.Balancing.Mask)
	return err
}

func printEvent(out io.Writer, m *bus.Message) {
	switch ev := m.Payload.(type) {
	case types.TransitionEvent:
		fmt.Fprintf(out, "  ! %s %s -> %s (%d)\n", ev.Class, ev.From, ev.To, ev.ValueMilli)
	case types.SensorFaultEvent:
		fmt.Fprintf(out, "  ! sensor fault on %d channels %s\n", len(ev.Channels), ev.Error)
	case types.OverrunEvent:
		fmt.Fprintf(out, "  ! overrun %d, %d slots skipped\n", ev.Overruns, ev.Skipped)
	}
}
