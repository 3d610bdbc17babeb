package console

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"bmscode-go/bus"
	"bmscode-go/services/bms"
	"bmscode-go/types"
)

// fakeBMS answers bms/control/+ and records what it was asked.
type fakeBMS struct {
	mu  sync.Mutex
	got []string
}

func (f *fakeBMS) serve(ctx context.Context, conn *bus.Connection) {
	sub := conn.Subscribe(bus.T(bms.TokBMS, bms.TokControl, "+"))
	go func() {
		defer conn.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-sub.Channel():
				verb, _ := m.Topic.At(2).(string)
				reply := types.ControlReply{OK: true}
				switch p := m.Payload.(type) {
				case types.ResetRequest:
					verb += " " + p.Class
					if p.Class == "ut" {
						reply = types.ControlReply{Error: "not_latched"}
					}
				case types.EnableRequest:
					if p.On {
						verb += " on"
					} else {
						verb += " off"
					}
				case types.TripRequest:
					verb += " " + p.Class
				}
				f.mu.Lock()
				f.got = append(f.got, verb)
				f.mu.Unlock()
				conn.Reply(m, reply, false)
			}
		}
	}()
}

func (f *fakeBMS) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func runScript(t *testing.T, b *bus.Bus, script string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out bytes.Buffer
	svc := New(b.NewConnection("console"), strings.NewReader(script), &out)
	if err := svc.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	return out.String()
}

func TestCommandsBecomeRequests(t *testing.T) {
	b := bus.NewBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &fakeBMS{}
	f.serve(ctx, b.NewConnection("bms"))

	out := runScript(t, b, "reset short\nreset\nenable chg off\nenable dis on\ntrip 'cell_ov'\nreset ut\nshutdown\nshutdown now\n")

	want := []string{"reset short", "reset all", "chg_enable off", "dis_enable on", "trip cell_ov", "reset ut", "shutdown"}
	got := f.requests()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("requests %v, want %v", got, want)
	}
	if n := strings.Count(out, "ok\n"); n != 6 {
		t.Fatalf("%d ok replies in %q", n, out)
	}
	if !strings.Contains(out, "error: not_latched") {
		t.Fatalf("missing error reply in %q", out)
	}
	if !strings.Contains(out, "usage: shutdown now") {
		t.Fatalf("shutdown ran without confirmation: %q", out)
	}
}

func TestUsageAndUnknown(t *testing.T) {
	b := bus.NewBus(8)
	out := runScript(t, b, "\nenable chg\nenable x on\ntrip\nfrobnicate\nhelp\nreset \"unterminated\n")
	for _, s := range []string{
		"usage: enable chg|dis on|off",
		"usage: trip <class>",
		"unknown command frobnicate",
		"commands:",
		"error: ",
	} {
		if !strings.Contains(out, s) {
			t.Errorf("output missing %q:\n%s", s, out)
		}
	}
}

func TestNoReplyTimesOut(t *testing.T) {
	b := bus.NewBus(8)
	var out bytes.Buffer
	svc := New(b.NewConnection("console"), strings.NewReader(""), &out)
	svc.Timeout = 20 * time.Millisecond
	svc.Exec(context.Background(), "reset all")
	if !strings.Contains(out.String(), "error: no reply") {
		t.Fatalf("got %q", out.String())
	}
}

func TestStatusFromRetained(t *testing.T) {
	b := bus.NewBus(8)
	pub := b.NewConnection("pub")
	pub.Publish(pub.NewMessage(bus.T(bms.TokBMS, bms.TokState), types.BMSState{Level: "running", Status: "ok"}, true))
	pub.Publish(pub.NewMessage(bus.T(bms.TokBMS, bms.TokPack, bms.TokValue), types.PackValue{
		CellsMilliV:   []int32{3700, 3701, 3650, 3702},
		InvalidCells:  []int{2},
		PackMilliV:    11103,
		CurrentMilliA: -2000,
		TempsMilliC:   []int32{25000},
		SoCPermille:   455,
		SoHPermille:   1000,
	}, true))
	pub.Publish(pub.NewMessage(bus.T(bms.TokBMS, bms.TokProtection, bms.TokValue), types.ProtectionValue{
		Classes: []types.ClassValue{
			{Class: "cell_ov", Level: "warning"},
			{Class: "short", Level: "latched_fault"},
			{Class: "ot", Level: "normal"},
		},
		DischargeAllowed: false,
		ChargeAllowed:    false,
		Mode:             "off",
		Latched:          []string{"short"},
	}, true))
	pub.Publish(pub.NewMessage(bus.T(bms.TokBMS, bms.TokBalancing, bms.TokValue), types.BalancingValue{
		Cells: []int{1}, Mask: 1 << 1,
	}, true))

	out := runScript(t, b, "status\n")
	for _, s := range []string{
		"state      running (ok)",
		"pack       11.103 V  -2.000 A  soc 45.5 %  soh 100.0 %",
		"cells      3.700 3.701 3.650 3.702",
		"invalid    2",
		"temps      25.000",
		"mode       off  chg no  dis no",
		"cell_ov    warning",
		"short      latched_fault",
		"latched    short",
		"balancing  1 cells  mask 00000002",
	} {
		if !strings.Contains(out, s) {
			t.Errorf("status missing %q:\n%s", s, out)
		}
	}
	if strings.Contains(out, "ot         normal") {
		t.Errorf("normal classes should be omitted:\n%s", out)
	}
}

func TestStatusWithoutData(t *testing.T) {
	out := runScript(t, bus.NewBus(4), "status\n")
	if !strings.Contains(out, "no data") {
		t.Fatalf("got %q", out)
	}
}

func TestPromptFromConfig(t *testing.T) {
	b := bus.NewBus(4)
	pub := b.NewConnection("config")
	pub.Publish(pub.NewMessage(topicConfig, map[string]any{"prompt": "lfp> "}, true))

	out := runScript(t, b, "help\n")
	if !strings.HasPrefix(out, "lfp> ") || strings.Count(out, "lfp> ") != 2 {
		t.Fatalf("got %q", out)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	b := bus.NewBus(4)
	r, w := io.Pipe()
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	svc := New(b.NewConnection("console"), r, &bytes.Buffer{})
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("err %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestCRLF(t *testing.T) {
	var out bytes.Buffer
	svc := New(bus.NewBus(4).NewConnection("console"), strings.NewReader(""), &out)
	svc.CRLF = true
	svc.Exec(context.Background(), "enable")
	if out.String() != "usage: enable chg|dis on|off\r\n" {
		t.Fatalf("got %q", out.String())
	}
}

func TestCarriageReturnEndsLine(t *testing.T) {
	b := bus.NewBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &fakeBMS{}
	f.serve(ctx, b.NewConnection("bms"))

	runScript(t, b, "trip ot\rreset short\r\nreset ot")
	want := "trip ot,reset short,reset ot"
	if got := strings.Join(f.requests(), ","); got != want {
		t.Fatalf("requests %q, want %q", got, want)
	}
}
