//go:build rp2040 || rp2350

// bms-pico runs the BMS on a Raspberry Pi Pico with a bq769x0 on i2c0 and
// the operator console on uart0.
package main

import (
	"context"
	"machine"
	"runtime"
	"time"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"

	"bmscode-go/bus"
	"bmscode-go/services/bms"
	"bmscode-go/services/config"
	"bmscode-go/services/console"
	"bmscode-go/x/logx"
)

// Device selects the embedded configuration; override with
// -ldflags "-X main.Device=bms-8s-lfp".
var Device = "bms-4s-nmc"

const (
	afeAddr     = 0x08
	i2cHz       = 100 * machine.KHz
	consoleBaud = 115200
	memEvery    = 30 * time.Second
)

func main() {
	// Allow USB CDC to enumerate before we print.
	time.Sleep(2 * time.Second)
	logx.Infof("main", "boot %s", Device)

	i2c := machine.I2C0
	if err := i2c.Configure(machine.I2CConfig{
		Frequency: i2cHz,
		SDA:       machine.I2C0_SDA_PIN,
		SCL:       machine.I2C0_SCL_PIN,
	}); err != nil {
		logx.Errorf("main", "i2c0: %v", err)
	}

	uart := uartx.UART0
	if err := uart.Configure(uartx.UARTConfig{
		BaudRate: consoleBaud,
		TX:       machine.UART0_TX_PIN,
		RX:       machine.UART0_RX_PIN,
	}); err != nil {
		logx.Errorf("main", "uart0: %v", err)
	}

	ctx := context.WithValue(context.Background(), config.CtxDeviceKey, Device)
	b := bus.NewBus(4)

	config.NewConfigService().Start(ctx, b.NewConnection("config"))

	svc := bms.New(b.NewConnection("bms"), bms.BQ769x0(i2c, afeAddr), bms.Options{Device: Device})
	go func() {
		err := svc.Run(ctx)
		logx.Errorf("main", "bms stopped: %v", err)
	}()

	con := console.New(b.NewConnection("console"), serialReader{ctx: ctx, u: uart}, uart)
	con.CRLF = true
	go func() {
		err := con.Run(ctx)
		logx.Errorf("main", "console stopped: %v", err)
	}()

	tick := time.NewTicker(memEvery)
	defer tick.Stop()
	for range tick.C {
		printMem()
	}
}

// serialReader adapts the UART's context-aware receive to io.Reader.
type serialReader struct {
	ctx context.Context
	u   *uartx.UART
}

func (r serialReader) Read(p []byte) (int, error) { return r.u.RecvSomeContext(r.ctx, p) }

// printMem logs a compact snapshot of runtime memory stats.
func printMem() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	logx.Debugf("mem", "alloc %d heapInuse %d heapSys %d mallocs %d frees %d",
		ms.Alloc, ms.HeapInuse, ms.HeapSys, ms.Mallocs, ms.Frees)
}
