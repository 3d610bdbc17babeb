package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bmscode-go/drivers/bq769x0/sim"
	"bmscode-go/internal/bms/afe"
	bmsconfig "bmscode-go/internal/bms/config"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		runOpts.ticks, runOpts.every = 40, 1
		runOpts.current, runOpts.soc, runOpts.imbalance, runOpts.temp = 0, 0.5, 0, 25
		runOpts.json = false
		device = "bms-4s-nmc"
	})
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestRunPrintsEveryTick(t *testing.T) {
	out := execute(t, "run", "--device", "bms-4s-nmc", "--ticks", "5", "--every", "1", "--current", "-2")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "normal")
	assert.Contains(t, lines[4], "-2.000A")
	assert.True(t, strings.HasPrefix(strings.TrimSpace(lines[4]), "5 "))
}

func TestRunJSON(t *testing.T) {
	out := execute(t, "run", "--device", "bms-8s-lfp", "--ticks", "4", "--every", "2", "--json")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var l simLine
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &l))
	assert.Equal(t, uint64(4), l.Pack.Seq)
	assert.Len(t, l.Pack.CellsMilliV, 8)
	assert.Equal(t, int64(750), l.Pack.TS, "three tick periods after the first")
}

func TestRunReportsOverTemperature(t *testing.T) {
	out := execute(t, "run", "--ticks", "20", "--every", "20", "--temp", "60")
	assert.Contains(t, out, "ot normal -> warning")
	assert.Contains(t, out, "ot warning -> fault")
	assert.Contains(t, out, " off ")
}

func TestConfigListsDevices(t *testing.T) {
	out := execute(t, "config")
	assert.Equal(t, "bms-4s-nmc\nbms-8s-lfp\n", out)

	out = execute(t, "config", "bms-8s-lfp")
	assert.Contains(t, out, `"chemistry": "lfp"`)
}

func TestPlantFollowsSwitchesAndBleed(t *testing.T) {
	cfg, err := bmsconfig.Default(bmsconfig.NMC, 4, 1, bmsconfig.Board{ShuntOhms: 0.001})
	require.NoError(t, err)
	a := sim.New(afeAddr, afeGainUV, 0)
	pl := newPlant(a, cfg, plantParams{SoC: 0.5, Current: -1, Temp: 25})

	pl.Step(time.Hour)
	assert.Equal(t, 0.5, pl.soc[0], "no current with the switches open")

	fe, err := afe.Open(a, afe.Config{Address: afeAddr, Cells: 4})
	require.NoError(t, err)
	require.NoError(t, fe.SetSwitches(true, true))
	require.NoError(t, fe.SetBalancing(1<<2))

	pl.Step(6 * time.Minute)
	assert.InDelta(t, 0.4, pl.soc[0], 1e-9)
	assert.InDelta(t, 0.4-0.05/10, pl.soc[2], 1e-9)
}

func TestPlantImbalanceOnLastCell(t *testing.T) {
	cfg, err := bmsconfig.Default(bmsconfig.LFP, 8, 100, bmsconfig.Board{ShuntOhms: 0.0005})
	require.NoError(t, err)
	pl := newPlant(sim.New(afeAddr, afeGainUV, 0), cfg, plantParams{SoC: 0.5, Imbalance: 0.1})
	assert.Equal(t, 0.5, pl.soc[0])
	assert.InDelta(t, 0.6, pl.soc[7], 1e-12)
}
