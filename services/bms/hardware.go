package bms

import (
	"tinygo.org/x/drivers"

	"bmscode-go/internal/bms/afe"
	bmsconfig "bmscode-go/internal/bms/config"
	"bmscode-go/internal/bms/control"
	"bmscode-go/internal/bms/protection"
	"bmscode-go/internal/bms/sampler"
	"bmscode-go/x/logx"
)

// Hardware is what a platform supplies for one configuration.
type Hardware struct {
	Frontend  sampler.Frontend
	Actuators control.Actuators

	// Trim, if set, replaces the preset cell and stack calibration unless
	// the document carried one.
	Trim *sampler.Calibration

	// Alerts, if set, is handed the loop's trip function so hardware
	// protection events reach the engine.
	Alerts func(trip func(protection.Set))

	// Shutdown, if set, powers the pack down (ship mode).
	Shutdown func() error
}

// Opener brings up the hardware for cfg.
type Opener func(cfg bmsconfig.Config) (Hardware, error)

// BQ769x0 opens a bq769x0 front end on i2c and programs its comparators
// from the protection classes.
func BQ769x0(i2c drivers.I2C, addr uint16) Opener {
	return func(cfg bmsconfig.Config) (Hardware, error) {
		fe, err := afe.Open(i2c, afe.Config{
			Address:    addr,
			Cells:      cfg.Cells,
			ShuntOhms:  cfg.Board.ShuntOhms,
			Protection: &cfg.Protection,
		})
		if err != nil {
			return Hardware{}, err
		}
		lim := fe.Limits()
		logx.Infof(serviceName, "hw limits ov %dmV uv %dmV ocd %dmA scd %dmA",
			lim.OVMilliVolts, lim.UVMilliVolts, lim.OCDMilliAmps, lim.SCDMilliAmps)

		trim := fe.Calibration(cfg.Board.ShuntOhms)
		return Hardware{
			Frontend:  fe,
			Actuators: fe,
			Trim:      &trim,
			Alerts:    func(trip func(protection.Set)) { fe.OnAlert = trip },
			Shutdown:  fe.Shutdown,
		}, nil
	}
}
