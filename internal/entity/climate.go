// Package entity adapts resolved BeSMART device state to the property and
// command surface the bridge mirrors into Home Assistant. Steady-state
// failures degrade to stale state; callers decide how loudly to log them.
package entity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coder89/ha-besmart/internal/besmart"
	"github.com/coder89/ha-besmart/internal/clock"
	"github.com/coder89/ha-besmart/internal/resolve"
)

// VendorAPI is the slice of the BeSMART client the entities consume.
type VendorAPI interface {
	Devices(ctx context.Context, boxID string) (*besmart.DeviceCatalog, error)
	Thermostat(ctx context.Context, boxID, thermostatID string) (*besmart.ThermostatData, error)
	Boiler(ctx context.Context, boxID string) (*besmart.BoilerData, error)
	SetThermostatMode(ctx context.Context, boxID, thermostatID string, mode besmart.Mode) error
	SetThermostatTemperature(ctx context.Context, boxID, thermostatID string, value float64, marker besmart.Marker) error
	SetThermostatSeason(ctx context.Context, boxID, thermostatID string, season besmart.Season) error
	SetAdvance(ctx context.Context, boxID, thermostatID string, active bool) error
	SetHolidayEndTime(ctx context.Context, boxID, thermostatID string, end time.Time) error
	SetBoilerMode(ctx context.Context, boxID, mode string) error
	SetBoilerTemperature(ctx context.Context, boxID string, value float64) error
}

// Climate is one thermostat (zone) exposed as a climate entity.
type Climate struct {
	api    VendorAPI
	clk    clock.Clock
	logger *zap.Logger

	boxID        string
	thermostatID string
	name         string

	mu    sync.RWMutex
	state resolve.ThermostatState
	ready bool
}

// NewClimate creates the climate adapter for one discovered thermostat.
func NewClimate(api VendorAPI, clk clock.Clock, logger *zap.Logger, boxID string, info besmart.ThermostatInfo) *Climate {
	return &Climate{
		api:          api,
		clk:          clk,
		logger:       logger.Named("climate").With(zap.String("box_id", boxID), zap.String("thermostat_id", info.ID)),
		boxID:        boxID,
		thermostatID: info.ID,
		name:         info.Name,
	}
}

// Name returns the human-readable room name.
func (c *Climate) Name() string { return c.name }

// BoxID returns the owning Wi-Fi box id.
func (c *Climate) BoxID() string { return c.boxID }

// ThermostatID returns the vendor-assigned thermostat id.
func (c *Climate) ThermostatID() string { return c.thermostatID }

// Update fetches the latest snapshot and resolves it. On failure the
// previous state is kept.
func (c *Climate) Update(ctx context.Context) error {
	raw, err := c.api.Thermostat(ctx, c.boxID, c.thermostatID)
	if err != nil {
		return fmt.Errorf("updating climate %q: %w", c.name, err)
	}

	state := resolve.Thermostat(raw, c.clk.Now(), c.logger)

	c.mu.Lock()
	c.state = state
	c.ready = true
	c.mu.Unlock()
	return nil
}

// State returns the last resolved state; ready is false until the first
// successful Update.
func (c *Climate) State() (resolve.ThermostatState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.ready
}

// SetTemperature reprograms the set-point selected by the active slot
// marker. Fahrenheit values are converted; the wire always carries Celsius.
func (c *Climate) SetTemperature(ctx context.Context, value float64) error {
	state, ready := c.State()
	if !ready {
		return fmt.Errorf("climate %q: no state yet", c.name)
	}

	if state.Unit == resolve.UnitFahrenheit {
		value = besmart.FahrenheitToCelsius(value)
	}
	if min := state.MinTemperature(); value < min {
		value = min
	}
	if max := state.MaxTemperature(); value > max {
		value = max
	}

	c.logger.Debug("setting temperature",
		zap.Float64("value", value),
		zap.String("marker", string(state.Marker)))
	return c.api.SetThermostatTemperature(ctx, c.boxID, c.thermostatID, value, state.Marker)
}

// SetPresetMode switches the thermostat operating mode.
func (c *Climate) SetPresetMode(ctx context.Context, preset resolve.Preset) error {
	mode := resolve.ModeForPreset(preset)
	c.logger.Debug("setting preset", zap.String("preset", string(preset)), zap.Int("mode", int(mode)))
	return c.api.SetThermostatMode(ctx, c.boxID, c.thermostatID, mode)
}

// SetHvacMode handles heat/cool (a season change) and off (DHW-only mode).
// Turning the season over while the zone is off also turns it back on.
func (c *Climate) SetHvacMode(ctx context.Context, mode resolve.HvacMode) error {
	if mode == resolve.HvacOff {
		return c.TurnOff(ctx)
	}

	state, ready := c.State()
	if !ready {
		return fmt.Errorf("climate %q: no state yet", c.name)
	}

	season := besmart.SeasonHeat
	if mode == resolve.HvacCool {
		season = besmart.SeasonCool
	}

	if state.Season != season {
		if err := c.api.SetThermostatSeason(ctx, c.boxID, c.thermostatID, season); err != nil {
			return err
		}
	}
	if state.HvacMode == resolve.HvacOff {
		return c.TurnOn(ctx)
	}
	return nil
}

// TurnOn resumes the weekly program.
func (c *Climate) TurnOn(ctx context.Context) error {
	return c.SetPresetMode(ctx, resolve.PresetAuto)
}

// TurnOff switches the zone to DHW-only operation.
func (c *Climate) TurnOff(ctx context.Context) error {
	return c.SetPresetMode(ctx, resolve.PresetDHW)
}

// SetEcoOverride engages the advance override: the economy set-point
// shadows the AUTO program until the given instant.
func (c *Climate) SetEcoOverride(ctx context.Context, until time.Time) error {
	if err := c.api.SetHolidayEndTime(ctx, c.boxID, c.thermostatID, until); err != nil {
		return err
	}
	return c.api.SetAdvance(ctx, c.boxID, c.thermostatID, true)
}

// ClearEcoOverride disengages the advance override.
func (c *Climate) ClearEcoOverride(ctx context.Context) error {
	return c.api.SetAdvance(ctx, c.boxID, c.thermostatID, false)
}
