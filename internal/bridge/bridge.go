// Package bridge wires discovered BeSMART devices to Home Assistant: it
// polls each entity on a fixed interval, mirrors resolved state into input
// helper entities, and forwards user edits of those helpers back to the
// vendor API.
package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coder89/ha-besmart/internal/clock"
	"github.com/coder89/ha-besmart/internal/config"
	"github.com/coder89/ha-besmart/internal/entity"
	"github.com/coder89/ha-besmart/internal/ha"
	"github.com/coder89/ha-besmart/internal/resolve"
)

// Bridge owns the poll loop and the Home Assistant mirroring for one
// BeSMART account.
type Bridge struct {
	haClient ha.HAClient
	api      entity.VendorAPI
	logger   *zap.Logger
	clk      clock.Clock
	opts     *config.Options
	readOnly bool

	climates []*entity.Climate
	heaters  []*entity.WaterHeater

	// Last value pushed per helper entity, used to swallow the echo that
	// comes back through the state_changed subscription.
	publishedMu sync.Mutex
	published   map[string]string

	subs []ha.Subscription
}

// New creates a bridge. Call Discover before Run.
func New(haClient ha.HAClient, api entity.VendorAPI, opts *config.Options, clk clock.Clock, logger *zap.Logger, readOnly bool) *Bridge {
	return &Bridge{
		haClient:  haClient,
		api:       api,
		logger:    logger.Named("bridge"),
		clk:       clk,
		opts:      opts,
		readOnly:  readOnly,
		published: make(map[string]string),
	}
}

// Discover builds entity adapters for every thermostat and boiler behind
// the given boxes. Discovery failures are fatal at startup; the caller maps
// them onto the reauthenticate/retry-later split.
func (b *Bridge) Discover(ctx context.Context, boxIDs []string) error {
	for _, boxID := range boxIDs {
		catalog, err := b.api.Devices(ctx, boxID)
		if err != nil {
			return fmt.Errorf("discovering box %s: %w", boxID, err)
		}

		for _, info := range catalog.Thermostats {
			b.climates = append(b.climates, entity.NewClimate(b.api, b.clk, b.logger, boxID, info))
		}
		if catalog.Boiler != nil {
			b.heaters = append(b.heaters, entity.NewWaterHeater(b.api, b.logger, boxID))
		}

		b.logger.Info("box discovered",
			zap.String("box_id", boxID),
			zap.Int("thermostats", len(catalog.Thermostats)),
			zap.Bool("boiler", catalog.Boiler != nil))
	}

	if len(b.climates) == 0 && len(b.heaters) == 0 {
		return fmt.Errorf("no devices found")
	}
	return nil
}

// Climates returns the discovered climate entities.
func (b *Bridge) Climates() []*entity.Climate { return b.climates }

// WaterHeaters returns the discovered water-heater entities.
func (b *Bridge) WaterHeaters() []*entity.WaterHeater { return b.heaters }

// Run performs an initial refresh, registers command subscriptions and then
// polls until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.refresh(ctx)

	if b.readOnly {
		b.logger.Info("read-only mode, not forwarding commands")
	} else if err := b.subscribeCommands(ctx); err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}

	interval := b.opts.PollInterval()
	b.logger.Info("poll loop started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			b.unsubscribeAll()
			return ctx.Err()
		case <-b.clk.After(interval):
			b.refresh(ctx)
		}
	}
}

// refresh updates and republishes every entity, sequentially. A failing
// entity keeps its stale state and the loop moves on.
func (b *Bridge) refresh(ctx context.Context) {
	for _, c := range b.climates {
		if err := c.Update(ctx); err != nil {
			b.logger.Warn("climate update failed, keeping stale state", zap.Error(err))
			continue
		}
		b.publishClimate(c)
	}
	for _, w := range b.heaters {
		if err := w.Update(ctx); err != nil {
			b.logger.Warn("water heater update failed, keeping stale state", zap.Error(err))
			continue
		}
		b.publishWaterHeater(w)
	}
}

func (b *Bridge) publishClimate(c *entity.Climate) {
	state, ready := c.State()
	if !ready {
		return
	}

	slug := b.slug(c.Name())
	b.publishNumber(slug+"_current_temperature", state.CurrentTemperature)
	b.publishNumber(slug+"_target_temperature", state.ActiveSetpoint())
	b.publishSelect(slug+"_hvac_mode", string(state.HvacMode))
	b.publishText(slug+"_hvac_action", string(state.HvacAction))
	b.publishSelect(slug+"_preset", string(state.Preset))
	b.publishBoolean(slug+"_heating", state.Heating)
	b.publishBoolean(slug+"_battery_low", state.BatteryLow)
	b.publishBoolean(slug+"_eco_override", state.Override.Active)
}

func (b *Bridge) publishWaterHeater(w *entity.WaterHeater) {
	state, ready := w.State()
	if !ready {
		return
	}

	slug := b.heaterSlug(w)
	b.publishNumber(slug+"_current_temperature", state.CurrentTemperature)
	b.publishNumber(slug+"_target_temperature", state.TargetTemperature)
	b.publishSelect(slug+"_operation", string(state.Operation))
	b.publishBoolean(slug+"_flame", state.FlameOn)
	b.publishNumber(slug+"_outdoor_temperature", state.OutdoorTemperature)
	b.publishNumber(slug+"_system_pressure", state.SystemPressure)
}

// subscribeCommands wires the writable helpers back to vendor mutations.
func (b *Bridge) subscribeCommands(ctx context.Context) error {
	for _, c := range b.climates {
		c := c
		slug := b.slug(c.Name())

		if err := b.onNumberChange(slug+"_target_temperature", func(v float64) {
			b.forward(ctx, c, "set temperature", func(ctx context.Context) error {
				return c.SetTemperature(ctx, v)
			})
		}); err != nil {
			return err
		}

		if err := b.onSelectChange(slug+"_preset", func(option string) {
			b.forward(ctx, c, "set preset", func(ctx context.Context) error {
				return c.SetPresetMode(ctx, resolve.Preset(option))
			})
		}); err != nil {
			return err
		}

		if err := b.onSelectChange(slug+"_hvac_mode", func(option string) {
			if !b.supportsHvacMode(option) {
				b.logger.Warn("unsupported hvac mode requested",
					zap.String("room", c.Name()),
					zap.String("mode", option))
				return
			}
			b.forward(ctx, c, "set hvac mode", func(ctx context.Context) error {
				return c.SetHvacMode(ctx, resolve.HvacMode(option))
			})
		}); err != nil {
			return err
		}

		if err := b.onBooleanChange(slug+"_eco_override", func(on bool) {
			if !on {
				b.forward(ctx, c, "clear eco override", c.ClearEcoOverride)
				return
			}
			until := b.clk.Now().Add(b.ecoOverrideDuration(slug))
			b.forward(ctx, c, "set eco override", func(ctx context.Context) error {
				return c.SetEcoOverride(ctx, until)
			})
		}); err != nil {
			return err
		}
	}

	for _, w := range b.heaters {
		w := w
		slug := b.heaterSlug(w)

		if err := b.onNumberChange(slug+"_target_temperature", func(v float64) {
			b.forwardHeater(ctx, w, "set dhw temperature", func(ctx context.Context) error {
				return w.SetTemperature(ctx, v)
			})
		}); err != nil {
			return err
		}

		if err := b.onSelectChange(slug+"_operation", func(option string) {
			b.forwardHeater(ctx, w, "set operation", func(ctx context.Context) error {
				return w.SetOperationMode(ctx, resolve.WaterHeaterOperation(option))
			})
		}); err != nil {
			return err
		}
	}

	return nil
}

// forward logs and swallows command failures; Home Assistant sees stale
// state until the next poll either way.
func (b *Bridge) forward(ctx context.Context, c *entity.Climate, what string, cmd func(context.Context) error) {
	if err := cmd(ctx); err != nil {
		b.logger.Warn("command failed",
			zap.String("command", what),
			zap.String("room", c.Name()),
			zap.Error(err))
		return
	}
	if err := c.Update(ctx); err == nil {
		b.publishClimate(c)
	}
}

func (b *Bridge) forwardHeater(ctx context.Context, w *entity.WaterHeater, what string, cmd func(context.Context) error) {
	if err := cmd(ctx); err != nil {
		b.logger.Warn("command failed",
			zap.String("command", what),
			zap.String("box_id", w.BoxID()),
			zap.Error(err))
		return
	}
	if err := w.Update(ctx); err == nil {
		b.publishWaterHeater(w)
	}
}

// supportsHvacMode reports whether the options allow the requested mode.
func (b *Bridge) supportsHvacMode(option string) bool {
	for _, m := range b.opts.HvacModes {
		if m == option {
			return true
		}
	}
	return false
}

// Fallback when the eco-override hours helper is absent or unparsable.
const defaultEcoOverride = time.Hour

// ecoOverrideDuration reads the per-room hours helper set by the user.
func (b *Bridge) ecoOverrideDuration(slug string) time.Duration {
	state, err := b.haClient.GetState("input_number." + slug + "_eco_override_hours")
	if err != nil {
		return defaultEcoOverride
	}
	hours, err := strconv.ParseFloat(state.State, 64)
	if err != nil || hours <= 0 {
		return defaultEcoOverride
	}
	return time.Duration(hours * float64(time.Hour))
}

// onNumberChange subscribes to an input_number helper, dropping echoes of
// our own publishes.
func (b *Bridge) onNumberChange(name string, handler func(float64)) error {
	entityID := "input_number." + name
	sub, err := b.haClient.SubscribeStateChanges(entityID, func(_ string, _, newState *ha.State) {
		if newState == nil {
			return
		}
		v, err := strconv.ParseFloat(newState.State, 64)
		if err != nil {
			return
		}
		if b.isEcho(entityID, newState.State, v) {
			return
		}
		handler(v)
	})
	if err != nil {
		return err
	}
	b.subs = append(b.subs, sub)
	return nil
}

// onSelectChange subscribes to an input_select helper, dropping echoes.
func (b *Bridge) onSelectChange(name string, handler func(string)) error {
	entityID := "input_select." + name
	sub, err := b.haClient.SubscribeStateChanges(entityID, func(_ string, _, newState *ha.State) {
		if newState == nil {
			return
		}
		b.publishedMu.Lock()
		last, ok := b.published[entityID]
		b.publishedMu.Unlock()
		if ok && last == newState.State {
			return
		}
		handler(newState.State)
	})
	if err != nil {
		return err
	}
	b.subs = append(b.subs, sub)
	return nil
}

// onBooleanChange subscribes to an input_boolean helper, dropping echoes.
func (b *Bridge) onBooleanChange(name string, handler func(bool)) error {
	entityID := "input_boolean." + name
	sub, err := b.haClient.SubscribeStateChanges(entityID, func(_ string, _, newState *ha.State) {
		if newState == nil {
			return
		}
		if newState.State != "on" && newState.State != "off" {
			return
		}
		b.publishedMu.Lock()
		last, ok := b.published[entityID]
		b.publishedMu.Unlock()
		if ok && last == newState.State {
			return
		}
		handler(newState.State == "on")
	})
	if err != nil {
		return err
	}
	b.subs = append(b.subs, sub)
	return nil
}

// isEcho reports whether an incoming number equals the value we last
// published, comparing numerically because Home Assistant reformats.
func (b *Bridge) isEcho(entityID, raw string, v float64) bool {
	b.publishedMu.Lock()
	last, ok := b.published[entityID]
	b.publishedMu.Unlock()
	if !ok {
		return false
	}
	if last == raw {
		return true
	}
	lastV, err := strconv.ParseFloat(last, 64)
	return err == nil && lastV == v
}

func (b *Bridge) publishNumber(name string, v float64) {
	formatted := strconv.FormatFloat(v, 'f', -1, 64)
	b.record("input_number."+name, formatted)
	if err := b.haClient.SetInputNumber(name, v); err != nil {
		b.logger.Warn("publish failed", zap.String("helper", name), zap.Error(err))
	}
}

func (b *Bridge) publishText(name, v string) {
	b.record("input_text."+name, v)
	if err := b.haClient.SetInputText(name, v); err != nil {
		b.logger.Warn("publish failed", zap.String("helper", name), zap.Error(err))
	}
}

func (b *Bridge) publishSelect(name, option string) {
	b.record("input_select."+name, option)
	if err := b.haClient.SetInputSelect(name, option); err != nil {
		b.logger.Warn("publish failed", zap.String("helper", name), zap.Error(err))
	}
}

func (b *Bridge) publishBoolean(name string, v bool) {
	state := "off"
	if v {
		state = "on"
	}
	b.record("input_boolean."+name, state)
	if err := b.haClient.SetInputBoolean(name, v); err != nil {
		b.logger.Warn("publish failed", zap.String("helper", name), zap.Error(err))
	}
}

func (b *Bridge) record(entityID, value string) {
	b.publishedMu.Lock()
	b.published[entityID] = value
	b.publishedMu.Unlock()
}

func (b *Bridge) unsubscribeAll() {
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.subs = nil
}

// heaterSlug keys water-heater helpers by box so multi-box accounts do not
// collide.
func (b *Bridge) heaterSlug(w *entity.WaterHeater) string {
	return b.slug("water_heater_" + w.BoxID())
}

// slug builds the helper name fragment for a room: prefix plus a lowercase
// identifier-safe rendering of the name.
func (b *Bridge) slug(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			sb.WriteRune('_')
		}
	}
	return b.opts.EntityPrefix + "_" + sb.String()
}

// Status is a point-in-time snapshot of everything the bridge mirrors,
// served by the status HTTP endpoint.
type Status struct {
	Climates     []ClimateStatus     `json:"climates"`
	WaterHeaters []WaterHeaterStatus `json:"water_heaters"`
	GeneratedAt  time.Time           `json:"generated_at"`
}

// ClimateStatus is the status view of one thermostat.
type ClimateStatus struct {
	Name               string  `json:"name"`
	BoxID              string  `json:"box_id"`
	ThermostatID       string  `json:"thermostat_id"`
	Ready              bool    `json:"ready"`
	HvacMode           string  `json:"hvac_mode,omitempty"`
	HvacAction         string  `json:"hvac_action,omitempty"`
	Preset             string  `json:"preset,omitempty"`
	Unit               string  `json:"unit,omitempty"`
	CurrentTemperature float64 `json:"current_temperature"`
	TargetTemperature  float64 `json:"target_temperature"`
	Heating            bool    `json:"heating"`
	BatteryLow         bool    `json:"battery_low"`
}

// WaterHeaterStatus is the status view of one boiler.
type WaterHeaterStatus struct {
	BoxID              string  `json:"box_id"`
	Ready              bool    `json:"ready"`
	Operation          string  `json:"operation,omitempty"`
	CurrentTemperature float64 `json:"current_temperature"`
	TargetTemperature  float64 `json:"target_temperature"`
	FlameOn            bool    `json:"flame_on"`
	OutdoorTemperature float64 `json:"outdoor_temperature"`
	SystemPressure     float64 `json:"system_pressure"`
}

// Status returns the current snapshot of all entities.
func (b *Bridge) Status() Status {
	status := Status{GeneratedAt: b.clk.Now()}

	for _, c := range b.climates {
		state, ready := c.State()
		cs := ClimateStatus{
			Name:         c.Name(),
			BoxID:        c.BoxID(),
			ThermostatID: c.ThermostatID(),
			Ready:        ready,
		}
		if ready {
			cs.HvacMode = string(state.HvacMode)
			cs.HvacAction = string(state.HvacAction)
			cs.Preset = string(state.Preset)
			cs.Unit = string(state.Unit)
			cs.CurrentTemperature = state.CurrentTemperature
			cs.TargetTemperature = state.ActiveSetpoint()
			cs.Heating = state.Heating
			cs.BatteryLow = state.BatteryLow
		}
		status.Climates = append(status.Climates, cs)
	}

	for _, w := range b.heaters {
		state, ready := w.State()
		ws := WaterHeaterStatus{BoxID: w.BoxID(), Ready: ready}
		if ready {
			ws.Operation = string(state.Operation)
			ws.CurrentTemperature = state.CurrentTemperature
			ws.TargetTemperature = state.TargetTemperature
			ws.FlameOn = state.FlameOn
			ws.OutdoorTemperature = state.OutdoorTemperature
			ws.SystemPressure = state.SystemPressure
		}
		status.WaterHeaters = append(status.WaterHeaters, ws)
	}

	return status
}
