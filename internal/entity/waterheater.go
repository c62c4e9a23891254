package entity

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/coder89/ha-besmart/internal/besmart"
	"github.com/coder89/ha-besmart/internal/resolve"
)

// WaterHeater is the boiler behind one Wi-Fi box exposed as a water-heater
// entity.
type WaterHeater struct {
	api    VendorAPI
	logger *zap.Logger
	boxID  string

	mu    sync.RWMutex
	state resolve.BoilerState
	ready bool

	// Whether any zone was heating when the boiler was last switched off;
	// decides which resume mode to request on turn-on.
	previousClimateActive bool
}

// NewWaterHeater creates the water-heater adapter for one box.
func NewWaterHeater(api VendorAPI, logger *zap.Logger, boxID string) *WaterHeater {
	return &WaterHeater{
		api:    api,
		logger: logger.Named("water_heater").With(zap.String("box_id", boxID)),
		boxID:  boxID,
	}
}

// BoxID returns the owning Wi-Fi box id.
func (w *WaterHeater) BoxID() string { return w.boxID }

// Update fetches the latest boiler snapshot and resolves it. On failure the
// previous state is kept.
func (w *WaterHeater) Update(ctx context.Context) error {
	raw, err := w.api.Boiler(ctx, w.boxID)
	if err != nil {
		return fmt.Errorf("updating water heater: %w", err)
	}

	state := resolve.Boiler(raw)

	w.mu.Lock()
	w.state = state
	w.ready = true
	w.mu.Unlock()
	return nil
}

// State returns the last resolved state; ready is false until the first
// successful Update.
func (w *WaterHeater) State() (resolve.BoilerState, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state, w.ready
}

// SetTemperature sets the domestic hot water target, clamped to the
// supported range.
func (w *WaterHeater) SetTemperature(ctx context.Context, value float64) error {
	if value < resolve.DHWTempMin {
		value = resolve.DHWTempMin
	}
	if value > resolve.DHWTempMax {
		value = resolve.DHWTempMax
	}

	w.logger.Debug("setting dhw temperature", zap.Float64("value", value))
	return w.api.SetBoilerTemperature(ctx, w.boxID, value)
}

// SetOperationMode switches the boiler between gas and off. Before turning
// off it remembers whether any zone was actively heating, so turn-on can
// resume the matching work mode.
func (w *WaterHeater) SetOperationMode(ctx context.Context, op resolve.WaterHeaterOperation) error {
	if op == resolve.OperationOff {
		active, err := w.anyClimateActive(ctx)
		if err != nil {
			w.logger.Warn("could not read zone state before shutdown", zap.Error(err))
		} else {
			w.mu.Lock()
			w.previousClimateActive = active
			w.mu.Unlock()
		}
		return w.api.SetBoilerMode(ctx, w.boxID, besmart.BoilerModeOff)
	}

	w.mu.RLock()
	previous := w.previousClimateActive
	w.mu.RUnlock()

	mode := besmart.BoilerModeOn
	if previous {
		mode = besmart.BoilerModeAutoOn
	}
	return w.api.SetBoilerMode(ctx, w.boxID, mode)
}

// TurnOn resumes normal operation.
func (w *WaterHeater) TurnOn(ctx context.Context) error {
	return w.SetOperationMode(ctx, resolve.OperationGas)
}

// TurnOff switches the boiler to anti-frost operation.
func (w *WaterHeater) TurnOff(ctx context.Context) error {
	return w.SetOperationMode(ctx, resolve.OperationOff)
}

// anyClimateActive reports whether any thermostat behind the box is in a
// mode that requests space heating.
func (w *WaterHeater) anyClimateActive(ctx context.Context) (bool, error) {
	catalog, err := w.api.Devices(ctx, w.boxID)
	if err != nil {
		return false, err
	}
	for _, t := range catalog.Thermostats {
		if t.Mode != "4" && t.Mode != "5" {
			return true, nil
		}
	}
	return false, nil
}
