package resolve

import (
	"time"

	"github.com/coder89/ha-besmart/internal/besmart"
)

// HvacMode is the externally visible climate mode.
type HvacMode string

const (
	HvacHeat HvacMode = "heat"
	HvacCool HvacMode = "cool"
	HvacOff  HvacMode = "off"
)

// HvacAction is what the heating system is doing right now.
type HvacAction string

const (
	ActionHeating HvacAction = "heating"
	ActionCooling HvacAction = "cooling"
	ActionIdle    HvacAction = "idle"
	ActionOff     HvacAction = "off"
)

// Preset is the externally visible preset mode of a thermostat.
type Preset string

const (
	PresetAuto   Preset = "AUTO"
	PresetManual Preset = "MANUAL"
	PresetEco    Preset = "ECO"
	PresetParty  Preset = "PARTY"
	PresetIdle   Preset = "IDLE"
	PresetDHW    Preset = "DHW"
)

// Unit is the temperature unit reported by a device.
type Unit string

const (
	UnitCelsius    Unit = "°C"
	UnitFahrenheit Unit = "°F"
)

// WaterHeaterOperation is the externally visible boiler work mode.
type WaterHeaterOperation string

const (
	OperationGas WaterHeaterOperation = "gas" // normal or DHW operation
	OperationOff WaterHeaterOperation = "off" // anti-frost operation
)

// Climate bounds shared by every thermostat.
const (
	ClimateTempMax  = 35.0
	ClimateTempMin  = 3.0
	ClimateTempStep = 0.2
)

// Domestic hot water bounds.
const (
	DHWTempMax  = 60.0
	DHWTempMin  = 30.0
	DHWTempStep = 1.0
)

// Override is the manual economy override that shadows the AUTO program
// until its expiry ("advance" in the vendor API).
type Override struct {
	Active bool
	Expiry time.Time
}

// InEffect reports whether the override shadows the schedule at instant now.
// A zero expiry means no client-side deadline; the box clears the flag itself.
func (o Override) InEffect(now time.Time) bool {
	if !o.Active {
		return false
	}
	return o.Expiry.IsZero() || now.Before(o.Expiry)
}

// ThermostatState is the normalized view of one thermostat snapshot.
type ThermostatState struct {
	Mode   besmart.Mode
	Season besmart.Season
	Marker besmart.Marker
	Unit   Unit

	CurrentTemperature float64
	TargetTemperature  float64 // set-point the box reports it is converging to
	FrostTemperature   float64
	EconomyTemperature float64
	ComfortTemperature float64
	SetpointOT         float64

	Heating    bool
	BatteryLow bool
	Override   Override

	HvacMode   HvacMode
	HvacAction HvacAction
	Preset     Preset
}

// ActiveSetpoint returns the set-point selected by the current mode and slot
// marker.
func (t ThermostatState) ActiveSetpoint() float64 {
	return ActiveSetpoint(t.Mode, t.Marker, t.FrostTemperature, t.EconomyTemperature, t.ComfortTemperature)
}

// MinTemperature is the lowest settable value for the active set-point. The
// three programmed set-points must stay ordered, so each one is fenced by its
// neighbours.
func (t ThermostatState) MinTemperature() float64 {
	switch t.Marker {
	case besmart.MarkerEconomy:
		return t.FrostTemperature + ClimateTempStep
	case besmart.MarkerFrost:
		return ClimateTempMin
	default:
		return t.EconomyTemperature + ClimateTempStep
	}
}

// MaxTemperature is the highest settable value for the active set-point.
func (t ThermostatState) MaxTemperature() float64 {
	switch t.Marker {
	case besmart.MarkerEconomy:
		return t.ComfortTemperature - ClimateTempStep
	case besmart.MarkerFrost:
		return t.EconomyTemperature - ClimateTempStep
	default:
		return ClimateTempMax
	}
}

// TargetPending reports whether the box has not yet converged on the
// programmed set-point.
func (t ThermostatState) TargetPending() bool {
	return t.TargetTemperature != t.ActiveSetpoint()
}

// BoilerState is the normalized view of one boiler snapshot.
type BoilerState struct {
	Operation          WaterHeaterOperation
	Unit               Unit
	TargetTemperature  float64
	CurrentTemperature float64
	FlameOn            bool
	OutdoorTemperature float64
	SystemPressure     float64
}
