// Package resolve turns raw BeSMART payloads into the normalized device
// state exposed by entities. Every function tolerates missing or mistyped
// vendor fields by substituting a documented default; nothing in this
// package panics or returns an error on bad data.
//
// Default policy on parse failure: temperatures and pressures 0.0, mode
// AUTO, season heat, unit Celsius, flags false, slot marker comfort.
package resolve

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/coder89/ha-besmart/internal/besmart"
)

// ActiveSetpoint selects the set-point for a mode. In AUTO the slot marker
// decides; MANUAL and PARTY hold comfort, ECONOMY holds economy, IDLE holds
// the frost-protection temperature.
func ActiveSetpoint(mode besmart.Mode, marker besmart.Marker, frostT, saveT, comfT float64) float64 {
	switch mode {
	case besmart.ModeIdle:
		return frostT
	case besmart.ModeEconomy:
		return saveT
	case besmart.ModeManual, besmart.ModeParty:
		return comfT
	case besmart.ModeAuto:
		switch marker {
		case besmart.MarkerFrost:
			return frostT
		case besmart.MarkerEconomy:
			return saveT
		default:
			return comfT
		}
	default:
		return comfT
	}
}

// HvacModeFor maps season to heat/cool; a thermostat in DHW mode reads as off.
func HvacModeFor(mode besmart.Mode, season besmart.Season) HvacMode {
	if mode == besmart.ModeDHW {
		return HvacOff
	}
	if season == besmart.SeasonCool {
		return HvacCool
	}
	return HvacHeat
}

// HvacActionFor reports the current activity. Off only in DHW mode, idle
// whenever the burner/chiller is not running.
func HvacActionFor(heating bool, mode besmart.Mode, season besmart.Season) HvacAction {
	if heating {
		if season == besmart.SeasonCool {
			return ActionCooling
		}
		return ActionHeating
	}
	if mode == besmart.ModeDHW {
		return ActionOff
	}
	return ActionIdle
}

// PresetFor maps a vendor mode to its preset name; unknown modes read as IDLE.
func PresetFor(mode besmart.Mode) Preset {
	switch mode {
	case besmart.ModeAuto:
		return PresetAuto
	case besmart.ModeManual:
		return PresetManual
	case besmart.ModeEconomy:
		return PresetEco
	case besmart.ModeParty:
		return PresetParty
	case besmart.ModeDHW:
		return PresetDHW
	default:
		return PresetIdle
	}
}

// ModeForPreset is the reverse mapping used when forwarding commands;
// unknown presets fall back to AUTO.
func ModeForPreset(preset Preset) besmart.Mode {
	switch preset {
	case PresetManual:
		return besmart.ModeManual
	case PresetEco:
		return besmart.ModeEconomy
	case PresetParty:
		return besmart.ModeParty
	case PresetIdle:
		return besmart.ModeIdle
	case PresetDHW:
		return besmart.ModeDHW
	default:
		return besmart.ModeAuto
	}
}

// Thermostat computes the normalized view of one raw thermostat payload at
// instant now. Schedule problems are logged and degrade to the comfort
// marker.
func Thermostat(raw *besmart.ThermostatData, now time.Time, logger *zap.Logger) ThermostatState {
	mode := parseMode(raw.Mode)
	season := parseSeason(raw.Season)

	t := ThermostatState{
		Mode:               mode,
		Season:             season,
		Unit:               parseUnit(raw.Unit),
		CurrentTemperature: parseFloat(raw.CurrentTemp, 0.0),
		TargetTemperature:  parseFloat(raw.TargetTemp, 0.0),
		FrostTemperature:   parseFloat(raw.FrostTemp, 0.0),
		EconomyTemperature: parseFloat(raw.EconomyTemp, 0.0),
		ComfortTemperature: parseFloat(raw.ComfortTemp, 0.0),
		SetpointOT:         parseFloat(raw.SetpointOT, 0.0),
		Heating:            raw.HeatingStatus == "1",
		BatteryLow:         parseBatteryLow(raw.BatteryPower),
	}

	switch mode {
	case besmart.ModeAuto:
		marker, ok := ScheduleMarker(raw.Program, now)
		if !ok {
			logger.Warn("malformed weekly program, assuming comfort slot")
		}
		t.Marker = marker

		t.Override = parseOverride(raw.Advance, raw.HolidayEndTime)
		if t.Override.InEffect(now) {
			t.Marker = besmart.MarkerEconomy
		}
	case besmart.ModeEconomy:
		t.Marker = besmart.MarkerEconomy
	case besmart.ModeIdle:
		t.Marker = besmart.MarkerFrost
	default:
		// MANUAL, PARTY and DHW hold the comfort set-point.
		t.Marker = besmart.MarkerComfort
	}

	t.HvacMode = HvacModeFor(mode, season)
	t.HvacAction = HvacActionFor(t.Heating, mode, season)
	t.Preset = PresetFor(mode)
	return t
}

// Boiler computes the normalized view of one raw boiler payload.
func Boiler(raw *besmart.BoilerData) BoilerState {
	operation := OperationGas
	if raw.WorkMode == besmart.BoilerModeOff {
		operation = OperationOff
	}

	return BoilerState{
		Operation:          operation,
		Unit:               parseUnit(raw.Unit),
		TargetTemperature:  parseFloat(raw.DHWTargetTemp, 0.0),
		CurrentTemperature: parseFloat(raw.DHWCurrentTemp, 0.0),
		FlameOn:            parseFloat(raw.FlameStatus, 0.0) > 0,
		OutdoorTemperature: parseFloat(raw.OutdoorTemp, 0.0),
		SystemPressure:     parseFloat(raw.SystemPressure, 0.0),
	}
}

func parseOverride(advance, holidayEndTime string) Override {
	if advance != "1" {
		return Override{}
	}
	o := Override{Active: true}
	if ts, err := strconv.ParseInt(holidayEndTime, 10, 64); err == nil && ts > 0 {
		o.Expiry = time.Unix(ts, 0)
	}
	return o
}

func parseFloat(s string, def float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}

func parseMode(s string) besmart.Mode {
	v, err := strconv.Atoi(s)
	if err != nil || v < int(besmart.ModeAuto) || v > int(besmart.ModeDHW) {
		return besmart.ModeAuto
	}
	return besmart.Mode(v)
}

func parseSeason(s string) besmart.Season {
	if s == string(besmart.SeasonCool) {
		return besmart.SeasonCool
	}
	return besmart.SeasonHeat
}

func parseUnit(s string) Unit {
	switch s {
	case "", "0", "N/A":
		return UnitCelsius
	default:
		return UnitFahrenheit
	}
}

// parseBatteryLow: battery_power "0" means the thermostat lost mains power
// and runs on battery; anything unparsable reads as powered.
func parseBatteryLow(s string) bool {
	v, err := strconv.Atoi(s)
	return err == nil && v == 0
}
