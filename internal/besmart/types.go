package besmart

import "encoding/json"

// Mode is the BeSMART thermostat operating mode.
type Mode int

// Thermostat modes as reported and accepted by the vendor API.
const (
	ModeAuto    Mode = 0 // follow the weekly program
	ModeManual  Mode = 1 // hold the comfort set-point
	ModeEconomy Mode = 2 // hold the economy set-point
	ModeParty   Mode = 3 // comfort set-point until further notice
	ModeIdle    Mode = 4 // off, frost protection set-point only
	ModeDHW     Mode = 5 // domestic hot water only, no space heating
)

// Marker selects one of the three programmed set-points for a schedule slot.
type Marker string

// Slot markers as encoded in the weekly program grid.
const (
	MarkerFrost   Marker = "0"
	MarkerEconomy Marker = "1"
	MarkerComfort Marker = "2"
)

// Season is the thermostat operating season, orthogonal to Mode.
type Season string

// Seasons as encoded by the vendor API.
const (
	SeasonCool Season = "0"
	SeasonHeat Season = "1"
)

// Boiler work modes accepted by the vendor API.
const (
	BoilerModeAutoOn = "0" // resume, climate was active
	BoilerModeOn     = "1" // resume, DHW only
	BoilerModeOff    = "2" // anti-frost operation
)

// envelope is the common v1 API response wrapper.
type envelope struct {
	ErrorCode    string          `json:"error_code"`
	ErrorMessage string          `json:"error_message"`
	Message      json.RawMessage `json:"message"`
}

// loginMessage is the payload of a successful login response.
type loginMessage struct {
	User    loginUser `json:"user"`
	WifiBox []wifiBox `json:"wifi_box"`
}

type loginUser struct {
	ID string `json:"id"`
}

type wifiBox struct {
	ID string `json:"id"`
}

// DeviceCatalog lists the devices behind one Wi-Fi box.
type DeviceCatalog struct {
	Boiler      *BoilerInfo      `json:"boiler"`
	Thermostats []ThermostatInfo `json:"thermostat"`
}

// BoilerInfo identifies the boiler attached to a box.
type BoilerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Mode string `json:"mode"`
}

// ThermostatInfo identifies one thermostat (zone) behind a box.
type ThermostatInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Mode string `json:"mode"`
	Unit string `json:"unit"`
}

// ThermostatData is the raw thermostat payload. The vendor encodes every
// numeric field as a string; parsing with defaults happens in the resolver.
type ThermostatData struct {
	Mode           string `json:"mode"`
	Season         string `json:"season"`
	Unit           string `json:"unit"`
	CurrentTemp    string `json:"current_temp"`
	TargetTemp     string `json:"target_temp"`
	ComfortTemp    string `json:"comfort_temp"`
	EconomyTemp    string `json:"economy_temp"`
	FrostTemp      string `json:"frost_temp"`
	HeatingStatus  string `json:"heating_status"`
	BatteryPower   string `json:"battery_power"`
	Advance        string `json:"advance"`
	HolidayEndTime string `json:"holiday_end_time"`
	SetpointOT     string `json:"central_heating_thermostat_OT_set_point"`

	// Program is the 7x48 weekly slot grid. Kept raw because boxes with
	// stale firmware ship truncated or mistyped grids.
	Program json.RawMessage `json:"program"`
}

// ThermostatSettings is the raw settings payload, read before a
// read-modify-write season change.
type ThermostatSettings struct {
	Unit               string `json:"unit"`
	Season             string `json:"season"`
	MinHeatingSetPoint string `json:"min_heating_set_point"`
	MaxHeatingSetPoint string `json:"max_heating_set_point"`
	SensorInfluence    string `json:"sensor_influence"`
	ClimaticCurve      string `json:"climatic_curve"`
}

// BoilerData is the raw boiler payload.
type BoilerData struct {
	WorkMode       string `json:"work_mode"`
	Unit           string `json:"unit"`
	DHWTargetTemp  string `json:"dhw_target_temp"`
	DHWCurrentTemp string `json:"dhw_current_temp"`
	FlameStatus    string `json:"flame_status"`
	OutdoorTemp    string `json:"outdoor_probe_temp"`
	SystemPressure string `json:"system_pressure"`
}
