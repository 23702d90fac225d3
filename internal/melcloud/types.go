package melcloud

import (
	"fmt"
	"strconv"
	"time"
)

// Device types as reported by the cloud.
const (
	// DeviceTypeAta is an air-to-air unit (wall-mounted split, ducted).
	DeviceTypeAta = 0

	// DeviceTypeAtw is an air-to-water unit (hydrobox heat pump with
	// heating zones and optionally a hot water tank).
	DeviceTypeAtw = 1
)

// EffectiveFlags bits for air-to-air writes. The flags tell the cloud which
// fields of the posted state carry a change; everything else is echoed back
// untouched.
const (
	FlagAtaPower          int64 = 0x01
	FlagAtaOperationMode  int64 = 0x02
	FlagAtaTargetTemp     int64 = 0x04
	FlagAtaFanSpeed       int64 = 0x08
	FlagAtaVaneVertical   int64 = 0x10
	FlagAtaVaneHorizontal int64 = 0x100
)

// EffectiveFlags bits for air-to-water writes. Zone temperature flags sit
// above bit 32, hence the int64 flag field throughout.
const (
	FlagAtwPower              int64 = 0x01
	FlagAtwOperationModeZone1 int64 = 0x08
	FlagAtwOperationModeZone2 int64 = 0x10
	FlagAtwForcedHotWater     int64 = 0x10000
	FlagAtwTargetTempZone1    int64 = 0x200000080
	FlagAtwTargetTempZone2    int64 = 0x800000200
	FlagAtwTankTemp           int64 = 0x1000000000020
)

// Air-to-air operation modes (wire values).
const (
	AtaModeHeat     = 1
	AtaModeDry      = 2
	AtaModeCool     = 3
	AtaModeFanOnly  = 7
	AtaModeHeatCool = 8
)

// Air-to-air vane positions (wire values).
const (
	VaneAuto       = 0
	VaneSwingVert  = 7
	VaneSplitHoriz = 8
	VaneSwingHoriz = 12
)

// Air-to-water zone operation modes (wire values).
const (
	AtwZoneModeHeatThermostat = 0
	AtwZoneModeHeatFlow       = 1
	AtwZoneModeCurve          = 2
	AtwZoneModeCoolThermostat = 3
	AtwZoneModeCoolFlow       = 4
)

// Air-to-water unit status (wire values of OperationMode on ATW units,
// where it reports what the unit is doing rather than a commanded mode).
const (
	AtwStatusIdle       = 0
	AtwStatusHotWater   = 1
	AtwStatusHeatZones  = 2
	AtwStatusCool       = 3
	AtwStatusDefrost    = 4
	AtwStatusStandby    = 5
	AtwStatusLegionella = 6
)

var ataModeToString = map[int]string{
	AtaModeHeat:     "heat",
	AtaModeDry:      "dry",
	AtaModeCool:     "cool",
	AtaModeFanOnly:  "fan_only",
	AtaModeHeatCool: "heat_cool",
}

var ataModeFromString = map[string]int{
	"heat":      AtaModeHeat,
	"dry":       AtaModeDry,
	"cool":      AtaModeCool,
	"fan_only":  AtaModeFanOnly,
	"heat_cool": AtaModeHeatCool,
}

var atwZoneModeToString = map[int]string{
	AtwZoneModeHeatThermostat: "heat_thermostat",
	AtwZoneModeHeatFlow:       "heat_flow",
	AtwZoneModeCurve:          "curve",
	AtwZoneModeCoolThermostat: "cool_thermostat",
	AtwZoneModeCoolFlow:       "cool_flow",
}

var atwZoneModeFromString = map[string]int{
	"heat_thermostat": AtwZoneModeHeatThermostat,
	"heat_flow":       AtwZoneModeHeatFlow,
	"curve":           AtwZoneModeCurve,
	"cool_thermostat": AtwZoneModeCoolThermostat,
	"cool_flow":       AtwZoneModeCoolFlow,
}

var vaneVerticalToString = map[int]string{
	VaneAuto:      "auto",
	1:             "1",
	2:             "2",
	3:             "3",
	4:             "4",
	5:             "5",
	VaneSwingVert: "swing",
}

var vaneVerticalFromString = map[string]int{
	"auto":  VaneAuto,
	"1":     1,
	"2":     2,
	"3":     3,
	"4":     4,
	"5":     5,
	"swing": VaneSwingVert,
}

var vaneHorizontalToString = map[int]string{
	VaneAuto:       "auto",
	1:              "1",
	2:              "2",
	3:              "3",
	4:              "4",
	5:              "5",
	VaneSplitHoriz: "split",
	VaneSwingHoriz: "swing",
}

var vaneHorizontalFromString = map[string]int{
	"auto":  VaneAuto,
	"1":     1,
	"2":     2,
	"3":     3,
	"4":     4,
	"5":     5,
	"split": VaneSplitHoriz,
	"swing": VaneSwingHoriz,
}

// AtaModeString returns the portable name for a wire operation mode,
// or "unknown" for values the cloud has not documented.
func AtaModeString(mode int) string {
	if s, ok := ataModeToString[mode]; ok {
		return s
	}
	return "unknown"
}

// AtaModeFromString resolves a portable mode name to its wire value.
func AtaModeFromString(s string) (int, error) {
	if m, ok := ataModeFromString[s]; ok {
		return m, nil
	}
	return 0, fmt.Errorf("melcloud: invalid operation mode %q", s)
}

// AtwZoneModeString returns the portable name for a zone operation mode.
func AtwZoneModeString(mode int) string {
	if s, ok := atwZoneModeToString[mode]; ok {
		return s
	}
	return "unknown"
}

var atwStatusToString = map[int]string{
	AtwStatusIdle:       "idle",
	AtwStatusHotWater:   "hot_water",
	AtwStatusHeatZones:  "heat_zones",
	AtwStatusCool:       "cool",
	AtwStatusDefrost:    "defrost",
	AtwStatusStandby:    "standby",
	AtwStatusLegionella: "legionella",
}

// AtwStatusString returns the portable name for an air-to-water unit status.
func AtwStatusString(status int) string {
	if s, ok := atwStatusToString[status]; ok {
		return s
	}
	return "unknown"
}

// AtwZoneModeFromString resolves a portable zone mode name to its wire value.
func AtwZoneModeFromString(s string) (int, error) {
	if m, ok := atwZoneModeFromString[s]; ok {
		return m, nil
	}
	return 0, fmt.Errorf("melcloud: invalid zone operation mode %q", s)
}

// FanSpeedString returns "auto" for speed 0, otherwise the numeric speed.
func FanSpeedString(speed int) string {
	if speed == 0 {
		return "auto"
	}
	return strconv.Itoa(speed)
}

// FanSpeedFromString resolves "auto" or a positive numeric speed.
func FanSpeedFromString(s string) (int, error) {
	if s == "auto" {
		return 0, nil
	}
	speed, err := strconv.Atoi(s)
	if err != nil || speed < 1 {
		return 0, fmt.Errorf("melcloud: invalid fan speed %q", s)
	}
	return speed, nil
}

// VaneVerticalString returns the portable name for a vertical vane position.
func VaneVerticalString(pos int) string {
	if s, ok := vaneVerticalToString[pos]; ok {
		return s
	}
	return "unknown"
}

// VaneVerticalFromString resolves a portable vertical vane name.
func VaneVerticalFromString(s string) (int, error) {
	if p, ok := vaneVerticalFromString[s]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("melcloud: invalid vertical vane position %q", s)
}

// VaneHorizontalString returns the portable name for a horizontal vane position.
func VaneHorizontalString(pos int) string {
	if s, ok := vaneHorizontalToString[pos]; ok {
		return s
	}
	return "unknown"
}

// VaneHorizontalFromString resolves a portable horizontal vane name.
func VaneHorizontalFromString(s string) (int, error) {
	if p, ok := vaneHorizontalFromString[s]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("melcloud: invalid horizontal vane position %q", s)
}

// =============================================================================
// Login
// =============================================================================

// loginRequest is the body for Login/ClientLogin.
type loginRequest struct {
	Email           string `json:"Email"`
	Password        string `json:"Password"`
	Language        int    `json:"Language"`
	AppVersion      string `json:"AppVersion"`
	Persist         bool   `json:"Persist"`
	CaptchaResponse any    `json:"CaptchaResponse"`
}

// loginResponse is the body returned by Login/ClientLogin. ErrorId is null
// on success and a numeric code on credential failure.
type loginResponse struct {
	ErrorID   any       `json:"ErrorId"`
	ErrorCode any       `json:"ErrorCode"`
	LoginData loginData `json:"LoginData"`
}

type loginData struct {
	ContextKey string `json:"ContextKey"`
	Expiry     string `json:"Expiry"`
}

// =============================================================================
// Device Listing
// =============================================================================

// Building is one entry of the User/ListDevices response. Devices hang off
// the structure at several nesting levels; Client.ListDevices flattens them.
type Building struct {
	ID        int64     `json:"ID"`
	Name      string    `json:"Name"`
	Structure Structure `json:"Structure"`
}

// Structure nests devices directly and under areas and floors.
type Structure struct {
	Devices []DeviceEntry `json:"Devices"`
	Areas   []Area        `json:"Areas"`
	Floors  []Floor       `json:"Floors"`
}

// Area is a grouping of devices within a structure or floor.
type Area struct {
	Devices []DeviceEntry `json:"Devices"`
}

// Floor nests devices directly and under its own areas.
type Floor struct {
	Devices []DeviceEntry `json:"Devices"`
	Areas   []Area        `json:"Areas"`
}

// DeviceEntry is a device as it appears in the listing. The nested Device
// object carries unit capabilities that the state endpoint omits.
type DeviceEntry struct {
	DeviceID     int64       `json:"DeviceID"`
	BuildingID   int64       `json:"BuildingID"`
	DeviceName   string      `json:"DeviceName"`
	MacAddress   string      `json:"MacAddress"`
	SerialNumber string      `json:"SerialNumber"`
	Device       *DeviceConf `json:"Device"`
}

// Type returns the device type, preferring the nested capability object.
func (e DeviceEntry) Type() int {
	if e.Device != nil {
		return e.Device.DeviceType
	}
	return DeviceTypeAta
}

// DeviceConf is the capability block nested inside a listing entry.
// These values describe what the unit's hardware supports and do not
// change between polls.
type DeviceConf struct {
	DeviceType int  `json:"DeviceType"`
	Power      bool `json:"Power"`
	Offline    bool `json:"Offline"`

	// Air-to-air capabilities.
	NumberOfFanSpeeds           int     `json:"NumberOfFanSpeeds"`
	ModelSupportsFanSpeed       bool    `json:"ModelSupportsFanSpeed"`
	ModelSupportsAuto           bool    `json:"ModelSupportsAuto"`
	ModelSupportsHeat           bool    `json:"ModelSupportsHeat"`
	ModelSupportsDry            bool    `json:"ModelSupportsDry"`
	ModelSupportsVaneVertical   bool    `json:"ModelSupportsVaneVertical"`
	ModelSupportsVaneHorizontal bool    `json:"ModelSupportsVaneHorizontal"`
	TemperatureIncrement        float64 `json:"TemperatureIncrement"`
	MinTempCoolDry              float64 `json:"MinTempCoolDry"`
	MaxTempCoolDry              float64 `json:"MaxTempCoolDry"`
	MinTempHeat                 float64 `json:"MinTempHeat"`
	MaxTempHeat                 float64 `json:"MaxTempHeat"`
	MinTempAutomatic            float64 `json:"MinTempAutomatic"`
	MaxTempAutomatic            float64 `json:"MaxTempAutomatic"`

	// Energy reporting.
	HasEnergyConsumedMeter bool    `json:"HasEnergyConsumedMeter"`
	CurrentEnergyConsumed  float64 `json:"CurrentEnergyConsumed"`

	// Air-to-water capabilities.
	CanHeat         bool `json:"CanHeat"`
	CanCool         bool `json:"CanCool"`
	HasZone2        bool `json:"HasZone2"`
	HasHotWaterTank bool `json:"HasHotWaterTank"`
}

// =============================================================================
// Device State
// =============================================================================

// DeviceState is the Device/Get response for both device families. Fields
// the cloud reports as null or omits for a family are pointers; a nil
// pointer means "not reported this poll", which callers must distinguish
// from a zero reading.
type DeviceState struct {
	DeviceID   int64 `json:"DeviceID"`
	BuildingID int64 `json:"BuildingID"`
	DeviceType int   `json:"DeviceType"`

	Power             bool  `json:"Power"`
	Offline           bool  `json:"Offline"`
	EffectiveFlags    int64 `json:"EffectiveFlags"`
	HasPendingCommand bool  `json:"HasPendingCommand"`
	ErrorCode         int   `json:"ErrorCode"`
	HasError          bool  `json:"HasError"`

	// LastCommunication is the cloud's record of when the unit last
	// reported, in MELCloud's fractional ISO format without a zone suffix.
	LastCommunication string `json:"LastCommunication"`
	NextCommunication string `json:"NextCommunication"`

	// Air-to-air fields.
	RoomTemperature *float64 `json:"RoomTemperature"`
	SetTemperature  float64  `json:"SetTemperature"`
	OperationMode   int      `json:"OperationMode"`
	SetFanSpeed     int      `json:"SetFanSpeed"`
	VaneHorizontal  int      `json:"VaneHorizontal"`
	VaneVertical    int      `json:"VaneVertical"`

	// Air-to-water fields. Zone 2 pointers stay nil on single-zone units.
	OutdoorTemperature       *float64 `json:"OutdoorTemperature"`
	FlowTemperature          *float64 `json:"FlowTemperature"`
	ReturnTemperature        *float64 `json:"ReturnTemperature"`
	TankWaterTemperature     *float64 `json:"TankWaterTemperature"`
	SetTankWaterTemperature  *float64 `json:"SetTankWaterTemperature"`
	ForcedHotWaterMode       bool     `json:"ForcedHotWaterMode"`
	RoomTemperatureZone1     *float64 `json:"RoomTemperatureZone1"`
	RoomTemperatureZone2     *float64 `json:"RoomTemperatureZone2"`
	SetTemperatureZone1      *float64 `json:"SetTemperatureZone1"`
	SetTemperatureZone2      *float64 `json:"SetTemperatureZone2"`
	OperationModeZone1       *int     `json:"OperationModeZone1"`
	OperationModeZone2       *int     `json:"OperationModeZone2"`
	IdleZone1                bool     `json:"IdleZone1"`
	IdleZone2                bool     `json:"IdleZone2"`
	DemandPercentage         *float64 `json:"DemandPercentage"`
	HeatPumpFrequency        *float64 `json:"HeatPumpFrequency"`
	DailyEnergyConsumedDate  string   `json:"DailyEnergyConsumedDate"`
	CurrentEnergyConsumed    *float64 `json:"CurrentEnergyConsumed"`
	CurrentEnergyProduced    *float64 `json:"CurrentEnergyProduced"`
	DailyHeatingEnergyUsed   *float64 `json:"DailyHeatingEnergyConsumed"`
	DailyHotWaterEnergyUsed  *float64 `json:"DailyHotWaterEnergyConsumed"`
	DailyHeatingEnergyMade   *float64 `json:"DailyHeatingEnergyProduced"`
	DailyHotWaterEnergyMade  *float64 `json:"DailyHotWaterEnergyProduced"`
}

// melcloudTimeLayout matches the cloud's fractional second timestamps.
// The .999... fraction is optional so plain second precision also parses.
const melcloudTimeLayout = "2006-01-02T15:04:05.999999999"

// LastCommunicationTime parses LastCommunication. MELCloud omits the zone
// suffix; values are UTC. The boolean is false when the field is absent
// or unparseable.
func (s *DeviceState) LastCommunicationTime() (time.Time, bool) {
	if s.LastCommunication == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(melcloudTimeLayout, s.LastCommunication); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.RFC3339Nano, s.LastCommunication); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

// Clone returns a deep copy. Write paths mutate a clone so the caller's
// snapshot of the last confirmed wire state stays intact if the write fails.
func (s *DeviceState) Clone() *DeviceState {
	if s == nil {
		return nil
	}
	out := *s
	out.RoomTemperature = cloneFloat(s.RoomTemperature)
	out.OutdoorTemperature = cloneFloat(s.OutdoorTemperature)
	out.FlowTemperature = cloneFloat(s.FlowTemperature)
	out.ReturnTemperature = cloneFloat(s.ReturnTemperature)
	out.TankWaterTemperature = cloneFloat(s.TankWaterTemperature)
	out.SetTankWaterTemperature = cloneFloat(s.SetTankWaterTemperature)
	out.RoomTemperatureZone1 = cloneFloat(s.RoomTemperatureZone1)
	out.RoomTemperatureZone2 = cloneFloat(s.RoomTemperatureZone2)
	out.SetTemperatureZone1 = cloneFloat(s.SetTemperatureZone1)
	out.SetTemperatureZone2 = cloneFloat(s.SetTemperatureZone2)
	out.OperationModeZone1 = cloneInt(s.OperationModeZone1)
	out.OperationModeZone2 = cloneInt(s.OperationModeZone2)
	out.DemandPercentage = cloneFloat(s.DemandPercentage)
	out.HeatPumpFrequency = cloneFloat(s.HeatPumpFrequency)
	out.CurrentEnergyConsumed = cloneFloat(s.CurrentEnergyConsumed)
	out.CurrentEnergyProduced = cloneFloat(s.CurrentEnergyProduced)
	out.DailyHeatingEnergyUsed = cloneFloat(s.DailyHeatingEnergyUsed)
	out.DailyHotWaterEnergyUsed = cloneFloat(s.DailyHotWaterEnergyUsed)
	out.DailyHeatingEnergyMade = cloneFloat(s.DailyHeatingEnergyMade)
	out.DailyHotWaterEnergyMade = cloneFloat(s.DailyHotWaterEnergyMade)
	return &out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// =============================================================================
// Write Helpers
// =============================================================================

// SetPower stages a power change and marks its flag. Works for both
// families; the power bit is 0x01 on each.
func (s *DeviceState) SetPower(on bool) {
	s.Power = on
	if s.DeviceType == DeviceTypeAtw {
		s.EffectiveFlags |= FlagAtwPower
		return
	}
	s.EffectiveFlags |= FlagAtaPower
}

// SetOperationMode stages an air-to-air operation mode change.
func (s *DeviceState) SetOperationMode(mode string) error {
	m, err := AtaModeFromString(mode)
	if err != nil {
		return err
	}
	s.OperationMode = m
	s.EffectiveFlags |= FlagAtaOperationMode
	return nil
}

// SetTargetTemperature stages an air-to-air target temperature change.
// Rounding to the unit's increment is the caller's concern.
func (s *DeviceState) SetTargetTemperature(temp float64) {
	s.SetTemperature = temp
	s.EffectiveFlags |= FlagAtaTargetTemp
}

// SetFanSpeedMode stages a fan speed change from its portable name.
func (s *DeviceState) SetFanSpeedMode(speed string) error {
	v, err := FanSpeedFromString(speed)
	if err != nil {
		return err
	}
	s.SetFanSpeed = v
	s.EffectiveFlags |= FlagAtaFanSpeed
	return nil
}

// SetVaneVertical stages a vertical vane change from its portable name.
func (s *DeviceState) SetVaneVertical(pos string) error {
	v, err := VaneVerticalFromString(pos)
	if err != nil {
		return err
	}
	s.VaneVertical = v
	s.EffectiveFlags |= FlagAtaVaneVertical
	return nil
}

// SetVaneHorizontal stages a horizontal vane change from its portable name.
func (s *DeviceState) SetVaneHorizontal(pos string) error {
	v, err := VaneHorizontalFromString(pos)
	if err != nil {
		return err
	}
	s.VaneHorizontal = v
	s.EffectiveFlags |= FlagAtaVaneHorizontal
	return nil
}

// SetZoneTargetTemperature stages a zone target temperature change on an
// air-to-water unit. Zone must be 1 or 2.
func (s *DeviceState) SetZoneTargetTemperature(zone int, temp float64) error {
	switch zone {
	case 1:
		s.SetTemperatureZone1 = &temp
		s.EffectiveFlags |= FlagAtwTargetTempZone1
	case 2:
		s.SetTemperatureZone2 = &temp
		s.EffectiveFlags |= FlagAtwTargetTempZone2
	default:
		return fmt.Errorf("melcloud: invalid zone %d", zone)
	}
	return nil
}

// SetZoneOperationMode stages a zone operation mode change on an
// air-to-water unit. Zone must be 1 or 2.
func (s *DeviceState) SetZoneOperationMode(zone int, mode string) error {
	m, err := AtwZoneModeFromString(mode)
	if err != nil {
		return err
	}
	switch zone {
	case 1:
		s.OperationModeZone1 = &m
		s.EffectiveFlags |= FlagAtwOperationModeZone1
	case 2:
		s.OperationModeZone2 = &m
		s.EffectiveFlags |= FlagAtwOperationModeZone2
	default:
		return fmt.Errorf("melcloud: invalid zone %d", zone)
	}
	return nil
}

// SetForcedHotWater stages a forced hot water change on an air-to-water unit.
func (s *DeviceState) SetForcedHotWater(on bool) {
	s.ForcedHotWaterMode = on
	s.EffectiveFlags |= FlagAtwForcedHotWater
}

// SetTankTargetTemperature stages a hot water tank setpoint change on an
// air-to-water unit.
func (s *DeviceState) SetTankTargetTemperature(temp float64) {
	s.SetTankWaterTemperature = &temp
	s.EffectiveFlags |= FlagAtwTankTemp
}

// ResetEffectiveFlags clears staged change markers. Call before staging a
// fresh write onto a cloned snapshot.
func (s *DeviceState) ResetEffectiveFlags() {
	s.EffectiveFlags = 0
}
