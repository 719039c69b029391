// Package fmxxx names the permanent IO element ids reported by FMB/FMC units.
package fmxxx

// 1-byte elements
const (
	DIn1        = 1
	DIn2        = 2
	DIn3        = 3
	GSMSignal   = 21
	GnssStatus  = 69
	DataMode    = 80
	BattLevel   = 113
	DOut1       = 179
	DOut2       = 180
	SleepMode   = 200
	NetworkType = 237
	Ignition    = 239
	Movement    = 240
)

// 2-byte elements
const (
	AIn2         = 6
	AIn1         = 9
	EcoScore     = 15 // average amount of events on some distance
	VehicleSpeed = 24
	ExtVolt      = 66
	BatteryVolt  = 67
	BattCurrent  = 68
	GnssPDOP     = 181
	GnssHDOP     = 182
	GsmCellID    = 205
	GsmAreaCode  = 206
)

// 4-byte elements
const (
	PulseCountDin1 = 4
	PulseCountDin2 = 5
	FuelUsedGPS    = 12
	TotalOdometer  = 16
	DallasTemp1    = 72
	TripOdometer   = 199
	ActiveGsmOper  = 241
)

// Names maps the ids forwarded downstream to their wire keys.
var Names = map[uint8]string{
	DIn1:           "din1",
	DIn2:           "din2",
	DIn3:           "din3",
	GSMSignal:      "gsm_signal",
	GnssStatus:     "gnss_status",
	DataMode:       "data_mode",
	BattLevel:      "batt_level",
	DOut1:          "dout1",
	DOut2:          "dout2",
	SleepMode:      "sleep_mode",
	NetworkType:    "network_type",
	Ignition:       "ignition",
	Movement:       "movement",
	AIn1:           "ain1",
	AIn2:           "ain2",
	EcoScore:       "eco_score",
	VehicleSpeed:   "vehicle_speed",
	ExtVolt:        "ext_volt_mv",
	BatteryVolt:    "batt_volt_mv",
	BattCurrent:    "batt_current_ma",
	GnssPDOP:       "pdop",
	GnssHDOP:       "hdop",
	GsmCellID:      "cell_id",
	GsmAreaCode:    "lac",
	PulseCountDin1: "pulse_din1",
	PulseCountDin2: "pulse_din2",
	FuelUsedGPS:    "fuel_used_gps_ml",
	TotalOdometer:  "odometer_m",
	DallasTemp1:    "dallas_temp1",
	TripOdometer:   "trip_odometer_m",
	ActiveGsmOper:  "gsm_operator",
}
