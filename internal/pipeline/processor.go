package pipeline

import (
	"time"

	"avl-ingest/internal/codec"
	"avl-ingest/internal/codec/fmxxx"
	"avl-ingest/internal/model"
)

// LiveWindow separates live fixes from buffered ones replayed by the device.
const LiveWindow = 120 * time.Second

func coordsValid(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return true
}

func CalcFix(sats int, lat, lon float64) int {
	if sats > 3 && coordsValid(lat, lon) {
		return 1
	}
	return 0
}

// DecideMsgType reports 1 for a live fix and 0 for one older than
// LiveWindow relative to now.
func DecideMsgType(ts, now time.Time) int {
	if !ts.IsZero() && now.Sub(ts) > LiveWindow {
		return 0
	}
	return 1
}

// PermIO picks the named permanent IO elements out of io. Raw values are
// skipped.
func PermIO(io codec.IOElements) map[string]uint64 {
	out := make(map[string]uint64)
	for id, v := range io.Values {
		name, ok := fmxxx.Names[id]
		if !ok || v.Kind != codec.IONumeric {
			continue
		}
		out[name] = v.Val
	}
	return out
}

func BuildTracking(dev *model.Device, pos *model.Position, now time.Time) *TrackingObject {
	return &TrackingObject{
		IMEI:     dev.IMEI,
		Model:    dev.Model,
		Datetime: pos.RecordedAt.UTC().Format(time.RFC3339),
		Lat:      pos.Latitude,
		Lon:      pos.Longitude,
		Alt:      pos.Altitude,
		Spd:      pos.Speed,
		Crs:      pos.Angle,
		Sats:     pos.Satellites,
		Priority: pos.Priority,
		EventID:  pos.EventID,
		PermIO:   PermIO(pos.IO),
		MsgType:  DecideMsgType(pos.RecordedAt, now),
		Fix:      CalcFix(pos.Satellites, pos.Latitude, pos.Longitude),
	}
}
