package model

import (
	"time"

	"github.com/google/uuid"

	"avl-ingest/internal/codec"
)

// Position is one stored fix. Positions are append-only.
type Position struct {
	ID         string           `json:"id"`
	DeviceID   string           `json:"deviceId"`
	RecordedAt time.Time        `json:"recordedAt"`
	Latitude   float64          `json:"latitude"`
	Longitude  float64          `json:"longitude"`
	Altitude   int              `json:"altitude"`
	Speed      int              `json:"speed"`
	Angle      int              `json:"angle"`
	Satellites int              `json:"satellites"`
	Priority   int              `json:"priority"`
	EventID    int              `json:"eventId"`
	IO         codec.IOElements `json:"io"`
	RawPayload string           `json:"rawPayload"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// Clone returns a copy whose IO map is not shared with p.
func (p *Position) Clone() *Position {
	c := *p
	c.IO = p.IO.Clone()
	return &c
}

func NewPosition(deviceID string, rec codec.Record) *Position {
	return &Position{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		RecordedAt: rec.Timestamp,
		Latitude:   rec.GPS.Latitude,
		Longitude:  rec.GPS.Longitude,
		Altitude:   rec.GPS.Altitude,
		Speed:      rec.GPS.Speed,
		Angle:      rec.GPS.Angle,
		Satellites: rec.GPS.Satellites,
		Priority:   rec.Priority,
		EventID:    rec.EventIOID,
		IO:         rec.IO.Clone(),
		RawPayload: rec.RawHex,
		CreatedAt:  time.Now().UTC(),
	}
}
