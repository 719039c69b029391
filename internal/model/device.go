package model

import (
	"time"

	"github.com/google/uuid"

	"avl-ingest/internal/codec"
)

// DefaultModel is assigned to devices created on first contact.
const DefaultModel = "FMB130"

// Device is a tracking unit identified by its IMEI, carrying a snapshot of
// the last record stored for it.
type Device struct {
	ID        string    `json:"id"`
	IMEI      string    `json:"imei"`
	Name      string    `json:"name"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	LastSeenAt     time.Time         `json:"lastSeenAt,omitempty"`
	LastFixAt      time.Time         `json:"lastFixAt,omitempty"`
	LastLatitude   float64           `json:"lastLatitude"`
	LastLongitude  float64           `json:"lastLongitude"`
	LastSpeed      int               `json:"lastSpeed"`
	LastAngle      int               `json:"lastAngle"`
	LastSatellites int               `json:"lastSatellites"`
	LastPayload    *codec.IOElements `json:"lastPayload,omitempty"`
}

func NewDevice(imei, modelName string) *Device {
	if modelName == "" {
		modelName = DefaultModel
	}
	now := time.Now().UTC()
	return &Device{
		ID:        uuid.NewString(),
		IMEI:      imei,
		Name:      imei,
		Model:     modelName,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ApplySnapshot overwrites the last-known state with pos.
func (d *Device) ApplySnapshot(pos *Position, seenAt time.Time) {
	io := pos.IO.Clone()
	d.LastSeenAt = seenAt
	d.LastFixAt = pos.RecordedAt
	d.LastLatitude = pos.Latitude
	d.LastLongitude = pos.Longitude
	d.LastSpeed = pos.Speed
	d.LastAngle = pos.Angle
	d.LastSatellites = pos.Satellites
	d.LastPayload = &io
	d.UpdatedAt = seenAt
}

// Clone returns a copy that shares no mutable state with d.
func (d *Device) Clone() *Device {
	c := *d
	if d.LastPayload != nil {
		io := d.LastPayload.Clone()
		c.LastPayload = &io
	}
	return &c
}
