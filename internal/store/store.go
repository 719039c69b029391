// Package store holds the device registry and position sink used by
// sessions, with in-memory and MongoDB implementations, plus the Redis
// last-state cache.
package store

import (
	"context"
	"errors"

	"avl-ingest/internal/codec"
	"avl-ingest/internal/model"
)

var ErrNotFound = errors.New("not found")

// Registry maps IMEIs to devices. GetOrCreate is idempotent under concurrent
// first contact from the same IMEI.
type Registry interface {
	GetOrCreate(ctx context.Context, imei string) (*model.Device, error)
}

// Sink stores one decoded record for dev. The position insert and the
// device snapshot update happen atomically; on success dev carries the new
// snapshot.
type Sink interface {
	Persist(ctx context.Context, dev *model.Device, rec codec.Record) (*model.Position, error)
}

// Store is a Registry and Sink with read access for inspection.
type Store interface {
	Registry
	Sink
	FindByIMEI(ctx context.Context, imei string) (*model.Device, error)
	PositionsByDevice(ctx context.Context, deviceID string) ([]*model.Position, error)
	Close(ctx context.Context) error
}
