package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"avl-ingest/internal/codec"
	"avl-ingest/internal/model"
)

type memoryStore struct {
	mutex        sync.RWMutex
	defaultModel string
	devices      map[string]*model.Device // by IMEI
	positions    map[string][]*model.Position
}

// NewMemory returns a Store kept in process memory.
func NewMemory(defaultModel string) Store {
	return &memoryStore{
		defaultModel: defaultModel,
		devices:      make(map[string]*model.Device),
		positions:    make(map[string][]*model.Position),
	}
}

func (s *memoryStore) GetOrCreate(_ context.Context, imei string) (*model.Device, error) {
	if imei == "" {
		return nil, fmt.Errorf("empty imei")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	d, ok := s.devices[imei]
	if !ok {
		d = model.NewDevice(imei, s.defaultModel)
		s.devices[imei] = d
	}
	return d.Clone(), nil
}

func (s *memoryStore) Persist(_ context.Context, dev *model.Device, rec codec.Record) (*model.Position, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, ok := s.devices[dev.IMEI]
	if !ok || stored.ID != dev.ID {
		return nil, fmt.Errorf("device %s: %w", dev.IMEI, ErrNotFound)
	}

	pos := model.NewPosition(stored.ID, rec)
	seen := time.Now().UTC()
	s.positions[stored.ID] = append(s.positions[stored.ID], pos.Clone())
	stored.ApplySnapshot(pos, seen)
	dev.ApplySnapshot(pos, seen)
	return pos, nil
}

func (s *memoryStore) FindByIMEI(_ context.Context, imei string) (*model.Device, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	d, ok := s.devices[imei]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (s *memoryStore) PositionsByDevice(_ context.Context, deviceID string) ([]*model.Position, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	src := s.positions[deviceID]
	out := make([]*model.Position, 0, len(src))
	for _, p := range src {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (s *memoryStore) Close(context.Context) error { return nil }
