package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"avl-ingest/internal/model"
	"avl-ingest/internal/observability"
)

// Notifier receives session events after the core has finished with them.
// Implementations must be safe for use from one goroutine at a time.
type Notifier interface {
	DeviceConnected(ctx context.Context, dev *model.Device, remote string)
	PositionStored(ctx context.Context, dev *model.Device, pos *model.Position)
}

type eventKind int

const (
	evConnected eventKind = iota
	evPosition
)

type event struct {
	kind   eventKind
	dev    *model.Device
	pos    *model.Position
	remote string
}

// Fanout queues events and delivers them to every notifier from a single
// worker goroutine. Publishing never blocks: when the queue is full the
// event is dropped and counted.
type Fanout struct {
	targets []Notifier
	queue   chan event
	timeout time.Duration
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewFanout starts the delivery worker. Each delivery gets its own timeout.
func NewFanout(queueSize int, timeout time.Duration, logger *slog.Logger, targets ...Notifier) *Fanout {
	f := &Fanout{
		targets: targets,
		queue:   make(chan event, queueSize),
		timeout: timeout,
		logger:  logger.With("component", "fanout"),
		done:    make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *Fanout) DeviceConnected(_ context.Context, dev *model.Device, remote string) {
	f.publish(event{kind: evConnected, dev: dev.Clone(), remote: remote})
}

func (f *Fanout) PositionStored(_ context.Context, dev *model.Device, pos *model.Position) {
	f.publish(event{kind: evPosition, dev: dev.Clone(), pos: pos})
}

func (f *Fanout) publish(ev event) {
	if len(f.targets) == 0 {
		return
	}
	select {
	case f.queue <- ev:
	default:
		observability.ForwardDropped.Inc()
		f.logger.Warn("downstream queue full, event dropped", "imei", ev.dev.IMEI)
	}
}

func (f *Fanout) run() {
	defer close(f.done)
	for ev := range f.queue {
		for _, t := range f.targets {
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			switch ev.kind {
			case evConnected:
				t.DeviceConnected(ctx, ev.dev, ev.remote)
			case evPosition:
				t.PositionStored(ctx, ev.dev, ev.pos)
			}
			cancel()
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// Publishing after Close panics, so callers close the fan-out only after
// every session has ended.
func (f *Fanout) Close() {
	f.closeOnce.Do(func() { close(f.queue) })
	<-f.done
}
