package grpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"avl-ingest/internal/model"
	"avl-ingest/internal/observability"
	"avl-ingest/internal/pipeline"
)

// Forwarder pushes stored positions to the forwarder service.
type Forwarder struct {
	conn   *grpc.ClientConn
	logger *slog.Logger
}

// NewForwarder creates a lazily connecting client for addr.
func NewForwarder(addr string, logger *slog.Logger, opts ...grpc.DialOption) (*Forwarder, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Forwarder{conn: conn, logger: logger.With("component", "grpc")}, nil
}

func (f *Forwarder) Close() error {
	return f.conn.Close()
}

// SendData delivers payload for deviceID. A reply without success is
// logged, not returned as an error.
func (f *Forwarder) SendData(ctx context.Context, deviceID, payload string) error {
	req, err := structpb.NewStruct(map[string]interface{}{
		"device_id": deviceID,
		"payload":   payload,
	})
	if err != nil {
		return err
	}
	res := new(structpb.Struct)
	if err := f.conn.Invoke(ctx, sendDataMethod, req, res); err != nil {
		return fmt.Errorf("forwarder SendData: %w", err)
	}
	if !res.GetFields()["success"].GetBoolValue() {
		f.logger.Warn("forwarder rejected data", "device_id", deviceID)
	}
	return nil
}

// DeviceConnected is a no-op; the forwarder only receives positions.
func (f *Forwarder) DeviceConnected(context.Context, *model.Device, string) {}

func (f *Forwarder) PositionStored(ctx context.Context, dev *model.Device, pos *model.Position) {
	b, err := json.Marshal(pipeline.BuildTracking(dev, pos, time.Now()))
	if err != nil {
		f.logger.Warn("encode tracking", "imei", dev.IMEI, "err", err)
		return
	}
	if err := f.SendData(ctx, dev.IMEI, string(b)); err != nil {
		observability.ForwardErrors.WithLabelValues("grpc").Inc()
		f.logger.Warn("forward failed", "imei", dev.IMEI, "err", err)
	}
}
