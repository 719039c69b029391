package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"avl-ingest/internal/codec"
	"avl-ingest/internal/config"
	"avl-ingest/internal/model"
	"avl-ingest/internal/observability"
)

var (
	ErrHandshake     = errors.New("handshake failed")
	ErrFrameTooLarge = errors.New("frame too large")
)

// DefaultMaxFrameSize bounds a data block when the config leaves it unset.
const DefaultMaxFrameSize = 1 << 20

const (
	handshakeAccept byte = 0x01
	handshakeReject byte = 0x00
)

type sessionState int

const (
	stateHandshaking sessionState = iota
	stateStreaming
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateHandshaking:
		return "handshaking"
	case stateStreaming:
		return "streaming"
	default:
		return "closed"
	}
}

// Session runs the handshake and frame loop for one device connection.
type Session struct {
	conn   net.Conn
	r      *Reader
	cfg    config.ServerConfig
	deps   Deps
	logger *slog.Logger
	remote string

	state sessionState
	dev   *model.Device
}

func NewSession(conn net.Conn, cfg config.ServerConfig, deps Deps) *Session {
	deps = deps.withDefaults()
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	remote := conn.RemoteAddr().String()
	return &Session{
		conn:   conn,
		r:      NewReader(conn, cfg.IdleTimeout),
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("remote", remote),
		remote: remote,
		state:  stateHandshaking,
	}
}

// Device is the registered device, nil until the handshake completes.
func (s *Session) Device() *model.Device { return s.dev }

// Run serves the connection until the peer leaves, an error ends the
// session, or ctx is cancelled between frames. The caller closes conn.
func (s *Session) Run(ctx context.Context) error {
	if err := s.handshake(ctx); err != nil {
		return err
	}
	s.state = stateStreaming
	for ctx.Err() == nil {
		if err := s.serveFrame(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	lb, err := s.r.ReadExact(2)
	if err != nil {
		return err
	}
	raw, err := s.r.ReadExact(int(binary.BigEndian.Uint16(lb)))
	if err != nil {
		return err
	}
	imei := strings.TrimSpace(string(raw))
	if imei == "" {
		observability.HandshakeFailed.Inc()
		return fmt.Errorf("%w: empty imei", ErrHandshake)
	}

	dev, err := s.deps.Registry.GetOrCreate(ctx, imei)
	if err != nil {
		observability.HandshakeFailed.Inc()
		_ = s.write([]byte{handshakeReject})
		return fmt.Errorf("%w: register %s: %w", ErrHandshake, imei, err)
	}
	if err := s.write([]byte{handshakeAccept}); err != nil {
		return err
	}

	s.dev = dev
	s.logger = s.logger.With("imei", imei)
	observability.HandshakeOK.Inc()
	s.logger.Info("device connected", "device_id", dev.ID)
	s.deps.Notifier.DeviceConnected(ctx, dev, s.remote)
	return nil
}

// serveFrame reads and handles one frame. A non-zero preamble is dropped
// and the next four bytes are tried.
func (s *Session) serveFrame(ctx context.Context) error {
	pre, err := s.r.ReadExact(4)
	if err != nil {
		return err
	}
	if binary.BigEndian.Uint32(pre) != 0 {
		observability.PreambleSkipped.Inc()
		s.logger.Debug("non-zero preamble skipped", "preamble", fmt.Sprintf("%08x", pre))
		return nil
	}

	lb, err := s.r.ReadExact(4)
	if err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(lb)
	if uint64(length) > uint64(s.cfg.MaxFrameSize) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	data, err := s.r.ReadExact(int(length))
	if err != nil {
		return err
	}
	cb, err := s.r.ReadExact(4)
	if err != nil {
		return err
	}
	observability.PacketsRecv.Inc()

	// The frame is handled to completion even if ctx is cancelled meanwhile.
	ctx = context.WithoutCancel(ctx)

	if s.deps.Audit != nil {
		frame := make([]byte, 0, 12+len(data))
		frame = append(append(append(append(frame, pre...), lb...), data...), cb...)
		if err := s.deps.Audit.Frame(s.dev.IMEI, frame); err != nil {
			s.logger.Warn("audit write failed", "err", err)
		}
	}

	crc := binary.BigEndian.Uint32(cb)
	if s.cfg.VerifyCRC && !codec.CheckCRC(data, crc) {
		observability.CRCErrors.Inc()
		s.logger.Warn("crc mismatch, block skipped",
			"crc", fmt.Sprintf("%08x", crc), "computed", fmt.Sprintf("%04x", codec.CRC16(data)))
		return s.ack(0)
	}

	start := time.Now()
	blk, derr := codec.DecodeBlock(data)
	observability.ObserveParseLatency(start)
	if blk.Truncated {
		observability.RecordsTruncated.Inc()
		s.logger.Warn("block shorter than declared", "declared", blk.Declared, "decoded", len(blk.Records))
	}

	if derr != nil {
		switch {
		case errors.Is(derr, codec.ErrUnsupportedCodec):
			observability.ParseErrors.WithLabelValues("unsupported_codec").Inc()
		case errors.Is(derr, codec.ErrTruncatedPayload):
			observability.ParseErrors.WithLabelValues("truncated").Inc()
			if s.cfg.KeepPartial {
				stored, perr := s.persist(ctx, blk.Records)
				if err := s.ack(stored); err != nil {
					return err
				}
				if perr != nil {
					return perr
				}
			}
		default:
			observability.ParseErrors.WithLabelValues("other").Inc()
		}
		return derr
	}

	stored, perr := s.persist(ctx, blk.Records)
	if err := s.ack(stored); err != nil {
		return err
	}
	if perr != nil {
		return perr
	}
	s.logger.Info("records persisted", "codec", fmt.Sprintf("0x%02X", blk.CodecID), "count", stored)
	return nil
}

// persist stores recs in order and returns how many were stored.
func (s *Session) persist(ctx context.Context, recs []codec.Record) (int, error) {
	for i, rec := range recs {
		pos, err := s.deps.Sink.Persist(ctx, s.dev, rec)
		if err != nil {
			observability.PersistErrors.Inc()
			return i, fmt.Errorf("persist record %d: %w", i, err)
		}
		s.deps.Notifier.PositionStored(ctx, s.dev, pos)
	}
	return len(recs), nil
}

func (s *Session) ack(n int) error {
	observability.RecordsAck.Add(float64(n))
	var b []byte
	if s.cfg.AckWidth == 4 {
		b = binary.BigEndian.AppendUint32(nil, uint32(n))
	} else {
		if n > 0xFF {
			n = 0xFF
		}
		b = []byte{byte(n)}
	}
	return s.write(b)
}

func (s *Session) write(b []byte) error {
	if s.cfg.IdleTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
	_, err := s.conn.Write(b)
	return err
}
