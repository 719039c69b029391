package link

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"avl-ingest/internal/model"
	"avl-ingest/internal/observability"
	"avl-ingest/internal/pipeline"
)

var ErrNotConnected = errors.New("link: not connected")

// Client keeps a TCP connection to the socket proxy and writes one JSON
// object per line. It reconnects in the background until Close.
type Client struct {
	addr   string
	logger *slog.Logger

	dialBackoff  time.Duration
	retryBackoff time.Duration

	mu   sync.Mutex
	conn net.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial starts the connect loop toward addr.
func Dial(addr string, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		addr:         addr,
		logger:       logger.With("component", "link"),
		dialBackoff:  5 * time.Second,
		retryBackoff: 2 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
	}
	c.wg.Add(1)
	go c.connectLoop()
	return c
}

func (c *Client) connectLoop() {
	defer c.wg.Done()
	var d net.Dialer
	for {
		conn, err := d.DialContext(c.ctx, "tcp", c.addr)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error("link: dial failed", "addr", c.addr, "err", err)
			if !c.sleep(c.dialBackoff) {
				return
			}
			continue
		}

		c.setConn(conn)
		c.logger.Info("link: connected", "remote", conn.RemoteAddr().String())

		c.readLoop(conn)

		c.clearConn(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("link: connection closed, reconnecting")
		if !c.sleep(c.retryBackoff) {
			return
		}
	}
}

func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) clearConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Connected reports whether the proxy connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// readLoop drains proxy lines until the connection drops. Commands from the
// proxy are only logged.
func (c *Client) readLoop(conn net.Conn) {
	r := bufio.NewScanner(conn)
	for r.Scan() {
		c.logger.Info("link: incoming line", "line", r.Text())
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) && c.ctx.Err() == nil {
		c.logger.Warn("link: read error", "err", err)
	}
}

func (c *Client) sendNDJSON(ctx context.Context, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.conn.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("link: write: %w", err)
	}
	return nil
}

type deviceConnectPayload struct {
	DeviceConnect bool   `json:"device_connect"`
	IMEI          string `json:"imei"`
	Model         string `json:"model,omitempty"`
	RemoteIP      string `json:"remote_ip,omitempty"`
	RemotePort    int    `json:"remote_port,omitempty"`
}

// DeviceConnected sends a device_connect line after a handshake.
func (c *Client) DeviceConnected(ctx context.Context, dev *model.Device, remote string) {
	info := deviceInfo(dev, remote)
	pl := deviceConnectPayload{
		DeviceConnect: true,
		IMEI:          info.IMEI,
		Model:         info.Model,
		RemoteIP:      info.RemoteIP,
		RemotePort:    info.RemotePort,
	}
	if err := c.sendNDJSON(ctx, pl); err != nil {
		observability.ForwardErrors.WithLabelValues("link").Inc()
		c.logger.Warn("link: send device_connect failed", "imei", info.IMEI, "err", err)
	}
}

// PositionStored sends the fix as a TrackingObject line.
func (c *Client) PositionStored(ctx context.Context, dev *model.Device, pos *model.Position) {
	tr := pipeline.BuildTracking(dev, pos, time.Now())
	if err := c.sendNDJSON(ctx, tr); err != nil {
		observability.ForwardErrors.WithLabelValues("link").Inc()
		c.logger.Warn("link: send tracking failed", "imei", tr.IMEI, "err", err)
	}
}

// Close stops reconnecting and drops the current connection.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}
