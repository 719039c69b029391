package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

var ErrTimeout = errors.New("read timeout")

const zeroReadBackoff = 10 * time.Millisecond

// Reader reads exact byte counts from a connection under an idle deadline
// that is re-armed whenever data arrives.
type Reader struct {
	conn net.Conn
	idle time.Duration
}

func NewReader(conn net.Conn, idle time.Duration) *Reader {
	return &Reader{conn: conn, idle: idle}
}

func (r *Reader) arm() {
	if r.idle > 0 {
		_ = r.conn.SetReadDeadline(time.Now().Add(r.idle))
	}
}

// ReadExact returns exactly n bytes. A peer close yields io.EOF, an idle
// deadline yields an error wrapping ErrTimeout.
func (r *Reader) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	r.arm()
	got := 0
	for got < n {
		m, err := r.conn.Read(buf[got:])
		if m > 0 {
			got += m
			r.arm()
		}
		if err != nil {
			if got == n {
				return buf, nil
			}
			return nil, classify(err)
		}
		if m == 0 {
			time.Sleep(zeroReadBackoff)
		}
	}
	return buf, nil
}

func classify(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
