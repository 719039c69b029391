package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"avl-ingest/internal/codec"
	"avl-ingest/internal/codec/avltest"
	"avl-ingest/internal/config"
	"avl-ingest/internal/model"
	"avl-ingest/internal/store"
)

const testIMEI = "123456789012345"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		Listen:        "127.0.0.1:0",
		IdleTimeout:   2 * time.Second,
		ShutdownGrace: 200 * time.Millisecond,
		MaxFrameSize:  1 << 20,
		AckWidth:      1,
	}
}

type recorder struct {
	mu        sync.Mutex
	connected []string
	positions int
}

func (r *recorder) DeviceConnected(_ context.Context, dev *model.Device, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, dev.IMEI)
}

func (r *recorder) PositionStored(context.Context, *model.Device, *model.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions++
}

type testServer struct {
	srv   *Server
	store store.Store
	rec   *recorder
}

func startServer(t *testing.T, mutate func(*config.ServerConfig)) *testServer {
	t.Helper()
	return startServerWithSink(t, mutate, nil)
}

// startServerWithSink runs a server whose sink is wrap(store) when wrap is set.
func startServerWithSink(t *testing.T, mutate func(*config.ServerConfig), wrap func(store.Store) store.Sink) *testServer {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	st := store.NewMemory("")
	var sink store.Sink = st
	if wrap != nil {
		sink = wrap(st)
	}
	rec := &recorder{}
	srv := New(cfg, Deps{Registry: st, Sink: sink, Notifier: rec, Logger: discardLogger()})
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	t.Cleanup(func() {
		srv.Close()
		<-done
	})
	return &testServer{srv: srv, store: st, rec: rec}
}

func (ts *testServer) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ts.srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func (ts *testServer) connect(t *testing.T, imei string) net.Conn {
	t.Helper()
	conn := ts.dial(t)
	if _, err := conn.Write(avltest.Handshake(imei)); err != nil {
		t.Fatal(err)
	}
	if b := readN(t, conn, 1); b[0] != 0x01 {
		t.Fatalf("handshake reply = %#x, want 0x01", b[0])
	}
	return conn
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := io.ReadFull(conn, b); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return b
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	b := make([]byte, 1)
	n, err := conn.Read(b)
	if err == nil {
		t.Fatalf("expected connection close, read %d bytes %#x", n, b[:n])
	}
}

func sample(i int) avltest.Record {
	return avltest.Record{
		TimestampMs: uint64(1717200000000 + i*1000),
		Priority:    1,
		Lon:         392083000,
		Lat:         -67924000,
		Altitude:    14,
		Angle:       90,
		Satellites:  9,
		Speed:       uint16(30 + i),
		TotalIO:     1,
		IO:          []avltest.IO{{ID: 66, Width: 1, Val: 0x0A}},
	}
}

func (ts *testServer) positions(t *testing.T, imei string) []*model.Position {
	t.Helper()
	ctx := context.Background()
	dev, err := ts.store.FindByIMEI(ctx, imei)
	if err != nil {
		t.Fatalf("FindByIMEI(%s): %v", imei, err)
	}
	pos, err := ts.store.PositionsByDevice(ctx, dev.ID)
	if err != nil {
		t.Fatal(err)
	}
	return pos
}

func TestSessionEndToEnd(t *testing.T) {
	ts := startServer(t, nil)
	conn := ts.connect(t, testIMEI)

	if _, err := conn.Write(avltest.Frame(avltest.Block(codec.Codec8, 2, sample(0), sample(1)))); err != nil {
		t.Fatal(err)
	}
	if ack := readN(t, conn, 1); ack[0] != 0x02 {
		t.Fatalf("ack = %#x, want 0x02", ack[0])
	}

	pos := ts.positions(t, testIMEI)
	if len(pos) != 2 {
		t.Fatalf("got %d positions, want 2", len(pos))
	}
	if v := pos[0].IO.Values[66]; v.Val != 0x0A {
		t.Errorf("io 66 = %+v", v)
	}
	if pos[1].Speed != 31 || pos[1].Latitude != -6.7924 {
		t.Errorf("second position = %+v", pos[1])
	}

	dev, _ := ts.store.FindByIMEI(context.Background(), testIMEI)
	if dev.Model != model.DefaultModel || dev.LastSpeed != 31 {
		t.Errorf("device = %+v", dev)
	}

	ts.rec.mu.Lock()
	defer ts.rec.mu.Unlock()
	if len(ts.rec.connected) != 1 || ts.rec.positions != 2 {
		t.Errorf("notifier saw connected=%v positions=%d", ts.rec.connected, ts.rec.positions)
	}
}

func TestReconnectReusesDevice(t *testing.T) {
	ts := startServer(t, nil)

	first := ts.connect(t, testIMEI)
	_, _ = first.Write(avltest.Frame(avltest.Block(codec.Codec8, 1, sample(0))))
	readN(t, first, 1)
	first.Close()

	second := ts.connect(t, "  "+testIMEI+" ")
	_, _ = second.Write(avltest.Frame(avltest.Block(codec.Codec8, 1, sample(1))))
	readN(t, second, 1)

	if got := len(ts.positions(t, testIMEI)); got != 2 {
		t.Errorf("positions = %d, want 2 on one device", got)
	}
}

func TestPreambleResync(t *testing.T) {
	ts := startServer(t, nil)
	conn := ts.connect(t, testIMEI)

	msg := append([]byte{0xDE, 0xAD, 0xBE, 0xEF}, avltest.Frame(avltest.Block(codec.Codec8, 1, sample(0)))...)
	_, _ = conn.Write(msg)
	if ack := readN(t, conn, 1); ack[0] != 0x01 {
		t.Errorf("ack = %#x, want 0x01", ack[0])
	}
}

func TestEmptyIMEIRejected(t *testing.T) {
	for _, imei := range []string{"", "   "} {
		t.Run(fmt.Sprintf("%q", imei), func(t *testing.T) {
			ts := startServer(t, nil)
			conn := ts.dial(t)
			_, _ = conn.Write(avltest.Handshake(imei))
			expectClosed(t, conn)
			if _, err := ts.store.FindByIMEI(context.Background(), imei); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("device created for empty imei")
			}
		})
	}
}

type failingRegistry struct{}

func (failingRegistry) GetOrCreate(context.Context, string) (*model.Device, error) {
	return nil, errors.New("db down")
}

func TestRegistryFailureRejectsDevice(t *testing.T) {
	st := store.NewMemory("")
	srv := New(testConfig(), Deps{Registry: failingRegistry{}, Sink: st, Logger: discardLogger()})
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	defer func() { srv.Close(); <-done }()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write(avltest.Handshake(testIMEI))
	if b := readN(t, conn, 1); b[0] != 0x00 {
		t.Errorf("reply = %#x, want 0x00", b[0])
	}
	expectClosed(t, conn)
}

func TestUnsupportedCodecClosesSession(t *testing.T) {
	ts := startServer(t, nil)
	conn := ts.connect(t, testIMEI)

	data := avltest.Block(codec.Codec8, 1, sample(0))
	data[0] = 0x99
	_, _ = conn.Write(avltest.Frame(data))
	expectClosed(t, conn)
	if got := len(ts.positions(t, testIMEI)); got != 0 {
		t.Errorf("positions = %d, want 0", got)
	}
}

func TestShortBlockAcksZero(t *testing.T) {
	ts := startServer(t, nil)
	conn := ts.connect(t, testIMEI)

	_, _ = conn.Write(avltest.Frame([]byte{codec.Codec8, 0x01, 0x00}))
	if ack := readN(t, conn, 1); ack[0] != 0x00 {
		t.Errorf("ack = %#x, want 0", ack[0])
	}
}

func TestDeclaredMoreThanPresentAcksDecoded(t *testing.T) {
	ts := startServer(t, nil)
	conn := ts.connect(t, testIMEI)

	_, _ = conn.Write(avltest.Frame(avltest.BlockNoTrailer(codec.Codec8, 5, sample(0), sample(1), sample(2))))
	if ack := readN(t, conn, 1); ack[0] != 0x03 {
		t.Errorf("ack = %#x, want 0x03", ack[0])
	}
}

func TestDeclaredCountWithTrailerClosesSession(t *testing.T) {
	ts := startServer(t, nil)
	conn := ts.connect(t, testIMEI)

	// the trailing count byte is read as the start of a fourth record
	_, _ = conn.Write(avltest.Frame(avltest.Block(codec.Codec8, 5, sample(0), sample(1), sample(2))))
	expectClosed(t, conn)
	if got := len(ts.positions(t, testIMEI)); got != 0 {
		t.Errorf("positions = %d, want 0", got)
	}
}

func truncatedBlock() []byte {
	data := avltest.Block(codec.Codec8, 3, sample(0), sample(1), sample(2))
	return data[:len(data)-10]
}

func TestTruncatedBlockClosesSession(t *testing.T) {
	ts := startServer(t, nil)
	conn := ts.connect(t, testIMEI)

	_, _ = conn.Write(avltest.Frame(truncatedBlock()))
	expectClosed(t, conn)
	if got := len(ts.positions(t, testIMEI)); got != 0 {
		t.Errorf("positions = %d, want 0", got)
	}
}

func TestKeepPartialAcksDecodedRecords(t *testing.T) {
	ts := startServer(t, func(c *config.ServerConfig) { c.KeepPartial = true })
	conn := ts.connect(t, testIMEI)

	_, _ = conn.Write(avltest.Frame(truncatedBlock()))
	if ack := readN(t, conn, 1); ack[0] != 0x02 {
		t.Fatalf("ack = %#x, want 0x02", ack[0])
	}
	expectClosed(t, conn)
	if got := len(ts.positions(t, testIMEI)); got != 2 {
		t.Errorf("positions = %d, want 2", got)
	}
}

func TestVerifyCRC(t *testing.T) {
	ts := startServer(t, func(c *config.ServerConfig) { c.VerifyCRC = true })
	conn := ts.connect(t, testIMEI)

	data := avltest.Block(codec.Codec8, 1, sample(0))
	_, _ = conn.Write(avltest.FrameWithCRC(data, 0xDEAD))
	if ack := readN(t, conn, 1); ack[0] != 0x00 {
		t.Fatalf("corrupt frame ack = %#x, want 0", ack[0])
	}

	_, _ = conn.Write(avltest.Frame(data))
	if ack := readN(t, conn, 1); ack[0] != 0x01 {
		t.Fatalf("valid frame ack = %#x, want 1", ack[0])
	}
	if got := len(ts.positions(t, testIMEI)); got != 1 {
		t.Errorf("positions = %d, want 1", got)
	}
}

func TestCRCIgnoredByDefault(t *testing.T) {
	ts := startServer(t, nil)
	conn := ts.connect(t, testIMEI)

	_, _ = conn.Write(avltest.FrameWithCRC(avltest.Block(codec.Codec8, 1, sample(0)), 0))
	if ack := readN(t, conn, 1); ack[0] != 0x01 {
		t.Errorf("ack = %#x, want 1", ack[0])
	}
}

func TestFourByteAck(t *testing.T) {
	ts := startServer(t, func(c *config.ServerConfig) { c.AckWidth = 4 })
	conn := ts.connect(t, testIMEI)

	_, _ = conn.Write(avltest.Frame(avltest.Block(codec.Codec8, 2, sample(0), sample(1))))
	if ack := binary.BigEndian.Uint32(readN(t, conn, 4)); ack != 2 {
		t.Errorf("ack = %d, want 2", ack)
	}
}

func TestFrameTooLarge(t *testing.T) {
	ts := startServer(t, func(c *config.ServerConfig) { c.MaxFrameSize = 64 })
	conn := ts.connect(t, testIMEI)

	_, _ = conn.Write([]byte{0, 0, 0, 0, 0, 0, 0x10, 0x00})
	expectClosed(t, conn)
}

func TestConcurrentSessions(t *testing.T) {
	ts := startServer(t, nil)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			imei := fmt.Sprintf("35630704244%04d", i)
			conn, err := net.Dial("tcp", ts.srv.Addr().String())
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
			_, _ = conn.Write(avltest.Handshake(imei))
			_, _ = conn.Write(avltest.Frame(avltest.Block(codec.Codec8, 2, sample(0), sample(1))))
			reply := make([]byte, 2)
			if _, err := io.ReadFull(conn, reply); err != nil {
				errs <- err
				return
			}
			if reply[0] != 0x01 || reply[1] != 0x02 {
				errs <- fmt.Errorf("%s: reply %x", imei, reply)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	for i := 0; i < n; i++ {
		if got := len(ts.positions(t, fmt.Sprintf("35630704244%04d", i))); got != 2 {
			t.Errorf("device %d positions = %d", i, got)
		}
	}
}

func TestShutdownClosesIdleSessions(t *testing.T) {
	st := store.NewMemory("")
	srv := New(testConfig(), Deps{Registry: st, Sink: st, Logger: discardLogger()})
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write(avltest.Handshake(testIMEI))
	readN(t, conn, 1)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	expectClosed(t, conn)
}

func TestListenBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig()
	cfg.Listen = ln.Addr().String()
	srv := New(cfg, Deps{Logger: discardLogger()})
	if err := srv.ListenAndServe(context.Background()); !errors.Is(err, ErrBind) {
		t.Errorf("err = %v, want ErrBind", err)
	}
}

// flakySink fails every Persist call after the first failAfter.
type flakySink struct {
	store.Sink
	mu        sync.Mutex
	calls     int
	failAfter int
}

func (f *flakySink) Persist(ctx context.Context, dev *model.Device, rec codec.Record) (*model.Position, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n > f.failAfter {
		return nil, errors.New("write conflict")
	}
	return f.Sink.Persist(ctx, dev, rec)
}

func TestPersistFailureAcksStoredCount(t *testing.T) {
	ts := startServerWithSink(t, nil, func(st store.Store) store.Sink {
		return &flakySink{Sink: st, failAfter: 1}
	})
	conn := ts.connect(t, testIMEI)

	_, _ = conn.Write(avltest.Frame(avltest.Block(codec.Codec8, 3, sample(0), sample(1), sample(2))))
	if ack := readN(t, conn, 1); ack[0] != 0x01 {
		t.Fatalf("ack = %#x, want 0x01", ack[0])
	}
	expectClosed(t, conn)
	if got := len(ts.positions(t, testIMEI)); got != 1 {
		t.Errorf("positions = %d, want 1", got)
	}
}

// gatedSink blocks every Persist until release is closed and records
// whether the context it was given had been cancelled.
type gatedSink struct {
	store.Sink
	entered   chan struct{}
	release   chan struct{}
	mu        sync.Mutex
	cancelled bool
}

func (g *gatedSink) Persist(ctx context.Context, dev *model.Device, rec codec.Record) (*model.Position, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	if ctx.Err() != nil {
		g.mu.Lock()
		g.cancelled = true
		g.mu.Unlock()
	}
	return g.Sink.Persist(ctx, dev, rec)
}

func TestShutdownFinishesFrameInProgress(t *testing.T) {
	st := store.NewMemory("")
	sink := &gatedSink{Sink: st, entered: make(chan struct{}, 1), release: make(chan struct{})}
	cfg := testConfig()
	cfg.ShutdownGrace = 5 * time.Second
	srv := New(cfg, Deps{Registry: st, Sink: sink, Logger: discardLogger()})
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write(avltest.Handshake(testIMEI))
	readN(t, conn, 1)
	_, _ = conn.Write(avltest.Frame(avltest.Block(codec.Codec8, 2, sample(0), sample(1))))

	select {
	case <-sink.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("Persist never called")
	}
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(sink.release)

	if ack := readN(t, conn, 1); ack[0] != 0x02 {
		t.Fatalf("ack = %#x, want 0x02", ack[0])
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("Serve did not return after the frame completed")
	}

	dev, err := st.FindByIMEI(context.Background(), testIMEI)
	if err != nil {
		t.Fatal(err)
	}
	if pos, _ := st.PositionsByDevice(context.Background(), dev.ID); len(pos) != 2 {
		t.Errorf("positions = %d, want 2", len(pos))
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.cancelled {
		t.Error("Persist saw a cancelled context")
	}
}
