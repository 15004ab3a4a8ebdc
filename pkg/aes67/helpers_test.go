package aes67

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/aes67/pkg/ptp"
	"github.com/arzzra/aes67/pkg/rtp"
	"github.com/arzzra/aes67/pkg/sap"
)

var testMaster = ptp.ClockID{0x00, 0x1d, 0xc1, 0xff, 0xfe, 0x12, 0x34, 0x56}

// fakeClock PTP время, управляемое тестом
type fakeClock struct {
	mu          sync.Mutex
	now         ptp.Timestamp
	established bool
	master      ptp.ClockID
}

func newFakeClock(established bool) *fakeClock {
	return &fakeClock{now: ptp.NewTimestamp(1_700_000_000, 0), established: established, master: testMaster}
}

func (c *fakeClock) Now() ptp.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) IsTimeEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established
}

func (c *fakeClock) GrandmasterID() ptp.ClockID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.master
}

func (c *fakeClock) Domain() uint8 { return 0 }

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(ptp.TimestampFromNanos(int64(d)))
}

func (c *fakeClock) Establish(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.established = v
}

func (c *fakeClock) SetMaster(id ptp.ClockID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.master = id
}

// fakeTransport запоминает отправленные пакеты
type fakeTransport struct {
	mu      sync.Mutex
	local   string
	packets []*pionrtp.Packet
	closed  bool
}

func (t *fakeTransport) Send(p *pionrtp.Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return rtp.ErrTransportClosed
	}
	t.packets = append(t.packets, p.Clone())
	return nil
}

func (t *fakeTransport) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP(t.local)}
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) Sent() []*pionrtp.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*pionrtp.Packet(nil), t.packets...)
}

func (t *fakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// memConn SAP сокет в памяти
type memConn struct {
	mu       sync.Mutex
	outbox   [][]byte
	inbox    chan []byte
	closed   chan struct{}
	once     sync.Once
	deadline time.Time
}

func newMemConn() *memConn {
	return &memConn{inbox: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *memConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	wait := time.Until(c.deadline)
	c.mu.Unlock()
	if wait <= 0 {
		wait = time.Millisecond
	}
	select {
	case data := <-c.inbox:
		return copy(b, data), &net.UDPAddr{IP: net.ParseIP("192.0.2.99"), Port: sap.DefaultPort}, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-time.After(wait):
		return 0, nil, timeoutError{}
	}
}

func (c *memConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbox = append(c.outbox, append([]byte(nil), b...))
	return len(b), nil
}

func (c *memConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *memConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.outbox...)
}

// testEnv менеджер с подмененными часами, SAP сокетами и транспортами
type testEnv struct {
	manager *Manager
	clock   *fakeClock

	mu         sync.Mutex
	sapConns   map[string]*memConn
	transports []*fakeTransport
	events     []SessionEvent
}

func newTestConfig(locals ...string) *ManagerConfig {
	if len(locals) == 0 {
		locals = []string{"192.0.2.10"}
	}
	cfg := DefaultConfig()
	cfg.LocalAddresses = locals
	cfg.ReceiveTimeout = 10 * time.Millisecond
	return cfg
}

func newTestEnv(t *testing.T, cfg *ManagerConfig, start bool) *testEnv {
	t.Helper()

	env := &testEnv{
		clock:    newFakeClock(false),
		sapConns: make(map[string]*memConn),
	}
	m, err := NewManager(cfg,
		WithClock(env.clock),
		WithSAPConnFactory(func(_ context.Context, local string) (PacketConn, error) {
			conn := newMemConn()
			env.mu.Lock()
			env.sapConns[local] = conn
			env.mu.Unlock()
			return conn, nil
		}),
		WithTransportFactory(func(_ context.Context, tc rtp.TransportConfig) (rtp.Transport, error) {
			tr := &fakeTransport{local: tc.LocalAddr}
			env.mu.Lock()
			env.transports = append(env.transports, tr)
			env.mu.Unlock()
			return tr, nil
		}),
	)
	require.NoError(t, err)
	m.OnSessionEvent(func(ev SessionEvent) {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.events = append(env.events, ev)
	})
	env.manager = m

	if start {
		require.NoError(t, m.Start(context.Background()))
		t.Cleanup(func() { m.Stop() })
	}
	return env
}

func (e *testEnv) Events() []SessionEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SessionEvent(nil), e.events...)
}

func (e *testEnv) SAPConn(local string) *memConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sapConns[local]
}

// remoteAnnouncement SAP сообщение сессии другого узла
func remoteAnnouncement(t *testing.T, typ sap.MessageType, ssrc uint32, origin, group string) []byte {
	t.Helper()
	msg, err := sap.Encode(typ, &sap.Description{
		SessionID:        ssrc,
		SessionVersion:   1,
		Name:             "remote",
		LocalAddress:     origin,
		MulticastAddress: group,
		MulticastPort:    5004,
		PTPMasterID:      testMaster.String(),
		PacketTime:       time.Millisecond,
		SamplesPerPacket: 48,
		Encoding:         "L24",
		SampleRate:       48000,
		Channels:         2,
		PayloadType:      96,
	})
	require.NoError(t, err)
	return msg
}
