package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

type fakeChannel struct {
	mu     sync.Mutex
	closed bool
	qos    int
	events *eventLog
}

func (c *fakeChannel) SetQoS(prefetch int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qos = prefetch
	return nil
}

func (c *fakeChannel) Publish(context.Context, string, string, []byte, bool) error { return nil }
func (c *fakeChannel) DeclareExchange(string, string, bool) error                  { return nil }
func (c *fakeChannel) DeclareQueue(name string, _ bool) (string, error)            { return name, nil }
func (c *fakeChannel) Bind(string, string, string) error                           { return nil }
func (c *fakeChannel) Consume(context.Context, string, func(domain.Delivery) error) error {
	return nil
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.events != nil {
		c.events.add("channel")
	}
	return nil
}

type fakeConn struct {
	mu       sync.Mutex
	closed   bool
	chanErr  error
	channels []*fakeChannel
	events   *eventLog
}

func (c *fakeConn) Channel() (domain.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chanErr != nil {
		return nil, c.chanErr
	}
	ch := &fakeChannel{events: c.events}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.events != nil {
		c.events.add("connection")
	}
	return nil
}

type fakeBroker struct {
	mu       sync.Mutex
	dials    int
	dialErrs []error
	conns    []*fakeConn
	events   *eventLog
}

func (b *fakeBroker) ConnectRobust(context.Context, string, domain.ConnectParams) (domain.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	conn := &fakeConn{events: b.events}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

func testBrokerConfig() Config {
	return Config{
		URL:                     "amqp://localhost:5672",
		ConnectionName:          "indexer",
		PoolSize:                2,
		MaxChannelsPerConn:      10,
		Prefetch:                5,
		MaxRetryAttempts:        3,
		RetryDelay:              time.Microsecond,
		ChannelOperationTimeout: 100 * time.Millisecond,
		ConnectionTimeout:       100 * time.Millisecond,
	}
}

func TestManager_AcquireConnectionLazyAndReused(t *testing.T) {
	broker := &fakeBroker{}
	m := NewManager(testBrokerConfig(), broker, nil)
	defer m.Close()

	lease, err := m.AcquireConnection(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, lease.ID())
	lease.Release()

	lease2, err := m.AcquireConnection(context.Background())
	require.NoError(t, err)
	defer lease2.Release()
	assert.Equal(t, 1, broker.dialCount(), "released connection is reused")
	assert.Equal(t, lease.ID(), lease2.ID())
}

func TestManager_ConnectionPoolSaturationTimesOut(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.PoolSize = 1
	m := NewManager(cfg, &fakeBroker{}, nil)
	defer m.Close()

	lease, err := m.AcquireConnection(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	_, err = m.AcquireConnection(context.Background())
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestManager_ConnectionReleaseUnblocksWaiter(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.PoolSize = 1
	cfg.ConnectionTimeout = time.Second
	m := NewManager(cfg, &fakeBroker{}, nil)
	defer m.Close()

	lease, err := m.AcquireConnection(context.Background())
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		l, err := m.AcquireConnection(context.Background())
		if err == nil {
			l.Release()
		}
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	lease.Release()

	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never unblocked")
	}
}

func TestManager_AuthenticationErrorIsTerminal(t *testing.T) {
	broker := &fakeBroker{dialErrs: []error{
		fmt.Errorf("login refused: %w", domain.ErrAuthentication),
	}}
	m := NewManager(testBrokerConfig(), broker, nil)
	defer m.Close()

	_, err := m.AcquireConnection(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.Equal(t, 1, broker.dialCount(), "auth errors are never retried")
	assert.Equal(t, "authentication", m.LastErrorKind())
}

func TestManager_TransientDialErrorRetried(t *testing.T) {
	broker := &fakeBroker{dialErrs: []error{
		fmt.Errorf("dial tcp: %w", domain.ErrBrokerConnection),
		nil,
	}}
	m := NewManager(testBrokerConfig(), broker, nil)
	defer m.Close()

	lease, err := m.AcquireConnection(context.Background())
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, 2, broker.dialCount())
}

func TestManager_TransientDialRetriesExhausted(t *testing.T) {
	dialErr := fmt.Errorf("dial tcp: %w", domain.ErrBrokerConnection)
	broker := &fakeBroker{dialErrs: []error{dialErr, dialErr, dialErr}}
	m := NewManager(testBrokerConfig(), broker, nil)
	defer m.Close()

	_, err := m.AcquireConnection(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBrokerConnection)
	assert.Equal(t, 3, broker.dialCount())
}

func TestManager_AcquireChannelSetsQoS(t *testing.T) {
	broker := &fakeBroker{}
	m := NewManager(testBrokerConfig(), broker, nil)
	defer m.Close()

	lease, err := m.AcquireChannel(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	require.Len(t, broker.conns, 1)
	require.Len(t, broker.conns[0].channels, 1)
	assert.Equal(t, 5, broker.conns[0].channels[0].qos)
}

func TestManager_ChannelSubPoolExhaustion(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.PoolSize = 1
	cfg.MaxChannelsPerConn = 2
	m := NewManager(cfg, &fakeBroker{}, nil)
	defer m.Close()

	first, err := m.AcquireChannel(context.Background())
	require.NoError(t, err)
	second, err := m.AcquireChannel(context.Background())
	require.NoError(t, err)

	// Third borrow has nowhere to go until a release.
	started := time.Now()
	_, err = m.AcquireChannel(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBrokerChannel)
	assert.GreaterOrEqual(t, time.Since(started), 100*time.Millisecond)

	first.Release()
	third, err := m.AcquireChannel(context.Background())
	require.NoError(t, err)
	third.Release()
	second.Release()
}

func TestManager_ChannelReleaseUnblocksWaiterFIFO(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.PoolSize = 1
	cfg.MaxChannelsPerConn = 1
	cfg.ChannelOperationTimeout = time.Second
	m := NewManager(cfg, &fakeBroker{}, nil)
	defer m.Close()

	lease, err := m.AcquireChannel(context.Background())
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		l, err := m.AcquireChannel(context.Background())
		if err == nil {
			l.Release()
		}
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	lease.Release()

	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never unblocked")
	}
}

func TestManager_DeadChannelReplaced(t *testing.T) {
	broker := &fakeBroker{}
	cfg := testBrokerConfig()
	cfg.PoolSize = 1
	m := NewManager(cfg, broker, nil)
	defer m.Close()

	lease, err := m.AcquireChannel(context.Background())
	require.NoError(t, err)
	lease.Channel().Close()
	lease.Release()

	lease2, err := m.AcquireChannel(context.Background())
	require.NoError(t, err)
	defer lease2.Release()
	assert.False(t, lease2.Channel().IsClosed())
	assert.Len(t, broker.conns[0].channels, 2, "dead channel dropped and recreated")
}

func TestManager_DeadConnectionReplaced(t *testing.T) {
	broker := &fakeBroker{}
	m := NewManager(testBrokerConfig(), broker, nil)
	defer m.Close()

	lease, err := m.AcquireChannel(context.Background())
	require.NoError(t, err)
	lease.Release()

	broker.conns[0].Close()

	lease2, err := m.AcquireChannel(context.Background())
	require.NoError(t, err)
	defer lease2.Release()
	assert.Equal(t, 2, broker.dialCount(), "closed connection replaced by a new dial")
}

func TestManager_CapInvariant(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.PoolSize = 2
	cfg.MaxChannelsPerConn = 2
	cfg.ChannelOperationTimeout = 50 * time.Millisecond
	broker := &fakeBroker{}
	m := NewManager(cfg, broker, nil)
	defer m.Close()

	leases := make([]*ChannelLease, 0, 4)
	for i := 0; i < 4; i++ {
		l, err := m.AcquireChannel(context.Background())
		require.NoError(t, err)
		leases = append(leases, l)
	}

	_, err := m.AcquireChannel(context.Background())
	assert.ErrorIs(t, err, domain.ErrBrokerChannel, "P*K channels is the hard cap")

	total := 0
	for _, c := range broker.conns {
		total += len(c.channels)
	}
	assert.LessOrEqual(t, total, 4)
	for _, l := range leases {
		l.Release()
	}
}

func TestManager_CloseDrainsChannelsBeforeConnections(t *testing.T) {
	events := &eventLog{}
	broker := &fakeBroker{events: events}
	m := NewManager(testBrokerConfig(), broker, nil)

	lease, err := m.AcquireChannel(context.Background())
	require.NoError(t, err)
	lease.Release()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "close is idempotent")

	seq := events.snapshot()
	require.NotEmpty(t, seq)
	sawConnection := false
	for _, e := range seq {
		if e == "connection" {
			sawConnection = true
		}
		if e == "channel" {
			assert.False(t, sawConnection, "channels drain strictly before connections close")
		}
	}
	assert.Contains(t, seq, "connection")
}

func TestManager_AcquireAfterClose(t *testing.T) {
	m := NewManager(testBrokerConfig(), &fakeBroker{}, nil)
	require.NoError(t, m.Close())

	_, err := m.AcquireConnection(context.Background())
	assert.ErrorIs(t, err, domain.ErrShutdown)

	_, err = m.AcquireChannel(context.Background())
	assert.ErrorIs(t, err, domain.ErrShutdown)
}

func TestManager_CloseFailsOutstandingWaiters(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.PoolSize = 1
	cfg.MaxChannelsPerConn = 1
	cfg.ChannelOperationTimeout = time.Second
	m := NewManager(cfg, &fakeBroker{}, nil)

	lease, err := m.AcquireChannel(context.Background())
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		_, err := m.AcquireChannel(context.Background())
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Close())

	select {
	case err := <-got:
		assert.ErrorIs(t, err, domain.ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("waiter never failed")
	}
	lease.Release()
}

func TestManager_HealthLoopRecordsFailures(t *testing.T) {
	sink := &countingSink{}
	broker := &fakeBroker{}
	cfg := testBrokerConfig()
	cfg.MonitoringInterval = 10 * time.Millisecond
	cfg.ChannelOperationTimeout = 20 * time.Millisecond
	m := NewManager(cfg, broker, sink)

	// A connection whose channel opens always fail.
	lease, err := m.AcquireConnection(context.Background())
	require.NoError(t, err)
	broker.conns[0].chanErr = fmt.Errorf("channel-max reached: %w", domain.ErrBrokerChannel)
	lease.Release()

	m.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, m.Close())

	assert.Greater(t, sink.get("broker_health_check_failures_total"), 0.0)
}

func TestManager_HealthLoopHealthy(t *testing.T) {
	sink := &countingSink{}
	cfg := testBrokerConfig()
	cfg.MonitoringInterval = 10 * time.Millisecond
	m := NewManager(cfg, &fakeBroker{}, sink)

	m.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.Close())

	assert.Zero(t, sink.get("broker_health_check_failures_total"))
}

func TestManager_GetStats(t *testing.T) {
	m := NewManager(testBrokerConfig(), &fakeBroker{}, nil)
	defer m.Close()

	lease, err := m.AcquireChannel(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	stats := m.GetStats()
	assert.Equal(t, 1, stats["connections"])
	assert.Equal(t, 1, stats["channels_open"])
	assert.Equal(t, 20, stats["max_channels"])
}

type countingSink struct {
	mu       sync.Mutex
	counters map[string]float64
}

func (s *countingSink) Counter(name string, delta float64, _ map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters == nil {
		s.counters = make(map[string]float64)
	}
	s.counters[name] += delta
}

func (s *countingSink) Histogram(string, float64, map[string]string) {}
func (s *countingSink) Gauge(string, float64, map[string]string)    {}

func (s *countingSink) get(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

type blockingBroker struct {
	fakeBroker
	entered chan struct{}
	proceed chan struct{}
}

func (b *blockingBroker) ConnectRobust(ctx context.Context, url string, p domain.ConnectParams) (domain.Connection, error) {
	close(b.entered)
	<-b.proceed
	return b.fakeBroker.ConnectRobust(ctx, url, p)
}

func TestManager_CloseDuringConnectionDial(t *testing.T) {
	broker := &blockingBroker{entered: make(chan struct{}), proceed: make(chan struct{})}
	m := NewManager(testBrokerConfig(), broker, nil)

	got := make(chan error, 1)
	go func() {
		_, err := m.AcquireConnection(context.Background())
		got <- err
	}()

	<-broker.entered
	require.NoError(t, m.Close())
	close(broker.proceed)

	select {
	case err := <-got:
		assert.ErrorIs(t, err, domain.ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("acquire never returned")
	}

	require.Len(t, broker.conns, 1)
	assert.True(t, broker.conns[0].IsClosed(), "connection dialed during shutdown is closed, not leaked")
}

func TestManager_CloseDuringChannelDial(t *testing.T) {
	broker := &blockingBroker{entered: make(chan struct{}), proceed: make(chan struct{})}
	m := NewManager(testBrokerConfig(), broker, nil)

	got := make(chan error, 1)
	go func() {
		_, err := m.AcquireChannel(context.Background())
		got <- err
	}()

	<-broker.entered
	require.NoError(t, m.Close())
	close(broker.proceed)

	select {
	case err := <-got:
		assert.ErrorIs(t, err, domain.ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("acquire never returned")
	}

	require.Len(t, broker.conns, 1)
	assert.True(t, broker.conns[0].IsClosed())
}
