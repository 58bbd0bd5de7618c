// Package broker manages a bounded pool of AMQP connections with
// per-connection channel sub-pools and a background health loop.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// Config bounds a Manager. PoolSize is the connection cap P;
// MaxChannelsPerConn is the per-connection channel cap K. At most
// P·K channels exist at any moment.
type Config struct {
	URL                     string
	ConnectionName          string
	PoolSize                int
	MaxChannelsPerConn      int
	Prefetch                int
	PublisherConfirms       bool
	MonitoringInterval      time.Duration
	MaxRetryAttempts        int
	RetryDelay              time.Duration
	ChannelOperationTimeout time.Duration
	ConnectionTimeout       time.Duration
	Heartbeat               time.Duration
	TLS                     *tls.Config
}

type pooledConn struct {
	id        string
	conn      domain.Connection
	idle      []domain.Channel
	open      int // channels created: borrowed + idle
	exclusive bool
}

type channelGrant struct {
	pc     *pooledConn
	ch     domain.Channel // nil when the waiter must create one
	create bool
}

type channelWaiter struct {
	grant chan channelGrant
}

type connWaiter struct {
	grant chan *pooledConn
}

// Manager owns the connection pool. Borrows are scoped leases; waiters
// are served in FIFO order. The zero value is not usable; construct
// with NewManager.
type Manager struct {
	cfg    Config
	broker domain.Broker
	sink   domain.MetricsSink

	mu          sync.Mutex
	conns       []*pooledConn
	dialing     int
	connWaiters []*connWaiter
	chWaiters   []*channelWaiter
	closed      bool
	lastErrKind string

	healthOnce   sync.Once
	healthCancel context.CancelFunc
	healthDone   chan struct{}

	healthFailures int
}

// NewManager wires a manager to a broker port. sink may be nil.
func NewManager(cfg Config, broker domain.Broker, sink domain.MetricsSink) *Manager {
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &Manager{cfg: cfg, broker: broker, sink: sink}
}

// ConnectionLease is a scoped borrow of a pooled connection.
type ConnectionLease struct {
	m        *Manager
	pc       *pooledConn
	released bool
}

// ID returns the pooled connection's identifier.
func (l *ConnectionLease) ID() string { return l.pc.id }

// Connection exposes the borrowed connection.
func (l *ConnectionLease) Connection() domain.Connection { return l.pc.conn }

// Release returns the connection to the pool. Idempotent.
func (l *ConnectionLease) Release() {
	if l.released {
		return
	}
	l.released = true
	l.m.releaseConnection(l.pc)
}

// ChannelLease is a scoped borrow of a channel on a pooled connection.
type ChannelLease struct {
	m        *Manager
	pc       *pooledConn
	ch       domain.Channel
	released bool
}

// Channel exposes the borrowed channel.
func (l *ChannelLease) Channel() domain.Channel { return l.ch }

// ConnectionID names the parent connection, for logs.
func (l *ChannelLease) ConnectionID() string { return l.pc.id }

// Release returns the channel to its sub-pool. A closed channel is
// dropped and its slot handed to the next waiter. Idempotent.
func (l *ChannelLease) Release() {
	if l.released {
		return
	}
	l.released = true
	l.m.releaseChannel(l.pc, l.ch)
}

// AcquireConnection borrows a connection exclusively, lazily growing
// the pool up to PoolSize. When the pool is saturated the caller waits
// in FIFO order until a connection frees up or ConnectionTimeout
// elapses.
func (m *Manager) AcquireConnection(ctx context.Context) (*ConnectionLease, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("acquire connection: %w", domain.ErrShutdown)
	}

	if pc := m.freeConnLocked(); pc != nil {
		pc.exclusive = true
		m.mu.Unlock()
		return &ConnectionLease{m: m, pc: pc}, nil
	}

	if len(m.conns)+m.dialing < m.cfg.PoolSize {
		m.dialing++
		m.mu.Unlock()
		pc, err := m.dial(ctx)
		m.mu.Lock()
		m.dialing--
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if m.closed {
			// Close drained the pool while the dial was in flight; the
			// fresh connection must not outlive the manager.
			m.mu.Unlock()
			_ = pc.conn.Close()
			return nil, fmt.Errorf("acquire connection: %w", domain.ErrShutdown)
		}
		pc.exclusive = true
		m.conns = append(m.conns, pc)
		m.mu.Unlock()
		return &ConnectionLease{m: m, pc: pc}, nil
	}

	w := &connWaiter{grant: make(chan *pooledConn, 1)}
	m.connWaiters = append(m.connWaiters, w)
	m.mu.Unlock()

	pc, err := m.awaitConn(ctx, w)
	if err != nil {
		return nil, err
	}
	return &ConnectionLease{m: m, pc: pc}, nil
}

func (m *Manager) awaitConn(ctx context.Context, w *connWaiter) (*pooledConn, error) {
	timeout := m.cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case pc, ok := <-w.grant:
		if !ok {
			return nil, fmt.Errorf("acquire connection: %w", domain.ErrShutdown)
		}
		return pc, nil
	case <-ctx.Done():
		m.abandonConnWaiter(w)
		return nil, fmt.Errorf("acquire connection: %w", ctx.Err())
	case <-timer.C:
		m.abandonConnWaiter(w)
		return nil, fmt.Errorf("acquire connection after %s: %w", timeout, domain.ErrTimeout)
	}
}

// abandonConnWaiter removes w from the queue, re-routing a grant that
// raced with the timeout.
func (m *Manager) abandonConnWaiter(w *connWaiter) {
	m.mu.Lock()
	for i, q := range m.connWaiters {
		if q == w {
			m.connWaiters = append(m.connWaiters[:i], m.connWaiters[i+1:]...)
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()
	select {
	case pc := <-w.grant:
		m.releaseConnection(pc)
	default:
	}
}

func (m *Manager) freeConnLocked() *pooledConn {
	for i, pc := range m.conns {
		if pc.exclusive {
			continue
		}
		if pc.conn.IsClosed() {
			m.dropConnLocked(i)
			return m.freeConnLocked()
		}
		return pc
	}
	return nil
}

// dropConnLocked removes a dead connection so a later acquisition can
// replace it.
func (m *Manager) dropConnLocked(i int) {
	pc := m.conns[i]
	m.conns = append(m.conns[:i], m.conns[i+1:]...)
	slog.Warn("dropping closed connection",
		slog.String("connection_id", pc.id),
		slog.Int("pool_size", len(m.conns)))
}

func (m *Manager) releaseConnection(pc *pooledConn) {
	m.mu.Lock()
	pc.exclusive = false
	if m.closed {
		m.mu.Unlock()
		return
	}
	if pc.conn.IsClosed() {
		for i, q := range m.conns {
			if q == pc {
				m.dropConnLocked(i)
				break
			}
		}
		m.mu.Unlock()
		return
	}
	if len(m.connWaiters) > 0 {
		w := m.connWaiters[0]
		m.connWaiters = m.connWaiters[1:]
		pc.exclusive = true
		m.mu.Unlock()
		w.grant <- pc
		return
	}
	m.mu.Unlock()
}

// AcquireChannel borrows a channel from some connection's sub-pool,
// creating connections and channels lazily within the P and K caps. A
// closed idle channel is dropped and replaced. When every sub-pool is
// full the caller waits in FIFO order until a channel frees up or
// ChannelOperationTimeout elapses.
func (m *Manager) AcquireChannel(ctx context.Context) (*ChannelLease, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("acquire channel: %w", domain.ErrShutdown)
	}

	grant, ok := m.pickChannelLocked()
	if ok {
		m.mu.Unlock()
		return m.fulfill(ctx, grant)
	}

	if len(m.conns)+m.dialing < m.cfg.PoolSize {
		m.dialing++
		m.mu.Unlock()
		pc, err := m.dial(ctx)
		m.mu.Lock()
		m.dialing--
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if m.closed {
			m.mu.Unlock()
			_ = pc.conn.Close()
			return nil, fmt.Errorf("acquire channel: %w", domain.ErrShutdown)
		}
		pc.open++
		m.conns = append(m.conns, pc)
		m.mu.Unlock()
		return m.fulfill(ctx, channelGrant{pc: pc, create: true})
	}

	w := &channelWaiter{grant: make(chan channelGrant, 1)}
	m.chWaiters = append(m.chWaiters, w)
	m.mu.Unlock()

	return m.awaitChannel(ctx, w)
}

// pickChannelLocked finds an idle channel or a creation slot. Dead
// connections are dropped on sight.
func (m *Manager) pickChannelLocked() (channelGrant, bool) {
	for i := 0; i < len(m.conns); {
		pc := m.conns[i]
		if pc.conn.IsClosed() {
			m.dropConnLocked(i)
			continue
		}
		for len(pc.idle) > 0 {
			ch := pc.idle[0]
			pc.idle = pc.idle[1:]
			if ch.IsClosed() {
				pc.open--
				continue
			}
			return channelGrant{pc: pc, ch: ch}, true
		}
		i++
	}
	for _, pc := range m.conns {
		if !pc.conn.IsClosed() && pc.open < m.cfg.MaxChannelsPerConn {
			pc.open++
			return channelGrant{pc: pc, create: true}, true
		}
	}
	return channelGrant{}, false
}

// fulfill turns a grant into a lease, creating the channel when the
// grant is a reservation.
func (m *Manager) fulfill(ctx context.Context, grant channelGrant) (*ChannelLease, error) {
	if !grant.create {
		return &ChannelLease{m: m, pc: grant.pc, ch: grant.ch}, nil
	}

	ch, err := m.createChannel(ctx, grant.pc)
	if err != nil {
		m.mu.Lock()
		grant.pc.open--
		m.mu.Unlock()
		m.recordError(err)
		return nil, err
	}
	return &ChannelLease{m: m, pc: grant.pc, ch: ch}, nil
}

func (m *Manager) createChannel(_ context.Context, pc *pooledConn) (domain.Channel, error) {
	ch, err := pc.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel on %s: %w", pc.id, domain.ErrBrokerChannel)
	}
	if m.cfg.Prefetch > 0 {
		if err := ch.SetQoS(m.cfg.Prefetch); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("set qos on %s: %w", pc.id, domain.ErrBrokerChannel)
		}
	}
	return ch, nil
}

func (m *Manager) awaitChannel(ctx context.Context, w *channelWaiter) (*ChannelLease, error) {
	timeout := m.cfg.ChannelOperationTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case grant, ok := <-w.grant:
		if !ok {
			return nil, fmt.Errorf("acquire channel: %w", domain.ErrShutdown)
		}
		return m.fulfill(ctx, grant)
	case <-ctx.Done():
		m.abandonChannelWaiter(w)
		return nil, fmt.Errorf("acquire channel: %w", ctx.Err())
	case <-timer.C:
		m.abandonChannelWaiter(w)
		return nil, fmt.Errorf("acquire channel after %s: %w", timeout, domain.ErrBrokerChannel)
	}
}

func (m *Manager) abandonChannelWaiter(w *channelWaiter) {
	m.mu.Lock()
	for i, q := range m.chWaiters {
		if q == w {
			m.chWaiters = append(m.chWaiters[:i], m.chWaiters[i+1:]...)
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()
	select {
	case grant := <-w.grant:
		if grant.create {
			m.mu.Lock()
			grant.pc.open--
			m.mu.Unlock()
		} else {
			m.releaseChannel(grant.pc, grant.ch)
		}
	default:
	}
}

func (m *Manager) releaseChannel(pc *pooledConn, ch domain.Channel) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = ch.Close()
		return
	}

	if ch.IsClosed() || pc.conn.IsClosed() {
		pc.open--
		// Hand the freed slot to the next waiter as a creation grant.
		if len(m.chWaiters) > 0 && !pc.conn.IsClosed() && pc.open < m.cfg.MaxChannelsPerConn {
			w := m.chWaiters[0]
			m.chWaiters = m.chWaiters[1:]
			pc.open++
			m.mu.Unlock()
			w.grant <- channelGrant{pc: pc, create: true}
			return
		}
		m.mu.Unlock()
		return
	}

	if len(m.chWaiters) > 0 {
		w := m.chWaiters[0]
		m.chWaiters = m.chWaiters[1:]
		m.mu.Unlock()
		w.grant <- channelGrant{pc: pc, ch: ch}
		return
	}
	pc.idle = append(pc.idle, ch)
	m.mu.Unlock()
}

// dial opens a connection with bounded retries. Authentication errors
// are terminal; transient errors back off linearly with the attempt
// number.
func (m *Manager) dial(ctx context.Context) (*pooledConn, error) {
	params := domain.ConnectParams{
		Name:      m.cfg.ConnectionName,
		Heartbeat: m.cfg.Heartbeat,
		TLS:       m.cfg.TLS,
	}

	attempt := 0
	var conn domain.Connection
	operation := func() error {
		attempt++
		c, err := m.broker.ConnectRobust(ctx, m.cfg.URL, params)
		if err == nil {
			conn = c
			return nil
		}
		m.recordError(err)
		if domain.ErrorKind(err) == "authentication" {
			return backoff.Permanent(err)
		}
		slog.Warn("broker connect failed, retrying",
			slog.Int("attempt", attempt),
			slog.String("error_kind", domain.ErrorKind(err)))
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{base: m.cfg.RetryDelay}, uint64(maxInt(m.cfg.MaxRetryAttempts-1, 0))),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("connect to broker after %d attempts: %w", attempt, err)
	}

	pc := &pooledConn{id: ulid.Make().String(), conn: conn}
	slog.Info("broker connection established",
		slog.String("connection_id", pc.id),
		slog.String("connection_name", m.cfg.ConnectionName))
	m.sink.Counter("broker_connections_opened_total", 1, nil)
	return pc, nil
}

// linearBackOff waits base·attempt between tries.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.base * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// Start spawns the health loop. Safe to call once; later calls are
// no-ops.
func (m *Manager) Start(ctx context.Context) {
	m.healthOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		m.healthCancel = cancel
		m.healthDone = make(chan struct{})
		go m.healthLoop(ctx)
	})
}

// healthLoop borrows a channel every MonitoringInterval and verifies it
// is open. Failures are recorded and the loop keeps running; it stops
// only when the manager closes.
func (m *Manager) healthLoop(ctx context.Context) {
	defer close(m.healthDone)

	interval := m.cfg.MonitoringInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth(ctx)
		}
	}
}

func (m *Manager) checkHealth(ctx context.Context) {
	lease, err := m.AcquireChannel(ctx)
	if err == nil && lease.Channel().IsClosed() {
		err = fmt.Errorf("borrowed channel already closed: %w", domain.ErrBrokerChannel)
	}

	m.mu.Lock()
	connID := ""
	if lease != nil {
		connID = lease.pc.id
	}
	if err != nil {
		m.healthFailures++
		failures := m.healthFailures
		m.mu.Unlock()
		slog.Error("rabbitmq_health_check_error",
			slog.String("connection_id", connID),
			slog.Int("consecutive_failures", failures),
			slog.Any("error", err))
		m.sink.Counter("broker_health_check_failures_total", 1, nil)
	} else {
		m.healthFailures = 0
		m.mu.Unlock()
	}

	if lease != nil {
		lease.Release()
	}
}

// Close cancels the health loop, fails outstanding waiters, drains
// every channel sub-pool, then closes the connections. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	chWaiters := m.chWaiters
	connWaiters := m.connWaiters
	m.chWaiters = nil
	m.connWaiters = nil
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()

	if m.healthCancel != nil {
		m.healthCancel()
		<-m.healthDone
	}
	for _, w := range chWaiters {
		close(w.grant)
	}
	for _, w := range connWaiters {
		close(w.grant)
	}

	// Channel sub-pools drain strictly before their connections close.
	var firstErr error
	for _, pc := range conns {
		for _, ch := range pc.idle {
			if err := ch.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		pc.idle = nil
	}
	for _, pc := range conns {
		if err := pc.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	slog.Info("broker manager closed", slog.Int("connections", len(conns)))
	return firstErr
}

// LastErrorKind reports the kind of the most recent broker error.
func (m *Manager) LastErrorKind() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErrKind
}

func (m *Manager) recordError(err error) {
	m.mu.Lock()
	m.lastErrKind = domain.ErrorKind(err)
	m.mu.Unlock()
}

// GetStats returns pool statistics.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	channels := 0
	idle := 0
	for _, pc := range m.conns {
		channels += pc.open
		idle += len(pc.idle)
	}
	return map[string]interface{}{
		"connections":       len(m.conns),
		"max_connections":   m.cfg.PoolSize,
		"channels_open":     channels,
		"channels_idle":     idle,
		"max_channels":      m.cfg.PoolSize * m.cfg.MaxChannelsPerConn,
		"pending_waiters":   len(m.chWaiters) + len(m.connWaiters),
		"last_error_kind":   m.lastErrKind,
		"closed":            m.closed,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
