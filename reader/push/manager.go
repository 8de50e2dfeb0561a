package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	appconfig "chartfeed/config"
	"chartfeed/internal/metrics"
	"chartfeed/logger"
	"chartfeed/models"
)

const (
	DefaultPath              = "/ws/market"
	defaultReconnectDelay    = 3 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	writeTimeout             = 5 * time.Second
)

// Config holds the connection settings.
type Config struct {
	Host                 string
	Path                 string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int // 0 retries forever
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	Subscriptions        []models.SubscribeMessage
}

// ConfigFrom maps the YAML push block.
func ConfigFrom(cfg appconfig.PushConfig) Config {
	subs := make([]models.SubscribeMessage, 0, len(cfg.Subscriptions))
	for _, s := range cfg.Subscriptions {
		subs = append(subs, models.NewSubscribe(s.Channel, s.Filters))
	}
	return Config{
		Host:                 cfg.Host,
		Path:                 cfg.Path,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		Subscriptions:        subs,
	}
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
}

// URL joins host and path; a host without a scheme gets ws://.
func (c Config) URL() string {
	host := strings.TrimRight(c.Host, "/")
	if !strings.Contains(host, "://") {
		host = "ws://" + host
	}
	return host + "/" + strings.TrimLeft(c.Path, "/")
}

// Sink receives every decoded market_update, in arrival order, on the read
// goroutine. It must not call Disconnect.
type Sink func(models.MarketUpdate)

// Manager owns exactly one live push connection. It reconnects after
// abnormal closes on a constant delay until the attempt ceiling is reached,
// pings on a fixed period while connected and keeps the latest snapshot.
type Manager struct {
	cfg    Config
	url    string
	dialer *websocket.Dialer
	clock  clock.Clock
	sink   Sink
	log    *logger.Log

	mu             sync.Mutex
	state          State
	runGen         uint64
	runCtx         context.Context
	runCancel      context.CancelFunc
	conn           *websocket.Conn
	err            error
	clientID       string
	latest         *models.MarketUpdate
	seq            uint64
	retry          backoff.BackOff
	attempts       int
	hbStop         chan struct{}
	reconnectTimer *clock.Timer
	subs           map[string]models.SubscribeMessage

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func NewManager(cfg Config, sink Sink, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:    cfg,
		url:    cfg.URL(),
		dialer: websocket.DefaultDialer,
		clock:  clock.New(),
		sink:   sink,
		log:    logger.GetLogger(),
		state:  Disconnected,
		subs:   make(map[string]models.SubscribeMessage),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, s := range cfg.Subscriptions {
		m.subs[s.Channel] = s
	}
	m.retry = m.newRetry()
	return m
}

func (m *Manager) newRetry() backoff.BackOff {
	var b backoff.BackOff = backoff.NewConstantBackOff(m.cfg.ReconnectDelay)
	if m.cfg.MaxReconnectAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(m.cfg.MaxReconnectAttempts))
	}
	return b
}

func (m *Manager) entry() *logger.Entry {
	return m.log.WithComponent("push").WithFields(logger.Fields{"url": m.url})
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	prev := m.state
	m.state = s
	metrics.SetPushState(int(s))
	m.entry().WithFields(logger.Fields{"from": prev.String(), "to": s.String()}).Debug("connection state changed")
}

// Connect starts the connection. The first handshake runs on the caller's
// goroutine and its error is returned; a failed handshake still schedules a
// retry. Calling Connect while a connection is up or pending is a no-op.
// Cancelling ctx has the same effect as Disconnect.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Connecting, Connected, Reconnecting:
		m.mu.Unlock()
		return nil
	}
	m.runGen++
	gen := m.runGen
	if m.runCancel != nil {
		m.runCancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.runCancel = cancel
	m.retry = m.newRetry()
	m.attempts = 0
	m.err = nil
	m.mu.Unlock()

	go func() {
		<-runCtx.Done()
		m.shutdown(gen)
	}()

	return m.dial(runCtx, gen)
}

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	if gen != m.runGen {
		m.mu.Unlock()
		return ErrClosed
	}
	m.reconnectTimer = nil
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	conn, _, err := m.dialer.DialContext(dialCtx, m.url, nil)
	cancel()
	if err != nil {
		m.entry().WithError(err).Warn("push handshake failed")
		m.handleFailure(gen, nil, err)
		return fmt.Errorf("push handshake failed: %w", err)
	}

	m.mu.Lock()
	if gen != m.runGen {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	m.conn = conn
	m.err = nil
	m.attempts = 0
	m.retry.Reset()
	m.setStateLocked(Connected)
	m.startHeartbeatLocked()
	subs := make([]models.SubscribeMessage, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.readLoop(gen, conn)

	m.entry().Info("push connection established")
	for _, s := range subs {
		if err := m.Send(s); err != nil {
			m.entry().WithError(err).WithFields(logger.Fields{"channel": s.Channel}).Warn("failed to resubscribe")
		}
	}
	return nil
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	defer m.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleFailure(gen, conn, err)
			return
		}
		m.handleFrame(data)
	}
}

// handleFailure reacts to a transport error. conn is nil for handshake
// failures.
func (m *Manager) handleFailure(gen uint64, conn *websocket.Conn, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// stale connection or deliberate shutdown
	if gen != m.runGen || (conn != nil && conn != m.conn) {
		return
	}
	m.stopHeartbeatLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		m.entry().Info("push connection closed by server")
		m.setStateLocked(Disconnected)
		return
	}

	m.err = err
	delay := m.retry.NextBackOff()
	if delay == backoff.Stop {
		m.err = ErrMaxReconnect
		m.setStateLocked(Disconnected)
		m.entry().WithFields(logger.Fields{"attempts": m.attempts}).Error("max reconnection attempts reached")
		return
	}

	m.attempts++
	m.setStateLocked(Reconnecting)
	metrics.IncPushReconnect()
	m.entry().WithError(err).WithFields(logger.Fields{
		"attempt": m.attempts,
		"delay":   delay.String(),
	}).Warn("push connection lost; scheduling reconnect")

	runCtx := m.runCtx
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.dial(runCtx, gen)
	})
}

func (m *Manager) handleFrame(data []byte) {
	logger.RecordFlow("push_frames", len(data))

	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.entry().WithError(err).Warn("dropping malformed push frame")
		metrics.EmitDropMetric(m.log, metrics.DropMetricPushInbound, "decode", "malformed_json")
		return
	}
	metrics.IncPushFrame(env.Type)

	switch env.Type {
	case models.FrameConnected:
		m.mu.Lock()
		m.clientID = env.ClientID
		m.mu.Unlock()
		m.entry().WithFields(logger.Fields{"client_id": env.ClientID}).Info("push session acknowledged")

	case models.FramePong:
		// heartbeat reply, nothing to do

	case models.FrameMarketUpdate:
		var quotes []models.Quote
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &quotes); err != nil {
				m.entry().WithError(err).Warn("dropping market_update with invalid data")
				metrics.EmitDropMetric(m.log, metrics.DropMetricPushInbound, "decode", "invalid_market_data")
				return
			}
		}
		m.mu.Lock()
		m.seq++
		update := models.MarketUpdate{
			Quotes:     quotes,
			Timestamp:  env.Timestamp,
			ReceivedAt: m.clock.Now(),
			Seq:        m.seq,
		}
		m.latest = &update
		sink := m.sink
		m.mu.Unlock()
		if sink != nil {
			sink(update)
		}

	case models.FrameError:
		m.mu.Lock()
		m.err = ServerError(env.Message)
		m.mu.Unlock()
		m.entry().WithFields(logger.Fields{"server_message": env.Message}).Warn("push server reported an error")

	default:
		m.entry().WithFields(logger.Fields{"type": env.Type}).Debug("ignoring unknown push frame")
	}
}

func (m *Manager) startHeartbeatLocked() {
	stop := make(chan struct{})
	m.hbStop = stop
	ticker := m.clock.Ticker(m.cfg.HeartbeatInterval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := m.Send(models.NewPing()); err != nil {
					m.entry().WithError(err).Debug("heartbeat ping not sent")
				}
			}
		}
	}()
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
}

// Send writes msg as JSON. While not connected it logs a warning and returns
// ErrNotConnected.
func (m *Manager) Send(msg interface{}) error {
	m.mu.Lock()
	state, conn := m.state, m.conn
	m.mu.Unlock()

	if state != Connected || conn == nil {
		m.entry().WithFields(logger.Fields{"state": state.String()}).Warn("push send skipped: not connected")
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("push send failed: %w", err)
	}
	return nil
}

// Subscribe records the subscription, so it is replayed after reconnects,
// and sends it when connected.
func (m *Manager) Subscribe(channel string, filters map[string]interface{}) error {
	msg := models.NewSubscribe(channel, filters)
	m.mu.Lock()
	m.subs[channel] = msg
	m.mu.Unlock()
	return m.Send(msg)
}

func (m *Manager) Unsubscribe(channel string) error {
	m.mu.Lock()
	delete(m.subs, channel)
	m.mu.Unlock()
	return m.Send(models.NewUnsubscribe(channel))
}

// Disconnect closes the connection and cancels the heartbeat and any pending
// reconnect. It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	gen := m.runGen
	m.mu.Unlock()
	m.shutdown(gen)
}

func (m *Manager) shutdown(gen uint64) {
	m.mu.Lock()
	if gen != m.runGen || m.state == Closed {
		m.mu.Unlock()
		return
	}
	m.runGen++
	m.stopHeartbeatLocked()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	cancel := m.runCancel
	m.runCancel = nil
	m.setStateLocked(Closed)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		m.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		conn.Close()
	}
	m.wg.Wait()
	m.entry().Info("push connection closed")
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Connected() bool {
	return m.State() == Connected
}

// Err returns the error slot: the last transport error, a server error
// frame, or ErrMaxReconnect.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Latest returns the most recent market_update, if any.
func (m *Manager) Latest() (models.MarketUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return models.MarketUpdate{}, false
	}
	return *m.latest, true
}

func (m *Manager) ClientID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientID
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:     m.state,
		Connected: m.state == Connected,
		URL:       m.url,
		ClientID:  m.clientID,
		Attempts:  m.attempts,
		Updates:   m.seq,
	}
	if m.err != nil {
		st.Error = m.err.Error()
	}
	if m.latest != nil {
		st.LastUpdateAt = m.latest.ReceivedAt
	}
	return st
}

// IsMaxReconnect reports whether err is the retry-ceiling error.
func IsMaxReconnect(err error) bool {
	return errors.Is(err, ErrMaxReconnect)
}
