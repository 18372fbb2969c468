package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerchat/models"
	"peerchat/network"
)

const (
	// DefaultHeartbeatInterval matches the tracker sweeper's expectations.
	DefaultHeartbeatInterval = 30 * time.Second
)

var (
	// ErrAlreadyStarted indicates Start was called twice without a Stop.
	ErrAlreadyStarted = errors.New("peer: manager already started")
	// ErrNotStarted indicates an operation that requires a running manager.
	ErrNotStarted = errors.New("peer: manager not started")
	// ErrPeerUnknown indicates the connect target is not in the tracker's
	// active list.
	ErrPeerUnknown = errors.New("peer: unknown peer")
	// ErrAlreadyConnected indicates a link to the identity already exists.
	ErrAlreadyConnected = errors.New("peer: already connected")
	// ErrNotConnected indicates no open link to the identity exists.
	ErrNotConnected = errors.New("peer: not connected")
	// ErrConnectionFailed indicates the transport-level open failed.
	ErrConnectionFailed = errors.New("peer: connection failed")
)

// LinkEntry is the local record of one open channel to a remote identity.
type LinkEntry struct {
	Username  string
	Channel   *network.Channel
	Direction network.Direction
	OpenedAt  time.Time
}

// ManagerOptions configures a peer link manager.
type ManagerOptions struct {
	Username      string
	ListenAddress string
	Tracker       *TrackerClient

	// AdvertiseHost is the host registered with the tracker. Defaults to
	// 127.0.0.1, which is sufficient for same-host peer processes.
	AdvertiseHost string

	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration

	HistoryLimit int

	Clock  clock.Clock
	Logger *zap.Logger
}

// Manager maintains the identity -> open link mapping for one peer
// process: it accepts inbound links, opens outbound links, multiplexes
// send/receive, and keeps the tracker registration alive.
type Manager struct {
	options ManagerOptions

	clk    clock.Clock
	logger *zap.Logger

	history *History
	events  chan models.Event
	errs    chan error

	mu      sync.Mutex
	started bool
	server  *network.Server
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	advertiseHost string
	advertisePort int

	linkMu sync.RWMutex
	links  map[string]*LinkEntry
}

// NewManager creates a manager with validated configuration.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Username == "" {
		return nil, errors.New("username is required")
	}
	if options.Tracker == nil {
		return nil, errors.New("tracker client is required")
	}
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if options.AdvertiseHost == "" {
		options.AdvertiseHost = "127.0.0.1"
	}

	clk := options.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		options: options,
		clk:     clk,
		logger:  logger,
		history: NewHistory(options.HistoryLimit),
		events:  make(chan models.Event, 128),
		errs:    make(chan error, 64),
		links:   make(map[string]*LinkEntry),
	}, nil
}

// Username returns the local identity.
func (m *Manager) Username() string {
	return m.options.Username
}

// Events returns the UI push channel. Events are dropped, not blocked
// on, when no subscriber keeps up.
func (m *Manager) Events() <-chan models.Event {
	return m.events
}

// Errors returns asynchronous manager errors.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// History returns a snapshot of the recent message buffer.
func (m *Manager) History() []models.Message {
	return m.history.Snapshot()
}

// Addr returns the listening address, or nil before Start.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// Start registers with the tracker, begins accepting inbound links, and
// starts the background heartbeat loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}

	server, err := network.Listen(m.options.ListenAddress, m.linkOptions())
	if err != nil {
		return fmt.Errorf("start peer listener: %w", err)
	}

	_, portStr, err := net.SplitHostPort(server.Addr().String())
	if err != nil {
		_ = server.Close()
		return fmt.Errorf("resolve listen port: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		_ = server.Close()
		return fmt.Errorf("resolve listen port: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.options.Tracker.Register(ctx, m.options.Username, m.options.AdvertiseHost, port); err != nil {
		cancel()
		_ = server.Close()
		return fmt.Errorf("register with tracker: %w", err)
	}

	m.server = server
	m.ctx = ctx
	m.cancel = cancel
	m.advertiseHost = m.options.AdvertiseHost
	m.advertisePort = port
	m.started = true

	m.wg.Add(2)
	go m.serverLoop(ctx, server)
	go m.heartbeatLoop(ctx)

	m.logger.Info("peer started",
		zap.String("username", m.options.Username),
		zap.Int("port", port))
	return nil
}

// Stop cancels the heartbeat loop, closes all open links, stops
// accepting inbound links, and unregisters from the tracker.
// Unregistration is best-effort: on failure the sweeper evicts the
// record once heartbeats lapse.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	server := m.server
	cancel := m.cancel
	m.started = false
	m.server = nil
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	_ = server.Close()

	m.linkMu.Lock()
	entries := make([]*LinkEntry, 0, len(m.links))
	for _, entry := range m.links {
		entries = append(entries, entry)
	}
	m.links = make(map[string]*LinkEntry)
	m.linkMu.Unlock()

	for _, entry := range entries {
		_ = entry.Channel.Disconnect()
	}

	unregCtx, unregCancel := context.WithTimeout(context.Background(), DefaultTrackerTimeout)
	defer unregCancel()
	if err := m.options.Tracker.Unregister(unregCtx, m.options.Username); err != nil && !errors.Is(err, ErrTrackerNotFound) {
		m.logger.Warn("tracker unregister failed", zap.Error(err))
	}

	m.wg.Wait()
	m.logger.Info("peer stopped", zap.String("username", m.options.Username))
}

// AvailablePeers proxies the tracker's active list, excluding self.
func (m *Manager) AvailablePeers(ctx context.Context) ([]models.PeerInfo, error) {
	return m.options.Tracker.ListPeers(ctx, m.options.Username)
}

// Connect resolves the remote identity via the tracker, opens a channel,
// performs the handshake, and stores an outbound LinkEntry.
func (m *Manager) Connect(ctx context.Context, remoteUsername string) error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	if remoteUsername == "" || remoteUsername == m.options.Username {
		return fmt.Errorf("%w: %q", ErrPeerUnknown, remoteUsername)
	}

	if m.getLink(remoteUsername) != nil {
		return ErrAlreadyConnected
	}

	peers, err := m.options.Tracker.ListPeers(ctx, m.options.Username)
	if err != nil {
		return fmt.Errorf("resolve peer %q: %w", remoteUsername, err)
	}

	var target *models.PeerInfo
	for i := range peers {
		if peers[i].Username == remoteUsername {
			target = &peers[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %q", ErrPeerUnknown, remoteUsername)
	}

	channel, err := network.Dial(target.Addr(), m.linkOptions())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if channel.RemoteUsername() != remoteUsername {
		_ = channel.Close()
		return fmt.Errorf("%w: address registered for %q answered as %q",
			ErrConnectionFailed, remoteUsername, channel.RemoteUsername())
	}

	m.registerLink(channel)
	return nil
}

// Send writes a message onto the open link for the identity and appends
// it to the local history buffer.
func (m *Manager) Send(remoteUsername, content string) (models.Message, error) {
	entry := m.getLink(remoteUsername)
	if entry == nil {
		return models.Message{}, fmt.Errorf("%w: %q", ErrNotConnected, remoteUsername)
	}

	msg := models.Message{
		MessageID: uuid.NewString(),
		From:      m.options.Username,
		To:        remoteUsername,
		Content:   content,
		Timestamp: m.clk.Now().UnixMilli(),
	}

	wire := network.ChatMessage{
		Type:      network.TypeMessage,
		MessageID: msg.MessageID,
		From:      msg.From,
		To:        msg.To,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}
	if err := entry.Channel.SendMessage(wire); err != nil {
		return models.Message{}, fmt.Errorf("send to %q: %w", remoteUsername, err)
	}

	m.history.Append(msg)
	return msg, nil
}

// Broadcast sends content to every connected identity. Each link is
// attempted independently; failures are collected per peer and never
// abort the remaining sends.
func (m *Manager) Broadcast(content string) (models.Message, map[string]error) {
	msg := models.Message{
		MessageID: uuid.NewString(),
		From:      m.options.Username,
		To:        models.BroadcastRecipient,
		Content:   content,
		Timestamp: m.clk.Now().UnixMilli(),
	}

	failures := make(map[string]error)
	for _, username := range m.ListConnected() {
		entry := m.getLink(username)
		if entry == nil {
			failures[username] = ErrNotConnected
			continue
		}

		wire := network.ChatMessage{
			Type:      network.TypeMessage,
			MessageID: msg.MessageID,
			From:      msg.From,
			To:        username,
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		}
		if err := entry.Channel.SendMessage(wire); err != nil {
			failures[username] = err
		}
	}

	m.history.Append(msg)
	return msg, failures
}

// Disconnect closes and removes the link for the identity. Absent links
// are a no-op, not an error.
func (m *Manager) Disconnect(remoteUsername string) {
	entry := m.getLink(remoteUsername)
	if entry == nil {
		return
	}
	_ = entry.Channel.Disconnect()
}

// ListConnected returns a sorted snapshot of connected identities.
func (m *Manager) ListConnected() []string {
	m.linkMu.RLock()
	defer m.linkMu.RUnlock()

	out := make([]string, 0, len(m.links))
	for username := range m.links {
		out = append(out, username)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) linkOptions() network.LinkOptions {
	return network.LinkOptions{
		LocalUsername:     m.options.Username,
		ConnectionTimeout: m.options.ConnectionTimeout,
		KeepAliveInterval: m.options.KeepAliveInterval,
		KeepAliveTimeout:  m.options.KeepAliveTimeout,
		FrameReadTimeout:  m.options.FrameReadTimeout,
	}
}

func (m *Manager) getLink(username string) *LinkEntry {
	m.linkMu.RLock()
	defer m.linkMu.RUnlock()
	return m.links[username]
}

// registerLink stores a LinkEntry for the channel, replacing (and
// closing) any prior entry for the same identity.
func (m *Manager) registerLink(channel *network.Channel) {
	username := channel.RemoteUsername()

	m.linkMu.Lock()
	if existing, ok := m.links[username]; ok && existing.Channel != channel {
		_ = existing.Channel.Close()
	}
	m.links[username] = &LinkEntry{
		Username:  username,
		Channel:   channel,
		Direction: channel.Direction(),
		OpenedAt:  channel.OpenedAt(),
	}
	m.linkMu.Unlock()

	m.emit(models.PeerConnectedEvent(username))
	m.logger.Info("peer link open",
		zap.String("remote", username),
		zap.String("direction", string(channel.Direction())))

	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		// Stop raced with an inbound accept; drop the link.
		_ = channel.Close()
		return
	}

	m.wg.Add(1)
	go m.linkLoop(ctx, channel)
}

// linkLoop receives frames for one channel until it closes, then removes
// the owning LinkEntry and notifies subscribers of the disconnect.
func (m *Manager) linkLoop(ctx context.Context, channel *network.Channel) {
	defer m.wg.Done()

	username := channel.RemoteUsername()
	for {
		payload, err := channel.Receive(ctx)
		if err != nil {
			break
		}

		msgType, err := network.DecodeMessageType(payload)
		if err != nil {
			continue
		}
		if msgType != network.TypeMessage {
			continue
		}

		var wire network.ChatMessage
		if err := network.DecodeChatMessage(payload, &wire); err != nil {
			m.reportError(err)
			continue
		}

		msg := models.Message{
			MessageID: wire.MessageID,
			From:      wire.From,
			To:        m.options.Username,
			Content:   wire.Content,
			Timestamp: wire.Timestamp,
		}
		m.history.Append(msg)
		m.emit(models.MessageReceivedEvent(msg))
	}

	_ = channel.Close()
	if m.removeLink(username, channel) {
		m.emit(models.PeerDisconnectedEvent(username))
		m.logger.Info("peer link closed", zap.String("remote", username))
	}
}

// removeLink deletes the entry only if it still owns this channel, so a
// replacing link registered meanwhile survives.
func (m *Manager) removeLink(username string, channel *network.Channel) bool {
	m.linkMu.Lock()
	defer m.linkMu.Unlock()

	entry, ok := m.links[username]
	if !ok || entry.Channel != channel {
		return false
	}
	delete(m.links, username)
	return true
}

func (m *Manager) serverLoop(ctx context.Context, server *network.Server) {
	defer m.wg.Done()

	for {
		select {
		case channel, ok := <-server.Incoming():
			if !ok {
				return
			}
			m.registerLink(channel)
		case err, ok := <-server.Errors():
			if !ok {
				return
			}
			m.reportError(err)
		case <-ctx.Done():
			return
		}
	}
}

// heartbeatLoop re-registers liveness until the manager stops. Tracker
// failures are logged and retried on the next interval; a NotFound
// answer means the sweeper evicted us, so re-register.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.clk.Ticker(m.options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := m.options.Tracker.Heartbeat(ctx, m.options.Username)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrTrackerNotFound) {
				m.logger.Info("tracker evicted registration, re-registering")
				if err := m.options.Tracker.Register(ctx, m.options.Username, m.advertiseHost, m.advertisePort); err != nil {
					m.logger.Warn("re-register failed", zap.Error(err))
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("heartbeat failed", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) emit(event models.Event) {
	select {
	case m.events <- event:
	default:
	}
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case m.errs <- err:
	default:
	}
}
