package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// ChannelState represents the lifecycle state of one peer channel.
type ChannelState string

const (
	StateConnecting ChannelState = "CONNECTING"
	StateOpen       ChannelState = "OPEN"
	StateClosed     ChannelState = "CLOSED"
)

// Direction records which side initiated the channel.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// ChannelOptions controls runtime behavior of a Channel.
type ChannelOptions struct {
	LocalUsername     string
	RemoteUsername    string
	Direction         Direction
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   bool
}

// Channel manages a duplex message-framed TCP session with one peer.
type Channel struct {
	conn net.Conn

	localUsername  string
	remoteUsername string
	direction      Direction
	openedAt       time.Time

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ChannelState

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration
	autoRespondPing   bool

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newChannel(conn net.Conn, options ChannelOptions) *Channel {
	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}

	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	ch := &Channel{
		conn:              conn,
		localUsername:     options.LocalUsername,
		remoteUsername:    options.RemoteUsername,
		direction:         options.Direction,
		openedAt:          time.Now(),
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		autoRespondPing:   options.AutoRespondPing,
		inbound:           make(chan []byte, 64),
		closed:            make(chan struct{}),
		state:             StateConnecting,
	}

	ch.touchActivity()
	ch.setState(StateOpen)
	go ch.readLoop()
	go ch.keepAliveLoop()

	return ch
}

// State returns the current channel state.
func (ch *Channel) State() ChannelState {
	ch.stateMu.RLock()
	defer ch.stateMu.RUnlock()
	return ch.state
}

// RemoteUsername returns the handshaked remote identity.
func (ch *Channel) RemoteUsername() string {
	return ch.remoteUsername
}

// Direction returns which side initiated the channel.
func (ch *Channel) Direction() Direction {
	return ch.direction
}

// OpenedAt returns when the handshake completed.
func (ch *Channel) OpenedAt() time.Time {
	return ch.openedAt
}

// RemoteAddr returns the transport-level remote address.
func (ch *Channel) RemoteAddr() net.Addr {
	return ch.conn.RemoteAddr()
}

// Done is closed when the channel is fully closed.
func (ch *Channel) Done() <-chan struct{} {
	return ch.closed
}

// LastError returns the terminal channel error, if any.
func (ch *Channel) LastError() error {
	ch.errMu.RLock()
	defer ch.errMu.RUnlock()
	return ch.closeErr
}

// SendMessage marshals a protocol message and writes it as one frame.
func (ch *Channel) SendMessage(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return ch.SendRaw(payload)
}

// SendRaw writes a pre-marshaled payload as one frame.
func (ch *Channel) SendRaw(payload []byte) error {
	if ch.State() == StateClosed {
		if err := ch.LastError(); err != nil {
			return err
		}
		return io.EOF
	}

	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	if err := WriteFrame(ch.conn, payload); err != nil {
		ch.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}

	ch.touchActivity()
	return nil
}

// Receive waits for the next non-keepalive inbound protocol frame.
func (ch *Channel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-ch.inbound:
		return payload, nil
	case <-ch.closed:
		if err := ch.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect sends peer_disconnect and closes the channel.
func (ch *Channel) Disconnect() error {
	_ = ch.SendMessage(PeerDisconnect{
		Type:      TypePeerDisconnect,
		From:      ch.localUsername,
		Timestamp: time.Now().UnixMilli(),
	})

	return ch.Close()
}

// Close terminates the channel.
func (ch *Channel) Close() error {
	ch.closeWithError(nil)
	return nil
}

func (ch *Channel) readLoop() {
	for {
		select {
		case <-ch.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(ch.conn, ch.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				ch.closeWithError(nil)
				return
			}

			ch.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		ch.touchActivity()
		if len(payload) == 0 {
			continue
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			select {
			case ch.inbound <- payload:
			case <-ch.closed:
			}
			continue
		}

		switch msgType {
		case TypePing:
			if ch.autoRespondPing {
				_ = ch.SendMessage(PongMessage{
					Type:      TypePong,
					From:      ch.localUsername,
					Timestamp: time.Now().UnixMilli(),
				})
			}
		case TypePong:
			ch.ackPong()
		case TypePeerDisconnect:
			ch.closeWithError(nil)
			return
		default:
			select {
			case ch.inbound <- payload:
			case <-ch.closed:
				return
			}
		}
	}
}

func (ch *Channel) keepAliveLoop() {
	checkEvery := ch.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = ch.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if ch.State() == StateClosed {
				return
			}

			if ch.waitingPongExpired() {
				ch.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, ch.lastActivity.Load()))
			if idleFor < ch.keepAliveInterval {
				continue
			}

			if ch.isWaitingPong() {
				continue
			}

			if err := ch.SendMessage(PingMessage{
				Type:      TypePing,
				From:      ch.localUsername,
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
				return
			}
			ch.setWaitingPong(time.Now().Add(ch.keepAliveTimeout))
		case <-ch.closed:
			return
		}
	}
}

func (ch *Channel) setState(state ChannelState) {
	ch.stateMu.Lock()
	defer ch.stateMu.Unlock()
	ch.state = state
}

func (ch *Channel) touchActivity() {
	ch.lastActivity.Store(time.Now().UnixNano())
}

func (ch *Channel) setWaitingPong(deadline time.Time) {
	ch.waitMu.Lock()
	defer ch.waitMu.Unlock()
	ch.waitingPong = true
	ch.pongDeadline = deadline
}

func (ch *Channel) ackPong() {
	ch.waitMu.Lock()
	defer ch.waitMu.Unlock()
	ch.waitingPong = false
	ch.pongDeadline = time.Time{}
}

func (ch *Channel) isWaitingPong() bool {
	ch.waitMu.Lock()
	defer ch.waitMu.Unlock()
	return ch.waitingPong
}

func (ch *Channel) waitingPongExpired() bool {
	ch.waitMu.Lock()
	defer ch.waitMu.Unlock()
	return ch.waitingPong && time.Now().After(ch.pongDeadline)
}

func (ch *Channel) closeWithError(err error) {
	ch.closeOnce.Do(func() {
		ch.errMu.Lock()
		ch.closeErr = err
		ch.errMu.Unlock()

		ch.setState(StateClosed)
		_ = ch.conn.Close()
		close(ch.closed)
	})
}
