package network

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Dial connects to a peer, performs the handshake, and returns an open Channel.
func Dial(address string, options LinkOptions) (*Channel, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", address, opts.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	handshake := BuildHandshake(opts.LocalUsername)
	payload, err := EncodeJSON(handshake)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	ackPayload, err := ReadFrameWithTimeout(conn, opts.ConnectionTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read handshake ack: %w", err)
	}

	msgType, err := DecodeMessageType(ackPayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if msgType == TypeError {
		remoteErr := ErrorMessage{}
		if err := json.Unmarshal(ackPayload, &remoteErr); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("decode remote error response: %w", err)
		}
		_ = conn.Close()
		return nil, fmt.Errorf("remote error [%s]: %s", remoteErr.Code, remoteErr.Message)
	}
	if msgType != TypeHandshakeAck {
		_ = conn.Close()
		return nil, fmt.Errorf("expected %q, got %q", TypeHandshakeAck, msgType)
	}

	ack, err := decodeHandshakeAck(ackPayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ValidateHandshake(ack.Username, ack.ProtocolVersion); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newChannel(conn, ChannelOptions{
		LocalUsername:     opts.LocalUsername,
		RemoteUsername:    ack.Username,
		Direction:         DirectionOutbound,
		KeepAliveInterval: opts.KeepAliveInterval,
		KeepAliveTimeout:  opts.KeepAliveTimeout,
		FrameReadTimeout:  opts.FrameReadTimeout,
		AutoRespondPing:   opts.autoRespondPingEnabled(),
	}), nil
}
