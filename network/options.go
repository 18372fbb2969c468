package network

import (
	"errors"
	"strings"
	"time"
)

// LinkOptions configures handshake validation and channel behavior for
// both the dialing and accepting sides.
type LinkOptions struct {
	LocalUsername string

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   *bool
}

func (o LinkOptions) withDefaults() LinkOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

func (o LinkOptions) validateIdentity() error {
	if strings.TrimSpace(o.LocalUsername) == "" {
		return errors.New("local username is required")
	}
	return nil
}

func (o LinkOptions) autoRespondPingEnabled() bool {
	if o.AutoRespondPing == nil {
		return true
	}
	return *o.AutoRespondPing
}
