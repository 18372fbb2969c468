package models

import (
	"net"
	"strconv"
)

// PeerInfo identifies a registered peer endpoint.
type PeerInfo struct {
	Username string `json:"username"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

// Addr returns the host:port dial address for the peer.
func (p PeerInfo) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}
