package network

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"
)

func newTestChannel(t *testing.T, local, remote string) (*Channel, net.Conn) {
	t.Helper()

	localConn, remoteConn := net.Pipe()
	ch := newChannel(localConn, ChannelOptions{
		LocalUsername:     local,
		RemoteUsername:    remote,
		Direction:         DirectionOutbound,
		KeepAliveInterval: time.Hour,
		KeepAliveTimeout:  time.Hour,
		FrameReadTimeout:  250 * time.Millisecond,
		AutoRespondPing:   true,
	})
	t.Cleanup(func() {
		_ = ch.Close()
		_ = remoteConn.Close()
	})
	return ch, remoteConn
}

func TestChannelReceivesChatMessage(t *testing.T) {
	ch, remote := newTestChannel(t, "alice", "bob")

	sent := ChatMessage{
		Type:      TypeMessage,
		MessageID: "m1",
		From:      "bob",
		To:        "alice",
		Content:   "hola",
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := EncodeJSON(sent)
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	go func() {
		_ = WriteFrame(remote, payload)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := ch.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	var received ChatMessage
	if err := json.Unmarshal(got, &received); err != nil {
		t.Fatalf("unmarshal received message: %v", err)
	}
	if received.Content != "hola" || received.From != "bob" {
		t.Fatalf("unexpected message: %+v", received)
	}
	if ch.State() != StateOpen {
		t.Fatalf("expected OPEN state, got %s", ch.State())
	}
}

func TestChannelAutoRespondsToPing(t *testing.T) {
	ch, remote := newTestChannel(t, "alice", "bob")
	_ = ch

	ping, err := EncodeJSON(PingMessage{Type: TypePing, From: "bob", Timestamp: time.Now().UnixMilli()})
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	go func() {
		_ = WriteFrame(remote, ping)
	}()

	if err := remote.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	payload, err := ReadFrame(remote)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		t.Fatalf("DecodeMessageType failed: %v", err)
	}
	if msgType != TypePong {
		t.Fatalf("expected pong reply, got %q", msgType)
	}
}

func TestChannelClosesOnPeerDisconnectFrame(t *testing.T) {
	ch, remote := newTestChannel(t, "alice", "bob")

	disconnect, err := EncodeJSON(PeerDisconnect{Type: TypePeerDisconnect, From: "bob", Timestamp: time.Now().UnixMilli()})
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	go func() {
		_ = WriteFrame(remote, disconnect)
	}()

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("channel did not close after peer_disconnect")
	}

	if ch.State() != StateClosed {
		t.Fatalf("expected CLOSED state, got %s", ch.State())
	}
	if err := ch.LastError(); err != nil {
		t.Fatalf("graceful disconnect should not record an error, got %v", err)
	}
}

func TestChannelClosesOnTransportError(t *testing.T) {
	ch, remote := newTestChannel(t, "alice", "bob")

	_ = remote.Close()

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("channel did not close after transport failure")
	}
	if ch.State() != StateClosed {
		t.Fatalf("expected CLOSED state, got %s", ch.State())
	}
}

func TestChannelSendAfterCloseFails(t *testing.T) {
	ch, _ := newTestChannel(t, "alice", "bob")

	_ = ch.Close()
	err := ch.SendMessage(ChatMessage{Type: TypeMessage, MessageID: "m2", From: "alice", To: "bob", Content: "late"})
	if err == nil {
		t.Fatalf("expected error sending on closed channel")
	}
}
