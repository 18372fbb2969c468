package network

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"
)

func newTestServer(t *testing.T, username string) *Server {
	t.Helper()

	server, err := Listen("127.0.0.1:0", LinkOptions{
		LocalUsername:     username,
		ConnectionTimeout: 2 * time.Second,
		KeepAliveInterval: time.Hour,
		KeepAliveTimeout:  time.Hour,
		FrameReadTimeout:  250 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
	})
	return server
}

func TestDialAndAcceptHandshake(t *testing.T) {
	server := newTestServer(t, "bob")

	outbound, err := Dial(server.Addr().String(), LinkOptions{
		LocalUsername:     "alice",
		ConnectionTimeout: 2 * time.Second,
		KeepAliveInterval: time.Hour,
		FrameReadTimeout:  250 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() {
		_ = outbound.Close()
	}()

	if outbound.RemoteUsername() != "bob" {
		t.Fatalf("expected remote username bob, got %q", outbound.RemoteUsername())
	}
	if outbound.Direction() != DirectionOutbound {
		t.Fatalf("expected outbound direction, got %s", outbound.Direction())
	}

	var inbound *Channel
	select {
	case inbound = <-server.Incoming():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound channel")
	}
	defer func() {
		_ = inbound.Close()
	}()

	if inbound.RemoteUsername() != "alice" {
		t.Fatalf("expected remote username alice, got %q", inbound.RemoteUsername())
	}
	if inbound.Direction() != DirectionInbound {
		t.Fatalf("expected inbound direction, got %s", inbound.Direction())
	}

	// Messages flow both ways after the handshake.
	if err := outbound.SendMessage(ChatMessage{Type: TypeMessage, MessageID: "m1", From: "alice", To: "bob", Content: "hola"}); err != nil {
		t.Fatalf("outbound send failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := inbound.Receive(ctx)
	if err != nil {
		t.Fatalf("inbound receive failed: %v", err)
	}
	var msg ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if msg.Content != "hola" || msg.From != "alice" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestServerRejectsSelfConnection(t *testing.T) {
	server := newTestServer(t, "alice")

	_, err := Dial(server.Addr().String(), LinkOptions{
		LocalUsername:     "alice",
		ConnectionTimeout: 2 * time.Second,
	})
	if err == nil {
		t.Fatalf("expected self-connection to be refused")
	}
}

func TestServerRejectsVersionMismatch(t *testing.T) {
	server := newTestServer(t, "bob")

	conn, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	handshake := Handshake{
		Type:            TypeHandshake,
		Username:        "alice",
		ProtocolVersion: ProtocolVersion + 1,
		Timestamp:       time.Now().UnixMilli(),
	}
	payload, err := EncodeJSON(handshake)
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	if err := WriteFrame(conn, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	response, err := ReadFrameWithTimeout(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	var remoteErr ErrorMessage
	if err := json.Unmarshal(response, &remoteErr); err != nil {
		t.Fatalf("unmarshal error response: %v", err)
	}
	if remoteErr.Code != "version_mismatch" {
		t.Fatalf("expected version_mismatch, got %q", remoteErr.Code)
	}
}
