package peer

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestClient(t *testing.T) *TrackerClient {
	t.Helper()
	ts := newTestTracker(t)
	return NewTrackerClient(ts.URL, 2*time.Second)
}

func TestTrackerClientRegisterAndList(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	if err := client.Register(ctx, "alice", "127.0.0.1", 9001); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if err := client.Register(ctx, "bob", "127.0.0.1", 9002); err != nil {
		t.Fatalf("register bob: %v", err)
	}

	peers, err := client.ListPeers(ctx, "alice")
	if err != nil {
		t.Fatalf("list peers: %v", err)
	}
	if len(peers) != 1 || peers[0].Username != "bob" {
		t.Fatalf("expected only bob with alice excluded, got %+v", peers)
	}
	if peers[0].Addr() != "127.0.0.1:9002" {
		t.Fatalf("unexpected bob address %q", peers[0].Addr())
	}
}

func TestTrackerClientHeartbeatUnknownPeer(t *testing.T) {
	client := newTestClient(t)

	err := client.Heartbeat(context.Background(), "ghost")
	if !errors.Is(err, ErrTrackerNotFound) {
		t.Fatalf("expected ErrTrackerNotFound, got %v", err)
	}
}

func TestTrackerClientUnregister(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	if err := client.Register(ctx, "alice", "127.0.0.1", 9001); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if err := client.Unregister(ctx, "alice"); err != nil {
		t.Fatalf("unregister alice: %v", err)
	}
	if err := client.Unregister(ctx, "alice"); !errors.Is(err, ErrTrackerNotFound) {
		t.Fatalf("expected ErrTrackerNotFound on second unregister, got %v", err)
	}
}

func TestTrackerClientHealth(t *testing.T) {
	client := newTestClient(t)

	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health probe failed: %v", err)
	}
}

func TestTrackerClientUnreachableTracker(t *testing.T) {
	client := NewTrackerClient("http://127.0.0.1:1", 500*time.Millisecond)

	if err := client.Register(context.Background(), "alice", "127.0.0.1", 9001); err == nil {
		t.Fatalf("expected error registering against unreachable tracker")
	}
	if _, err := client.ListPeers(context.Background(), ""); err == nil {
		t.Fatalf("expected error listing peers against unreachable tracker")
	}
}
