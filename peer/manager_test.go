package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"peerchat/models"
	"peerchat/network"
)

func TestStartRegistersAndStopUnregisters(t *testing.T) {
	ts := newTestTracker(t)
	client := NewTrackerClient(ts.URL, 2*time.Second)

	alice := newTestNode(t, ts.URL, "alice")

	peers, err := client.ListPeers(context.Background(), "")
	if err != nil {
		t.Fatalf("list peers: %v", err)
	}
	if len(peers) != 1 || peers[0].Username != "alice" {
		t.Fatalf("expected alice to be registered, got %+v", peers)
	}

	alice.Stop()

	peers, err = client.ListPeers(context.Background(), "")
	if err != nil {
		t.Fatalf("list peers after stop: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected empty directory after stop, got %+v", peers)
	}
}

func TestStartTwiceReturnsAlreadyStarted(t *testing.T) {
	ts := newTestTracker(t)
	alice := newTestNode(t, ts.URL, "alice")

	if err := alice.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestConnectSendReceiveScenario(t *testing.T) {
	ts := newTestTracker(t)

	alice := newTestNode(t, ts.URL, "alice")
	bob := newTestNode(t, ts.URL, "bob")

	available, err := alice.AvailablePeers(context.Background())
	if err != nil {
		t.Fatalf("alice available peers: %v", err)
	}
	if len(available) != 1 || available[0].Username != "bob" {
		t.Fatalf("expected alice to see only bob, got %+v", available)
	}

	if err := alice.Connect(context.Background(), "bob"); err != nil {
		t.Fatalf("alice connect bob: %v", err)
	}

	waitForEvent(t, bob, models.EventPeerConnected, "alice", 2*time.Second)
	waitForCondition(t, 2*time.Second, "bob to record alice's link", func() bool {
		connected := bob.ListConnected()
		return len(connected) == 1 && connected[0] == "alice"
	})

	sent, err := alice.Send("bob", "hola")
	if err != nil {
		t.Fatalf("alice send: %v", err)
	}

	received := waitForEvent(t, bob, models.EventMessageReceived, "alice", 2*time.Second)
	if received.Content != "hola" {
		t.Fatalf("expected content hola, got %q", received.Content)
	}

	history := alice.History()
	if len(history) != 1 || history[0].MessageID != sent.MessageID || history[0].Content != "hola" {
		t.Fatalf("unexpected alice history: %+v", history)
	}

	bobHistory := bob.History()
	if len(bobHistory) != 1 || bobHistory[0].From != "alice" || bobHistory[0].Content != "hola" {
		t.Fatalf("unexpected bob history: %+v", bobHistory)
	}
}

func TestConnectUnknownPeerFails(t *testing.T) {
	ts := newTestTracker(t)
	alice := newTestNode(t, ts.URL, "alice")

	if err := alice.Connect(context.Background(), "ghost"); !errors.Is(err, ErrPeerUnknown) {
		t.Fatalf("expected ErrPeerUnknown, got %v", err)
	}
}

func TestConnectTwiceReturnsAlreadyConnected(t *testing.T) {
	ts := newTestTracker(t)

	alice := newTestNode(t, ts.URL, "alice")
	_ = newTestNode(t, ts.URL, "bob")

	if err := alice.Connect(context.Background(), "bob"); err != nil {
		t.Fatalf("first connect failed: %v", err)
	}
	if err := alice.Connect(context.Background(), "bob"); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestSendWithoutLinkReturnsNotConnected(t *testing.T) {
	ts := newTestTracker(t)
	alice := newTestNode(t, ts.URL, "alice")

	if _, err := alice.Send("bob", "hola"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnectPropagatesToBothSides(t *testing.T) {
	ts := newTestTracker(t)

	alice := newTestNode(t, ts.URL, "alice")
	bob := newTestNode(t, ts.URL, "bob")

	if err := alice.Connect(context.Background(), "bob"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitForCondition(t, 2*time.Second, "bob to record alice's link", func() bool {
		return len(bob.ListConnected()) == 1
	})

	alice.Disconnect("bob")

	waitForEvent(t, bob, models.EventPeerDisconnected, "alice", 2*time.Second)
	waitForCondition(t, 2*time.Second, "both link maps to empty", func() bool {
		return len(alice.ListConnected()) == 0 && len(bob.ListConnected()) == 0
	})

	// Disconnecting an absent link is a no-op.
	alice.Disconnect("bob")
}

func TestRemoteCloseRemovesLinkAndNotifies(t *testing.T) {
	ts := newTestTracker(t)

	alice := newTestNode(t, ts.URL, "alice")
	bob := newTestNode(t, ts.URL, "bob")

	if err := alice.Connect(context.Background(), "bob"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitForCondition(t, 2*time.Second, "bob to record alice's link", func() bool {
		return len(bob.ListConnected()) == 1
	})

	// Kill the transport from bob's side without a graceful disconnect.
	entry := bob.getLink("alice")
	if entry == nil {
		t.Fatalf("expected bob to have a link to alice")
	}
	_ = entry.Channel.Close()

	waitForEvent(t, alice, models.EventPeerDisconnected, "bob", 2*time.Second)
	waitForCondition(t, 2*time.Second, "alice to drop the link", func() bool {
		return len(alice.ListConnected()) == 0
	})
}

func TestBroadcastCollectsFailuresIndependently(t *testing.T) {
	ts := newTestTracker(t)

	alice := newTestNode(t, ts.URL, "alice")
	bob := newTestNode(t, ts.URL, "bob")

	if err := alice.Connect(context.Background(), "bob"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	// Plant a dead link so one broadcast target fails.
	deadServer, err := network.Listen("127.0.0.1:0", network.LinkOptions{LocalUsername: "carol"})
	if err != nil {
		t.Fatalf("listen for dead link: %v", err)
	}
	defer func() {
		_ = deadServer.Close()
	}()
	deadChannel, err := network.Dial(deadServer.Addr().String(), network.LinkOptions{LocalUsername: "alice"})
	if err != nil {
		t.Fatalf("dial dead link: %v", err)
	}
	_ = deadChannel.Close()
	alice.linkMu.Lock()
	alice.links["carol"] = &LinkEntry{Username: "carol", Channel: deadChannel, Direction: deadChannel.Direction(), OpenedAt: deadChannel.OpenedAt()}
	alice.linkMu.Unlock()

	msg, failures := alice.Broadcast("hola a todos")
	if !msg.IsBroadcast() {
		t.Fatalf("expected broadcast marker recipient, got %q", msg.To)
	}
	if len(failures) != 1 {
		t.Fatalf("expected exactly one failure, got %v", failures)
	}
	if _, ok := failures["carol"]; !ok {
		t.Fatalf("expected failure for carol, got %v", failures)
	}

	received := waitForEvent(t, bob, models.EventMessageReceived, "alice", 2*time.Second)
	if received.Content != "hola a todos" {
		t.Fatalf("unexpected broadcast content %q", received.Content)
	}
}

func TestHeartbeatReregistersAfterEviction(t *testing.T) {
	ts := newTestTracker(t)
	client := NewTrackerClient(ts.URL, 2*time.Second)

	_ = newTestNode(t, ts.URL, "alice")

	// Simulate a sweeper eviction racing the heartbeat loop.
	if err := client.Unregister(context.Background(), "alice"); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}

	waitForCondition(t, 2*time.Second, "alice to re-register", func() bool {
		peers, err := client.ListPeers(context.Background(), "")
		if err != nil {
			return false
		}
		return len(peers) == 1 && peers[0].Username == "alice"
	})
}
