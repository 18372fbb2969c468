package peer

import (
	"net/http/httptest"
	"testing"
	"time"

	"peerchat/models"
	"peerchat/tracker"
)

func newTestTracker(t *testing.T) *httptest.Server {
	t.Helper()

	store, _, err := tracker.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open tracker store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	server := tracker.NewServer(store, nil, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newTestNode(t *testing.T, trackerURL, username string) *Manager {
	t.Helper()

	manager, err := NewManager(ManagerOptions{
		Username:          username,
		ListenAddress:     "127.0.0.1:0",
		Tracker:           NewTrackerClient(trackerURL, 2*time.Second),
		HeartbeatInterval: 50 * time.Millisecond,
		ConnectionTimeout: 2 * time.Second,
		KeepAliveInterval: time.Hour,
		KeepAliveTimeout:  time.Hour,
		FrameReadTimeout:  250 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new manager %q: %v", username, err)
	}

	if err := manager.Start(); err != nil {
		t.Fatalf("start manager %q: %v", username, err)
	}
	t.Cleanup(manager.Stop)

	return manager
}

// waitForEvent drains the manager's event channel until a matching event
// arrives or the timeout elapses.
func waitForEvent(t *testing.T, m *Manager, eventType models.EventType, username string, timeout time.Duration) models.Event {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case event := <-m.Events():
			if event.Type == eventType && event.Username == username {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event from %q", eventType, username)
		}
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, message string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", message)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
