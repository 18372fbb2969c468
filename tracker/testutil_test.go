package tracker

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustRegister(t *testing.T, store *Store, username string, port int) PeerRecord {
	t.Helper()

	record, err := store.Register(username, "127.0.0.1", port)
	if err != nil {
		t.Fatalf("register peer %q: %v", username, err)
	}
	return record
}

func activeUsernames(t *testing.T, store *Store, exclude string) []string {
	t.Helper()

	records, err := store.ListActive(exclude)
	if err != nil {
		t.Fatalf("list active peers: %v", err)
	}

	names := make([]string, 0, len(records))
	for _, record := range records {
		names = append(names, record.Username)
	}
	return names
}
