package models

// EventType identifies one of the closed set of UI push events.
type EventType string

const (
	// EventMessageReceived is emitted when a chat message arrives.
	EventMessageReceived EventType = "message_received"
	// EventPeerConnected is emitted when a link to a peer opens.
	EventPeerConnected EventType = "peer_connected"
	// EventPeerDisconnected is emitted when a link to a peer closes.
	EventPeerDisconnected EventType = "peer_disconnected"
)

// Event is one UI push notification. Fields beyond Type and Username are
// populated only for message_received.
type Event struct {
	Type      EventType `json:"type"`
	Username  string    `json:"username"`
	Content   string    `json:"content,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`
}

// MessageReceivedEvent builds a message_received event.
func MessageReceivedEvent(msg Message) Event {
	return Event{
		Type:      EventMessageReceived,
		Username:  msg.From,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}
}

// PeerConnectedEvent builds a peer_connected event.
func PeerConnectedEvent(username string) Event {
	return Event{Type: EventPeerConnected, Username: username}
}

// PeerDisconnectedEvent builds a peer_disconnected event.
func PeerDisconnectedEvent(username string) Event {
	return Event{Type: EventPeerDisconnected, Username: username}
}
