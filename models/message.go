package models

// BroadcastRecipient marks a message addressed to every connected peer.
const BroadcastRecipient = "*"

// Message is one chat message exchanged over a peer link.
type Message struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// IsBroadcast reports whether the message was addressed to all peers.
func (m Message) IsBroadcast() bool {
	return m.To == BroadcastRecipient
}
