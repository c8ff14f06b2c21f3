// Package notify broadcasts lifecycle and connectivity events to connected
// application instances.
package notify

// MessageType identifies a broadcast message.
type MessageType string

const (
	// TypeBackgroundSync is sent when a background-sync trigger fires.
	TypeBackgroundSync MessageType = "BACKGROUND_SYNC"

	// TypePeriodicSync is sent when a periodic-sync trigger fires.
	TypePeriodicSync MessageType = "PERIODIC_SYNC"

	// TypeConnectivityRestored is sent when origins become reachable again.
	TypeConnectivityRestored MessageType = "CONNECTIVITY_RESTORED"

	// TypeActivated is sent to claimed clients once a version is active.
	TypeActivated MessageType = "ACTIVATED"
)

// Message is the payload delivered to clients.
type Message struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message,omitempty"`
	Version string      `json:"version,omitempty"`
}

// VersionReply answers a version query.
type VersionReply struct {
	Version string `json:"version"`
}

// Reply is the return channel of a synchronous query.
type Reply interface {
	Reply(payload any) error
}

// ReplyFunc adapts a function to the Reply interface.
type ReplyFunc func(payload any) error

// Reply calls f(payload).
func (f ReplyFunc) Reply(payload any) error {
	return f(payload)
}
