package sync

import "github.com/roach88/shelfsync/internal/ledger"

// Message types exchanged over a sync connection. Every frame is one JSON
// message with a type discriminator; unused fields are omitted.
const (
	// MsgHello opens a connection: site identity plus schema name/version.
	// Both sides send one; a schema mismatch terminates the connection.
	MsgHello = "hello"
	// MsgPush carries the sender's own change log entries.
	MsgPush = "push"
	// MsgPull requests entries the receiver holds beyond the given vector.
	MsgPull = "pull"
	// MsgChanges answers a pull.
	MsgChanges = "changes"
	// MsgNotify signals "I have new entries" without carrying them.
	MsgNotify = "notify"
	// MsgError reports a protocol failure before closing.
	MsgError = "error"
)

// Message is the wire envelope for all sync frames.
type Message struct {
	Type          string               `json:"type"`
	Site          string               `json:"site,omitempty"`
	Schema        string               `json:"schema,omitempty"`
	SchemaVersion int                  `json:"schema_version,omitempty"`
	Entries       []ledger.Change      `json:"entries,omitempty"`
	Vector        ledger.VersionVector `json:"vector,omitempty"`
	Error         string               `json:"error,omitempty"`
}
