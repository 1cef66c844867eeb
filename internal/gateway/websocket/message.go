// Package websocket provides the hub and client plumbing for the
// gateway event feed. Connected clients receive coordination events as
// they are published on the internal bus; a client may narrow the feed
// to one or more topics (the event name prefix, such as "session" or
// "lock") and otherwise receives everything.
package websocket

// WSMessage is a control message sent by a client, and the shape of
// error and pong replies going the other way.
type WSMessage struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// BroadcastMessage wraps an outgoing frame with its topic. An empty
// topic reaches every client regardless of subscriptions.
type BroadcastMessage struct {
	Topic string
	Data  []byte
}

// Control message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)
