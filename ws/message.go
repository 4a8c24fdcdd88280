package ws

// --- Client-to-Server messages ---

// InboundMsg is every message a client may send. Type is "subscribe" or
// "unsubscribe".
type InboundMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// --- Server-to-Client messages ---

// EventMsg carries one published event.
type EventMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Data    any    `json:"data"`
}

// AckMsg confirms a subscription change.
type AckMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// ErrorMsg is sent when a client message is invalid.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
