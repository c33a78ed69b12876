package ws

// Event types pushed to clients. These names and their payload shapes are
// the realtime wire contract with the portal frontend.
const (
	EventNewMessage         = "NewMessage"
	EventNewChat            = "NewChat"
	EventChatUpdated        = "ChatUpdated"
	EventChatRead           = "ChatRead"
	EventUnreadCountChanged = "UnreadCountChanged"
	EventError              = "Error"
)

// Operations a client may send over the socket. Everything else goes
// through the REST API.
const (
	OpJoinChat  = "JoinChat"
	OpLeaveChat = "LeaveChat"
)

// IncomingMessage is a client-to-server frame.
type IncomingMessage struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// OutgoingMessage is a server-to-client frame.
type OutgoingMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ChatReadPayload notifies chat members that a participant moved their
// read watermark. UnreadCountChanged carries a bare integer total instead
// of a struct; NewMessage and NewChat/ChatUpdated carry the message and
// chat summary models directly.
type ChatReadPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// ErrorPayload reports a rejected socket operation.
type ErrorPayload struct {
	Message string `json:"message"`
	ChatID  string `json:"chatId,omitempty"`
}
