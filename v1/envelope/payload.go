package envelope

// EditPayload accompanies edit_started and edit_ended. TaskID is set for
// task groups.
type EditPayload struct {
	ResourceID      string `json:"resourceId"`
	TaskID          int64  `json:"taskId,omitempty"`
	ConnectionID    string `json:"connectionId"`
	UserID          int64  `json:"userId"`
	UserName        string `json:"userName"`
	IdentityIconURL string `json:"identityIconUrl,omitempty"`
}

// PresencePayload accompanies user_joined and user_left.
type PresencePayload struct {
	Group           string `json:"group"`
	ConnectionID    string `json:"connectionId"`
	UserID          int64  `json:"userId"`
	UserName        string `json:"userName"`
	IdentityIconURL string `json:"identityIconUrl,omitempty"`
}

// AgentMessagePayload is a chat message authored by an automated agent.
type AgentMessagePayload struct {
	RoomID    int64  `json:"roomId"`
	MessageID int64  `json:"messageId,omitempty"`
	Content   string `json:"content"`
	AgentName string `json:"agentName,omitempty"`
}

// TypingPayload toggles an agent typing indicator.
type TypingPayload struct {
	RoomID    int64  `json:"roomId"`
	AgentName string `json:"agentName,omitempty"`
	IsTyping  bool   `json:"isTyping"`
}

// AgentErrorPayload reports an agent failure to the room.
type AgentErrorPayload struct {
	RoomID  int64  `json:"roomId"`
	Message string `json:"message"`
}
