package parley

// MessageEvent is a "message" frame: someone posted to the room.
type MessageEvent struct {
	ID            ID     `json:"id"`
	Content       string `json:"content"`
	User          string `json:"user"`
	UserID        ID     `json:"user_id"`
	Timestamp     string `json:"timestamp"`
	IsRead        bool   `json:"is_read"`
	AttachmentURL string `json:"attachment_url"`
}

// Message converts the event into a delivered message record.
func (e MessageEvent) Message() Message {
	return Message{
		ID:            e.ID,
		Content:       e.Content,
		User:          e.User,
		UserID:        e.UserID,
		Timestamp:     e.Timestamp,
		IsRead:        e.IsRead,
		AttachmentURL: e.AttachmentURL,
		Status:        StatusSent,
	}
}

// TypingEvent is a "typing" frame.
type TypingEvent struct {
	User string `json:"user"`
}

// ReadEvent is a "message_read" frame.
type ReadEvent struct {
	MessageID ID `json:"message_id"`
}

// SystemEvent is a "system" frame, e.g. a user joining or leaving.
type SystemEvent struct {
	Action string `json:"action"`
	User   string `json:"user"`
}
