package parley

import (
	"bytes"
	"encoding/json"
	"strconv"
)

const (
	FrameMessage     = "message"
	FrameTyping      = "typing"
	FrameMessageRead = "message_read"
	FrameSystem      = "system"
)

// Frame is one inbound realtime frame. Type is the discriminator; Raw holds
// the whole JSON object so handlers can decode type-specific fields.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// ParseFrame validates data as a JSON object and extracts its type.
func ParseFrame(data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Frame{}, err
	}
	return Frame{Type: head.Type, Raw: json.RawMessage(bytes.Clone(data))}, nil
}

// ID identifies users, rooms and messages. The server sends numeric ids while
// optimistic messages carry string ids, so ID decodes from either form.
type ID string

// UnmarshalJSON accepts JSON numbers, strings and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes ids in canonical integer form as numbers and
// everything else, "007" and "+5" included, as strings.
func (id ID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// String returns the id as text.
func (id ID) String() string { return string(id) }

// User is an account record as returned by /users/me and /users/.
type User struct {
	ID        ID     `json:"id"`
	Username  string `json:"username"`
	Role      string `json:"role,omitempty"`
	Bio       string `json:"bio,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Room is an entry of the room list.
type Room struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	LastMessage string `json:"last_message,omitempty"`
	UnreadCount int    `json:"unread_count,omitempty"`
}

// DeliveryStatus tracks a locally displayed message against the server.
type DeliveryStatus string

const (
	StatusSending DeliveryStatus = "sending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// Message is a chat message as shown in a room.
type Message struct {
	ID            ID             `json:"id"`
	Content       string         `json:"content"`
	User          string         `json:"user"`
	UserID        ID             `json:"user_id"`
	Timestamp     string         `json:"timestamp"`
	IsRead        bool           `json:"is_read"`
	AttachmentURL string         `json:"attachment_url,omitempty"`
	Status        DeliveryStatus `json:"status,omitempty"`
}
