package rest

import (
	"encoding/json"
	"net/url"

	"github.com/parleychat/parley-sdk-go/parley"
)

// Request describes one API call. The zero value of NoRefreshRetry allows
// a single refresh-and-replay on 401.
type Request struct {
	Method string
	Path   string
	Body   any        // JSON body; ignored when File is set
	Query  url.Values // optional query parameters
	Form   map[string]string
	File   *File // non-nil makes the request multipart
	// NoRefreshRetry disables the refresh-and-replay path.
	NoRefreshRetry bool
}

// File is one multipart file part.
type File struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
}

// Authentication types

// LoginRequest is the request body for /auth/login and /auth/register.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse is returned by /auth/login and /auth/refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

// RefreshRequest is the request body for /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Profile types

// UpdateMeRequest is the request body for PUT /users/me. Nil fields are left alone.
type UpdateMeRequest struct {
	Bio      *string `json:"bio,omitempty"`
	Password *string `json:"password,omitempty"`
}

// Room types

// CreateRoomRequest is the request body for POST /rooms/.
type CreateRoomRequest struct {
	Name string `json:"name"`
}

// Message types

// CreateMessageRequest is the request body for POST /messages/room.
type CreateMessageRequest struct {
	Content string    `json:"content"`
	RoomID  parley.ID `json:"room_id"`
}

// ErrorResponse is the error body shape of the API. Detail is usually a
// string but validation failures carry a list.
type ErrorResponse struct {
	Detail json.RawMessage `json:"detail"`
}
