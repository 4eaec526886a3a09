package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/parleychat/parley-sdk-go/parley"
)

// Authentication endpoints

// Login exchanges credentials for a token pair. A 401 here is a bad
// password, so it never triggers a refresh.
func (c *Client) Login(ctx context.Context, username, password string) (*TokenResponse, error) {
	return call[TokenResponse](ctx, c, Request{
		Method:         http.MethodPost,
		Path:           "/auth/login",
		Body:           LoginRequest{Username: username, Password: password},
		NoRefreshRetry: true,
	})
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, username, password string) (*parley.User, error) {
	return call[parley.User](ctx, c, Request{
		Method:         http.MethodPost,
		Path:           "/auth/register",
		Body:           LoginRequest{Username: username, Password: password},
		NoRefreshRetry: true,
	})
}

// User endpoints

// Me returns the signed-in user.
func (c *Client) Me(ctx context.Context) (*parley.User, error) {
	return call[parley.User](ctx, c, Request{Method: http.MethodGet, Path: "/users/me"})
}

// UpdateMe changes bio and/or password.
func (c *Client) UpdateMe(ctx context.Context, req UpdateMeRequest) (*parley.User, error) {
	return call[parley.User](ctx, c, Request{Method: http.MethodPut, Path: "/users/me", Body: req})
}

// UploadAvatar sends f as the "file" part of a multipart request.
func (c *Client) UploadAvatar(ctx context.Context, f File) (*parley.User, error) {
	if f.Field == "" {
		f.Field = "file"
	}
	return call[parley.User](ctx, c, Request{Method: http.MethodPost, Path: "/users/me/avatar", File: &f})
}

// ListUsers returns every user, including the caller.
func (c *Client) ListUsers(ctx context.Context) ([]parley.User, error) {
	users, err := call[[]parley.User](ctx, c, Request{Method: http.MethodGet, Path: "/users/"})
	if err != nil {
		return nil, err
	}
	return *users, nil
}

// Room endpoints

// MyRooms lists the caller's rooms in server order.
func (c *Client) MyRooms(ctx context.Context) ([]parley.Room, error) {
	rooms, err := call[[]parley.Room](ctx, c, Request{Method: http.MethodGet, Path: "/rooms/mine"})
	if err != nil {
		return nil, err
	}
	return *rooms, nil
}

// CreateRoom creates a group room owned by the caller.
func (c *Client) CreateRoom(ctx context.Context, name string) (*parley.Room, error) {
	return call[parley.Room](ctx, c, Request{
		Method: http.MethodPost,
		Path:   "/rooms/",
		Body:   CreateRoomRequest{Name: name},
	})
}

// DirectRoom gets or creates the direct-message room with username.
func (c *Client) DirectRoom(ctx context.Context, username string) (*parley.Room, error) {
	return call[parley.Room](ctx, c, Request{
		Method: http.MethodPost,
		Path:   "/rooms/dm/" + url.PathEscape(username),
	})
}

// Typing tells the room the caller is typing.
func (c *Client) Typing(ctx context.Context, roomID parley.ID) error {
	_, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/rooms/" + url.PathEscape(roomID.String()) + "/typing",
	})
	return err
}

// Message endpoints

// Messages returns the history of a room, oldest first.
func (c *Client) Messages(ctx context.Context, roomID parley.ID) ([]parley.Message, error) {
	msgs, err := call[[]parley.Message](ctx, c, Request{
		Method: http.MethodGet,
		Path:   "/messages/" + url.PathEscape(roomID.String()),
	})
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// CreateMessage posts content to a room and returns the stored message.
func (c *Client) CreateMessage(ctx context.Context, roomID parley.ID, content string) (*parley.Message, error) {
	return call[parley.Message](ctx, c, Request{
		Method: http.MethodPost,
		Path:   "/messages/room",
		Body:   CreateMessageRequest{Content: content, RoomID: roomID},
	})
}

// call runs req through Do and decodes the body into T.
func call[T any](ctx context.Context, c *Client, req Request) (*T, error) {
	raw, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		c.session.SetError("Unexpected error: " + err.Error())
		return nil, parley.WrapError(parley.ErrorSerialization, "unmarshal response", err)
	}
	return &out, nil
}
