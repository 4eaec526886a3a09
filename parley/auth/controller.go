// Package auth implements sign-in, sign-up, session restore and profile
// edits on top of the request client and the shared session.
package auth

import (
	"context"

	"github.com/parleychat/parley-sdk-go/parley"
	"github.com/parleychat/parley-sdk-go/parley/rest"
	"github.com/parleychat/parley-sdk-go/parley/session"
)

// Route tells the caller which screen to show after an action.
type Route int

const (
	// RouteNone means stay on the current screen.
	RouteNone Route = iota
	RouteLogin
	RouteChat
)

func (r Route) String() string {
	switch r {
	case RouteLogin:
		return "/login"
	case RouteChat:
		return "/chat"
	default:
		return ""
	}
}

const minPasswordLen = 6

// API is the subset of the request client the controller needs.
// *rest.Client implements it.
type API interface {
	Login(ctx context.Context, username, password string) (*rest.TokenResponse, error)
	Register(ctx context.Context, username, password string) (*parley.User, error)
	Me(ctx context.Context) (*parley.User, error)
	UpdateMe(ctx context.Context, req rest.UpdateMeRequest) (*parley.User, error)
	UploadAvatar(ctx context.Context, f rest.File) (*parley.User, error)
}

// Controller runs the auth flows. Request errors have already been written
// to the session's error slot by the request client when they are returned.
type Controller struct {
	api    API
	sess   *session.Session
	logger parley.Logger
}

func New(sess *session.Session, api API) *Controller {
	return &Controller{api: api, sess: sess, logger: parley.NopLogger()}
}

// SetLogger overrides logger (optional).
func (c *Controller) SetLogger(l parley.Logger) {
	if l == nil {
		return
	}
	c.logger = l
}

// Login signs in with identifier and password, stores the token pair and
// loads the profile. Only a confirmed profile makes the session
// authenticated.
func (c *Controller) Login(ctx context.Context, identifier, password string) (Route, error) {
	c.sess.ClearMessages()
	if identifier == "" || password == "" {
		return RouteNone, c.invalid("Email and password are required")
	}

	c.sess.SetLoading(true)
	defer c.sess.SetLoading(false)

	tok, err := c.api.Login(ctx, identifier, password)
	if err != nil {
		c.sess.MarkUnauthenticated()
		return RouteNone, err
	}
	c.sess.SetTokens(ctx, tok.AccessToken, tok.RefreshToken)

	me, err := c.api.Me(ctx)
	if err != nil {
		c.sess.MarkUnauthenticated()
		return RouteNone, err
	}
	c.sess.MarkAuthenticated(*me)
	c.logger.Info("signed in", map[string]any{"user": me.Username})
	return RouteChat, nil
}

// Signup registers an account. It does not sign in; the caller is sent to
// the login screen.
func (c *Controller) Signup(ctx context.Context, username, password, confirm string) (Route, error) {
	c.sess.ClearMessages()
	switch {
	case username == "" || password == "":
		return RouteNone, c.invalid("Username and password are required")
	case password != confirm:
		return RouteNone, c.invalid("Passwords do not match")
	case len(password) < minPasswordLen:
		return RouteNone, c.invalid("Password must be at least 6 characters")
	}

	c.sess.SetLoading(true)
	defer c.sess.SetLoading(false)

	if _, err := c.api.Register(ctx, username, password); err != nil {
		return RouteNone, err
	}
	c.sess.SetSuccess("Registration successful! Please login.")
	c.logger.Info("registered", map[string]any{"user": username})
	return RouteLogin, nil
}

// CheckAuth confirms a restored session against the server. Without an
// access token, or when the profile cannot be loaded, it routes to login.
func (c *Controller) CheckAuth(ctx context.Context) Route {
	if c.sess.AccessToken() == "" {
		c.sess.MarkUnauthenticated()
		return RouteLogin
	}
	me, err := c.api.Me(ctx)
	if err != nil {
		c.sess.MarkUnauthenticated()
		return RouteLogin
	}
	c.sess.MarkAuthenticated(*me)
	return RouteNone
}

// Logout ends the session. Teardown hooks such as the realtime disconnect
// run before the tokens are cleared.
func (c *Controller) Logout(ctx context.Context) Route {
	c.sess.Logout(ctx)
	return RouteLogin
}

func (c *Controller) invalid(msg string) error {
	c.sess.SetError(msg)
	return parley.NewError(parley.ErrorValidation, msg)
}
