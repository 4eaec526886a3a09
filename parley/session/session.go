// Package session holds the process-wide client session: the token pair,
// the signed-in user, and the single notice slot shown to the user.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/parleychat/parley-sdk-go/parley"
	"github.com/parleychat/parley-sdk-go/parley/store"
)

const (
	ThemeLight = "light"
	ThemeDark  = "dark"
)

// Session is owned by the application and injected into the controllers and
// the request client. All methods are safe for concurrent use.
type Session struct {
	store  store.Store
	logger parley.Logger

	mu             sync.Mutex
	accessToken    string
	refreshToken   string
	theme          string
	user           *parley.User
	authenticated  bool
	loading        bool
	errorMessage   string
	successMessage string
	teardown       []func(context.Context)
}

// New returns an empty session persisting to st. A nil st keeps everything
// in memory.
func New(st store.Store) *Session {
	if st == nil {
		st = store.NewMemory()
	}
	return &Session{
		store:  st,
		logger: parley.NopLogger(),
		theme:  ThemeLight,
	}
}

// SetLogger overrides logger (optional).
func (s *Session) SetLogger(l parley.Logger) {
	if l == nil {
		return
	}
	s.logger = l
}

// Restore loads persisted tokens and theme. The session is not
// authenticated until the caller confirms the identity with the server.
func (s *Session) Restore(ctx context.Context) error {
	p, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.accessToken = p.AccessToken
	s.refreshToken = p.RefreshToken
	if p.Theme != "" {
		s.theme = p.Theme
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

func (s *Session) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken
}

// SetTokens replaces both tokens and persists them.
func (s *Session) SetTokens(ctx context.Context, access, refresh string) {
	s.mu.Lock()
	s.accessToken = access
	s.refreshToken = refresh
	s.mu.Unlock()
	s.persist(ctx)
}

// TokenExpiry reads the exp claim of the access token without verifying
// the signature. ok is false for empty, opaque or exp-less tokens.
func (s *Session) TokenExpiry() (exp time.Time, ok bool) {
	tok := s.AccessToken()
	if tok == "" {
		return time.Time{}, false
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(tok, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	nd, err := parsed.Claims.GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time, true
}

// User returns a copy of the signed-in user, or nil.
func (s *Session) User() *parley.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// SetUser replaces the user record without touching the auth flag.
func (s *Session) SetUser(u parley.User) {
	s.mu.Lock()
	s.user = &u
	s.mu.Unlock()
}

// MarkAuthenticated records the confirmed identity.
func (s *Session) MarkAuthenticated(u parley.User) {
	s.mu.Lock()
	s.user = &u
	s.authenticated = true
	s.mu.Unlock()
}

// MarkUnauthenticated drops the auth flag, keeping tokens.
func (s *Session) MarkUnauthenticated() {
	s.mu.Lock()
	s.authenticated = false
	s.mu.Unlock()
}

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// SetError fills the error slot and ends any loading state.
func (s *Session) SetError(msg string) {
	s.mu.Lock()
	s.errorMessage = msg
	s.loading = false
	s.mu.Unlock()
}

// SetSuccess fills the success slot and ends any loading state.
func (s *Session) SetSuccess(msg string) {
	s.mu.Lock()
	s.successMessage = msg
	s.loading = false
	s.mu.Unlock()
}

// ClearMessages empties both slots. Callers clear before each action;
// nothing clears them implicitly.
func (s *Session) ClearMessages() {
	s.mu.Lock()
	s.errorMessage = ""
	s.successMessage = ""
	s.mu.Unlock()
}

func (s *Session) ErrorMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorMessage
}

func (s *Session) SuccessMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successMessage
}

func (s *Session) SetLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
}

func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Session) Theme() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.theme
}

// ToggleTheme flips between light and dark and persists the choice.
func (s *Session) ToggleTheme(ctx context.Context) string {
	s.mu.Lock()
	if s.theme == ThemeDark {
		s.theme = ThemeLight
	} else {
		s.theme = ThemeDark
	}
	theme := s.theme
	s.mu.Unlock()
	s.persist(ctx)
	return theme
}

// OnTeardown registers fn to run at the start of Logout, before any session
// data is cleared. Hooks run in registration order.
func (s *Session) OnTeardown(fn func(context.Context)) {
	s.mu.Lock()
	s.teardown = append(s.teardown, fn)
	s.mu.Unlock()
}

// Logout runs the teardown hooks, then clears tokens, user and auth state.
// The theme survives.
func (s *Session) Logout(ctx context.Context) {
	s.mu.Lock()
	hooks := append([]func(context.Context){}, s.teardown...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}

	s.mu.Lock()
	s.accessToken = ""
	s.refreshToken = ""
	s.user = nil
	s.authenticated = false
	s.loading = false
	s.mu.Unlock()
	s.persist(ctx)
	s.logger.Info("session cleared", nil)
}

func (s *Session) persist(ctx context.Context) {
	s.mu.Lock()
	p := store.Prefs{
		AccessToken:  s.accessToken,
		RefreshToken: s.refreshToken,
		Theme:        s.theme,
	}
	s.mu.Unlock()
	if err := s.store.Save(ctx, p); err != nil {
		s.logger.Warn("persist session failed", map[string]any{"error": err.Error()})
	}
}
