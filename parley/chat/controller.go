// Package chat drives one chat screen: the room list, the selected room's
// history and live frames, optimistic sends and typing indicators.
package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/parleychat/parley-sdk-go/parley"
	"github.com/parleychat/parley-sdk-go/parley/session"
)

// API is the subset of the request client the controller needs.
// *rest.Client implements it.
type API interface {
	MyRooms(ctx context.Context) ([]parley.Room, error)
	ListUsers(ctx context.Context) ([]parley.User, error)
	Messages(ctx context.Context, roomID parley.ID) ([]parley.Message, error)
	CreateMessage(ctx context.Context, roomID parley.ID, content string) (*parley.Message, error)
	CreateRoom(ctx context.Context, name string) (*parley.Room, error)
	DirectRoom(ctx context.Context, username string) (*parley.Room, error)
	Typing(ctx context.Context, roomID parley.ID) error
}

// Realtime is the connection manager. *parley.Realtime implements it.
type Realtime interface {
	Connect(ctx context.Context, token, room string, onFrame func(parley.Frame)) error
	Disconnect(ctx context.Context) error
	State() parley.ConnectionState
}

// Controller owns the chat view state. All methods are safe for concurrent
// use; realtime frames arrive on the connection goroutine.
type Controller struct {
	cfg     parley.Config
	api     API
	rt      Realtime
	sess    *session.Session
	logger  parley.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	rooms    []parley.Room
	users    []parley.User
	messages []parley.Message
	typing   []string
	timers   map[string]*time.Timer
	current  *parley.Room
	input    string
	search   string
	members  []string
	onChange func()

	// binding counts room selections. Frames and timers from an earlier
	// selection carry a stale value and are dropped.
	binding uint64
}

// New wires a controller and registers a logout hook on sess that
// disconnects realtime and resets the chat state.
func New(cfg parley.Config, sess *session.Session, api API, rt Realtime) *Controller {
	c := &Controller{
		cfg:    cfg,
		api:    api,
		rt:     rt,
		sess:   sess,
		logger: parley.NopLogger(),
		timers: make(map[string]*time.Timer),
	}
	if cfg.TypingRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.TypingRate), 1)
	}
	sess.OnTeardown(c.teardown)
	return c
}

// SetLogger overrides logger (optional).
func (c *Controller) SetLogger(l parley.Logger) {
	if l == nil {
		return
	}
	c.logger = l
}

// OnChange registers fn to run after any state change. It runs without the
// controller lock held.
func (c *Controller) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Controller) notify() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// LoadRooms replaces the room list with the caller's rooms.
func (c *Controller) LoadRooms(ctx context.Context) error {
	if !c.sess.Authenticated() {
		return nil
	}
	rooms, err := c.api.MyRooms(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rooms = rooms
	c.mu.Unlock()
	c.notify()
	return nil
}

// LoadUsers replaces the user list with every user except the local one.
func (c *Controller) LoadUsers(ctx context.Context) error {
	if !c.sess.Authenticated() {
		return nil
	}
	users, err := c.api.ListUsers(ctx)
	if err != nil {
		return err
	}
	var self parley.ID
	if u := c.sess.User(); u != nil {
		self = u.ID
	}
	out := make([]parley.User, 0, len(users))
	for _, u := range users {
		if u.ID != self {
			out = append(out, u)
		}
	}
	c.mu.Lock()
	c.users = out
	c.mu.Unlock()
	c.notify()
	return nil
}

// SelectRoom makes the room current, loads its history and binds the
// realtime connection to it. A history failure leaves the list empty but
// still binds; the error is returned after binding. Nothing is bound when
// the session expired during the history load or another selection or a
// logout replaced this one.
func (c *Controller) SelectRoom(ctx context.Context, id parley.ID, name string) error {
	c.mu.Lock()
	c.binding++
	binding := c.binding
	c.current = &parley.Room{ID: id, Name: name}
	c.messages = nil
	c.clearTypingLocked()
	c.mu.Unlock()
	c.notify()

	history, histErr := c.api.Messages(ctx, id)
	if histErr == nil {
		for i := range history {
			if history[i].Status == "" {
				history[i].Status = parley.StatusSent
			}
		}
		c.mu.Lock()
		if c.binding == binding {
			c.messages = history
		}
		c.mu.Unlock()
		c.notify()
	} else {
		c.logger.Warn("chat: history load failed", map[string]any{"room": name, "error": histErr.Error()})
	}

	if parley.CodeOf(histErr) == parley.ErrorSessionExpired || !c.isLatest(binding) {
		return histErr
	}
	if err := c.rt.Connect(ctx, c.sess.AccessToken(), name, c.frameHandler(binding)); err != nil {
		return err
	}
	// A logout that ran while Connect was in flight has already torn down;
	// drop the binding it could not see.
	if !c.isLatest(binding) && c.sess.AccessToken() == "" {
		if err := c.rt.Disconnect(ctx); err != nil {
			return err
		}
	}
	return histErr
}

// isLatest reports whether binding is still the latest selection.
func (c *Controller) isLatest(binding uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binding == binding
}

// HandleFrame applies a realtime frame to the current room.
func (c *Controller) HandleFrame(f parley.Frame) {
	c.mu.Lock()
	binding := c.binding
	c.mu.Unlock()
	c.frameHandler(binding)(f)
}

// SendMessage posts the trimmed input to the current room. The message is
// shown at once with status sending, then replaced by the server record or
// marked failed. Blank input or no selected room is a no-op.
func (c *Controller) SendMessage(ctx context.Context) error {
	c.mu.Lock()
	content := strings.TrimSpace(c.input)
	if content == "" || c.current == nil {
		c.mu.Unlock()
		return nil
	}
	roomID := c.current.ID
	c.input = ""
	tempID := parley.ID("temp-" + uuid.NewString())
	temp := parley.Message{
		ID:      tempID,
		Content: content,
		Status:  parley.StatusSending,
	}
	if u := c.sess.User(); u != nil {
		temp.User = u.Username
		temp.UserID = u.ID
	}
	c.messages = append(c.messages, temp)
	c.mu.Unlock()
	c.notify()

	saved, err := c.api.CreateMessage(ctx, roomID, content)

	c.mu.Lock()
	next := make([]parley.Message, 0, len(c.messages))
	for _, m := range c.messages {
		if m.ID == tempID {
			if err != nil {
				m.Status = parley.StatusFailed
			} else {
				m = *saved
				m.Status = parley.StatusSent
			}
		}
		next = append(next, m)
	}
	c.messages = next
	c.mu.Unlock()
	c.notify()

	if err != nil {
		c.logger.Warn("chat: send failed", map[string]any{"room": roomID.String(), "error": err.Error()})
	}
	return err
}

// CreateRoom creates a group room and selects it. Members are validated but
// not attached: the backend has no endpoint for it.
func (c *Controller) CreateRoom(ctx context.Context, name string, members []string) error {
	if strings.TrimSpace(name) == "" {
		c.sess.SetError("Room name is required")
		return parley.NewError(parley.ErrorValidation, "Room name is required")
	}
	if len(members) == 0 {
		c.sess.SetError("Please select at least one member")
		return parley.NewError(parley.ErrorValidation, "Please select at least one member")
	}

	room, err := c.api.CreateRoom(ctx, name)
	if err != nil {
		return err
	}
	c.sess.SetSuccess("Group created successfully!")
	c.mu.Lock()
	c.members = nil
	c.mu.Unlock()

	if err := c.LoadRooms(ctx); err != nil {
		return err
	}
	return c.SelectRoom(ctx, room.ID, room.Name)
}

// StartDirectMessage opens, creating if needed, the direct room with
// username and selects it.
func (c *Controller) StartDirectMessage(ctx context.Context, username string) error {
	if strings.TrimSpace(username) == "" {
		c.sess.SetError("Invalid username")
		return parley.NewError(parley.ErrorValidation, "Invalid username")
	}
	room, err := c.api.DirectRoom(ctx, username)
	if err != nil {
		return err
	}
	if err := c.LoadRooms(ctx); err != nil {
		return err
	}
	return c.SelectRoom(ctx, room.ID, room.Name)
}

// SetInput stores the composer text and, with a room selected, tells the
// room the user is typing. The notification is not awaited.
func (c *Controller) SetInput(ctx context.Context, text string) {
	c.mu.Lock()
	c.input = text
	var roomID parley.ID
	if c.current != nil {
		roomID = c.current.ID
	}
	c.mu.Unlock()
	c.notify()

	if roomID == "" {
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := c.api.Typing(ctx, roomID); err != nil {
			c.logger.Debug("chat: typing notification failed", map[string]any{"error": err.Error()})
		}
	}()
}

// ToggleMember adds or removes username from the group-creation selection.
func (c *Controller) ToggleMember(username string) {
	c.mu.Lock()
	idx := -1
	for i, m := range c.members {
		if m == username {
			idx = i
			break
		}
	}
	if idx >= 0 {
		c.members = append(c.members[:idx:idx], c.members[idx+1:]...)
	} else {
		c.members = append(c.members, username)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) SelectedMembers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.members...)
}

func (c *Controller) SetSearch(q string) {
	c.mu.Lock()
	c.search = q
	c.mu.Unlock()
	c.notify()
}

// FilteredRooms returns the rooms whose name contains the search text,
// ignoring case.
func (c *Controller) FilteredRooms() []parley.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := strings.ToLower(strings.TrimSpace(c.search))
	out := make([]parley.Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		if q == "" || strings.Contains(strings.ToLower(r.Name), q) {
			out = append(out, r)
		}
	}
	return out
}

// RoomDisplayName is the label shown for r.
func RoomDisplayName(r parley.Room) string {
	if r.Name == "" {
		return "Unknown Room"
	}
	return r.Name
}

// ToggleTheme flips the persisted theme.
func (c *Controller) ToggleTheme(ctx context.Context) string {
	theme := c.sess.ToggleTheme(ctx)
	c.notify()
	return theme
}

func (c *Controller) Rooms() []parley.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]parley.Room(nil), c.rooms...)
}

func (c *Controller) Users() []parley.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]parley.User(nil), c.users...)
}

func (c *Controller) Messages() []parley.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]parley.Message(nil), c.messages...)
}

// TypingUsers lists who is typing, in arrival order.
func (c *Controller) TypingUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.typing...)
}

// CurrentRoom returns the selected room, or nil.
func (c *Controller) CurrentRoom() *parley.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	r := *c.current
	return &r
}

func (c *Controller) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

func (c *Controller) ConnectionState() parley.ConnectionState {
	return c.rt.State()
}

// teardown runs on logout before the session is cleared.
func (c *Controller) teardown(ctx context.Context) {
	if err := c.rt.Disconnect(ctx); err != nil {
		c.logger.Warn("chat: disconnect on logout failed", map[string]any{"error": err.Error()})
	}
	c.mu.Lock()
	c.binding++
	c.rooms = nil
	c.users = nil
	c.messages = nil
	c.current = nil
	c.input = ""
	c.search = ""
	c.members = nil
	c.clearTypingLocked()
	c.mu.Unlock()
	c.notify()
}
