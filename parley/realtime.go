package parley

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/parleychat/parley-sdk-go/parley/internal"

	"github.com/coder/websocket"
)

// Realtime keeps one websocket bound to one room and reconnects it with
// capped exponential backoff until Disconnect is called or the attempt
// budget runs out.
//
// A binding runs in a single goroutine: the retry loop hands a fresh socket
// to the listen loop and takes over again when the socket drops, so there is
// never more than one listener per binding.
type Realtime struct {
	cfg    Config
	logger Logger

	// bindMu serializes Connect and Disconnect.
	bindMu sync.Mutex

	mu              sync.Mutex
	state           ConnectionState
	attempts        int
	shouldReconnect bool
	room            string
	conn            *internal.Conn
	cancel          context.CancelFunc
	done            chan struct{}
	onState         func(StateEvent)
}

// NewRealtime constructs a disconnected manager.
func NewRealtime(cfg Config) *Realtime {
	return &Realtime{
		cfg:    cfg,
		logger: noopLogger{},
	}
}

// SetLogger overrides logger (optional).
func (r *Realtime) SetLogger(l Logger) {
	if l == nil {
		return
	}
	r.logger = l
}

// OnStateChanged registers a callback for state transitions. It runs on the
// binding goroutine and must not call Connect or Disconnect.
func (r *Realtime) OnStateChanged(fn func(StateEvent)) {
	r.mu.Lock()
	r.onState = fn
	r.mu.Unlock()
}

// State returns the current connection state.
func (r *Realtime) State() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempts returns the number of failed dials since the last success.
func (r *Realtime) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Room returns the room of the current binding, if any.
func (r *Realtime) Room() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room
}

// Connect binds the manager to room, replacing any previous binding, and
// starts dialing in the background. onFrame is called from the binding
// goroutine, one frame at a time in arrival order; it must not call Connect
// or Disconnect.
func (r *Realtime) Connect(ctx context.Context, token, room string, onFrame func(Frame)) error {
	target, err := r.target(token, room)
	if err != nil {
		return err
	}
	if onFrame == nil {
		onFrame = func(Frame) {}
	}

	r.bindMu.Lock()
	defer r.bindMu.Unlock()

	if err := r.stop(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.mu.Lock()
	r.shouldReconnect = true
	r.attempts = 0
	r.room = room
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	r.logger.Info("realtime binding", map[string]any{"room": room})
	go r.run(runCtx, target, onFrame, done)
	return nil
}

// Send writes v as a JSON frame. It reports false, and logs, when there is
// no open connection or the write fails; it never returns an error.
func (r *Realtime) Send(ctx context.Context, v any) bool {
	r.mu.Lock()
	conn := r.conn
	connected := r.state == StateConnected
	r.mu.Unlock()

	if conn == nil || !connected {
		r.logger.Warn("realtime send skipped: not connected", nil)
		return false
	}
	if err := conn.Write(ctx, v); err != nil {
		r.logger.Warn("realtime send failed", map[string]any{"error": err.Error()})
		return false
	}
	return true
}

// Disconnect stops reconnecting, waits for the binding goroutine to exit and
// closes the socket. It is the only way to stop retries for good.
func (r *Realtime) Disconnect(ctx context.Context) error {
	r.bindMu.Lock()
	defer r.bindMu.Unlock()

	if err := r.stop(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.room = ""
	r.mu.Unlock()
	r.logger.Info("realtime disconnected", nil)
	return nil
}

// stop cancels the current binding and waits for it. Caller holds bindMu.
func (r *Realtime) stop(ctx context.Context) error {
	r.mu.Lock()
	r.shouldReconnect = false
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client close")
	}
	r.setState(StateDisconnected, nil)
	return nil
}

func (r *Realtime) run(ctx context.Context, target string, onFrame func(Frame), done chan struct{}) {
	defer close(done)
	for {
		conn := r.connectWithRetry(ctx, target)
		if conn == nil {
			return
		}
		err := r.listen(ctx, conn, onFrame)

		r.mu.Lock()
		r.conn = nil
		again := r.shouldReconnect && ctx.Err() == nil
		r.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		r.setState(StateDisconnected, err)

		if !again {
			return
		}
		if isExpectedDisconnect(ctx, err) {
			r.logger.Info("realtime connection closed, reconnecting", nil)
		} else {
			r.logger.Warn("realtime connection lost, reconnecting", map[string]any{"error": errString(err)})
		}
	}
}

// connectWithRetry dials until it succeeds, the binding is cancelled or the
// attempt budget is spent. It returns nil in the last two cases.
func (r *Realtime) connectWithRetry(ctx context.Context, target string) *internal.Conn {
	for {
		r.mu.Lock()
		if !r.shouldReconnect || ctx.Err() != nil || r.attempts >= r.cfg.MaxReconnectAttempts {
			r.mu.Unlock()
			return nil
		}
		attempt := r.attempts + 1
		r.mu.Unlock()

		r.setState(StateConnecting, nil)
		r.logger.Debug("realtime connecting", map[string]any{"attempt": attempt})

		conn, err := r.dial(ctx, target)
		if err == nil {
			r.mu.Lock()
			if ctx.Err() != nil {
				r.mu.Unlock()
				_ = conn.Close(websocket.StatusNormalClosure, "binding replaced")
				return nil
			}
			r.attempts = 0
			r.conn = conn
			r.mu.Unlock()
			r.setState(StateConnected, nil)
			r.logger.Info("realtime connected", nil)
			return conn
		}

		r.mu.Lock()
		r.attempts++
		failed := r.attempts
		r.mu.Unlock()
		r.setState(StateDisconnected, err)

		if ctx.Err() != nil {
			return nil
		}
		if failed >= r.cfg.MaxReconnectAttempts {
			r.logger.Warn("realtime: max reconnection attempts reached", map[string]any{"attempts": failed})
			return nil
		}

		delay := r.backoff(failed)
		r.logger.Warn("realtime connection failed", map[string]any{
			"attempt": failed,
			"retry":   delay.String(),
			"error":   err.Error(),
		})
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil
		}
	}
}

// listen consumes frames until the socket fails or ctx is cancelled.
func (r *Realtime) listen(ctx context.Context, conn *internal.Conn, onFrame func(Frame)) error {
	hbCtx, cancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeat(hbCtx, conn)
	}()
	defer func() {
		cancel()
		<-hbDone
	}()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		frame, err := ParseFrame(data)
		if err != nil {
			r.logger.Warn("realtime: invalid frame skipped", map[string]any{"error": err.Error()})
			continue
		}
		r.logger.Debug("realtime frame received", map[string]any{"type": frame.Type})
		r.deliver(onFrame, frame)
	}
}

func (r *Realtime) deliver(onFrame func(Frame), f Frame) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("realtime: frame handler panicked", map[string]any{"type": f.Type, "panic": p})
		}
	}()
	onFrame(f)
}

// heartbeat pings on an interval and closes the socket when a pong does not
// arrive in time, which ends the listen loop and triggers a reconnect.
func (r *Realtime) heartbeat(ctx context.Context, conn *internal.Conn) {
	if r.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx, r.cfg.PingTimeout); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("realtime heartbeat failed", map[string]any{"error": err.Error()})
				_ = conn.CloseNow()
				return
			}
		}
	}
}

func (r *Realtime) dial(ctx context.Context, target string) (*internal.Conn, error) {
	dialCtx := ctx
	if r.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, r.cfg.HandshakeTimeout)
		defer cancel()
	}
	ws, _, err := websocket.Dial(dialCtx, target, nil)
	if err != nil {
		return nil, WrapError(ErrorConnection, "realtime dial failed", err)
	}
	return internal.NewConn(ws, r.cfg.ReadTimeout, r.cfg.WriteTimeout), nil
}

// backoff returns min(base * 2^(failed-1), max).
func (r *Realtime) backoff(failed int) time.Duration {
	maxDelay := r.cfg.MaxReconnectDelay
	if failed < 1 {
		failed = 1
	}
	if failed > 31 {
		return maxDelay
	}
	d := r.cfg.ReconnectBaseDelay << (failed - 1)
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

// target builds the socket URL; token and room travel as query parameters.
func (r *Realtime) target(token, room string) (string, error) {
	if r.cfg.WSURL == "" {
		return "", NewError(ErrorInvalidConfig, "empty ws url")
	}
	u, err := url.Parse(r.cfg.WSURL)
	if err != nil {
		return "", WrapError(ErrorInvalidConfig, "bad ws url", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", token)
	q.Set("room", room)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *Realtime) setState(s ConnectionState, err error) {
	r.mu.Lock()
	old := r.state
	r.state = s
	attempt := r.attempts
	fn := r.onState
	r.mu.Unlock()
	if fn != nil && old != s {
		fn(StateEvent{OldState: old, NewState: s, Attempt: attempt, Error: err})
	}
}

func isExpectedDisconnect(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
