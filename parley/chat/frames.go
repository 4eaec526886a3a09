package chat

import (
	"time"

	"github.com/parleychat/parley-sdk-go/parley"
)

// frameHandler returns the realtime callback for one room selection.
func (c *Controller) frameHandler(binding uint64) func(parley.Frame) {
	var d parley.Dispatcher
	d.SetOnMessage(func(ev parley.MessageEvent) { c.onMessage(binding, ev) })
	d.SetOnTyping(func(ev parley.TypingEvent) { c.onTyping(binding, ev) })
	d.SetOnMessageRead(func(ev parley.ReadEvent) { c.onMessageRead(binding, ev) })
	d.SetOnSystem(func(ev parley.SystemEvent) {
		c.logger.Info("chat: system event", map[string]any{"action": ev.Action, "user": ev.User})
	})
	d.SetOnError(func(err error) {
		c.logger.Warn("chat: bad realtime frame", map[string]any{"error": err.Error()})
	})
	return d.Dispatch
}

// onMessage appends messages from other users. The local user's own
// messages are already on screen from the optimistic send.
func (c *Controller) onMessage(binding uint64, ev parley.MessageEvent) {
	if u := c.sess.User(); u != nil && ev.UserID == u.ID {
		return
	}
	c.mu.Lock()
	if c.binding != binding {
		c.mu.Unlock()
		return
	}
	c.messages = append(c.messages, ev.Message())
	c.mu.Unlock()
	c.notify()
}

// onTyping shows ev.User as typing for TypingTTL from the first signal.
// Repeats while shown do not extend the deadline.
func (c *Controller) onTyping(binding uint64, ev parley.TypingEvent) {
	if ev.User == "" {
		return
	}
	if u := c.sess.User(); u != nil && ev.User == u.Username {
		return
	}
	c.mu.Lock()
	if c.binding != binding {
		c.mu.Unlock()
		return
	}
	if _, shown := c.timers[ev.User]; shown {
		c.mu.Unlock()
		return
	}
	c.typing = append(c.typing, ev.User)
	var t *time.Timer
	t = time.AfterFunc(c.cfg.TypingTTL, func() { c.expireTyping(ev.User, t) })
	c.timers[ev.User] = t
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) expireTyping(username string, t *time.Timer) {
	c.mu.Lock()
	if c.timers[username] != t {
		c.mu.Unlock()
		return
	}
	delete(c.timers, username)
	c.removeTypingLocked(username)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) onMessageRead(binding uint64, ev parley.ReadEvent) {
	c.mu.Lock()
	if c.binding != binding {
		c.mu.Unlock()
		return
	}
	found := false
	for i := range c.messages {
		if c.messages[i].ID == ev.MessageID {
			c.messages[i].IsRead = true
			found = true
		}
	}
	c.mu.Unlock()
	if found {
		c.notify()
	}
}

func (c *Controller) removeTypingLocked(username string) {
	out := c.typing[:0]
	for _, u := range c.typing {
		if u != username {
			out = append(out, u)
		}
	}
	c.typing = out
}

func (c *Controller) clearTypingLocked() {
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[string]*time.Timer)
	c.typing = nil
}
