package parley_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley-sdk-go/parley"
	"github.com/parleychat/parley-sdk-go/parley/internal/testserver"
)

type frameLog struct {
	mu     sync.Mutex
	frames []parley.Frame
}

func (l *frameLog) add(f parley.Frame) {
	l.mu.Lock()
	l.frames = append(l.frames, f)
	l.mu.Unlock()
}

func (l *frameLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.frames))
	for _, f := range l.frames {
		out = append(out, f.Type)
	}
	return out
}

func newRealtime(t *testing.T, opts ...func(*parley.Config)) (*testserver.Server, *parley.Realtime, string) {
	t.Helper()
	srv := testserver.New()
	t.Cleanup(srv.Close)
	srv.AddUser("alice", "secret1")
	token, _ := srv.Tokens("alice")

	cfg := parley.DefaultConfig()
	cfg.WSURL = srv.WSURL()
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.MaxReconnectDelay = 5 * time.Millisecond
	for _, opt := range opts {
		opt(&cfg)
	}
	rt := parley.NewRealtime(cfg)
	t.Cleanup(func() { _ = rt.Disconnect(context.Background()) })
	return srv, rt, token
}

func waitConnected(t *testing.T, srv *testserver.Server, room string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return srv.ActiveConns()[room] == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRealtimeDeliversFramesInOrder(t *testing.T) {
	srv, rt, token := newRealtime(t)
	var log frameLog
	require.NoError(t, rt.Connect(context.Background(), token, "general", log.add))
	waitConnected(t, srv, "general")
	require.Equal(t, parley.StateConnected, rt.State())
	require.Equal(t, "general", rt.Room())

	srv.Push("general", map[string]any{"type": "typing", "user": "bob"})
	srv.PushRaw("general", "{not json")
	srv.Push("general", map[string]any{"type": "message", "id": 1, "content": "hi"})
	srv.Push("general", map[string]any{"type": "system", "action": "joined"})

	require.Eventually(t, func() bool { return len(log.types()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"typing", "message", "system"}, log.types())
	require.Equal(t, parley.StateConnected, rt.State(), "a bad frame is not fatal")
}

func TestRealtimeHandlerPanicIsContained(t *testing.T) {
	srv, rt, token := newRealtime(t)
	var log frameLog
	require.NoError(t, rt.Connect(context.Background(), token, "general", func(f parley.Frame) {
		if f.Type == "boom" {
			panic("handler bug")
		}
		log.add(f)
	}))
	waitConnected(t, srv, "general")

	srv.Push("general", map[string]any{"type": "boom"})
	srv.Push("general", map[string]any{"type": "typing"})
	require.Eventually(t, func() bool { return len(log.types()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRealtimeSendRequiresConnection(t *testing.T) {
	srv, rt, token := newRealtime(t)
	require.False(t, rt.Send(context.Background(), map[string]string{"type": "ping"}))

	require.NoError(t, rt.Connect(context.Background(), token, "general", nil))
	waitConnected(t, srv, "general")
	require.Eventually(t, func() bool { return rt.State() == parley.StateConnected }, time.Second, 5*time.Millisecond)
	require.True(t, rt.Send(context.Background(), map[string]string{"type": "ping"}))
}

func TestRealtimeStopsAfterMaxAttempts(t *testing.T) {
	srv, rt, token := newRealtime(t)
	srv.SetRejectUpgrade(true)

	var mu sync.Mutex
	var attempts []int
	rt.OnStateChanged(func(ev parley.StateEvent) {
		if ev.NewState == parley.StateDisconnected {
			mu.Lock()
			attempts = append(attempts, ev.Attempt)
			mu.Unlock()
		}
	})

	require.NoError(t, rt.Connect(context.Background(), token, "general", nil))
	require.Eventually(t, func() bool { return srv.Dials() == 10 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 10, srv.Dials(), "no dial after the 10th failure")
	require.Equal(t, 10, rt.Attempts())
	require.Equal(t, parley.StateDisconnected, rt.State())

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(attempts); i++ {
		require.GreaterOrEqual(t, attempts[i], attempts[i-1])
	}
}

func TestRealtimeReconnectsAfterDrop(t *testing.T) {
	srv, rt, token := newRealtime(t)
	require.NoError(t, rt.Connect(context.Background(), token, "general", nil))
	waitConnected(t, srv, "general")

	srv.DropConns("general")
	require.Eventually(t, func() bool {
		return srv.Dials() == 2 && srv.ActiveConns()["general"] == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rt.State() == parley.StateConnected }, time.Second, 5*time.Millisecond)
	require.Zero(t, rt.Attempts())
}

func TestRealtimeRecoversAfterFailedDials(t *testing.T) {
	srv, rt, token := newRealtime(t, func(c *parley.Config) { c.MaxReconnectAttempts = 1000 })
	srv.SetRejectUpgrade(true)
	require.NoError(t, rt.Connect(context.Background(), token, "general", nil))
	require.Eventually(t, func() bool { return srv.Dials() >= 3 }, 2*time.Second, time.Millisecond)

	srv.SetRejectUpgrade(false)
	waitConnected(t, srv, "general")
	require.Eventually(t, func() bool { return rt.Attempts() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRealtimeRebindLeavesOneConnection(t *testing.T) {
	srv, rt, token := newRealtime(t)
	var first, second frameLog
	require.NoError(t, rt.Connect(context.Background(), token, "room-a", first.add))
	waitConnected(t, srv, "room-a")

	require.NoError(t, rt.Connect(context.Background(), token, "room-b", second.add))
	waitConnected(t, srv, "room-b")
	require.Eventually(t, func() bool {
		return len(srv.ActiveConns()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, map[string]int{"room-b": 1}, srv.ActiveConns())

	require.Zero(t, srv.Push("room-a", map[string]any{"type": "typing", "user": "bob"}))
	require.Equal(t, 1, srv.Push("room-b", map[string]any{"type": "typing", "user": "bob"}))
	require.Eventually(t, func() bool { return len(second.types()) == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, first.types())
}

func TestRealtimeDisconnectStopsRetries(t *testing.T) {
	srv, rt, token := newRealtime(t)
	require.NoError(t, rt.Connect(context.Background(), token, "general", nil))
	waitConnected(t, srv, "general")

	require.NoError(t, rt.Disconnect(context.Background()))
	require.Equal(t, parley.StateDisconnected, rt.State())
	require.Empty(t, rt.Room())
	require.Eventually(t, func() bool { return len(srv.ActiveConns()) == 0 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, srv.Dials())
}

func TestRealtimeHeartbeatTimeoutReconnects(t *testing.T) {
	srv, rt, token := newRealtime(t, func(c *parley.Config) {
		c.PingInterval = 20 * time.Millisecond
		c.PingTimeout = 20 * time.Millisecond
	})
	srv.SetStallPongs(true)

	var mu sync.Mutex
	var lost []error
	rt.OnStateChanged(func(ev parley.StateEvent) {
		if ev.OldState == parley.StateConnected && ev.NewState == parley.StateDisconnected {
			mu.Lock()
			lost = append(lost, ev.Error)
			mu.Unlock()
		}
	})

	require.NoError(t, rt.Connect(context.Background(), token, "general", nil))
	require.Eventually(t, func() bool { return srv.Dials() >= 2 }, 2*time.Second, 5*time.Millisecond,
		"an unanswered ping drops the socket and redials")
	mu.Lock()
	require.NotEmpty(t, lost)
	mu.Unlock()

	srv.SetStallPongs(false)
	waitConnected(t, srv, "general")
	require.Eventually(t, func() bool { return rt.State() == parley.StateConnected }, time.Second, 5*time.Millisecond)

	dials := srv.Dials()
	require.Never(t, func() bool { return srv.Dials() != dials }, 150*time.Millisecond, 10*time.Millisecond,
		"answered pings keep the socket")
}
