package parley

import (
	"encoding/json"
	"testing"
	"time"
)

func mustFrame(t *testing.T, v any) Frame {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	return f
}

func TestDispatcherMessage(t *testing.T) {
	var got MessageEvent
	var errCalled bool
	var d Dispatcher
	d.SetOnMessage(func(ev MessageEvent) { got = ev })
	d.SetOnError(func(err error) { errCalled = true; _ = err })

	d.Dispatch(mustFrame(t, map[string]any{"type": "message", "id": 7, "content": "hi", "user": "bob", "user_id": 2}))

	if got.ID != "7" || got.Content != "hi" || got.User != "bob" || got.UserID != "2" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if m := got.Message(); m.Status != StatusSent {
		t.Fatalf("expected sent status, got %q", m.Status)
	}
	if errCalled {
		t.Fatalf("unexpected error callback")
	}
}

func TestDispatcherRoutesByType(t *testing.T) {
	var typing, read, system int
	var d Dispatcher
	d.SetOnTyping(func(TypingEvent) { typing++ })
	d.SetOnMessageRead(func(ev ReadEvent) {
		if ev.MessageID != "3" {
			t.Fatalf("unexpected message id %q", ev.MessageID)
		}
		read++
	})
	d.SetOnSystem(func(SystemEvent) { system++ })

	d.Dispatch(mustFrame(t, map[string]any{"type": "typing", "user": "bob"}))
	d.Dispatch(mustFrame(t, map[string]any{"type": "message_read", "message_id": 3}))
	d.Dispatch(mustFrame(t, map[string]any{"type": "system", "action": "joined", "user": "bob"}))
	d.Dispatch(mustFrame(t, map[string]any{"type": "presence", "user": "bob"}))

	if typing != 1 || read != 1 || system != 1 {
		t.Fatalf("typing=%d read=%d system=%d", typing, read, system)
	}
}

func TestDispatcherBadPayload(t *testing.T) {
	var errGot error
	var d Dispatcher
	d.SetOnTyping(func(TypingEvent) { t.Fatalf("handler must not run") })
	d.SetOnError(func(err error) { errGot = err })

	d.Dispatch(Frame{Type: FrameTyping, Raw: json.RawMessage(`{"type":"typing","user":5}`)})
	if CodeOf(errGot) != ErrorSerialization {
		t.Fatalf("expected serialization error, got %v", errGot)
	}
}

func TestParseFrameRejectsGarbage(t *testing.T) {
	if _, err := ParseFrame([]byte("not json")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestIDDecodesNumbersAndStrings(t *testing.T) {
	var v struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":12,"b":"temp-x","c":null}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.A != "12" || v.B != "temp-x" || v.C != "" {
		t.Fatalf("unexpected ids: %+v", v)
	}
	out, _ := json.Marshal(v)
	if string(out) != `{"a":12,"b":"temp-x","c":""}` {
		t.Fatalf("unexpected encoding: %s", out)
	}
}

func TestIDKeepsNonCanonicalNumbersAsStrings(t *testing.T) {
	out, err := json.Marshal(struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
		D ID `json:"d"`
	}{"007", "+5", "-3", "0"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"a":"007","b":"+5","c":-3,"d":0}` {
		t.Fatalf("unexpected encoding: %s", out)
	}
}

func TestErrorCodes(t *testing.T) {
	if !IsConnectionError(WrapError(ErrorTimeout, "request failed", nil)) {
		t.Fatalf("timeout should count as a connection error")
	}
	if IsConnectionError(NewError(ErrorSerialization, "build request")) {
		t.Fatalf("serialization is not a connection error")
	}
	if got := ErrorTimeout.String(); got != "timeout" {
		t.Fatalf("unexpected code name %q", got)
	}
}

func TestBackoff(t *testing.T) {
	r := NewRealtime(DefaultConfig())
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30, 30, 30}
	for i, w := range want {
		if got := r.backoff(i + 1); got != w*time.Second {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w*time.Second)
		}
	}
	if got := r.backoff(100); got != 30*time.Second {
		t.Fatalf("large attempt: got %s", got)
	}
}

func TestRealtimeTarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WSURL = "ws://example.test/base/"
	r := NewRealtime(cfg)
	got, err := r.target("tok en", "general")
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if got != "ws://example.test/base/ws?room=general&token=tok+en" {
		t.Fatalf("unexpected target %q", got)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.MaxReconnectAttempts = 0
	if CodeOf(cfg.Validate()) != ErrorInvalidConfig {
		t.Fatalf("expected invalid config")
	}
}
