package parley

import "encoding/json"

// Dispatcher routes realtime frames to registered callbacks by type.
// Frames with an unknown type are dropped.
type Dispatcher struct {
	onMessage     func(MessageEvent)
	onTyping      func(TypingEvent)
	onMessageRead func(ReadEvent)
	onSystem      func(SystemEvent)
	onError       func(error)
}

func (d *Dispatcher) SetOnMessage(fn func(MessageEvent))  { d.onMessage = fn }
func (d *Dispatcher) SetOnTyping(fn func(TypingEvent))    { d.onTyping = fn }
func (d *Dispatcher) SetOnMessageRead(fn func(ReadEvent)) { d.onMessageRead = fn }
func (d *Dispatcher) SetOnSystem(fn func(SystemEvent))    { d.onSystem = fn }
func (d *Dispatcher) SetOnError(fn func(error))           { d.onError = fn }

func (d *Dispatcher) Dispatch(f Frame) {
	switch f.Type {
	case FrameMessage:
		if d.onMessage == nil {
			return
		}
		var ev MessageEvent
		if err := json.Unmarshal(f.Raw, &ev); err != nil {
			d.fireError(WrapError(ErrorSerialization, "failed to unmarshal message event", err))
			return
		}
		d.onMessage(ev)
	case FrameTyping:
		if d.onTyping == nil {
			return
		}
		var ev TypingEvent
		if err := json.Unmarshal(f.Raw, &ev); err != nil {
			d.fireError(WrapError(ErrorSerialization, "failed to unmarshal typing event", err))
			return
		}
		d.onTyping(ev)
	case FrameMessageRead:
		if d.onMessageRead == nil {
			return
		}
		var ev ReadEvent
		if err := json.Unmarshal(f.Raw, &ev); err != nil {
			d.fireError(WrapError(ErrorSerialization, "failed to unmarshal message_read event", err))
			return
		}
		d.onMessageRead(ev)
	case FrameSystem:
		if d.onSystem == nil {
			return
		}
		var ev SystemEvent
		if err := json.Unmarshal(f.Raw, &ev); err != nil {
			d.fireError(WrapError(ErrorSerialization, "failed to unmarshal system event", err))
			return
		}
		d.onSystem(ev)
	}
}

func (d *Dispatcher) fireError(err error) {
	if d.onError != nil && err != nil {
		d.onError(err)
	}
}
