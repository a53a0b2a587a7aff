package service

import "sync"

type EventType string

const (
	EventSession       EventType = "session"
	EventMessages      EventType = "messages"
	EventConversations EventType = "conversations"
	EventBusy          EventType = "busy"
	EventSidebar       EventType = "sidebar"
	EventNotification  EventType = "notification"
	EventScreen        EventType = "screen"
	EventAuth          EventType = "auth"
)

// Event 控制器状态变化，Data 为变化后的值
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

type Listener func(Event)

// Emitter 状态变化的分发，监听者在 Emit 的 goroutine 上执行
type Emitter struct {
	mu        sync.RWMutex
	listeners map[uint64]Listener
	next      uint64
}

func NewEmitter() *Emitter {
	return &Emitter{
		listeners: make(map[uint64]Listener),
	}
}

// On 订阅所有事件，返回取消订阅函数
func (e *Emitter) On(fn Listener) func() {
	e.mu.Lock()
	e.next++
	id := e.next
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	listeners := make([]Listener, 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
