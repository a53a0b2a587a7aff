package storage

import (
	"sync"

	"agent-chat/internal/model"
)

// Hub 进程内的插入事件分发
type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]*hubSubscription
	next uint64
}

type hubSubscription struct {
	hub     *Hub
	id      uint64
	filter  Filter
	handler Handler
	once    sync.Once
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[uint64]*hubSubscription),
	}
}

func (h *Hub) Subscribe(filter Filter, handler Handler) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++
	sub := &hubSubscription{hub: h, id: h.next, filter: filter, handler: handler}
	h.subs[sub.id] = sub
	return sub
}

// Publish 在调用方 goroutine 上依次回调匹配的订阅
func (h *Hub) Publish(msg model.Message) {
	h.mu.RLock()
	matched := make([]*hubSubscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.filter.Match(msg) {
			matched = append(matched, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range matched {
		sub.handler(msg)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = make(map[uint64]*hubSubscription)
}

func (s *hubSubscription) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
	})
	return nil
}
