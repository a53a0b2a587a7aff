package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"agent-chat/internal/model"
	"agent-chat/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

var errBackendDown = errors.New("backend down")

func newTestMemory() *storage.MemoryStorage {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	return storage.NewMemoryStorage(
		storage.WithBcryptCost(bcrypt.MinCost),
		storage.WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		}),
	)
}

// fakeBackend 包装内存后端，可以注入写入失败或阻塞查询
type fakeBackend struct {
	*storage.MemoryStorage

	mu          sync.Mutex
	insertErr   error
	queryErr    error
	queryGate   chan struct{}
	queryCalled chan string
	inserts     int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{MemoryStorage: newTestMemory()}
}

func (f *fakeBackend) Insert(ctx context.Context, msg model.NewMessage) (model.Message, error) {
	f.mu.Lock()
	f.inserts++
	err := f.insertErr
	f.mu.Unlock()
	if err != nil {
		return model.Message{}, err
	}
	return f.MemoryStorage.Insert(ctx, msg)
}

func (f *fakeBackend) Query(ctx context.Context, filter storage.Filter) ([]model.Message, error) {
	f.mu.Lock()
	gate, called, err := f.queryGate, f.queryCalled, f.queryErr
	f.mu.Unlock()

	if called != nil && filter.SessionID != "" {
		called <- filter.SessionID
	}
	if gate != nil && filter.SessionID != "" {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return f.MemoryStorage.Query(ctx, filter)
}

func (f *fakeBackend) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts
}

// fakeAgent 记录收到的请求
type fakeAgent struct {
	mu       sync.Mutex
	requests []model.AgentRequest
	err      error
	onSend   func(req model.AgentRequest)
}

func (a *fakeAgent) Send(ctx context.Context, req model.AgentRequest) error {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	err, hook := a.err, a.onSend
	a.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return err
}

func (a *fakeAgent) calls() []model.AgentRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.AgentRequest, len(a.requests))
	copy(out, a.requests)
	return out
}

// recorder 收集 Emitter 上的事件
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(e *Emitter) *recorder {
	r := &recorder{}
	e.On(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) notifications() []model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Notification
	for _, ev := range r.events {
		if n, ok := ev.Data.(model.Notification); ok && ev.Type == EventNotification {
			out = append(out, n)
		}
	}
	return out
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func contents(messages []model.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Content
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
