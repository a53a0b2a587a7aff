package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"agent-chat/internal/model"
	"agent-chat/internal/storage"
	"agent-chat/pkg/logger"
)

type ChatOptions struct {
	// UserID 发给 agent 的 user_id
	UserID string
	// NewID 会话 ID 与请求 ID 的生成器
	NewID func() string
}

// ChatService 当前用户的会话状态：消息列表、会话列表、实时订阅
type ChatService struct {
	backend storage.Backend
	agent   AgentCaller
	events  *Emitter
	userID  string
	newID   func() string

	ctx    context.Context
	cancel context.CancelFunc
	sends  sync.WaitGroup

	// emitMu 覆盖“修改状态 + 发送事件”，保证事件顺序与状态变化一致；
	// 先于 mu 获取，持有期间不调用后端，监听者不能回调修改状态的方法
	emitMu sync.Mutex

	mu            sync.Mutex
	sessionID     string
	generation    uint64
	messages      []model.Message
	seen          map[string]bool
	loading       bool
	pending       []model.Message
	conversations []model.Conversation
	busy          bool
	showSidebar   bool
	sub           storage.Subscription
	closed        bool
}

func NewChatService(backend storage.Backend, agent AgentCaller, events *Emitter, opts ChatOptions) *ChatService {
	if events == nil {
		events = NewEmitter()
	}
	if opts.UserID == "" {
		opts.UserID = "NA"
	}
	if opts.NewID == nil {
		opts.NewID = NewSessionID
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ChatService{
		backend:       backend,
		agent:         agent,
		events:        events,
		userID:        opts.UserID,
		newID:         opts.NewID,
		ctx:           ctx,
		cancel:        cancel,
		messages:      make([]model.Message, 0),
		seen:          make(map[string]bool),
		conversations: make([]model.Conversation, 0),
		showSidebar:   true,
	}
}

func (s *ChatService) Events() *Emitter {
	return s.events
}

// Start 进入当前会话，首次进入时生成新的会话 ID
func (s *ChatService) Start(ctx context.Context) error {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()

	if sessionID == "" {
		sessionID = s.newID()
	}
	return s.SwitchSession(ctx, sessionID)
}

// NewChat 切换到新生成的会话
func (s *ChatService) NewChat(ctx context.Context) (string, error) {
	sessionID := s.newID()
	return sessionID, s.SwitchSession(ctx, sessionID)
}

// SwitchSession 释放旧订阅，立即清空消息列表，然后加载新会话
func (s *ChatService) SwitchSession(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: empty session id", model.ErrInvalidMessage)
	}

	s.emitMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.emitMu.Unlock()
		return ErrClosed
	}
	old := s.sub
	s.sub = nil
	s.generation++
	gen := s.generation
	s.sessionID = sessionID
	s.messages = make([]model.Message, 0)
	s.seen = make(map[string]bool)
	s.pending = nil
	s.loading = true
	s.mu.Unlock()

	s.emit(EventSession, sessionID)
	s.emit(EventMessages, []model.Message{})
	s.emitMu.Unlock()

	// 旧订阅的推送回调可能在等 emitMu，释放订阅要在解锁之后
	if old != nil {
		if err := old.Close(); err != nil {
			logger.Warnf("Failed to release subscription: %v", err)
		}
	}

	return s.enter(ctx, gen, sessionID)
}

// enter 先订阅再查询历史：查询期间到达的推送先缓存，查询完成后按 ID 去重合并
func (s *ChatService) enter(ctx context.Context, gen uint64, sessionID string) error {
	log := logger.WithFields(logger.Fields{"session_id": sessionID})

	var result error
	sub, err := s.backend.Subscribe(ctx, storage.Filter{SessionID: sessionID}, func(msg model.Message) {
		s.onPush(gen, msg)
	})
	if err != nil {
		log.Errorf("Failed to subscribe: %v", err)
		s.notify(model.ErrorNotification(err.Error()))
		result = fmt.Errorf("%w: subscribe: %v", ErrBackendRead, err)
	} else if !s.adopt(gen, sub) {
		_ = sub.Close()
		return nil
	}

	history, err := s.backend.Query(ctx, storage.Filter{SessionID: sessionID})
	if err != nil {
		log.Errorf("Failed to fetch messages: %v", err)
		s.notify(model.ErrorNotification(err.Error()))
		result = errors.Join(result, fmt.Errorf("%w: fetch messages: %v", ErrBackendRead, err))
		history = nil
	}
	s.applyHistory(gen, history)

	if err := s.refreshConversations(ctx, gen); err != nil {
		result = errors.Join(result, err)
	}

	log.Debugf("Entered session with %d messages", len(history))
	return result
}

func (s *ChatService) adopt(gen uint64, sub storage.Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.generation {
		return false
	}
	s.sub = sub
	return true
}

func (s *ChatService) applyHistory(gen uint64, history []model.Message) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}

	merged := make([]model.Message, 0, len(history)+len(s.pending))
	seen := make(map[string]bool, len(history)+len(s.pending))
	for _, batch := range [][]model.Message{history, s.pending} {
		for _, msg := range batch {
			if seen[msg.ID] {
				continue
			}
			seen[msg.ID] = true
			merged = append(merged, msg)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})

	s.messages = merged
	s.seen = seen
	s.pending = nil
	s.loading = false
	snapshot := cloneMessages(s.messages)
	s.mu.Unlock()

	s.emit(EventMessages, snapshot)
}

func (s *ChatService) refreshConversations(ctx context.Context, gen uint64) error {
	all, err := s.backend.Query(ctx, storage.Filter{})
	if err != nil {
		logger.Errorf("Failed to fetch conversations: %v", err)
		s.notify(model.ErrorNotification(err.Error()))
		return fmt.Errorf("%w: fetch conversations: %v", ErrBackendRead, err)
	}
	conversations := model.Summarize(all)

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return nil
	}
	s.conversations = conversations
	snapshot := cloneConversations(conversations)
	s.mu.Unlock()

	s.emit(EventConversations, snapshot)
	return nil
}

// onPush 只接受当前会话、当前代次的新行
func (s *ChatService) onPush(gen uint64, msg model.Message) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.closed || gen != s.generation || msg.SessionID != s.sessionID {
		s.mu.Unlock()
		return
	}
	if s.loading {
		s.pending = append(s.pending, msg)
		s.mu.Unlock()
		return
	}
	if s.seen[msg.ID] {
		s.mu.Unlock()
		return
	}
	s.seen[msg.ID] = true
	s.messages = append(s.messages, msg)
	snapshot := cloneMessages(s.messages)
	conversations, added := s.noteConversationLocked(msg)
	s.mu.Unlock()

	s.emit(EventMessages, snapshot)
	if added {
		s.emit(EventConversations, conversations)
	}
}

// noteConversationLocked 新会话的第一条用户消息直接补进会话列表
func (s *ChatService) noteConversationLocked(msg model.Message) ([]model.Conversation, bool) {
	if !msg.IsHuman() {
		return nil, false
	}
	for _, c := range s.conversations {
		if c.SessionID == msg.SessionID {
			return nil, false
		}
	}
	s.conversations = append(s.conversations, model.Summarize([]model.Message{msg})...)
	return cloneConversations(s.conversations), true
}

type sendTicket struct {
	sessionID string
	gen       uint64
}

func (s *ChatService) beginSend(content string) (sendTicket, error) {
	if strings.TrimSpace(content) == "" {
		return sendTicket{}, ErrEmptyMessage
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return sendTicket{}, ErrClosed
	}
	if s.busy {
		s.mu.Unlock()
		return sendTicket{}, ErrBusy
	}
	if s.sessionID == "" {
		s.mu.Unlock()
		return sendTicket{}, fmt.Errorf("%w: no active session", ErrBackendWrite)
	}
	s.busy = true
	ticket := sendTicket{sessionID: s.sessionID, gen: s.generation}
	s.mu.Unlock()

	s.emit(EventBusy, true)
	return ticket, nil
}

func (s *ChatService) endSend() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
	s.emit(EventBusy, false)
}

// SendMessage 先写入用户消息，成功后再调用 agent；agent 失败不回滚已写入的消息
func (s *ChatService) SendMessage(ctx context.Context, content string) error {
	ticket, err := s.beginSend(content)
	if err != nil {
		return err
	}
	return s.send(ctx, ticket, content)
}

// Submit 与 SendMessage 相同，但在后台完成；忙碌时立即返回 ErrBusy
func (s *ChatService) Submit(content string) error {
	ticket, err := s.beginSend(content)
	if err != nil {
		return err
	}

	s.sends.Add(1)
	go func() {
		defer s.sends.Done()
		if err := s.send(s.ctx, ticket, content); err != nil {
			logger.Debugf("Background send finished with error: %v", err)
		}
	}()
	return nil
}

func (s *ChatService) send(ctx context.Context, ticket sendTicket, content string) error {
	defer s.endSend()
	log := logger.WithFields(logger.Fields{"session_id": ticket.sessionID})

	msg, err := s.backend.Insert(ctx, model.NewMessage{
		SessionID: ticket.sessionID,
		Kind:      model.KindHuman,
		Content:   content,
	})
	if err != nil {
		log.Errorf("Failed to persist message: %v", err)
		s.notify(model.ErrorNotification("Failed to send message"))
		return fmt.Errorf("%w: %v", ErrBackendWrite, err)
	}
	// 实时推送可能晚到，写入成功后直接并入列表，推送到达时按 ID 去重
	s.onPush(ticket.gen, msg)

	req := model.AgentRequest{
		Query:     content,
		UserID:    s.userID,
		RequestID: s.newID(),
		SessionID: ticket.sessionID,
	}
	if err := s.agent.Send(ctx, req); err != nil {
		log.WithField("request_id", req.RequestID).Errorf("Agent call failed: %v", err)
		s.notify(model.ErrorNotification(agentNotice(err)))
		return fmt.Errorf("%w: %v", ErrAgentCall, err)
	}

	log.WithField("request_id", req.RequestID).Debugf("Message forwarded to agent")
	return nil
}

// Wait 等待后台发送完成
func (s *ChatService) Wait() {
	s.sends.Wait()
}

func (s *ChatService) ToggleSidebar() bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	s.showSidebar = !s.showSidebar
	visible := s.showSidebar
	s.mu.Unlock()

	s.emit(EventSidebar, visible)
	return visible
}

func (s *ChatService) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *ChatService) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *ChatService) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages)
}

func (s *ChatService) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneConversations(s.conversations)
}

func (s *ChatService) Snapshot() model.ChatSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.ChatSnapshot{
		SessionID:     s.sessionID,
		Messages:      cloneMessages(s.messages),
		Conversations: cloneConversations(s.conversations),
		Busy:          s.busy,
		ShowSidebar:   s.showSidebar,
	}
}

// Stop 离开聊天界面：释放订阅并清空状态，之后可以再次 Start
func (s *ChatService) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.generation++
	s.sessionID = ""
	s.messages = make([]model.Message, 0)
	s.seen = make(map[string]bool)
	s.pending = nil
	s.loading = false
	s.conversations = make([]model.Conversation, 0)
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			logger.Warnf("Failed to release subscription: %v", err)
		}
	}
}

// Close 释放订阅并取消进行中的后台发送
func (s *ChatService) Close() error {
	s.Stop()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.sends.Wait()
	return nil
}

func (s *ChatService) notify(n model.Notification) {
	s.events.Emit(Event{Type: EventNotification, Data: n})
}

func (s *ChatService) emit(t EventType, data any) {
	s.events.Emit(Event{Type: t, Data: data})
}

func cloneMessages(messages []model.Message) []model.Message {
	out := make([]model.Message, len(messages))
	copy(out, messages)
	return out
}

func cloneConversations(conversations []model.Conversation) []model.Conversation {
	out := make([]model.Conversation, len(conversations))
	copy(out, conversations)
	return out
}
