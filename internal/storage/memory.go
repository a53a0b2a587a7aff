package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"agent-chat/internal/model"

	"github.com/google/uuid"
)

type memoryUser struct {
	id           string
	email        string
	passwordHash string
}

// MemoryStorage 进程内后端，用于测试和本地演示
type MemoryStorage struct {
	mu      sync.RWMutex
	rows    []model.Message
	users   map[string]*memoryUser
	current *AuthSession
	nextID  int64
	hub     *Hub
	hasher  passwordHasher
	now     func() time.Time
}

type MemoryOption func(*MemoryStorage)

// WithClock 替换时间来源
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStorage) { m.now = now }
}

// WithBcryptCost 测试中使用 bcrypt.MinCost 加速
func WithBcryptCost(cost int) MemoryOption {
	return func(m *MemoryStorage) { m.hasher = newPasswordHasher(cost) }
}

func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	m := &MemoryStorage{
		users:  make(map[string]*memoryUser),
		hub:    NewHub(),
		hasher: newPasswordHasher(0),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStorage) Init() error {
	return nil
}

func (m *MemoryStorage) Close() error {
	m.hub.closeAll()
	return nil
}

func (m *MemoryStorage) SignUp(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return &APIError{Status: 400, Message: "email and password are required"}
	}

	hash, err := m.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[email]; exists {
		return ErrUserExists
	}
	m.users[email] = &memoryUser{id: uuid.New().String(), email: email, passwordHash: hash}
	return nil
}

func (m *MemoryStorage) SignIn(ctx context.Context, email, password string) (*AuthSession, error) {
	email = normalizeEmail(email)

	m.mu.Lock()
	defer m.mu.Unlock()

	user, exists := m.users[email]
	if !exists || !m.hasher.Compare(user.passwordHash, password) {
		return nil, ErrInvalidCredentials
	}

	m.current = &AuthSession{UserID: user.id, Email: user.email, AccessToken: uuid.New().String()}
	session := *m.current
	return &session, nil
}

func (m *MemoryStorage) SignOut(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	return nil
}

func (m *MemoryStorage) Insert(ctx context.Context, msg model.NewMessage) (model.Message, error) {
	if err := msg.Validate(); err != nil {
		return model.Message{}, err
	}

	m.mu.Lock()
	m.nextID++
	row := model.Message{
		ID:        strconv.FormatInt(m.nextID, 10),
		SessionID: msg.SessionID,
		Kind:      msg.Kind,
		Content:   msg.Content,
		CreatedAt: m.now(),
	}
	m.rows = append(m.rows, row)
	m.mu.Unlock()

	m.hub.Publish(row)
	return row, nil
}

func (m *MemoryStorage) Query(ctx context.Context, filter Filter) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]model.Message, 0)
	for _, row := range m.rows {
		if filter.Match(row) {
			messages = append(messages, row)
		}
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

func (m *MemoryStorage) Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error) {
	return m.hub.Subscribe(filter, handler), nil
}

// Subscribers 当前活跃的订阅数
func (m *MemoryStorage) Subscribers() int {
	return m.hub.Len()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
