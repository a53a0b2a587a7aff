package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"agent-chat/internal/model"
	"agent-chat/pkg/logger"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type messageRecord struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	SessionID string    `gorm:"index;size:64;not null"`
	Type      string    `gorm:"size:16;not null"`
	Content   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

func (*messageRecord) TableName() string {
	return "messages"
}

func (r *messageRecord) toMessage() model.Message {
	return model.Message{
		ID:        strconv.FormatUint(r.ID, 10),
		SessionID: r.SessionID,
		Kind:      model.Kind(r.Type),
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
	}
}

type userRecord struct {
	ID           string    `gorm:"primaryKey;size:36"`
	Email        string    `gorm:"uniqueIndex;size:255;not null"`
	PasswordHash string    `gorm:"size:100;not null"`
	CreatedAt    time.Time
}

func (*userRecord) TableName() string {
	return "users"
}

// Broadcaster 跨进程的插入事件通道
type Broadcaster interface {
	Publish(ctx context.Context, msg model.Message) error
	// Listen 阻塞直到 ctx 结束
	Listen(ctx context.Context, deliver func(model.Message)) error
	Close() error
}

// SQLiteStorage 本地 sqlite 后端。未配置 Broadcaster 时只在进程内推送。
type SQLiteStorage struct {
	path        string
	db          *gorm.DB
	hub         *Hub
	hasher      passwordHasher
	broadcaster Broadcaster

	mu      sync.Mutex
	current *AuthSession
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSQLiteStorage(path string, broadcaster Broadcaster) *SQLiteStorage {
	return &SQLiteStorage{
		path:        path,
		hub:         NewHub(),
		hasher:      newPasswordHasher(0),
		broadcaster: broadcaster,
	}
}

func (s *SQLiteStorage) Init() error {
	if dir := filepath.Dir(s.path); dir != "" && s.path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageInit, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("%w: open database: %v", ErrStorageInit, err)
	}
	if err := db.AutoMigrate(&messageRecord{}, &userRecord{}); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrStorageInit, err)
	}
	s.db = db

	if s.broadcaster != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go func() {
			defer close(s.done)
			if err := s.broadcaster.Listen(ctx, s.hub.Publish); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("Realtime listener stopped: %v", err)
			}
		}()
	}

	logger.Infof("SQLite storage initialized at %s", s.path)
	return nil
}

func (s *SQLiteStorage) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	if s.broadcaster != nil {
		if err := s.broadcaster.Close(); err != nil {
			logger.Warnf("Failed to close broadcaster: %v", err)
		}
	}
	s.hub.closeAll()

	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database connection: %w", err)
	}
	return sqlDB.Close()
}

func (s *SQLiteStorage) SignUp(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return &APIError{Status: 400, Message: "email and password are required"}
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&userRecord{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if count > 0 {
		return ErrUserExists
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	user := &userRecord{ID: uuid.New().String(), Email: email, PasswordHash: hash}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) SignIn(ctx context.Context, email, password string) (*AuthSession, error) {
	var user userRecord
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if !s.hasher.Compare(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}

	session := &AuthSession{UserID: user.ID, Email: user.Email, AccessToken: uuid.New().String()}
	s.mu.Lock()
	s.current = session
	s.mu.Unlock()

	result := *session
	return &result, nil
}

func (s *SQLiteStorage) SignOut(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStorage) Insert(ctx context.Context, msg model.NewMessage) (model.Message, error) {
	if err := msg.Validate(); err != nil {
		return model.Message{}, err
	}

	record := &messageRecord{
		SessionID: msg.SessionID,
		Type:      string(msg.Kind),
		Content:   msg.Content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return model.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}

	inserted := record.toMessage()
	if s.broadcaster == nil {
		s.hub.Publish(inserted)
		return inserted, nil
	}
	// 走 redis 时自身的插入也从监听端回来
	if err := s.broadcaster.Publish(ctx, inserted); err != nil {
		logger.Warnf("Failed to broadcast message %s, delivering locally: %v", inserted.ID, err)
		s.hub.Publish(inserted)
	}
	return inserted, nil
}

func (s *SQLiteStorage) Query(ctx context.Context, filter Filter) ([]model.Message, error) {
	query := s.db.WithContext(ctx).Model(&messageRecord{})
	if filter.SessionID != "" {
		query = query.Where("session_id = ?", filter.SessionID)
	}

	var records []messageRecord
	if err := query.Order("created_at ASC").Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	messages := make([]model.Message, 0, len(records))
	for i := range records {
		msg := records[i].toMessage()
		if !msg.Kind.Valid() {
			logger.Warnf("Skipping message %s with unknown type %q", msg.ID, msg.Kind)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *SQLiteStorage) Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error) {
	return s.hub.Subscribe(filter, handler), nil
}
