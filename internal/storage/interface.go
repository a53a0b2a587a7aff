package storage

import (
	"context"

	"agent-chat/internal/model"
)

// Filter 查询/订阅条件，SessionID 为空表示所有会话
type Filter struct {
	SessionID string
}

func (f Filter) Match(msg model.Message) bool {
	return f.SessionID == "" || f.SessionID == msg.SessionID
}

// AuthSession 登录成功后的会话信息
type AuthSession struct {
	UserID      string
	Email       string
	AccessToken string
}

// Handler 处理推送的新行。由推送方的 goroutine 调用，不能阻塞。
type Handler func(model.Message)

type Subscription interface {
	// Close 释放订阅，可重复调用
	Close() error
}

// Backend 托管后端能力：认证、消息表读写、插入事件订阅
type Backend interface {
	// 认证
	SignUp(ctx context.Context, email, password string) error
	SignIn(ctx context.Context, email, password string) (*AuthSession, error)
	SignOut(ctx context.Context) error

	// 消息表，Query 按 created_at 升序
	Insert(ctx context.Context, msg model.NewMessage) (model.Message, error)
	Query(ctx context.Context, filter Filter) ([]model.Message, error)
	Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error)

	// 生命周期
	Init() error
	Close() error
}
