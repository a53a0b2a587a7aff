package service

import (
	"context"
	"fmt"
	"sync"

	"agent-chat/internal/model"
	"agent-chat/internal/storage"
	"agent-chat/pkg/logger"
)

// Navigator 当前界面，进入某个界面时执行注册的钩子
type Navigator struct {
	mu     sync.RWMutex
	screen model.Screen
	enter  map[model.Screen]func(ctx context.Context) error
	events *Emitter
}

func NewNavigator(events *Emitter) *Navigator {
	if events == nil {
		events = NewEmitter()
	}
	return &Navigator{
		screen: model.ScreenAuth,
		enter:  make(map[model.Screen]func(ctx context.Context) error),
		events: events,
	}
}

func (n *Navigator) OnEnter(screen model.Screen, fn func(ctx context.Context) error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enter[screen] = fn
}

func (n *Navigator) Navigate(ctx context.Context, screen model.Screen) error {
	n.mu.Lock()
	n.screen = screen
	hook := n.enter[screen]
	n.mu.Unlock()

	n.events.Emit(Event{Type: EventScreen, Data: screen})
	if hook == nil {
		return nil
	}
	return hook(ctx)
}

func (n *Navigator) Current() model.Screen {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.screen
}

// AuthService 登录界面：邮箱、密码、忙碌状态
type AuthService struct {
	backend storage.Backend
	nav     *Navigator
	events  *Emitter

	mu       sync.Mutex
	email    string
	password string
	busy     bool
	session  *storage.AuthSession
}

func NewAuthService(backend storage.Backend, nav *Navigator, events *Emitter) *AuthService {
	if events == nil {
		events = NewEmitter()
	}
	return &AuthService{
		backend: backend,
		nav:     nav,
		events:  events,
	}
}

func (a *AuthService) SetCredentials(email, password string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.email = email
	a.password = password
}

func (a *AuthService) begin() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return "", "", ErrBusy
	}
	a.busy = true
	return a.email, a.password, nil
}

func (a *AuthService) end() {
	a.mu.Lock()
	a.busy = false
	a.mu.Unlock()
	a.events.Emit(Event{Type: EventAuth, Data: a.Snapshot()})
}

// Register 注册后停留在登录界面，提示用户去邮箱确认
func (a *AuthService) Register(ctx context.Context) error {
	email, password, err := a.begin()
	if err != nil {
		return err
	}
	defer a.end()
	a.events.Emit(Event{Type: EventAuth, Data: a.Snapshot()})

	if err := a.backend.SignUp(ctx, email, password); err != nil {
		logger.WithFields(logger.Fields{"email": email}).Warnf("Sign up failed: %v", err)
		a.notify(model.ErrorNotification(err.Error()))
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}

	a.notify(model.Notification{
		Title:       "Success!",
		Description: "Check your email for the confirmation link",
		Variant:     model.VariantDefault,
	})
	return nil
}

// Authenticate 登录成功后切换到聊天界面
func (a *AuthService) Authenticate(ctx context.Context) error {
	email, password, err := a.begin()
	if err != nil {
		return err
	}
	defer a.end()
	a.events.Emit(Event{Type: EventAuth, Data: a.Snapshot()})

	session, err := a.backend.SignIn(ctx, email, password)
	if err != nil {
		logger.WithFields(logger.Fields{"email": email}).Warnf("Sign in failed: %v", err)
		a.notify(model.ErrorNotification(err.Error()))
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}

	a.mu.Lock()
	a.session = session
	a.password = ""
	a.mu.Unlock()

	logger.WithFields(logger.Fields{"user_id": session.UserID}).Info("Signed in")
	// 进入聊天界面时的加载错误已经通过通知展示
	if err := a.nav.Navigate(ctx, model.ScreenChat); err != nil {
		logger.Warnf("Chat screen entered with errors: %v", err)
	}
	return nil
}

func (a *AuthService) SignOut(ctx context.Context) error {
	err := a.backend.SignOut(ctx)

	a.mu.Lock()
	a.session = nil
	a.mu.Unlock()

	if navErr := a.nav.Navigate(ctx, model.ScreenAuth); navErr != nil {
		logger.Warnf("Auth screen entered with errors: %v", navErr)
	}
	if err != nil {
		a.notify(model.ErrorNotification(err.Error()))
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}
	return nil
}

func (a *AuthService) Session() *storage.AuthSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	s := *a.session
	return &s
}

func (a *AuthService) Snapshot() model.AuthSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return model.AuthSnapshot{
		Email:  a.email,
		Busy:   a.busy,
		Screen: a.nav.Current(),
	}
}

func (a *AuthService) notify(n model.Notification) {
	a.events.Emit(Event{Type: EventNotification, Data: n})
}
