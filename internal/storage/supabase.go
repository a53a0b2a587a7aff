package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"agent-chat/internal/model"
	"agent-chat/pkg/logger"
)

type SupabaseOptions struct {
	URL               string
	AnonKey           string
	Schema            string
	Table             string
	HeartbeatInterval time.Duration
	// ReconnectDelay 实时连接断开后首次重连的等待时间
	ReconnectDelay time.Duration
	HTTPClient     *http.Client
}

// SupabaseStorage 通过 GoTrue / PostgREST / Realtime 访问托管后端
type SupabaseStorage struct {
	baseURL   string
	anonKey   string
	schema    string
	table     string
	heartbeat time.Duration
	reconnect time.Duration
	client    *http.Client

	mu           sync.RWMutex
	session      *AuthSession
	refreshToken string
	subs         map[*realtimeSubscription]struct{}

	// refreshMu 同一时间只刷新一次令牌
	refreshMu sync.Mutex
}

func NewSupabaseStorage(opts SupabaseOptions) *SupabaseStorage {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	schema := opts.Schema
	if schema == "" {
		schema = "public"
	}
	table := opts.Table
	if table == "" {
		table = "messages"
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &SupabaseStorage{
		baseURL:   strings.TrimRight(opts.URL, "/"),
		anonKey:   opts.AnonKey,
		schema:    schema,
		table:     table,
		heartbeat: heartbeat,
		reconnect: opts.ReconnectDelay,
		client:    client,
		subs:      make(map[*realtimeSubscription]struct{}),
	}
}

func (s *SupabaseStorage) Init() error {
	if _, err := url.ParseRequestURI(s.baseURL); err != nil || s.anonKey == "" {
		return fmt.Errorf("%w: invalid supabase url or key", ErrStorageInit)
	}
	return nil
}

func (s *SupabaseStorage) Close() error {
	s.mu.Lock()
	subs := make([]*realtimeSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func (s *SupabaseStorage) SignUp(ctx context.Context, email, password string) error {
	err := s.do(ctx, http.MethodPost, "/auth/v1/signup", nil, authRequest{Email: email, Password: password}, nil, nil)
	return classifyAuthError(err)
}

func (s *SupabaseStorage) SignIn(ctx context.Context, email, password string) (*AuthSession, error) {
	query := url.Values{"grant_type": {"password"}}
	var token tokenResponse
	if err := s.do(ctx, http.MethodPost, "/auth/v1/token", query, authRequest{Email: email, Password: password}, nil, &token); err != nil {
		return nil, classifyAuthError(err)
	}
	if token.AccessToken == "" {
		return nil, &APIError{Status: http.StatusOK, Message: "missing access token", Kind: ErrInvalidCredentials}
	}

	session := &AuthSession{UserID: token.User.ID, Email: token.User.Email, AccessToken: token.AccessToken}
	s.mu.Lock()
	s.session = session
	s.refreshToken = token.RefreshToken
	s.mu.Unlock()

	result := *session
	return &result, nil
}

func (s *SupabaseStorage) SignOut(ctx context.Context) error {
	if s.accessToken() == "" {
		return nil
	}
	err := s.do(ctx, http.MethodPost, "/auth/v1/logout", nil, nil, nil, nil)

	s.mu.Lock()
	s.session = nil
	s.refreshToken = ""
	s.mu.Unlock()
	return err
}

// refresh 用 refresh_token 换新的 access token；failed 为刚被拒绝的令牌，
// 其他调用已经换过令牌时直接返回
func (s *SupabaseStorage) refresh(ctx context.Context, failed string) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.RLock()
	current, refreshToken := "", s.refreshToken
	if s.session != nil {
		current = s.session.AccessToken
	}
	s.mu.RUnlock()

	if current != failed {
		return nil
	}
	if refreshToken == "" {
		return ErrUnauthorized
	}

	query := url.Values{"grant_type": {"refresh_token"}}
	var token tokenResponse
	if err := s.doRequest(ctx, http.MethodPost, "/auth/v1/token", query, refreshRequest{RefreshToken: refreshToken}, nil, &token); err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	if token.AccessToken == "" {
		return fmt.Errorf("refresh session: %w", ErrUnauthorized)
	}

	s.mu.Lock()
	if s.session != nil {
		s.session.AccessToken = token.AccessToken
	}
	if token.RefreshToken != "" {
		s.refreshToken = token.RefreshToken
	}
	s.mu.Unlock()
	logger.Debugf("Supabase session refreshed")
	return nil
}

func (s *SupabaseStorage) Insert(ctx context.Context, msg model.NewMessage) (model.Message, error) {
	if err := msg.Validate(); err != nil {
		return model.Message{}, err
	}

	headers := map[string]string{"Prefer": "return=representation"}
	var rows []model.Row
	if err := s.do(ctx, http.MethodPost, s.restPath(), nil, model.NewInsertRow(msg), headers, &rows); err != nil {
		return model.Message{}, err
	}
	if len(rows) == 0 {
		return model.Message{}, fmt.Errorf("%w: insert returned no rows", ErrBackendStatus)
	}
	return rows[0].ToMessage()
}

func (s *SupabaseStorage) Query(ctx context.Context, filter Filter) ([]model.Message, error) {
	query := url.Values{
		"select": {"*"},
		"order":  {"created_at.asc"},
	}
	if filter.SessionID != "" {
		query.Set("session_id", "eq."+filter.SessionID)
	}

	var rows []model.Row
	if err := s.do(ctx, http.MethodGet, s.restPath(), query, nil, nil, &rows); err != nil {
		return nil, err
	}

	messages := make([]model.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.ToMessage()
		if err != nil {
			logger.Warnf("Skipping invalid row %s: %v", row.ID, err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *SupabaseStorage) Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error) {
	sub, err := dialRealtime(ctx, realtimeOptions{
		url:       s.realtimeURL(),
		token:     s.accessToken,
		schema:    s.schema,
		table:     s.table,
		filter:    filter,
		heartbeat: s.heartbeat,
		retryMin:  s.reconnect,
		handler:   handler,
		onClose:   s.forget,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub, nil
}

func (s *SupabaseStorage) forget(sub *realtimeSubscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *SupabaseStorage) restPath() string {
	return "/rest/v1/" + s.table
}

func (s *SupabaseStorage) realtimeURL() string {
	u := s.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	query := url.Values{"apikey": {s.anonKey}, "vsn": {"1.0.0"}}
	return u + "/realtime/v1/websocket?" + query.Encode()
}

func (s *SupabaseStorage) accessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return ""
	}
	return s.session.AccessToken
}

// do 发送请求；用户令牌过期（401）时刷新一次后重试
func (s *SupabaseStorage) do(ctx context.Context, method, path string, query url.Values, body any, headers map[string]string, out any) error {
	token := s.accessToken()
	err := s.doRequest(ctx, method, path, query, body, headers, out)
	if token == "" || strings.HasPrefix(path, "/auth/") || !errors.Is(err, ErrUnauthorized) {
		return err
	}

	if refreshErr := s.refresh(ctx, token); refreshErr != nil {
		logger.Warnf("Failed to refresh session: %v", refreshErr)
		return err
	}
	return s.doRequest(ctx, method, path, query, body, headers, out)
}

func (s *SupabaseStorage) doRequest(ctx context.Context, method, path string, query url.Values, body any, headers map[string]string, out any) error {
	endpoint := s.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	bearer := s.accessToken()
	if bearer == "" || path == "/auth/v1/token" {
		bearer = s.anonKey
	}
	req.Header.Set("apikey", s.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.schema != "public" && strings.HasPrefix(path, "/rest/") {
		if method == http.MethodGet {
			req.Header.Set("Accept-Profile", s.schema)
		} else {
			req.Header.Set("Content-Profile", s.schema)
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: errorMessage(data)}
		if resp.StatusCode == http.StatusUnauthorized {
			apiErr.Kind = ErrUnauthorized
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// errorMessage GoTrue 与 PostgREST 的错误体字段各不相同
func errorMessage(data []byte) string {
	var body struct {
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
		Error            string `json:"error"`
		ErrorCode        string `json:"error_code"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return strings.TrimSpace(string(data))
	}
	for _, candidate := range []string{body.Msg, body.Message, body.ErrorDescription, body.Error} {
		if candidate != "" {
			return candidate
		}
	}
	return body.ErrorCode
}

func classifyAuthError(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	lower := strings.ToLower(apiErr.Message)
	switch {
	case strings.Contains(lower, "already registered"), strings.Contains(lower, "already exists"):
		apiErr.Kind = ErrUserExists
	case strings.Contains(lower, "invalid login credentials"), apiErr.Status == http.StatusBadRequest && strings.Contains(lower, "invalid"):
		apiErr.Kind = ErrInvalidCredentials
	}
	return apiErr
}
