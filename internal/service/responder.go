package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"agent-chat/internal/config"
	"agent-chat/internal/model"
	"agent-chat/internal/storage"
	"agent-chat/pkg/logger"

	openai "github.com/sashabaranov/go-openai"
)

var ErrInvalidAgentRequest = errors.New("invalid agent request")

// Completer 根据历史生成回复
type Completer interface {
	Complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error)
}

type openaiCompleter struct {
	client *openai.Client
	model  string
}

func NewOpenAICompleter(apiKey, baseURL, model string) Completer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &openaiCompleter{client: openai.NewClientWithConfig(cfg), model: model}
}

func (c *openaiCompleter) Complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// EchoCompleter 未配置模型时的回复：原样返回最后一条用户消息
type EchoCompleter struct{}

func (EchoCompleter) Complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == openai.ChatMessageRoleUser {
			return "**Echo:** " + messages[i].Content, nil
		}
	}
	return "", fmt.Errorf("no user message to echo")
}

// Responder 内置的参考 agent：接受请求后立即应答，回复异步写回消息表，
// 客户端通过实时订阅收到
type Responder struct {
	backend      storage.Backend
	completer    Completer
	systemPrompt string
	maxHistory   int
	timeout      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewResponder(backend storage.Backend, completer Completer, cfg config.ResponderConfig) *Responder {
	if completer == nil {
		completer = EchoCompleter{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Responder{
		backend:      backend,
		completer:    completer,
		systemPrompt: cfg.SystemPrompt,
		maxHistory:   cfg.MaxHistoryMessages,
		timeout:      timeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Accept 校验请求并在后台生成回复
func (r *Responder) Accept(req model.AgentRequest) error {
	if strings.TrimSpace(req.Query) == "" {
		return fmt.Errorf("%w: query is required", ErrInvalidAgentRequest)
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidAgentRequest)
	}
	if r.ctx.Err() != nil {
		return fmt.Errorf("%w: responder stopped", ErrInvalidAgentRequest)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.respond(req); err != nil {
			logger.WithFields(logger.Fields{
				"session_id": req.SessionID,
				"request_id": req.RequestID,
			}).Errorf("Responder failed: %v", err)
		}
	}()
	return nil
}

func (r *Responder) respond(req model.AgentRequest) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	history, err := r.backend.Query(ctx, storage.Filter{SessionID: req.SessionID})
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	reply, err := r.completer.Complete(ctx, r.buildPrompt(history, req.Query))
	if err != nil {
		return err
	}

	_, err = r.backend.Insert(ctx, model.NewMessage{
		SessionID: req.SessionID,
		Kind:      model.KindAssistant,
		Content:   reply,
	})
	if err != nil {
		return fmt.Errorf("failed to write reply: %w", err)
	}
	return nil
}

// buildPrompt 系统提示 + 最近的历史；历史里还没有本次提问时补上
func (r *Responder) buildPrompt(history []model.Message, query string) []openai.ChatCompletionMessage {
	if r.maxHistory > 0 && len(history) > r.maxHistory {
		history = history[len(history)-r.maxHistory:]
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if r.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: r.systemPrompt})
	}
	for _, msg := range history {
		role := openai.ChatMessageRoleUser
		if msg.Kind == model.KindAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}

	last := len(history) - 1
	if last < 0 || !history[last].IsHuman() || history[last].Content != query {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: query})
	}
	return messages
}

// Wait 等待进行中的回复写完
func (r *Responder) Wait() {
	r.wg.Wait()
}

func (r *Responder) Close() {
	r.cancel()
	r.wg.Wait()
}
