package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"agent-chat/internal/model"
	"agent-chat/internal/utils"
)

var (
	ErrAgentStatus   = errors.New("agent returned non-success status")
	ErrAgentRejected = errors.New("agent reported failure")
)

// AgentCaller 把用户消息转交给远程 agent，回复由 agent 自己写回消息表
type AgentCaller interface {
	Send(ctx context.Context, req model.AgentRequest) error
}

type AgentClient struct {
	url    string
	client *http.Client
}

func NewAgentClient(url string, timeout time.Duration) *AgentClient {
	return &AgentClient{
		url:    url,
		client: utils.NewHTTPClient(timeout),
	}
}

func (c *AgentClient) Send(ctx context.Context, req model.AgentRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read agent response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %d", ErrAgentStatus, resp.StatusCode)
	}

	var result model.AgentResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("%w: invalid response body: %v", ErrAgentRejected, err)
	}
	if !result.Success {
		if result.Error != "" {
			return fmt.Errorf("%w: %s", ErrAgentRejected, result.Error)
		}
		return ErrAgentRejected
	}
	return nil
}

// agentNotice 用户可见的错误提示
func agentNotice(err error) string {
	switch {
	case errors.Is(err, ErrAgentStatus):
		return "Failed to send message"
	case errors.Is(err, ErrAgentRejected):
		return "Request failed"
	default:
		return err.Error()
	}
}
