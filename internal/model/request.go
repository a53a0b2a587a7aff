package model

type AuthRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

// KeyRequest 输入框按键事件：key 为 "enter" 或 "text"
type KeyRequest struct {
	Key   string `json:"key" binding:"required"`
	Shift bool   `json:"shift"`
	Text  string `json:"text"`
}

// AgentRequest 发往远程 agent 的请求体
type AgentRequest struct {
	Query     string `json:"query"`
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
}
