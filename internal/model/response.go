package model

// AgentResponse 远程 agent 的应答，success 必须为 true
type AgentResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

const (
	VariantDefault     = "default"
	VariantDestructive = "destructive"
)

// Notification 提示给用户的短暂通知
type Notification struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Variant     string `json:"variant"`
}

func ErrorNotification(description string) Notification {
	return Notification{Title: "Error", Description: description, Variant: VariantDestructive}
}

type Screen string

const (
	ScreenAuth Screen = "auth"
	ScreenChat Screen = "chat"
)

// ChatSnapshot 聊天界面的完整状态
type ChatSnapshot struct {
	SessionID     string         `json:"session_id"`
	Messages      []Message      `json:"messages"`
	Conversations []Conversation `json:"conversations"`
	Busy          bool           `json:"busy"`
	ShowSidebar   bool           `json:"show_sidebar"`
}

type AuthSnapshot struct {
	Email  string `json:"email"`
	Busy   bool   `json:"busy"`
	Screen Screen `json:"screen"`
}
