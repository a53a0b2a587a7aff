package model

// TitleLength 会话标题取首条用户消息的前 100 个字符
const TitleLength = 100

type Conversation struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
}

// Summarize 按会话聚合，messages 需按创建时间升序。
// 每个会话只保留第一条 human 消息作为标题，没有 human 消息的会话不出现。
func Summarize(messages []Message) []Conversation {
	seen := make(map[string]bool)
	conversations := make([]Conversation, 0)

	for _, msg := range messages {
		if seen[msg.SessionID] || !msg.IsHuman() {
			continue
		}
		seen[msg.SessionID] = true
		conversations = append(conversations, Conversation{
			SessionID: msg.SessionID,
			Title:     truncate(msg.Content, TitleLength),
		})
	}

	return conversations
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
