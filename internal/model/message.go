package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidMessage = errors.New("invalid message")

// Kind 消息作者类型，线上取值与 messages 表的 message.type 保持一致
type Kind string

const (
	KindHuman     Kind = "human"
	KindAssistant Kind = "ai"
)

func (k Kind) Valid() bool {
	return k == KindHuman || k == KindAssistant
}

type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (m Message) IsHuman() bool {
	return m.Kind == KindHuman
}

// NewMessage 待写入的消息，ID 和创建时间由后端分配
type NewMessage struct {
	SessionID string
	Kind      Kind
	Content   string
}

func (n NewMessage) Validate() error {
	if strings.TrimSpace(n.SessionID) == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidMessage)
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, n.Kind)
	}
	return nil
}

// RowID 兼容 bigint 与 uuid 两种主键
type RowID string

func (id *RowID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RowID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: id %s", ErrInvalidMessage, string(data))
	}
	*id = RowID(n.String())
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp 兼容 PostgREST 与 realtime 两种 timestamptz 格式，无时区按 UTC
type Timestamp time.Time

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
			*t = Timestamp{}
			return nil
		}
		return err
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = Timestamp(parsed)
			return nil
		}
	}
	return fmt.Errorf("%w: created_at %q", ErrInvalidMessage, s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).Format(time.RFC3339Nano))
}

type Payload struct {
	Type    Kind   `json:"type"`
	Content string `json:"content"`
}

// Row messages 表的一行
type Row struct {
	ID        RowID     `json:"id,omitempty"`
	SessionID string    `json:"session_id"`
	Message   Payload   `json:"message"`
	CreatedAt Timestamp `json:"created_at"`
}

// InsertRow 写入时的行，省略服务端生成的列
type InsertRow struct {
	SessionID string  `json:"session_id"`
	Message   Payload `json:"message"`
}

func NewInsertRow(n NewMessage) InsertRow {
	return InsertRow{
		SessionID: n.SessionID,
		Message:   Payload{Type: n.Kind, Content: n.Content},
	}
}

// ToMessage 在后端边界校验并转换
func (r Row) ToMessage() (Message, error) {
	if r.ID == "" {
		return Message{}, fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if r.SessionID == "" {
		return Message{}, fmt.Errorf("%w: missing session id", ErrInvalidMessage)
	}
	if !r.Message.Type.Valid() {
		return Message{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, r.Message.Type)
	}
	return Message{
		ID:        string(r.ID),
		SessionID: r.SessionID,
		Kind:      r.Message.Type,
		Content:   r.Message.Content,
		CreatedAt: time.Time(r.CreatedAt),
	}, nil
}

func DecodeRow(data []byte) (Message, error) {
	var row Row
	if err := json.Unmarshal(data, &row); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return row.ToMessage()
}

func RowFromMessage(m Message) Row {
	return Row{
		ID:        RowID(m.ID),
		SessionID: m.SessionID,
		Message:   Payload{Type: m.Kind, Content: m.Content},
		CreatedAt: Timestamp(m.CreatedAt),
	}
}
