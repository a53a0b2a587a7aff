package view

import (
	"strings"
	"sync"
)

// Key 一次按键；Rune 为 0 表示非字符键
type Key struct {
	Enter bool `json:"enter"`
	Shift bool `json:"shift"`
	Rune  rune `json:"rune"`
}

// Composer 输入框：一个可编辑的缓冲区，提交时交给 send
type Composer struct {
	mu     sync.Mutex
	buffer string
	busy   func() bool
	send   func(content string) error
}

func NewComposer(busy func() bool, send func(content string) error) *Composer {
	if busy == nil {
		busy = func() bool { return false }
	}
	return &Composer{busy: busy, send: send}
}

func (c *Composer) SetText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = text
}

func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer
}

// CanSubmit 缓冲区非空白且当前不忙
func (c *Composer) CanSubmit() bool {
	c.mu.Lock()
	text := c.buffer
	c.mu.Unlock()
	return strings.TrimSpace(text) != "" && !c.busy()
}

// Submit 空白或忙碌时不做任何事；发送成功后清空，失败保留内容
func (c *Composer) Submit() (bool, error) {
	if !c.CanSubmit() {
		return false, nil
	}

	c.mu.Lock()
	text := c.buffer
	c.mu.Unlock()

	if err := c.send(text); err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.buffer == text {
		c.buffer = ""
	}
	c.mu.Unlock()
	return true, nil
}

// HandleKey Enter 提交，Shift+Enter 换行，其余字符追加
func (c *Composer) HandleKey(k Key) (bool, error) {
	switch {
	case k.Enter && !k.Shift:
		return c.Submit()
	case k.Enter:
		c.mu.Lock()
		c.buffer += "\n"
		c.mu.Unlock()
	case k.Rune != 0:
		c.mu.Lock()
		c.buffer += string(k.Rune)
		c.mu.Unlock()
	}
	return false, nil
}
