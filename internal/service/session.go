package service

import "github.com/google/uuid"

// NewSessionID 每个新会话一个随机 UUID，只在内存中保留
func NewSessionID() string {
	return uuid.New().String()
}
