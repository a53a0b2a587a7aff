package storage

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid login credentials")
	ErrUserExists         = errors.New("user already registered")
	ErrUnauthorized       = errors.New("not signed in")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrBackendStatus      = errors.New("backend request failed")
	ErrStorageInit        = errors.New("storage initialization failed")
)

// APIError 后端返回的非 2xx 响应
type APIError struct {
	Status  int
	Message string
	Kind    error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.Status)
	}
	return e.Message
}

func (e *APIError) Unwrap() []error {
	if e.Kind != nil {
		return []error{ErrBackendStatus, e.Kind}
	}
	return []error{ErrBackendStatus}
}
