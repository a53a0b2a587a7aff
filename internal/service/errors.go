package service

import "errors"

var (
	ErrBusy         = errors.New("another request is in progress")
	ErrClosed       = errors.New("chat service closed")
	ErrBackendWrite = errors.New("backend write failed")
	ErrBackendRead  = errors.New("backend read failed")
	ErrAgentCall    = errors.New("agent call failed")
	ErrAuth         = errors.New("authentication failed")
	ErrEmptyMessage = errors.New("message is empty")
)
