package chat

import "errors"

var (
	ErrInvalidMessage  = errors.New("invalid message")
	ErrProjectMismatch = errors.New("message project does not match session project")
	ErrSendQueueFull   = errors.New("session send queue full")
	ErrClosed          = errors.New("coordinator closed")
)
