package domain

import "errors"

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotConnected     = errors.New("not connected to pubsub")
	ErrListenTimeout    = errors.New("listen timeout")
)
