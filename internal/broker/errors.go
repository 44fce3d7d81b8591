package broker

import "errors"

var (
	ErrListen          = errors.New("broker: listen")
	ErrAccept          = errors.New("broker: accept")
	ErrShutdownTimeout = errors.New("broker: shutdown timeout")
)
