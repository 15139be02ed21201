package state

import "errors"

var (
	ErrUsernameTaken     = errors.New("username already taken")
	ErrAlreadyRegistered = errors.New("connection already registered")
	ErrNotRegistered     = errors.New("connection not registered")
	ErrAlreadyInRoom     = errors.New("already in a room")
	ErrRoomNotFound      = errors.New("room not found")
	ErrWrongPassword     = errors.New("wrong room password")
	ErrUnknownConn       = errors.New("unknown connection")
)
