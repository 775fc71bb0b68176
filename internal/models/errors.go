package models

import "errors"

var (
	ErrValidation   = errors.New("invalid input")
	ErrConflict     = errors.New("already exists")
	ErrUnauthorized = errors.New("resource unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrUpstream     = errors.New("completion service failed")
	ErrBusy         = errors.New("server is busy, please retry")
)
