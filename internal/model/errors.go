package model

import "errors"

var (
	ErrNotFound     = errors.New("model: not found")
	ErrConflict     = errors.New("model: already exists")
	ErrInvalidInput = errors.New("model: invalid input")
)
