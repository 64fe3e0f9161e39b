package service

import "errors"

var (
	ErrSessionNotFound = errors.New("service: session not found")
	ErrInvalidRules    = errors.New("service: invalid rules")
)
