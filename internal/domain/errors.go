package domain

import "errors"

// Sentinel errors shared by every session store implementation.
var (
	ErrSessionExists    = errors.New("session already exists")
	ErrSessionNotFound  = errors.New("session not found")
	ErrThreadAlreadySet = errors.New("external thread id already set")
)
