package store

import "errors"

var (
	ErrNotFound        = errors.New("entry not found")
	ErrVersionMismatch = errors.New("entry version mismatch")
)
