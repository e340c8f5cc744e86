package store

import "errors"

// Sentinel errors for the BurnStore operations. Handlers map these to HTTP
// status codes; per spec §7 the response body never distinguishes "never
// existed" from "already consumed" to avoid an enumeration oracle, so
// ErrNotFound and ErrGone are deliberately handled identically by callers
// even though the store itself tells them apart internally.
var (
	ErrNotFound         = errors.New("record not found")
	ErrGone             = errors.New("record expired or already consumed")
	ErrUnauthorized     = errors.New("token invalid, expired, or already used")
	ErrOutOfBounds      = errors.New("chunk index out of bounds")
	ErrExpired          = errors.New("record expired")
	ErrAlreadyExists    = errors.New("object already exists")
	ErrAlreadyFinalized = errors.New("file already finalized")
	ErrValidation       = errors.New("validation failed")
)
