package credential

import "errors"

var (
	ErrNotFound      = errors.New("credential not found")
	ErrFormatInvalid = errors.New("credential format invalid")
	ErrExpired       = errors.New("credential outside its validity window")
	ErrKeyMismatch   = errors.New("private key does not match certificate")
)
