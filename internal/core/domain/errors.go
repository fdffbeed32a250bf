package domain

import "errors"

var ErrUserExists = errors.New("user already exists")
var ErrUserNotFound = errors.New("user not found")
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrInvalidToken covers bad signatures, malformed tokens and expiry alike.
var ErrInvalidToken = errors.New("invalid token")
