// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const (
	MaxUserIDLen      = 64
	MaxDisplayNameLen = 64
)

var (
	ErrUserIDEmpty      = errors.New("user id empty")
	ErrUserIDTooLong    = errors.New("user id too long")
	ErrDisplayNameEmpty = errors.New("display name empty")
	ErrDisplayNameLong  = errors.New("display name too long")
)

// UserID is the opaque identity issued by the auth collaborator.
// The core never interprets it beyond equality.
type UserID string

// ConnectionID identifies one live transport connection. It is minted
// by the transport adapter and has no meaning after the connection
// closes.
type ConnectionID string

type User struct {
	ID   UserID `json:"id"`
	Name string `json:"name"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id UserID, name string) (*User, error) {
	if len(id) == 0 {
		return nil, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return nil, ErrUserIDTooLong
	}
	if len(name) == 0 {
		return nil, ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return nil, ErrDisplayNameLong
	}
	return &User{ID: id, Name: name}, nil
}
