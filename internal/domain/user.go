// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen      = 36
	MaxDisplayNameLen = 64
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrUserIDInvalid      = errors.New("user id invalid")
)

type UserID string

// User is what the user directory hands out for presenting a party.
type User struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(displayName string) (*User, error) {
	if err := validateDisplayName(displayName); err != nil {
		return nil, err
	}
	id := UserID(uuid.NewString())
	return &User{ID: id, DisplayName: displayName}, nil
}

func (u *User) SetDisplayName(name string) error {
	if err := validateDisplayName(name); err != nil {
		return err
	}
	u.DisplayName = name
	return nil
}

// Valid reports whether id can be used as a party identity.
func (id UserID) Valid() bool {
	return len(id) > 0 && len(id) <= MaxUserIDLen
}

func validateDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}
