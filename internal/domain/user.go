// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxUsernameLen = 36

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

// Status is the presence state kept in the signaling store.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
	StatusInCall  Status = "IN_CALL"
)

// User is one account in the signaling store. The password never leaves
// the store layer; presence lists carry only username and status.
type User struct {
	Username string `json:"username"`
	Status   Status `json:"status"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(username string) (*User, error) {
	if len(username) == 0 {
		return nil, ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	return &User{Username: username, Status: StatusOffline}, nil
}
