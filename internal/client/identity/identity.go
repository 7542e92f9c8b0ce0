//go:generate go run go.uber.org/mock/mockgen -source=identity.go -destination=../mocks/mock_identity.go -package=mocks

// Package identity provides the signed-in account to the messaging core.
// Sign-in itself belongs to the relay's directory endpoints.
package identity

import (
	"context"
)

// Identity is the authenticated user for the lifetime of a session.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Provider answers "who is signed in". Current returns nil, nil when nobody is.
type Provider interface {
	Current(ctx context.Context) (*Identity, error)
}

// Current implements Provider on top of the session file.
func (f SessionFile) Current(_ context.Context) (*Identity, error) {
	session := f.Load()
	if session == nil {
		return nil, nil
	}
	id := session.Identity()
	return &id, nil
}
