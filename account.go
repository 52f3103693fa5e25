package chatsync

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Register creates an account on the backend and stores it as the signed-in
// user in kv.
func Register(ctx context.Context, backend AccountBackend, kv KV, username, phone string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("username is required")
	}
	user, err := backend.Register(ctx, username, phone, username)
	if err != nil {
		return nil, errors.Wrap(err, "register")
	}
	return user, signIn(kv, user)
}

// Login signs in an existing account and stores it in kv.
func Login(ctx context.Context, backend AccountBackend, kv KV, username, phone string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("username is required")
	}
	user, err := backend.Login(ctx, username, phone)
	if err != nil {
		return nil, errors.Wrap(err, "login")
	}
	return user, signIn(kv, user)
}

// CurrentUser returns the signed-in user stored in kv.
func CurrentUser(kv KV) (*User, error) {
	st := NewLocalState(kv, zerolog.Nop())
	user, ok := st.User()
	if !ok || user.Username == "" {
		return nil, ErrNotLoggedIn
	}
	return user, nil
}

func signIn(kv KV, user *User) error {
	st := NewLocalState(kv, zerolog.Nop())
	if err := st.SaveUser(user); err != nil {
		return err
	}
	if _, ok := st.Profile(); ok {
		return nil
	}
	name := user.DisplayName
	if name == "" {
		name = user.Username
	}
	return st.SaveProfile(Profile{Name: name, Status: user.Status, CreatedAt: time.Now().UTC()})
}
