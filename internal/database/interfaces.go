package database

import (
	"context"
	"errors"

	"termtalk/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// UserRepository is the account store consulted at login and registration.
type UserRepository interface {
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error)
}

type Database interface {
	UserRepository
	Close() error
}
