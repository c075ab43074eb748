// Package store keeps the history of installation results.
package store

import (
	"context"
	"errors"

	"github.com/nmslite/agentprov/internal/model"
)

// ErrNotFound is returned by Get for an unknown installation ID.
var ErrNotFound = errors.New("installation not found")

// DefaultListLimit caps List when the caller passes a non-positive limit.
const DefaultListLimit = 50

// Store persists installation results.
type Store interface {
	Save(ctx context.Context, result *model.InstallationResult) error
	Get(ctx context.Context, id string) (*model.InstallationResult, error)
	// List returns the most recent results first.
	List(ctx context.Context, limit int) ([]*model.InstallationResult, error)
	Close() error
}
