package store

import (
	"context"
	"errors"

	"github.com/joescharf/tracecast/internal/models"
)

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for tracecast.
type Store interface {
	// Recorded sessions
	CreateRecordedSession(ctx context.Context, rs *models.RecordedSession) error
	GetRecordedSession(ctx context.Context, id string) (*models.RecordedSession, error)
	ListRecordedSessions(ctx context.Context, limit int) ([]*models.RecordedSession, error)
	UpdateRecordedSessionSummary(ctx context.Context, id, summary string) error
	DeleteRecordedSession(ctx context.Context, id string) error

	// Replay positions
	SavePosition(ctx context.Context, pos *models.ReplayPosition) error
	GetPosition(ctx context.Context, tracePath string) (*models.ReplayPosition, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
