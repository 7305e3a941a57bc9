package storage

import (
	"context"

	"splitroute/internal/storage/models"
)

// Storage persists the session journal used for crash recovery.
type Storage interface {
	// Session operations
	BeginSession(ctx context.Context, session *models.Session) error
	EndSession(ctx context.Context, sessionID int64, state string) error
	SetSessionLinks(ctx context.Context, sessionID int64, captureIf, physicalIf string) error
	GetSession(ctx context.Context, sessionID int64) (*models.Session, error)
	OpenSessions(ctx context.Context) ([]*models.Session, error)
	RecentSessions(ctx context.Context, limit int) ([]*models.Session, error)

	// Route journal
	RecordOriginal(ctx context.Context, sessionID int64, route *models.SessionRoute) error
	RecordInstalled(ctx context.Context, sessionID int64, route *models.SessionRoute) error
	MarkRemoved(ctx context.Context, sessionID int64, dst string, linkIndex int) error
	SessionRoutes(ctx context.Context, sessionID int64) ([]*models.SessionRoute, error)

	// Settings operations
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	GetAllSettings(ctx context.Context) (map[string]string, error)

	// Transactions
	BeginTx(ctx context.Context) (Transaction, error)

	// Close closes the storage connection
	Close() error
}

// Transaction represents a database transaction
type Transaction interface {
	Commit() error
	Rollback() error
	Storage
}
