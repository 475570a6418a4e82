package db

import (
	"go.uber.org/zap"
)

// Repository handles database operations for jobs, dead letters, and the
// domain rows the workers touch. Every method opens its own tenant-scoped
// transaction so the row policies always see the right settings.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}
