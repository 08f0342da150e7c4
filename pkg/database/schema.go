package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the tables backing the record store
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.Info("Creating database schema...")

	for _, stmt := range []string{createCollectionsTable} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	db.logger.Info("Database schema created successfully")
	return nil
}

// Each collection is one JSON document, rewritten whole on every save.
const createCollectionsTable = `
	CREATE TABLE IF NOT EXISTS collections (
		name VARCHAR(100) PRIMARY KEY,
		document JSONB NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);`
