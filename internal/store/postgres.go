package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/medrex/appointments/pkg/database"
)

const (
	selectDocumentQuery = `SELECT document FROM collections WHERE name = $1`

	upsertDocumentQuery = `
		INSERT INTO collections (name, document, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE
		SET document = EXCLUDED.document, updated_at = NOW()`
)

// PostgresBackend stores each collection as one JSONB row
type PostgresBackend struct {
	db *database.DB
}

// NewPostgresBackend uses a connection whose schema was created with CreateSchema
func NewPostgresBackend(db *database.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (p *PostgresBackend) Read(ctx context.Context, collection string) ([]byte, error) {
	if err := validateName(collection); err != nil {
		return nil, err
	}

	var document []byte
	err := p.db.QueryRowContext(ctx, selectDocumentQuery, collection).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read collection %s: %w", collection, err)
	}
	return document, nil
}

func (p *PostgresBackend) Write(ctx context.Context, collection string, document []byte) error {
	if err := validateName(collection); err != nil {
		return err
	}

	if _, err := p.db.ExecContext(ctx, upsertDocumentQuery, collection, document); err != nil {
		return fmt.Errorf("failed to write collection %s: %w", collection, err)
	}
	return nil
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.db.Health(ctx)
}
