package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

type PgArchive struct {
	conn *sql.DB
}

// NewPgArchive connects to dsn and brings the schema up to date.
func NewPgArchive(ctx context.Context, dsn string) (*PgArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &PgArchive{conn: db}, nil
}

func (db *PgArchive) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgArchive) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
