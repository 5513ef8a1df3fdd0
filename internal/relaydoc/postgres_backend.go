package relaydoc

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresScriptTableName  = "relaydoc_scripts"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStateBackend keeps one row per project.
type PostgresStateBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		dsn:       dsn,
		tableName: postgresScriptTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT project_id, content, hash, version, source, updated_at, doc_state FROM %s", postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshot := &persistedState{Scripts: map[string]*Script{}}
	for rows.Next() {
		var script Script
		if err := rows.Scan(&script.ProjectID, &script.Content, &script.Hash, &script.Version, &script.Source, &script.UpdatedAt, &script.DocState); err != nil {
			return nil, err
		}
		snapshot.Scripts[script.ProjectID] = &script
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(snapshot.Scripts) == 0 {
		return nil, nil
	}
	return snapshot, nil
}

// Save upserts every script unless the stored row has a newer version.
func (b *PostgresStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (project_id, content, hash, version, source, updated_at, doc_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id)
		DO UPDATE SET content = EXCLUDED.content, hash = EXCLUDED.hash, version = EXCLUDED.version,
			source = EXCLUDED.source, updated_at = EXCLUDED.updated_at, doc_state = EXCLUDED.doc_state
		WHERE %[1]s.version <= EXCLUDED.version`, postgresQuoteIdentifier(b.tableName))
	for id, script := range state.Scripts {
		if script == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, query, id, script.Content, script.Hash, script.Version, script.Source, script.UpdatedAt, script.DocState); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				project_id TEXT PRIMARY KEY,
				content TEXT NOT NULL,
				hash TEXT NOT NULL,
				version INTEGER NOT NULL,
				source TEXT NOT NULL DEFAULT '',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				doc_state BYTEA
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
