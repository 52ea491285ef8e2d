// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store implements the local transactional entity store backing the
// mirror. Entities are schemaless JSON rows addressed by an opaque ID, with
// secondary lookups by GitHub numeric ID or by a composite natural key, and
// directional links between entities. All multi-entity writes go through
// [DB.Transact] so readers never observe a half-applied update.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entity is one mirrored row. GitHubID is zero when the remote shape carries
// no numeric ID; NaturalKey is empty when the entity has no composite key.
type Entity struct {
	ID         string
	Kind       string
	GitHubID   int64
	NaturalKey string
	Data       map[string]any
	UpdatedAt  time.Time
}

// Link records a directional relationship from one entity to another.
type Link struct {
	Rel  string
	ToID string
}

// Op is a single write operation inside a transaction.
type Op interface {
	isOp()
}

// UpsertOp inserts or replaces an entity and records its links.
type UpsertOp struct {
	Entity *Entity
	Links  []Link
}

// DeleteOp removes an entity and any links that reference it.
type DeleteOp struct {
	ID string
}

func (UpsertOp) isOp() {}
func (DeleteOp) isOp() {}

// DB is a handle to the sqlite-backed store.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the store at the given path and applies
// the schema. The path may be any sqlite DSN; tests pass a temp file.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows a single writer; a small pool only produces busy errors.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Transact applies all ops atomically.
func (d *DB) Transact(ctx context.Context, ops []Op) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	for _, op := range ops {
		switch o := op.(type) {
		case UpsertOp:
			if err := upsertTx(ctx, tx, o); err != nil {
				return err
			}
		case DeleteOp:
			if err := deleteTx(ctx, tx, o.ID); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown op type %T", op)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertTx(ctx context.Context, tx *sql.Tx, o UpsertOp) error {
	e := o.Entity
	if e.ID == "" {
		return fmt.Errorf("entity has no id")
	}

	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal entity %s: %w", e.ID, err)
	}

	var githubID sql.NullInt64
	if e.GitHubID != 0 {
		githubID = sql.NullInt64{Int64: e.GitHubID, Valid: true}
	}
	var naturalKey sql.NullString
	if e.NaturalKey != "" {
		naturalKey = sql.NullString{String: e.NaturalKey, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entities (id, kind, github_id, natural_key, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			github_id = excluded.github_id,
			natural_key = excluded.natural_key,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		e.ID, e.Kind, githubID, naturalKey, string(data), e.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", e.ID, err)
	}

	for _, l := range o.Links {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO links (from_id, rel, to_id) VALUES (?, ?, ?)`,
			e.ID, l.Rel, l.ToID); err != nil {
			return fmt.Errorf("failed to link %s -[%s]-> %s: %w", e.ID, l.Rel, l.ToID, err)
		}
	}
	return nil
}

func deleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE from_id = ? OR to_id = ?`, id, id); err != nil {
		return fmt.Errorf("failed to delete links for %s: %w", id, err)
	}
	return nil
}

const entityColumns = `id, kind, github_id, natural_key, data, updated_at`

func scanEntity(row interface{ Scan(...any) error }) (*Entity, error) {
	var e Entity
	var githubID sql.NullInt64
	var naturalKey sql.NullString
	var data string
	if err := row.Scan(&e.ID, &e.Kind, &githubID, &naturalKey, &data, &e.UpdatedAt); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with query context
	}
	e.GitHubID = githubID.Int64
	e.NaturalKey = naturalKey.String
	if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity %s: %w", e.ID, err)
	}
	return &e, nil
}

// Get returns the entity with the given ID, or nil if it does not exist.
func (d *DB) Get(ctx context.Context, id string) (*Entity, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s: %w", id, err)
	}
	return e, nil
}

// LookupByGitHubID returns the entity of the given kind with the given GitHub
// numeric ID, or nil if none exists.
func (d *DB) LookupByGitHubID(ctx context.Context, kind string, githubID int64) (*Entity, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE kind = ? AND github_id = ?`, kind, githubID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s/%d: %w", kind, githubID, err)
	}
	return e, nil
}

// LookupByNaturalKey returns the entity of the given kind with the given
// composite natural key, or nil if none exists.
func (d *DB) LookupByNaturalKey(ctx context.Context, kind, key string) (*Entity, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE kind = ? AND natural_key = ?`, kind, key)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s/%q: %w", kind, key, err)
	}
	return e, nil
}

// ListKind returns all entities of a kind, ordered by ID for determinism.
func (d *DB) ListKind(ctx context.Context, kind string) ([]*Entity, error) {
	return d.list(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE kind = ? ORDER BY id`, kind)
}

// ListByNaturalKeyPrefix returns all entities of a kind whose natural key
// begins with the given prefix. Used to enumerate the children of a parent
// scope (e.g. all tree entries for one (repo, ref)).
func (d *DB) ListByNaturalKeyPrefix(ctx context.Context, kind, prefix string) ([]*Entity, error) {
	return d.list(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE kind = ? AND natural_key >= ? AND natural_key < ?
		 ORDER BY natural_key`,
		kind, prefix, prefix+"\xff")
}

// ListLinked returns all entities that the given entity links to via rel.
func (d *DB) ListLinked(ctx context.Context, fromID, rel string) ([]*Entity, error) {
	return d.list(ctx,
		`SELECT e.id, e.kind, e.github_id, e.natural_key, e.data, e.updated_at
		 FROM links l JOIN entities e ON e.id = l.to_id
		 WHERE l.from_id = ? AND l.rel = ?
		 ORDER BY e.id`,
		fromID, rel)
}

// ListLinkedFrom returns all entities that link to the given entity via rel.
func (d *DB) ListLinkedFrom(ctx context.Context, toID, rel string) ([]*Entity, error) {
	return d.list(ctx,
		`SELECT e.id, e.kind, e.github_id, e.natural_key, e.data, e.updated_at
		 FROM links l JOIN entities e ON e.id = l.from_id
		 WHERE l.to_id = ? AND l.rel = ?
		 ORDER BY e.id`,
		toID, rel)
}

func (d *DB) list(ctx context.Context, query string, args ...any) ([]*Entity, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}
	return out, nil
}
