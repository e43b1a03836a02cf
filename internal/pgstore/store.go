// Package pgstore keeps workspace trees in PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"pkt.systems/codeyard/internal/nodetree"
	"pkt.systems/codeyard/schema"
	"pkt.systems/pslog"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS workspace_nodes (
	workspace_id TEXT NOT NULL,
	id           TEXT NOT NULL,
	parent_id    TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL,
	kind         TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	language     TEXT NOT NULL DEFAULT '',
	expanded     BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (workspace_id, id)
);
CREATE INDEX IF NOT EXISTS workspace_nodes_parent ON workspace_nodes (workspace_id, parent_id);
`

// Store is a PostgreSQL workspace store.
type Store struct {
	db  *sql.DB
	log pslog.Logger
}

// Open connects to the database and ensures the schema exists.
func Open(ctx context.Context, dsn string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	store := New(db, logger)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an open database handle.
func New(db *sql.DB, logger pslog.Logger) *Store {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Store{db: db, log: logger.With("store", "postgres")}
}

// Migrate creates the node table.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadTree returns the workspace tree.
func (s *Store) LoadTree(ctx context.Context, ws schema.WorkspaceID) ([]*schema.WorkspaceNode, error) {
	set, err := s.load(ctx, s.db, ws, false)
	if err != nil {
		return nil, err
	}
	return set.Tree(), nil
}

// LoadContent returns one node including content.
func (s *Store) LoadContent(ctx context.Context, ws schema.WorkspaceID, id schema.NodeID) (schema.WorkspaceNode, error) {
	set, err := s.load(ctx, s.db, ws, false)
	if err != nil {
		return schema.WorkspaceNode{}, err
	}
	return set.Node(id)
}

// UpdateContent replaces a file's content.
func (s *Store) UpdateContent(ctx context.Context, ws schema.WorkspaceID, id schema.NodeID, text string) error {
	_, err := s.mutate(ctx, ws, func(tx *sql.Tx, set *nodetree.Set) (schema.WorkspaceNode, error) {
		node, err := set.Update(id, text)
		if err != nil {
			return node, err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE workspace_nodes SET content = $3, updated_at = now() WHERE workspace_id = $1 AND id = $2`,
			string(ws), string(id), text)
		return node, err
	})
	return err
}

// Create adds a file or folder.
func (s *Store) Create(ctx context.Context, ws schema.WorkspaceID, req schema.CreateNodeRequest) (schema.WorkspaceNode, error) {
	return s.mutate(ctx, ws, func(tx *sql.Tx, set *nodetree.Set) (schema.WorkspaceNode, error) {
		node, err := set.Create(schema.NodeID(uuid.NewString()), req)
		if err != nil {
			return node, err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workspace_nodes (workspace_id, id, parent_id, name, kind, content, language, expanded)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			string(ws), string(node.ID), string(node.ParentID), node.Name, string(node.Kind), node.Content, node.Language, node.Expanded)
		return node, err
	})
}

// Rename renames a node in place.
func (s *Store) Rename(ctx context.Context, ws schema.WorkspaceID, req schema.RenameNodeRequest) (schema.WorkspaceNode, error) {
	return s.mutate(ctx, ws, func(tx *sql.Tx, set *nodetree.Set) (schema.WorkspaceNode, error) {
		node, err := set.Rename(req.ID, req.Name)
		if err != nil {
			return node, err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE workspace_nodes SET name = $3, updated_at = now() WHERE workspace_id = $1 AND id = $2`,
			string(ws), string(req.ID), req.Name)
		return node, err
	})
}

// Move reparents a node.
func (s *Store) Move(ctx context.Context, ws schema.WorkspaceID, req schema.MoveNodeRequest) (schema.WorkspaceNode, error) {
	return s.mutate(ctx, ws, func(tx *sql.Tx, set *nodetree.Set) (schema.WorkspaceNode, error) {
		node, err := set.Move(req.ID, req.ParentID)
		if err != nil {
			return node, err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE workspace_nodes SET parent_id = $3, updated_at = now() WHERE workspace_id = $1 AND id = $2`,
			string(ws), string(req.ID), string(req.ParentID))
		return node, err
	})
}

// Delete removes a node and everything below it.
func (s *Store) Delete(ctx context.Context, ws schema.WorkspaceID, id schema.NodeID) error {
	_, err := s.mutate(ctx, ws, func(tx *sql.Tx, set *nodetree.Set) (schema.WorkspaceNode, error) {
		removed, err := set.Delete(id)
		if err != nil {
			return schema.WorkspaceNode{}, err
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM workspace_nodes WHERE workspace_id = $1 AND id = ANY($2)`,
			string(ws), pq.Array(idStrings(removed)))
		return schema.WorkspaceNode{ID: id}, err
	})
	return err
}

// Search matches node names and file lines.
func (s *Store) Search(ctx context.Context, ws schema.WorkspaceID, req schema.SearchRequest) ([]schema.SearchHit, error) {
	set, err := s.load(ctx, s.db, ws, false)
	if err != nil {
		return nil, err
	}
	return set.Search(req), nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) load(ctx context.Context, q querier, ws schema.WorkspaceID, lock bool) (*nodetree.Set, error) {
	if lock {
		// Serializes writers per workspace for the rest of the transaction.
		if _, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(ws)); err != nil {
			return nil, fmt.Errorf("lock workspace: %w", err)
		}
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, parent_id, name, kind, content, language, expanded
		 FROM workspace_nodes WHERE workspace_id = $1`, string(ws))
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()
	var records []nodetree.Record
	for rows.Next() {
		var (
			id, parent, kind string
			rec              nodetree.Record
		)
		if err := rows.Scan(&id, &parent, &rec.Name, &kind, &rec.Content, &rec.Language, &rec.Expanded); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		rec.ID = schema.NodeID(id)
		rec.ParentID = schema.NodeID(parent)
		rec.Kind = schema.NodeKind(kind)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return nodetree.New(records), nil
}

func (s *Store) mutate(ctx context.Context, ws schema.WorkspaceID, fn func(*sql.Tx, *nodetree.Set) (schema.WorkspaceNode, error)) (schema.WorkspaceNode, error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.WorkspaceNode{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	set, err := s.load(ctx, tx, ws, true)
	if err != nil {
		return schema.WorkspaceNode{}, err
	}
	node, err := fn(tx, set)
	if err != nil {
		return schema.WorkspaceNode{}, describe(err)
	}
	if err := tx.Commit(); err != nil {
		return schema.WorkspaceNode{}, fmt.Errorf("commit: %w", err)
	}
	s.log.Trace("postgres store write", "workspace", ws, "node", node.ID, "elapsed", time.Since(start))
	return node, nil
}

// describe adds the postgres error code to driver errors.
func describe(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("postgres %s (%s): %w", pqErr.Code.Name(), pqErr.Code, err)
	}
	return err
}

func idStrings(ids []schema.NodeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
