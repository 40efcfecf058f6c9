// Package cellsdb stores a cell payload in SQLite and serves it back as a
// data source.
package cellsdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/atlasmap-sc/cellview/internal/store"
)

// Store is a SQLite-backed cell database.
type Store struct {
	path string
	db   *sql.DB
	mu   sync.Mutex
}

// NewStore opens (creating if needed) the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{path: dbPath, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS genes (
		idx INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cells (
		idx INTEGER PRIMARY KEY,
		cell_id TEXT NOT NULL,
		embedding_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS expression (
		cell_idx INTEGER NOT NULL,
		gene_idx INTEGER NOT NULL,
		value REAL NOT NULL,
		PRIMARY KEY (cell_idx, gene_idx)
	);

	CREATE TABLE IF NOT EXISTS categorical (
		cell_idx INTEGER NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (cell_idx, name)
	);

	CREATE TABLE IF NOT EXISTS continuous (
		cell_idx INTEGER NOT NULL,
		name TEXT NOT NULL,
		value REAL NOT NULL,
		PRIMARY KEY (cell_idx, name)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Import replaces the database contents with p. Zero and missing expression
// entries are not stored, and neither are records a decoder marked malformed.
func (s *Store) Import(ctx context.Context, p *store.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"genes", "cells", "expression", "categorical", "continuous"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	geneStmt, err := tx.PrepareContext(ctx, `INSERT INTO genes (idx, name) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer geneStmt.Close()
	for i, g := range p.Genes {
		if _, err := geneStmt.ExecContext(ctx, i, g); err != nil {
			return err
		}
	}

	cellStmt, err := tx.PrepareContext(ctx, `INSERT INTO cells (idx, cell_id, embedding_json) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer cellStmt.Close()
	exprStmt, err := tx.PrepareContext(ctx, `INSERT INTO expression (cell_idx, gene_idx, value) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer exprStmt.Close()
	catStmt, err := tx.PrepareContext(ctx, `INSERT INTO categorical (cell_idx, name, value) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer catStmt.Close()
	contStmt, err := tx.PrepareContext(ctx, `INSERT INTO continuous (cell_idx, name, value) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer contStmt.Close()

	for i, c := range p.Cells {
		if c.Malformed != "" {
			continue
		}
		embedding, err := json.Marshal(c.Embedding)
		if err != nil {
			return fmt.Errorf("cell %d: failed to marshal embedding: %w", i, err)
		}
		if _, err := cellStmt.ExecContext(ctx, i, c.ID, string(embedding)); err != nil {
			return err
		}
		for g, v := range c.Expression {
			if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			if _, err := exprStmt.ExecContext(ctx, i, g, v); err != nil {
				return err
			}
		}
		for k, v := range c.Categorical {
			if _, err := catStmt.ExecContext(ctx, i, k, v); err != nil {
				return err
			}
		}
		for k, v := range c.Continuous {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			if _, err := contStmt.ExecContext(ctx, i, k, v); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// Name returns the database path.
func (s *Store) Name() string { return "sqlite:" + s.path }

// Fetch reads the whole database as a payload.
func (s *Store) Fetch(ctx context.Context) (*store.Payload, error) {
	p := &store.Payload{}

	rows, err := s.db.QueryContext(ctx, `SELECT name FROM genes ORDER BY idx`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		p.Genes = append(p.Genes, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byIdx := make(map[int64]int)
	rows, err = s.db.QueryContext(ctx, `SELECT idx, cell_id, embedding_json FROM cells ORDER BY idx`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var idx int64
		var c store.CellPayload
		var embedding string
		if err := rows.Scan(&idx, &c.ID, &embedding); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(embedding), &c.Embedding); err != nil {
			rows.Close()
			return nil, fmt.Errorf("cell %d: failed to unmarshal embedding: %w", idx, err)
		}
		c.Expression = make([]float64, len(p.Genes))
		byIdx[idx] = len(p.Cells)
		p.Cells = append(p.Cells, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.scan(ctx, `SELECT cell_idx, gene_idx, value FROM expression`, func(r *sql.Rows) error {
		var ci, gi int64
		var v float64
		if err := r.Scan(&ci, &gi, &v); err != nil {
			return err
		}
		if i, ok := byIdx[ci]; ok && gi >= 0 && int(gi) < len(p.Genes) {
			p.Cells[i].Expression[gi] = v
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := s.scan(ctx, `SELECT cell_idx, name, value FROM categorical`, func(r *sql.Rows) error {
		var ci int64
		var name, v string
		if err := r.Scan(&ci, &name, &v); err != nil {
			return err
		}
		if i, ok := byIdx[ci]; ok {
			if p.Cells[i].Categorical == nil {
				p.Cells[i].Categorical = make(map[string]string)
			}
			p.Cells[i].Categorical[name] = v
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := s.scan(ctx, `SELECT cell_idx, name, value FROM continuous`, func(r *sql.Rows) error {
		var ci int64
		var name string
		var v float64
		if err := r.Scan(&ci, &name, &v); err != nil {
			return err
		}
		if i, ok := byIdx[ci]; ok {
			if p.Cells[i].Continuous == nil {
				p.Cells[i].Continuous = make(map[string]float64)
			}
			p.Cells[i].Continuous[name] = v
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return p, nil
}

func (s *Store) scan(ctx context.Context, query string, fn func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Counts returns the number of genes and cells stored.
func (s *Store) Counts(ctx context.Context) (genes, cells int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM genes`).Scan(&genes); err != nil {
		return 0, 0, err
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cells`).Scan(&cells); err != nil {
		return 0, 0, err
	}
	return genes, cells, nil
}
