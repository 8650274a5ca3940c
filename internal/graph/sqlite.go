// Package graph is a branch-aware temporal graph store. Every write appends to
// a per-branch change log; the state of a branch at an instant is its own
// changes, falling back to its origin branch as of the branch point.
package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/systemshift/graphdiff/internal/diff"
)

// DefaultBranch is created when the store is opened.
const DefaultBranch = "main"

// ErrBranchExists is returned when creating a branch whose name is taken.
var ErrBranchExists = errors.New("branch already exists")

// Branch is a named version line of the graph.
type Branch struct {
	Name   string `json:"name"`
	Origin string `json:"origin,omitempty"`
	// BranchedFrom is the instant the branch sees its origin at. It starts at
	// the creation time and moves forward on merge and rebase.
	BranchedFrom time.Time `json:"branched_from"`
	CreatedAt    time.Time `json:"created_at"`
	IsDefault    bool      `json:"is_default"`
}

// SQLite implements the graph store on SQLite.
type SQLite struct {
	db     *sql.DB
	schema *diff.Schema
	logger *zap.Logger
}

// NewSQLite opens the store at dbPath, creates the schema and the default
// branch. The schema snapshot decides which relationships hold one peer.
func NewSQLite(ctx context.Context, dbPath string, schema *diff.Schema, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("connecting to sqlite: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range allPragmas() {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}
	for _, stmt := range allSchemaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	s := &SQLite{db: db, schema: schema, logger: logger}
	_, err = db.ExecContext(ctx, `
		INSERT OR IGNORE INTO branches (name, origin, branched_from, created_at, is_default)
		VALUES (?, '', ?, ?, 1)
	`, DefaultBranch, formatTime(time.Time{}), formatTime(time.Now()))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating default branch: %w", err)
	}
	return s, nil
}

// Close closes the SQLite connection
func (s *SQLite) Close(ctx context.Context) error {
	return s.db.Close()
}

// CreateBranch creates name from origin at the given instant.
func (s *SQLite) CreateBranch(ctx context.Context, name, origin string, at time.Time) (*Branch, error) {
	if name == "" || origin == "" {
		return nil, &diff.ValidationError{Reason: "branch name and origin are required"}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := getBranch(ctx, tx, origin); err != nil {
		return nil, err
	}
	if _, err := getBranch(ctx, tx, name); err == nil {
		return nil, fmt.Errorf("branch %s: %w", name, ErrBranchExists)
	} else if !errors.Is(err, diff.ErrNotFound) {
		return nil, err
	}

	b := &Branch{Name: name, Origin: origin, BranchedFrom: at.UTC(), CreatedAt: at.UTC()}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO branches (name, origin, branched_from, created_at, is_default)
		VALUES (?, ?, ?, ?, 0)
	`, b.Name, b.Origin, formatTime(b.BranchedFrom), formatTime(b.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("inserting branch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.Info("branch created",
		zap.String("branch", name),
		zap.String("origin", origin),
		zap.Time("branched_from", b.BranchedFrom))
	return b, nil
}

// GetBranch returns the branch called name.
func (s *SQLite) GetBranch(ctx context.Context, name string) (*Branch, error) {
	return getBranch(ctx, s.db, name)
}

// BranchedFrom returns the instant name sees its origin at.
func (s *SQLite) BranchedFrom(ctx context.Context, name string) (time.Time, error) {
	b, err := s.GetBranch(ctx, name)
	if err != nil {
		return time.Time{}, err
	}
	return b.BranchedFrom, nil
}

// ListBranches returns every branch ordered by name.
func (s *SQLite) ListBranches(ctx context.Context) ([]*Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, origin, branched_from, created_at, is_default
		FROM branches
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	defer rows.Close()

	var out []*Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetBranchedFrom moves the branch point of name. It never moves backwards.
func (s *SQLite) SetBranchedFrom(ctx context.Context, name string, at time.Time) error {
	b, err := s.GetBranch(ctx, name)
	if err != nil {
		return err
	}
	if b.IsDefault {
		return &diff.ValidationError{Reason: fmt.Sprintf("branch %s has no origin", name)}
	}
	if at.Before(b.BranchedFrom) {
		return &diff.ValidationError{Reason: fmt.Sprintf("branch %s is already branched from %s",
			name, b.BranchedFrom.Format(time.RFC3339Nano))}
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE branches SET branched_from = ? WHERE name = ?`, formatTime(at), name); err != nil {
		return fmt.Errorf("updating branch: %w", err)
	}
	s.logger.Info("branch point moved", zap.String("branch", name), zap.Time("branched_from", at))
	return nil
}

// Batch runs fn inside one transaction. All writes of fn commit together.
func (s *SQLite) Batch(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, schema: s.schema}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func getBranch(ctx context.Context, q querier, name string) (*Branch, error) {
	row := q.QueryRowContext(ctx, `
		SELECT name, origin, branched_from, created_at, is_default
		FROM branches
		WHERE name = ?
	`, name)
	b, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("branch %s: %w", name, diff.ErrNotFound)
	}
	return b, err
}

func scanBranch(row scanner) (*Branch, error) {
	var (
		b                        Branch
		branchedFrom, createdAt string
		isDefault                int
	)
	if err := row.Scan(&b.Name, &b.Origin, &branchedFrom, &createdAt, &isDefault); err != nil {
		return nil, err
	}
	var err error
	if b.BranchedFrom, err = parseTime(branchedFrom); err != nil {
		return nil, fmt.Errorf("parsing branched_from: %w", err)
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	b.IsDefault = isDefault == 1
	return &b, nil
}

// timeLayout sorts lexically, so instants are compared as strings in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
