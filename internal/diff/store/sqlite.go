package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/systemshift/graphdiff/internal/diff"
)

// SQLiteRepository stores each root as a JSON document, with a conflict index
// table so a conflict can be resolved by uuid alone.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLite opens the database at dbPath and creates the schema.
func NewSQLite(ctx context.Context, dbPath string) (*SQLiteRepository, error) {
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
	return &SQLiteRepository{db: db}, nil
}

// Close closes the SQLite connection
func (r *SQLiteRepository) Close(ctx context.Context) error {
	return r.db.Close()
}

func (r *SQLiteRepository) GetOne(ctx context.Context, q Query) (*diff.Root, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	var row *sql.Row
	if q.UUID != "" {
		row = r.db.QueryRowContext(ctx, `SELECT payload FROM diff_roots WHERE uuid = ?`, q.UUID)
	} else {
		row = r.db.QueryRowContext(ctx, `
			SELECT payload FROM diff_roots
			WHERE base_branch = ? AND diff_branch = ? AND tracking_id = ?
			ORDER BY to_time DESC
			LIMIT 1
		`, q.BaseBranch, q.DiffBranch, string(q.TrackingID))
	}

	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, diff.ErrNotFound
		}
		return nil, fmt.Errorf("reading diff root: %w", err)
	}
	return decodeRoot(payload)
}

func (r *SQLiteRepository) Save(ctx context.Context, root *diff.Root) error {
	if root.UUID == "" {
		return fmt.Errorf("saving diff root without uuid")
	}
	payload, err := encodeRoot(root)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteRoot(ctx, tx, root.UUID); err != nil {
		return fmt.Errorf("replacing diff root: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO diff_roots (uuid, partner_uuid, tracking_id, base_branch, diff_branch,
		                        from_time, to_time, num_added, num_updated, num_removed, num_conflicts, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		root.UUID,
		root.PartnerUUID,
		string(root.TrackingID),
		root.BaseBranch,
		root.DiffBranch,
		formatTime(root.FromTime),
		formatTime(root.ToTime),
		root.NumAdded,
		root.NumUpdated,
		root.NumRemoved,
		root.NumConflicts,
		payload,
	)
	if err != nil {
		return fmt.Errorf("inserting diff root: %w", err)
	}

	for _, c := range conflictRows(root) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO diff_conflicts (uuid, root_uuid, path, selected_branch)
			VALUES (?, ?, ?, ?)
		`, c.UUID, root.UUID, c.Path, string(c.Selected))
		if err != nil {
			return fmt.Errorf("inserting conflict %s: %w", c.UUID, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) Delete(ctx context.Context, uuid string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	if err := deleteRoot(ctx, tx, uuid); err != nil {
		return fmt.Errorf("deleting diff root: %w", err)
	}
	return tx.Commit()
}

// deleteRoot removes a root together with its conflict index.
func deleteRoot(ctx context.Context, tx *sql.Tx, uuid string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM diff_conflicts WHERE root_uuid = ?`, uuid); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM diff_roots WHERE uuid = ?`, uuid)
	return err
}

func (r *SQLiteRepository) UpdateConflict(ctx context.Context, conflictUUID string, selected diff.BranchSide) error {
	if err := checkSide(selected); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var rootUUID, payload string
	err = tx.QueryRowContext(ctx, `
		SELECT r.uuid, r.payload
		FROM diff_conflicts c JOIN diff_roots r ON r.uuid = c.root_uuid
		WHERE c.uuid = ?
	`, conflictUUID).Scan(&rootUUID, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conflict %s: %w", conflictUUID, diff.ErrConflictNotApplicable)
	}
	if err != nil {
		return fmt.Errorf("reading conflict: %w", err)
	}

	root, err := decodeRoot(payload)
	if err != nil {
		return err
	}
	if err := setSelected(root, conflictUUID, selected); err != nil {
		return err
	}
	if payload, err = encodeRoot(root); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE diff_roots SET payload = ? WHERE uuid = ?`, payload, rootUUID); err != nil {
		return fmt.Errorf("updating diff root: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE diff_conflicts SET selected_branch = ? WHERE uuid = ?`, string(selected), conflictUUID); err != nil {
		return fmt.Errorf("updating conflict: %w", err)
	}
	return tx.Commit()
}

func (r *SQLiteRepository) GetEmptyRoots(ctx context.Context, f EmptyFilter) ([]diff.RootMetadata, error) {
	where := []string{"num_added = 0", "num_updated = 0", "num_removed = 0", "num_conflicts = 0"}
	var args []any
	if f.BaseBranch != "" {
		where = append(where, "base_branch = ?")
		args = append(args, f.BaseBranch)
	}
	if f.DiffBranch != "" {
		where = append(where, "diff_branch = ?")
		args = append(args, f.DiffBranch)
	}
	if f.OnlyAdHoc {
		where = append(where, "tracking_id = ''")
	}
	if !f.EndedBefore.IsZero() {
		where = append(where, "to_time < ?")
		args = append(args, formatTime(f.EndedBefore))
	}

	query := `
		SELECT uuid, partner_uuid, tracking_id, base_branch, diff_branch, from_time, to_time
		FROM diff_roots
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY uuid
	`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing empty diff roots: %w", err)
	}
	defer rows.Close()

	var out []diff.RootMetadata
	for rows.Next() {
		var md diff.RootMetadata
		var tracking, from, to string
		if err := rows.Scan(&md.UUID, &md.PartnerUUID, &tracking, &md.BaseBranch, &md.DiffBranch, &from, &to); err != nil {
			return nil, err
		}
		md.TrackingID = diff.TrackingID(tracking)
		if md.FromTime, err = parseTime(from); err != nil {
			return nil, fmt.Errorf("parsing from_time: %w", err)
		}
		if md.ToTime, err = parseTime(to); err != nil {
			return nil, fmt.Errorf("parsing to_time: %w", err)
		}
		out = append(out, md)
	}
	return out, rows.Err()
}
