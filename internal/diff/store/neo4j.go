package store

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/systemshift/graphdiff/internal/diff"
)

// Neo4jConfig holds Neo4j connection configuration
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// Neo4jRepository stores roots as DiffRoot nodes carrying the tree as a JSON
// string, linked to one DiffConflict node per conflict.
type Neo4jRepository struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4j connects to Neo4j and creates the uniqueness constraints.
func NewNeo4j(ctx context.Context, cfg Neo4jConfig) (*Neo4jRepository, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}

	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}
	r := &Neo4jRepository{driver: driver, database: database}

	session := r.session(ctx)
	defer session.Close(ctx)
	for _, stmt := range []string{
		`CREATE CONSTRAINT diff_root_uuid IF NOT EXISTS FOR (r:DiffRoot) REQUIRE r.uuid IS UNIQUE`,
		`CREATE CONSTRAINT diff_conflict_uuid IF NOT EXISTS FOR (c:DiffConflict) REQUIRE c.uuid IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			driver.Close(ctx)
			return nil, fmt.Errorf("creating constraint: %w", err)
		}
	}
	return r, nil
}

func (r *Neo4jRepository) session(ctx context.Context) neo4j.SessionWithContext {
	return r.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: r.database})
}

// Close closes the Neo4j connection
func (r *Neo4jRepository) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

func (r *Neo4jRepository) GetOne(ctx context.Context, q Query) (*diff.Root, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	session := r.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (r:DiffRoot {uuid: $uuid})
			RETURN r.payload AS payload
		`
		params := map[string]any{"uuid": q.UUID}
		if q.UUID == "" {
			query = `
				MATCH (r:DiffRoot {base_branch: $base, diff_branch: $diff, tracking_id: $tracking})
				RETURN r.payload AS payload
				ORDER BY r.to_time DESC
				LIMIT 1
			`
			params = map[string]any{"base": q.BaseBranch, "diff": q.DiffBranch, "tracking": string(q.TrackingID)}
		}

		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, diff.ErrNotFound
		}
		payload, _ := res.Record().Get("payload")
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	payload, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("diff root payload has type %T", result)
	}
	return decodeRoot(payload)
}

func (r *Neo4jRepository) Save(ctx context.Context, root *diff.Root) error {
	if root.UUID == "" {
		return fmt.Errorf("saving diff root without uuid")
	}
	payload, err := encodeRoot(root)
	if err != nil {
		return err
	}

	var conflicts []map[string]any
	for _, c := range conflictRows(root) {
		conflicts = append(conflicts, map[string]any{
			"uuid":            c.UUID,
			"path":            c.Path,
			"selected_branch": string(c.Selected),
		})
	}

	session := r.session(ctx)
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if err := deleteNeo4jRoot(ctx, tx, root.UUID); err != nil {
			return nil, err
		}

		query := `
			CREATE (r:DiffRoot {
				uuid: $uuid,
				partner_uuid: $partner_uuid,
				tracking_id: $tracking_id,
				base_branch: $base_branch,
				diff_branch: $diff_branch,
				from_time: $from_time,
				to_time: $to_time,
				num_added: $num_added,
				num_updated: $num_updated,
				num_removed: $num_removed,
				num_conflicts: $num_conflicts,
				payload: $payload
			})
			WITH r
			UNWIND $conflicts AS c
			CREATE (r)-[:HAS_CONFLICT]->(:DiffConflict {
				uuid: c.uuid,
				path: c.path,
				selected_branch: c.selected_branch
			})
		`
		params := map[string]any{
			"uuid":          root.UUID,
			"partner_uuid":  root.PartnerUUID,
			"tracking_id":   string(root.TrackingID),
			"base_branch":   root.BaseBranch,
			"diff_branch":   root.DiffBranch,
			"from_time":     formatTime(root.FromTime),
			"to_time":       formatTime(root.ToTime),
			"num_added":     int64(root.NumAdded),
			"num_updated":   int64(root.NumUpdated),
			"num_removed":   int64(root.NumRemoved),
			"num_conflicts": int64(root.NumConflicts),
			"payload":       payload,
			"conflicts":     conflicts,
		}
		// UNWIND over an empty list yields no rows but the CREATE of r still
		// happens before it.
		_, err := tx.Run(ctx, query, params)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("saving diff root: %w", err)
	}
	return nil
}

func deleteNeo4jRoot(ctx context.Context, tx neo4j.ManagedTransaction, uuid string) error {
	_, err := tx.Run(ctx, `
		MATCH (r:DiffRoot {uuid: $uuid})
		OPTIONAL MATCH (r)-[:HAS_CONFLICT]->(c:DiffConflict)
		DETACH DELETE c, r
	`, map[string]any{"uuid": uuid})
	return err
}

func (r *Neo4jRepository) Delete(ctx context.Context, uuid string) error {
	session := r.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, deleteNeo4jRoot(ctx, tx, uuid)
	})
	if err != nil {
		return fmt.Errorf("deleting diff root: %w", err)
	}
	return nil
}

func (r *Neo4jRepository) UpdateConflict(ctx context.Context, conflictUUID string, selected diff.BranchSide) error {
	if err := checkSide(selected); err != nil {
		return err
	}
	session := r.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (r:DiffRoot)-[:HAS_CONFLICT]->(c:DiffConflict {uuid: $uuid})
			RETURN r.payload AS payload
		`, map[string]any{"uuid": conflictUUID})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, fmt.Errorf("conflict %s: %w", conflictUUID, diff.ErrConflictNotApplicable)
		}
		value, _ := res.Record().Get("payload")
		payload, _ := value.(string)

		root, err := decodeRoot(payload)
		if err != nil {
			return nil, err
		}
		if err := setSelected(root, conflictUUID, selected); err != nil {
			return nil, err
		}
		if payload, err = encodeRoot(root); err != nil {
			return nil, err
		}

		_, err = tx.Run(ctx, `
			MATCH (r:DiffRoot)-[:HAS_CONFLICT]->(c:DiffConflict {uuid: $uuid})
			SET r.payload = $payload, c.selected_branch = $selected
		`, map[string]any{"uuid": conflictUUID, "payload": payload, "selected": string(selected)})
		return nil, err
	})
	return err
}

func (r *Neo4jRepository) GetEmptyRoots(ctx context.Context, f EmptyFilter) ([]diff.RootMetadata, error) {
	session := r.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (r:DiffRoot)
			WHERE r.num_added = 0 AND r.num_updated = 0 AND r.num_removed = 0 AND r.num_conflicts = 0
			  AND ($base = '' OR r.base_branch = $base)
			  AND ($diff = '' OR r.diff_branch = $diff)
			  AND (NOT $only_ad_hoc OR r.tracking_id = '')
			  AND ($before = '' OR r.to_time < $before)
			RETURN r.uuid AS uuid, r.partner_uuid AS partner_uuid, r.tracking_id AS tracking_id,
			       r.base_branch AS base_branch, r.diff_branch AS diff_branch,
			       r.from_time AS from_time, r.to_time AS to_time
			ORDER BY r.uuid
		`
		before := ""
		if !f.EndedBefore.IsZero() {
			before = formatTime(f.EndedBefore)
		}
		res, err := tx.Run(ctx, query, map[string]any{
			"base":        f.BaseBranch,
			"diff":        f.DiffBranch,
			"only_ad_hoc": f.OnlyAdHoc,
			"before":      before,
		})
		if err != nil {
			return nil, err
		}

		var out []diff.RootMetadata
		for res.Next(ctx) {
			record := res.Record()
			str := func(key string) string {
				v, _ := record.Get(key)
				s, _ := v.(string)
				return s
			}
			md := diff.RootMetadata{
				UUID:        str("uuid"),
				PartnerUUID: str("partner_uuid"),
				TrackingID:  diff.TrackingID(str("tracking_id")),
				BaseBranch:  str("base_branch"),
				DiffBranch:  str("diff_branch"),
			}
			if md.FromTime, err = parseTime(str("from_time")); err != nil {
				return nil, fmt.Errorf("parsing from_time: %w", err)
			}
			if md.ToTime, err = parseTime(str("to_time")); err != nil {
				return nil, fmt.Errorf("parsing to_time: %w", err)
			}
			out = append(out, md)
		}
		return out, res.Err()
	})
	if err != nil {
		return nil, err
	}
	out, _ := result.([]diff.RootMetadata)
	return out, nil
}
