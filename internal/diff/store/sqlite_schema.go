package store

const schemaDiffRoots = `
CREATE TABLE IF NOT EXISTS diff_roots (
    uuid TEXT PRIMARY KEY,
    partner_uuid TEXT NOT NULL DEFAULT '',
    tracking_id TEXT NOT NULL DEFAULT '',
    base_branch TEXT NOT NULL,
    diff_branch TEXT NOT NULL,
    from_time TEXT NOT NULL,
    to_time TEXT NOT NULL,
    num_added INTEGER NOT NULL DEFAULT 0,
    num_updated INTEGER NOT NULL DEFAULT 0,
    num_removed INTEGER NOT NULL DEFAULT 0,
    num_conflicts INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL
)`

const schemaDiffConflicts = `
CREATE TABLE IF NOT EXISTS diff_conflicts (
    uuid TEXT PRIMARY KEY,
    root_uuid TEXT NOT NULL REFERENCES diff_roots(uuid) ON DELETE CASCADE,
    path TEXT NOT NULL,
    selected_branch TEXT NOT NULL DEFAULT ''
)`

const indexDiffRootsBranches = `CREATE INDEX IF NOT EXISTS idx_diff_roots_branches ON diff_roots(base_branch, diff_branch, tracking_id)`
const indexDiffConflictsRoot = `CREATE INDEX IF NOT EXISTS idx_diff_conflicts_root ON diff_conflicts(root_uuid)`

const pragmaWAL = `PRAGMA journal_mode=WAL`
const pragmaFK = `PRAGMA foreign_keys=ON`
const pragmaBusyTimeout = `PRAGMA busy_timeout=5000`
const pragmaSynchronous = `PRAGMA synchronous=NORMAL`

func allSchemaStatements() []string {
	return []string{
		schemaDiffRoots,
		schemaDiffConflicts,
		indexDiffRootsBranches,
		indexDiffConflictsRoot,
	}
}

func allPragmas() []string {
	return []string{
		pragmaWAL,
		pragmaFK,
		pragmaBusyTimeout,
		pragmaSynchronous,
	}
}
