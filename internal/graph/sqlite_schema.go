package graph

const schemaBranches = `
CREATE TABLE IF NOT EXISTS branches (
    name TEXT PRIMARY KEY,
    origin TEXT NOT NULL DEFAULT '',
    branched_from TEXT NOT NULL,
    created_at TEXT NOT NULL,
    is_default INTEGER NOT NULL DEFAULT 0
)`

// Every write to a branch is a row of the change log. A row is keyed by the
// entity it touches and its timestamp, so writing the same entity at the same
// instant again replaces the row instead of appending one.
const schemaChanges = `
CREATE TABLE IF NOT EXISTS changes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    branch TEXT NOT NULL REFERENCES branches(name),
    node_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    element_type TEXT NOT NULL,
    element TEXT NOT NULL DEFAULT '',
    peer_id TEXT NOT NULL DEFAULT '',
    edge_kind TEXT NOT NULL,
    changed_at TEXT NOT NULL,
    action TEXT NOT NULL,
    value_before TEXT NOT NULL DEFAULT '',
    value_after TEXT NOT NULL DEFAULT '',
    UNIQUE (branch, node_id, element_type, element, peer_id, edge_kind, changed_at)
)`

const indexChangesWindow = `CREATE INDEX IF NOT EXISTS idx_changes_window ON changes(branch, changed_at)`
const indexChangesNode = `CREATE INDEX IF NOT EXISTS idx_changes_node ON changes(node_id, branch, changed_at)`

const pragmaWAL = `PRAGMA journal_mode=WAL`
const pragmaFK = `PRAGMA foreign_keys=ON`
const pragmaBusyTimeout = `PRAGMA busy_timeout=5000`
const pragmaSynchronous = `PRAGMA synchronous=NORMAL`

func allSchemaStatements() []string {
	return []string{
		schemaBranches,
		schemaChanges,
		indexChangesWindow,
		indexChangesNode,
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
