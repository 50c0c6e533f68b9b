package index

// Schema is the DDL of a generation index. The full record is kept as JSON
// in the record column; the other columns exist for filtering and sorting.
// List-valued fields are stored comma-framed (",A,B,") for exact membership
// tests with instr().
const Schema = `
CREATE TABLE IF NOT EXISTS defects (
    id                INTEGER PRIMARY KEY,
    name              TEXT NOT NULL DEFAULT '',
    display_name      TEXT NOT NULL DEFAULT '',
    status            TEXT,
    priority          TEXT,
    priority_rank     INTEGER NOT NULL,
    severity          TEXT,
    owner             TEXT,
    detected_by       TEXT,
    description       TEXT,
    dev_comments      TEXT,
    created           TEXT,
    modified          TEXT,
    closed            TEXT,
    target_date       TEXT,
    defect_type       TEXT,
    application       TEXT,
    workstream        TEXT,
    module            TEXT,
    scenarios         TEXT NOT NULL DEFAULT ',',
    blocks            TEXT NOT NULL DEFAULT ',',
    integrations      TEXT NOT NULL DEFAULT ',',
    record            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_defects_status ON defects(lower(status));
CREATE INDEX IF NOT EXISTS idx_defects_triage ON defects(priority_rank, created, id);
CREATE INDEX IF NOT EXISTS idx_defects_owner ON defects(owner);
CREATE INDEX IF NOT EXISTS idx_defects_modified ON defects(modified);

CREATE VIRTUAL TABLE IF NOT EXISTS defects_fts USING fts5(
    name,
    description,
    dev_comments,
    owner,
    detected_by,
    content='defects',
    content_rowid='id',
    tokenize='unicode61 remove_diacritics 2'
);

CREATE TABLE IF NOT EXISTS generation (
    id           TEXT NOT NULL,
    synced_at    TEXT NOT NULL,
    record_count INTEGER NOT NULL,
    log_sha256   TEXT NOT NULL
);
`
