package pgstore

const schemaDDL = `
CREATE TABLE IF NOT EXISTS facts (
	id TEXT PRIMARY KEY,
	owner_id TEXT NULL,
	subject TEXT NOT NULL,
	predicate TEXT NOT NULL,
	object TEXT NOT NULL,
	valid_from BIGINT NOT NULL,
	valid_to BIGINT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	last_updated BIGINT NOT NULL,
	metadata TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_facts_owner_subject_predicate_valid_to
	ON facts (owner_id, subject, predicate, valid_to);
CREATE INDEX IF NOT EXISTS idx_facts_owner_subject_predicate_valid_from
	ON facts (owner_id, subject, predicate, valid_from);
CREATE INDEX IF NOT EXISTS idx_facts_owner_predicate_valid_from
	ON facts (owner_id, predicate, valid_from);

CREATE TABLE IF NOT EXISTS edges (
	id TEXT PRIMARY KEY,
	owner_id TEXT NULL,
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	relation_type TEXT NOT NULL,
	valid_from BIGINT NOT NULL,
	valid_to BIGINT NULL,
	weight DOUBLE PRECISION NOT NULL,
	last_updated BIGINT NOT NULL,
	metadata TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_edges_owner_source
	ON edges (owner_id, source_id);
CREATE INDEX IF NOT EXISTS idx_edges_owner_target
	ON edges (owner_id, target_id);
CREATE INDEX IF NOT EXISTS idx_edges_owner_relation_valid_to
	ON edges (owner_id, relation_type, valid_to);
`
