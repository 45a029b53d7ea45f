// Package pgstore implements the remote-relational storage.Backend over
// PostgreSQL via database/sql and github.com/lib/pq. Row-level locking
// uses SELECT ... FOR UPDATE inside the enclosing transaction rather than
// the in-process mutex map pebblestore relies on, since multiple process
// instances may share one database.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/progressdb/openmemory-core/internal/model"
	"github.com/progressdb/openmemory-core/internal/storage"
)

// Store is a storage.Backend backed by a PostgreSQL connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to dsn, applies the schema if it is not already present,
// and returns a ready Store. Callers own the returned Store's lifetime and
// must call Close.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Run executes fn inside a serializable transaction. fn's error rolls the
// transaction back; a nil error commits.
func (s *Store) Run(ctx context.Context, fn func(tx storage.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}

	tx := &pgTx{ctx: ctx, sqlTx: sqlTx}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("pgstore: rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("pgstore: commit: %w", err)
	}
	return nil
}

type pgTx struct {
	ctx   context.Context
	sqlTx *sql.Tx
}

// LockFactKey takes a SELECT ... FOR UPDATE over the (owner, subject,
// predicate) keyspace so the read-check-write sequence callers perform
// next is serialized against concurrent transactions touching the same
// keyspace. Locking a keyspace with no existing rows is a no-op: Postgres
// has nothing to lock until InsertFact creates the first row. Concurrent
// first inserts into the same keyspace are instead caught by the
// serializable isolation level Run uses, which aborts all but one of the
// conflicting transactions with a serialization failure; the facts table
// has no unique index on the active row.
func (t *pgTx) LockFactKey(ownerID *string, subject, predicate string) error {
	_, err := t.sqlTx.ExecContext(t.ctx,
		`SELECT id FROM facts WHERE owner_id IS NOT DISTINCT FROM $1 AND subject = $2 AND predicate = $3 FOR UPDATE`,
		ownerID, subject, predicate)
	if err != nil {
		return fmt.Errorf("pgstore: lock fact key: %w", err)
	}
	return nil
}

func (t *pgTx) LockEdgeKey(ownerID *string, sourceID, targetID, relationType string) error {
	_, err := t.sqlTx.ExecContext(t.ctx,
		`SELECT id FROM edges WHERE owner_id IS NOT DISTINCT FROM $1 AND source_id = $2 AND target_id = $3 AND relation_type = $4 FOR UPDATE`,
		ownerID, sourceID, targetID, relationType)
	if err != nil {
		return fmt.Errorf("pgstore: lock edge key: %w", err)
	}
	return nil
}

func (t *pgTx) FindActiveFact(ownerID *string, subject, predicate, object string) (*storage.FactRow, error) {
	row := t.sqlTx.QueryRowContext(t.ctx, `
		SELECT id, owner_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata
		FROM facts
		WHERE owner_id IS NOT DISTINCT FROM $1 AND subject = $2 AND predicate = $3 AND object = $4 AND valid_to IS NULL`,
		ownerID, subject, predicate, object)
	return scanFactRow(row)
}

func (t *pgTx) FindOverlappingFacts(ownerID *string, subject, predicate string, validFrom int64) ([]*storage.FactRow, error) {
	rows, err := t.sqlTx.QueryContext(t.ctx, `
		SELECT id, owner_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata
		FROM facts
		WHERE owner_id IS NOT DISTINCT FROM $1 AND subject = $2 AND predicate = $3
		  AND (valid_to IS NULL OR valid_to > $4)
		ORDER BY valid_from ASC`,
		ownerID, subject, predicate, validFrom)
	if err != nil {
		return nil, fmt.Errorf("pgstore: find overlapping facts: %w", err)
	}
	defer rows.Close()
	return scanFactRows(rows)
}

func (t *pgTx) InsertFact(row *storage.FactRow) error {
	_, err := t.sqlTx.ExecContext(t.ctx, `
		INSERT INTO facts (id, owner_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		row.ID, row.OwnerID, row.Subject, row.Predicate, row.Object, row.ValidFrom, row.ValidTo, row.Confidence, row.LastUpdated, row.MetadataEnvelope)
	if err != nil {
		return fmt.Errorf("pgstore: insert fact: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateFactValidTo(id string, validTo *int64, lastUpdated int64) error {
	_, err := t.sqlTx.ExecContext(t.ctx,
		`UPDATE facts SET valid_to = $1, last_updated = $2 WHERE id = $3`,
		validTo, lastUpdated, id)
	if err != nil {
		return fmt.Errorf("pgstore: update fact valid_to: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateFactMergeFields(id string, confidence float64, metadataEnvelope string, lastUpdated int64) error {
	_, err := t.sqlTx.ExecContext(t.ctx,
		`UPDATE facts SET confidence = $1, metadata = $2, last_updated = $3 WHERE id = $4`,
		confidence, metadataEnvelope, lastUpdated, id)
	if err != nil {
		return fmt.Errorf("pgstore: update fact merge fields: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateFactFields(id string, ownerID *string, confidence *float64, metadataEnvelope *string, lastUpdated int64) (bool, error) {
	sets := []string{"last_updated = $1"}
	args := []any{lastUpdated}
	n := 2
	if confidence != nil {
		sets = append(sets, fmt.Sprintf("confidence = $%d", n))
		args = append(args, *confidence)
		n++
	}
	if metadataEnvelope != nil {
		sets = append(sets, fmt.Sprintf("metadata = $%d", n))
		args = append(args, *metadataEnvelope)
		n++
	}
	args = append(args, id, ownerID)
	query := fmt.Sprintf(`UPDATE facts SET %s WHERE id = $%d AND owner_id IS NOT DISTINCT FROM $%d`,
		strings.Join(sets, ", "), n, n+1)

	res, err := t.sqlTx.ExecContext(t.ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("pgstore: update fact fields: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("pgstore: update fact fields rows affected: %w", err)
	}
	return affected > 0, nil
}

func (t *pgTx) GetFact(id string, ownerID *string) (*storage.FactRow, error) {
	row := t.sqlTx.QueryRowContext(t.ctx, `
		SELECT id, owner_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata
		FROM facts WHERE id = $1 AND owner_id IS NOT DISTINCT FROM $2`, id, ownerID)
	return scanFactRow(row)
}

func (t *pgTx) DeleteFact(id string, ownerID *string) (bool, error) {
	res, err := t.sqlTx.ExecContext(t.ctx,
		`DELETE FROM facts WHERE id = $1 AND owner_id IS NOT DISTINCT FROM $2`, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("pgstore: delete fact: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("pgstore: delete fact rows affected: %w", err)
	}
	return affected > 0, nil
}

func (t *pgTx) QueryFacts(filter storage.FactFilter) ([]*storage.FactRow, error) {
	var where []string
	var args []any
	n := 1

	arg := func(v any) string {
		args = append(args, v)
		p := fmt.Sprintf("$%d", n)
		n++
		return p
	}

	if id, ok := filter.Owner.ID(); ok {
		where = append(where, fmt.Sprintf("owner_id = %s", arg(id)))
	} else if filter.Owner.IsNone() {
		where = append(where, "owner_id IS NULL")
	} // OwnerAny: no constraint

	if filter.Subject != nil {
		where = append(where, fmt.Sprintf("subject = %s", arg(*filter.Subject)))
	}
	if filter.Predicate != nil {
		where = append(where, fmt.Sprintf("predicate = %s", arg(*filter.Predicate)))
	}
	if filter.Object != nil {
		where = append(where, fmt.Sprintf("object = %s", arg(*filter.Object)))
	}
	if filter.At != nil && !filter.IncludeHistorical {
		p := arg(*filter.At)
		where = append(where, fmt.Sprintf("valid_from <= %s AND (valid_to IS NULL OR valid_to >= %s)", p, p))
	}
	if filter.RangeFrom != nil && filter.RangeTo != nil {
		pf := arg(*filter.RangeFrom)
		pt := arg(*filter.RangeTo)
		where = append(where, fmt.Sprintf(
			"((valid_from <= %s AND (valid_to IS NULL OR valid_to >= %s)) OR (valid_from >= %s AND valid_from <= %s))",
			pt, pf, pf, pt))
	}
	if filter.MinConfidence > 0 {
		where = append(where, fmt.Sprintf("confidence >= %s", arg(filter.MinConfidence)))
	}
	if filter.Pattern != nil {
		pat := "%" + *filter.Pattern + "%"
		switch filter.PatternScope {
		case storage.ScopeSubject:
			where = append(where, fmt.Sprintf("subject ILIKE %s", arg(pat)))
		case storage.ScopePredicate:
			where = append(where, fmt.Sprintf("predicate ILIKE %s", arg(pat)))
		case storage.ScopeObject:
			where = append(where, fmt.Sprintf("object ILIKE %s", arg(pat)))
		default:
			p := arg(pat)
			where = append(where, fmt.Sprintf("(subject ILIKE %s OR predicate ILIKE %s OR object ILIKE %s)", p, p, p))
		}
	}

	query := "SELECT id, owner_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata FROM facts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + factOrderClause(filter.Order)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := t.sqlTx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query facts: %w", err)
	}
	defer rows.Close()
	return scanFactRows(rows)
}

func factOrderClause(order storage.FactOrder) string {
	switch order {
	case storage.OrderValidFromDesc:
		return "valid_from DESC, id ASC"
	case storage.OrderPredicateAscValidFromDesc:
		return "predicate ASC, valid_from DESC, id ASC"
	default:
		return "confidence DESC, valid_from DESC, id ASC"
	}
}

// ApplyFactDecay recomputes confidence for every active row matching
// owner as max(0.1, confidence * (1 - rate * (now - last_updated) /
// 86_400_000)). last_updated is left untouched: decay is a recomputed
// view of freshness, not an edit the caller made.
func (t *pgTx) ApplyFactDecay(rate float64, owner model.Owner, now int64) (int, error) {
	var where []string
	var args []any
	n := 1
	arg := func(v any) string {
		args = append(args, v)
		p := fmt.Sprintf("$%d", n)
		n++
		return p
	}
	where = append(where, "valid_to IS NULL")
	if id, ok := owner.ID(); ok {
		where = append(where, fmt.Sprintf("owner_id = %s", arg(id)))
	} else if owner.IsNone() {
		where = append(where, "owner_id IS NULL")
	}
	nowArg := arg(now)

	where = append(where, "confidence > 0.1")
	query := fmt.Sprintf(`
		UPDATE facts
		SET confidence = GREATEST(0.1, confidence * (1 - %f * (%s - last_updated)::double precision / 86400000.0))
		WHERE %s`, rate, nowArg, strings.Join(where, " AND "))

	res, err := t.sqlTx.ExecContext(t.ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("pgstore: apply fact decay: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pgstore: apply fact decay rows affected: %w", err)
	}
	return int(affected), nil
}

func (t *pgTx) FindActiveEdge(ownerID *string, sourceID, targetID, relationType string) (*storage.EdgeRow, error) {
	row := t.sqlTx.QueryRowContext(t.ctx, `
		SELECT id, owner_id, source_id, target_id, relation_type, valid_from, valid_to, weight, last_updated, metadata
		FROM edges
		WHERE owner_id IS NOT DISTINCT FROM $1 AND source_id = $2 AND target_id = $3 AND relation_type = $4 AND valid_to IS NULL`,
		ownerID, sourceID, targetID, relationType)
	return scanEdgeRow(row)
}

func (t *pgTx) FindOverlappingEdges(ownerID *string, sourceID, targetID, relationType string, validFrom int64) ([]*storage.EdgeRow, error) {
	rows, err := t.sqlTx.QueryContext(t.ctx, `
		SELECT id, owner_id, source_id, target_id, relation_type, valid_from, valid_to, weight, last_updated, metadata
		FROM edges
		WHERE owner_id IS NOT DISTINCT FROM $1 AND source_id = $2 AND target_id = $3 AND relation_type = $4
		  AND (valid_to IS NULL OR valid_to > $5)
		ORDER BY valid_from ASC`,
		ownerID, sourceID, targetID, relationType, validFrom)
	if err != nil {
		return nil, fmt.Errorf("pgstore: find overlapping edges: %w", err)
	}
	defer rows.Close()
	return scanEdgeRows(rows)
}

func (t *pgTx) InsertEdge(row *storage.EdgeRow) error {
	_, err := t.sqlTx.ExecContext(t.ctx, `
		INSERT INTO edges (id, owner_id, source_id, target_id, relation_type, valid_from, valid_to, weight, last_updated, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		row.ID, row.OwnerID, row.SourceID, row.TargetID, row.RelationType, row.ValidFrom, row.ValidTo, row.Weight, row.LastUpdated, row.MetadataEnvelope)
	if err != nil {
		return fmt.Errorf("pgstore: insert edge: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateEdgeValidTo(id string, validTo *int64, lastUpdated int64) error {
	_, err := t.sqlTx.ExecContext(t.ctx,
		`UPDATE edges SET valid_to = $1, last_updated = $2 WHERE id = $3`,
		validTo, lastUpdated, id)
	if err != nil {
		return fmt.Errorf("pgstore: update edge valid_to: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateEdgeMergeFields(id string, weight float64, metadataEnvelope string, lastUpdated int64) error {
	_, err := t.sqlTx.ExecContext(t.ctx,
		`UPDATE edges SET weight = $1, metadata = $2, last_updated = $3 WHERE id = $4`,
		weight, metadataEnvelope, lastUpdated, id)
	if err != nil {
		return fmt.Errorf("pgstore: update edge merge fields: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateEdgeFields(id string, ownerID *string, weight *float64, metadataEnvelope *string, lastUpdated int64) (bool, error) {
	sets := []string{"last_updated = $1"}
	args := []any{lastUpdated}
	n := 2
	if weight != nil {
		sets = append(sets, fmt.Sprintf("weight = $%d", n))
		args = append(args, *weight)
		n++
	}
	if metadataEnvelope != nil {
		sets = append(sets, fmt.Sprintf("metadata = $%d", n))
		args = append(args, *metadataEnvelope)
		n++
	}
	args = append(args, id, ownerID)
	query := fmt.Sprintf(`UPDATE edges SET %s WHERE id = $%d AND owner_id IS NOT DISTINCT FROM $%d`,
		strings.Join(sets, ", "), n, n+1)

	res, err := t.sqlTx.ExecContext(t.ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("pgstore: update edge fields: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("pgstore: update edge fields rows affected: %w", err)
	}
	return affected > 0, nil
}

func (t *pgTx) GetEdge(id string, ownerID *string) (*storage.EdgeRow, error) {
	row := t.sqlTx.QueryRowContext(t.ctx, `
		SELECT id, owner_id, source_id, target_id, relation_type, valid_from, valid_to, weight, last_updated, metadata
		FROM edges WHERE id = $1 AND owner_id IS NOT DISTINCT FROM $2`, id, ownerID)
	return scanEdgeRow(row)
}

func (t *pgTx) DeleteEdgesByFact(factID string, ownerID *string) error {
	_, err := t.sqlTx.ExecContext(t.ctx,
		`DELETE FROM edges WHERE (source_id = $1 OR target_id = $1) AND owner_id IS NOT DISTINCT FROM $2`,
		factID, ownerID)
	if err != nil {
		return fmt.Errorf("pgstore: delete edges by fact: %w", err)
	}
	return nil
}

func (t *pgTx) QueryEdges(filter storage.EdgeFilter) ([]*storage.EdgeRow, error) {
	var where []string
	var args []any
	n := 1
	arg := func(v any) string {
		args = append(args, v)
		p := fmt.Sprintf("$%d", n)
		n++
		return p
	}

	if id, ok := filter.Owner.ID(); ok {
		where = append(where, fmt.Sprintf("owner_id = %s", arg(id)))
	} else if filter.Owner.IsNone() {
		where = append(where, "owner_id IS NULL")
	}
	if filter.SourceID != nil {
		where = append(where, fmt.Sprintf("source_id = %s", arg(*filter.SourceID)))
	}
	if filter.TargetID != nil {
		where = append(where, fmt.Sprintf("target_id = %s", arg(*filter.TargetID)))
	}
	if filter.RelationType != nil {
		where = append(where, fmt.Sprintf("relation_type = %s", arg(*filter.RelationType)))
	}
	if filter.At != nil {
		p := arg(*filter.At)
		where = append(where, fmt.Sprintf("valid_from <= %s AND (valid_to IS NULL OR valid_to >= %s)", p, p))
	}

	query := "SELECT id, owner_id, source_id, target_id, relation_type, valid_from, valid_to, weight, last_updated, metadata FROM edges"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY weight DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := t.sqlTx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query edges: %w", err)
	}
	defer rows.Close()
	return scanEdgeRows(rows)
}

func scanFactRow(row *sql.Row) (*storage.FactRow, error) {
	var r storage.FactRow
	if err := row.Scan(&r.ID, &r.OwnerID, &r.Subject, &r.Predicate, &r.Object, &r.ValidFrom, &r.ValidTo, &r.Confidence, &r.LastUpdated, &r.MetadataEnvelope); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pgstore: scan fact: %w", err)
	}
	return &r, nil
}

func scanFactRows(rows *sql.Rows) ([]*storage.FactRow, error) {
	var out []*storage.FactRow
	for rows.Next() {
		var r storage.FactRow
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Subject, &r.Predicate, &r.Object, &r.ValidFrom, &r.ValidTo, &r.Confidence, &r.LastUpdated, &r.MetadataEnvelope); err != nil {
			return nil, fmt.Errorf("pgstore: scan fact row: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: fact rows: %w", err)
	}
	return out, nil
}

func scanEdgeRow(row *sql.Row) (*storage.EdgeRow, error) {
	var r storage.EdgeRow
	if err := row.Scan(&r.ID, &r.OwnerID, &r.SourceID, &r.TargetID, &r.RelationType, &r.ValidFrom, &r.ValidTo, &r.Weight, &r.LastUpdated, &r.MetadataEnvelope); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pgstore: scan edge: %w", err)
	}
	return &r, nil
}

func scanEdgeRows(rows *sql.Rows) ([]*storage.EdgeRow, error) {
	var out []*storage.EdgeRow
	for rows.Next() {
		var r storage.EdgeRow
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.SourceID, &r.TargetID, &r.RelationType, &r.ValidFrom, &r.ValidTo, &r.Weight, &r.LastUpdated, &r.MetadataEnvelope); err != nil {
			return nil, fmt.Errorf("pgstore: scan edge row: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: edge rows: %w", err)
	}
	return out, nil
}

// IsUniqueViolation reports whether err is a Postgres unique_violation,
// useful to callers that want to translate a race on InsertFact/InsertEdge
// into a domain-level conflict rather than a generic storage error.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
