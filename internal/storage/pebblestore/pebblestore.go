// Package pebblestore implements the local-embedded C2 backend on top of
// github.com/cockroachdb/pebble, the teacher's own storage engine. Rows
// are JSON blobs under a primary keyspace; an ordered secondary-index
// keyspace gives prefix-scannable access to a (owner, subject, predicate)
// or (owner, source, target, relation) keyspace for the write path, the
// same way pkg/store/pebble.go scans a thread's message prefix. Every
// read through QueryFacts/QueryEdges, the decay sweep and the edge
// cascade scan the whole primary keyspace and filter in memory — acceptable for an embedded,
// single-process store; the relational backend (pgstore) uses real SQL
// indexes for the same queries.
package pebblestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/progressdb/openmemory-core/internal/errs"
	"github.com/progressdb/openmemory-core/internal/model"
	"github.com/progressdb/openmemory-core/internal/storage"
)

// Store is a storage.Backend backed by a single pebble database.
type Store struct {
	db *pebble.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errs.Storage("pebblestore.open", "open pebble db", err)
	}
	return &Store{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errs.Storage("pebblestore.close", "close pebble db", err)
	}
	return nil
}

func (s *Store) getOrCreateLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

// Run executes fn against an indexed batch: reads see both committed data
// and this transaction's own pending writes; nothing is visible to other
// readers until Commit succeeds. fn's error (or ctx cancellation) discards
// the batch instead of committing it.
func (s *Store) Run(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := s.db.NewIndexedBatch()
	tx := &pebbleTx{store: s, batch: batch}

	unlock := func() {
		for i := len(tx.locks) - 1; i >= 0; i-- {
			tx.locks[i].Unlock()
		}
	}

	err := fn(tx)
	if err != nil {
		unlock()
		_ = batch.Close()
		return err
	}
	if err := ctx.Err(); err != nil {
		unlock()
		_ = batch.Close()
		return err
	}
	// Locks must stay held until the batch is durably committed: releasing
	// them earlier lets a second writer acquire the same key, read
	// committed state that does not yet reflect this still-in-flight
	// batch, and insert a second open row (breaks cardinality-1 under
	// concurrent writers).
	commitErr := batch.Commit(pebble.Sync)
	unlock()
	if commitErr != nil {
		return errs.Storage("pebblestore.run", "commit batch", commitErr)
	}
	return nil
}

type pebbleTx struct {
	store *Store
	batch *pebble.Batch
	locks []*sync.Mutex
}

func (t *pebbleTx) LockFactKey(ownerID *string, subject, predicate string) error {
	key := "fact|" + ownerComp(ownerID) + "|" + subject + "|" + predicate
	l := t.store.getOrCreateLock(key)
	l.Lock()
	t.locks = append(t.locks, l)
	return nil
}

func (t *pebbleTx) LockEdgeKey(ownerID *string, sourceID, targetID, relationType string) error {
	key := "edge|" + ownerComp(ownerID) + "|" + sourceID + "|" + targetID + "|" + relationType
	l := t.store.getOrCreateLock(key)
	l.Lock()
	t.locks = append(t.locks, l)
	return nil
}

func (t *pebbleTx) getFactRow(id string) (*storage.FactRow, error) {
	v, closer, err := t.batch.Get(factKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("pebblestore.get", "get fact row", err)
	}
	defer closer.Close()
	var row storage.FactRow
	if err := json.Unmarshal(v, &row); err != nil {
		return nil, errs.Storage("pebblestore.get", "decode fact row", err)
	}
	return &row, nil
}

func (t *pebbleTx) putFactRow(row *storage.FactRow) error {
	b, err := json.Marshal(row)
	if err != nil {
		return errs.Storage("pebblestore.put", "encode fact row", err)
	}
	if err := t.batch.Set(factKey(row.ID), b, nil); err != nil {
		return errs.Storage("pebblestore.put", "set fact row", err)
	}
	return nil
}

func (t *pebbleTx) scanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := t.batch.NewIter(&pebble.IterOptions{})
	if err != nil {
		return errs.Storage("pebblestore.scan", "new iterator", err)
	}
	defer iter.Close()
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func (t *pebbleTx) FindActiveFact(ownerID *string, subject, predicate, object string) (*storage.FactRow, error) {
	prefix := factIdxPrefixFor(ownerID, subject, predicate)
	var found *storage.FactRow
	err := t.scanPrefix(prefix, func(key, _ []byte) error {
		id := lastSegment(key)
		row, err := t.getFactRow(id)
		if err != nil {
			return err
		}
		if row != nil && row.ValidTo == nil {
			found = row
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found != nil && found.Object == object {
		return found, nil
	}
	return nil, nil
}

func (t *pebbleTx) FindOverlappingFacts(ownerID *string, subject, predicate string, validFrom int64) ([]*storage.FactRow, error) {
	prefix := factIdxPrefixFor(ownerID, subject, predicate)
	var rows []*storage.FactRow
	err := t.scanPrefix(prefix, func(key, _ []byte) error {
		id := lastSegment(key)
		row, err := t.getFactRow(id)
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}
		if row.ValidTo == nil || *row.ValidTo > validFrom {
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ValidFrom < rows[j].ValidFrom })
	return rows, nil
}

func (t *pebbleTx) InsertFact(row *storage.FactRow) error {
	if err := t.putFactRow(row); err != nil {
		return err
	}
	idx := factIdxKey(row.OwnerID, row.Subject, row.Predicate, row.ValidFrom, row.ID)
	if err := t.batch.Set(idx, []byte{}, nil); err != nil {
		return errs.Storage("pebblestore.insert", "set fact index", err)
	}
	return nil
}

func (t *pebbleTx) UpdateFactValidTo(id string, validTo *int64, lastUpdated int64) error {
	row, err := t.getFactRow(id)
	if err != nil {
		return err
	}
	if row == nil {
		return errs.NotFound("pebblestore.update_valid_to", "fact not found: "+id)
	}
	row.ValidTo = validTo
	row.LastUpdated = lastUpdated
	return t.putFactRow(row)
}

func (t *pebbleTx) UpdateFactMergeFields(id string, confidence float64, metadataEnvelope string, lastUpdated int64) error {
	row, err := t.getFactRow(id)
	if err != nil {
		return err
	}
	if row == nil {
		return errs.NotFound("pebblestore.merge", "fact not found: "+id)
	}
	row.Confidence = confidence
	row.MetadataEnvelope = metadataEnvelope
	row.LastUpdated = lastUpdated
	return t.putFactRow(row)
}

func (t *pebbleTx) UpdateFactFields(id string, ownerID *string, confidence *float64, metadataEnvelope *string, lastUpdated int64) (bool, error) {
	row, err := t.getFactRow(id)
	if err != nil {
		return false, err
	}
	if row == nil || !ownerEqual(row.OwnerID, ownerID) {
		return false, nil
	}
	if confidence != nil {
		row.Confidence = *confidence
	}
	if metadataEnvelope != nil {
		row.MetadataEnvelope = *metadataEnvelope
	}
	row.LastUpdated = lastUpdated
	if err := t.putFactRow(row); err != nil {
		return false, err
	}
	return true, nil
}

func (t *pebbleTx) GetFact(id string, ownerID *string) (*storage.FactRow, error) {
	row, err := t.getFactRow(id)
	if err != nil {
		return nil, err
	}
	if row == nil || !ownerEqual(row.OwnerID, ownerID) {
		return nil, nil
	}
	return row, nil
}

func (t *pebbleTx) DeleteFact(id string, ownerID *string) (bool, error) {
	row, err := t.getFactRow(id)
	if err != nil {
		return false, err
	}
	if row == nil || !ownerEqual(row.OwnerID, ownerID) {
		return false, nil
	}
	if err := t.batch.Delete(factKey(id), nil); err != nil {
		return false, errs.Storage("pebblestore.delete", "delete fact row", err)
	}
	idx := factIdxKey(row.OwnerID, row.Subject, row.Predicate, row.ValidFrom, row.ID)
	if err := t.batch.Delete(idx, nil); err != nil {
		return false, errs.Storage("pebblestore.delete", "delete fact index", err)
	}
	return true, nil
}

func (t *pebbleTx) QueryFacts(filter storage.FactFilter) ([]*storage.FactRow, error) {
	var rows []*storage.FactRow
	err := t.scanPrefix([]byte(factPrefix), func(_, value []byte) error {
		var row storage.FactRow
		if err := json.Unmarshal(value, &row); err != nil {
			return errs.Storage("pebblestore.query", "decode fact row", err)
		}
		if matchFactFilter(&row, filter) {
			cp := row
			rows = append(rows, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortFacts(rows, filter.Order)
	return paginate(rows, filter.Offset, filter.Limit), nil
}

func (t *pebbleTx) ApplyFactDecay(rate float64, owner model.Owner, now int64) (int, error) {
	var toUpdate []*storage.FactRow
	err := t.scanPrefix([]byte(factPrefix), func(_, value []byte) error {
		var row storage.FactRow
		if err := json.Unmarshal(value, &row); err != nil {
			return errs.Storage("pebblestore.decay", "decode fact row", err)
		}
		if row.ValidTo == nil && row.Confidence > 0.1 && owner.Matches(row.OwnerID) {
			cp := row
			toUpdate = append(toUpdate, &cp)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, row := range toUpdate {
		elapsed := float64(now - row.LastUpdated)
		decayed := row.Confidence * (1 - rate*elapsed/86_400_000)
		if decayed < 0.1 {
			decayed = 0.1
		}
		row.Confidence = decayed
		if err := t.putFactRow(row); err != nil {
			return 0, err
		}
	}
	return len(toUpdate), nil
}

// --- edges ---

func (t *pebbleTx) getEdgeRow(id string) (*storage.EdgeRow, error) {
	v, closer, err := t.batch.Get(edgeKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("pebblestore.get", "get edge row", err)
	}
	defer closer.Close()
	var row storage.EdgeRow
	if err := json.Unmarshal(v, &row); err != nil {
		return nil, errs.Storage("pebblestore.get", "decode edge row", err)
	}
	return &row, nil
}

func (t *pebbleTx) putEdgeRow(row *storage.EdgeRow) error {
	b, err := json.Marshal(row)
	if err != nil {
		return errs.Storage("pebblestore.put", "encode edge row", err)
	}
	if err := t.batch.Set(edgeKey(row.ID), b, nil); err != nil {
		return errs.Storage("pebblestore.put", "set edge row", err)
	}
	return nil
}

func (t *pebbleTx) FindActiveEdge(ownerID *string, sourceID, targetID, relationType string) (*storage.EdgeRow, error) {
	prefix := edgeIdxPrefixFor(ownerID, sourceID, targetID, relationType)
	var found *storage.EdgeRow
	err := t.scanPrefix(prefix, func(key, _ []byte) error {
		id := lastSegment(key)
		row, err := t.getEdgeRow(id)
		if err != nil {
			return err
		}
		if row != nil && row.ValidTo == nil {
			found = row
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (t *pebbleTx) FindOverlappingEdges(ownerID *string, sourceID, targetID, relationType string, validFrom int64) ([]*storage.EdgeRow, error) {
	prefix := edgeIdxPrefixFor(ownerID, sourceID, targetID, relationType)
	var rows []*storage.EdgeRow
	err := t.scanPrefix(prefix, func(key, _ []byte) error {
		id := lastSegment(key)
		row, err := t.getEdgeRow(id)
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}
		if row.ValidTo == nil || *row.ValidTo > validFrom {
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ValidFrom < rows[j].ValidFrom })
	return rows, nil
}

func (t *pebbleTx) InsertEdge(row *storage.EdgeRow) error {
	if err := t.putEdgeRow(row); err != nil {
		return err
	}
	idx := edgeIdxKey(row.OwnerID, row.SourceID, row.TargetID, row.RelationType, row.ValidFrom, row.ID)
	if err := t.batch.Set(idx, []byte{}, nil); err != nil {
		return errs.Storage("pebblestore.insert", "set edge index", err)
	}
	return nil
}

func (t *pebbleTx) UpdateEdgeValidTo(id string, validTo *int64, lastUpdated int64) error {
	row, err := t.getEdgeRow(id)
	if err != nil {
		return err
	}
	if row == nil {
		return errs.NotFound("pebblestore.update_valid_to", "edge not found: "+id)
	}
	row.ValidTo = validTo
	row.LastUpdated = lastUpdated
	return t.putEdgeRow(row)
}

func (t *pebbleTx) UpdateEdgeMergeFields(id string, weight float64, metadataEnvelope string, lastUpdated int64) error {
	row, err := t.getEdgeRow(id)
	if err != nil {
		return err
	}
	if row == nil {
		return errs.NotFound("pebblestore.merge", "edge not found: "+id)
	}
	row.Weight = weight
	row.MetadataEnvelope = metadataEnvelope
	row.LastUpdated = lastUpdated
	return t.putEdgeRow(row)
}

func (t *pebbleTx) UpdateEdgeFields(id string, ownerID *string, weight *float64, metadataEnvelope *string, lastUpdated int64) (bool, error) {
	row, err := t.getEdgeRow(id)
	if err != nil {
		return false, err
	}
	if row == nil || !ownerEqual(row.OwnerID, ownerID) {
		return false, nil
	}
	if weight != nil {
		row.Weight = *weight
	}
	if metadataEnvelope != nil {
		row.MetadataEnvelope = *metadataEnvelope
	}
	row.LastUpdated = lastUpdated
	if err := t.putEdgeRow(row); err != nil {
		return false, err
	}
	return true, nil
}

func (t *pebbleTx) GetEdge(id string, ownerID *string) (*storage.EdgeRow, error) {
	row, err := t.getEdgeRow(id)
	if err != nil {
		return nil, err
	}
	if row == nil || !ownerEqual(row.OwnerID, ownerID) {
		return nil, nil
	}
	return row, nil
}

func (t *pebbleTx) DeleteEdgesByFact(factID string, ownerID *string) error {
	var toDelete []*storage.EdgeRow
	err := t.scanPrefix([]byte(edgePrefix), func(_, value []byte) error {
		var row storage.EdgeRow
		if err := json.Unmarshal(value, &row); err != nil {
			return errs.Storage("pebblestore.cascade", "decode edge row", err)
		}
		if (row.SourceID == factID || row.TargetID == factID) && ownerEqual(row.OwnerID, ownerID) {
			cp := row
			toDelete = append(toDelete, &cp)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, row := range toDelete {
		if err := t.batch.Delete(edgeKey(row.ID), nil); err != nil {
			return errs.Storage("pebblestore.cascade", "delete edge row", err)
		}
		idx := edgeIdxKey(row.OwnerID, row.SourceID, row.TargetID, row.RelationType, row.ValidFrom, row.ID)
		if err := t.batch.Delete(idx, nil); err != nil {
			return errs.Storage("pebblestore.cascade", "delete edge index", err)
		}
	}
	return nil
}

func (t *pebbleTx) QueryEdges(filter storage.EdgeFilter) ([]*storage.EdgeRow, error) {
	var rows []*storage.EdgeRow
	err := t.scanPrefix([]byte(edgePrefix), func(_, value []byte) error {
		var row storage.EdgeRow
		if err := json.Unmarshal(value, &row); err != nil {
			return errs.Storage("pebblestore.query", "decode edge row", err)
		}
		if matchEdgeFilter(&row, filter) {
			cp := row
			rows = append(rows, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Weight != rows[j].Weight {
			return rows[i].Weight > rows[j].Weight
		}
		return rows[i].ID < rows[j].ID
	})
	return paginate(rows, filter.Offset, filter.Limit), nil
}

// --- helpers ---

func ownerEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func lastSegment(key []byte) string {
	s := string(key)
	idx := strings.LastIndex(s, "\x00")
	if idx < 0 {
		return s
	}
	return s[idx+1:]
}

func matchFactFilter(row *storage.FactRow, f storage.FactFilter) bool {
	if !f.Owner.Matches(row.OwnerID) {
		return false
	}
	if f.Subject != nil && row.Subject != *f.Subject {
		return false
	}
	if f.Predicate != nil && row.Predicate != *f.Predicate {
		return false
	}
	if f.Object != nil && row.Object != *f.Object {
		return false
	}
	if f.MinConfidence > 0 && row.Confidence < f.MinConfidence {
		return false
	}
	if f.At != nil && !f.IncludeHistorical {
		at := *f.At
		if !(row.ValidFrom <= at && (row.ValidTo == nil || *row.ValidTo >= at)) {
			return false
		}
	}
	if f.RangeFrom != nil && f.RangeTo != nil {
		rf, rt := *f.RangeFrom, *f.RangeTo
		overlaps := row.ValidFrom <= rt && (row.ValidTo == nil || *row.ValidTo >= rf)
		startedDuring := row.ValidFrom >= rf && row.ValidFrom <= rt
		if !overlaps && !startedDuring {
			return false
		}
	}
	if f.Pattern != nil && *f.Pattern != "" {
		p := strings.ToLower(*f.Pattern)
		var haystacks []string
		switch f.PatternScope {
		case storage.ScopeSubject:
			haystacks = []string{row.Subject}
		case storage.ScopePredicate:
			haystacks = []string{row.Predicate}
		case storage.ScopeObject:
			haystacks = []string{row.Object}
		default:
			haystacks = []string{row.Subject, row.Predicate, row.Object}
		}
		hit := false
		for _, h := range haystacks {
			if strings.Contains(strings.ToLower(h), p) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func matchEdgeFilter(row *storage.EdgeRow, f storage.EdgeFilter) bool {
	if !f.Owner.Matches(row.OwnerID) {
		return false
	}
	if f.SourceID != nil && row.SourceID != *f.SourceID {
		return false
	}
	if f.TargetID != nil && row.TargetID != *f.TargetID {
		return false
	}
	if f.RelationType != nil && row.RelationType != *f.RelationType {
		return false
	}
	if f.At != nil {
		at := *f.At
		if !(row.ValidFrom <= at && (row.ValidTo == nil || *row.ValidTo >= at)) {
			return false
		}
	}
	return true
}

func sortFacts(rows []*storage.FactRow, order storage.FactOrder) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		switch order {
		case storage.OrderValidFromDesc:
			if a.ValidFrom != b.ValidFrom {
				return a.ValidFrom > b.ValidFrom
			}
		case storage.OrderPredicateAscValidFromDesc:
			if a.Predicate != b.Predicate {
				return a.Predicate < b.Predicate
			}
			if a.ValidFrom != b.ValidFrom {
				return a.ValidFrom > b.ValidFrom
			}
		default: // OrderConfidenceDescValidFromDesc
			if a.Confidence != b.Confidence {
				return a.Confidence > b.Confidence
			}
			if a.ValidFrom != b.ValidFrom {
				return a.ValidFrom > b.ValidFrom
			}
		}
		return a.ID < b.ID
	})
}

func paginate[T any](rows []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
