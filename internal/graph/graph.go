// Package graph implements the fact/edge store (C4): every write
// operation runs inside one storage.Backend transaction, with encryption
// of metadata delegated to the crypto package and events published only
// after the transaction commits.
package graph

import (
	"context"
	"encoding/json"
	"time"

	"github.com/progressdb/openmemory-core/internal/crypto"
	"github.com/progressdb/openmemory-core/internal/errs"
	"github.com/progressdb/openmemory-core/internal/eventbus"
	"github.com/progressdb/openmemory-core/internal/logger"
	"github.com/progressdb/openmemory-core/internal/model"
	"github.com/progressdb/openmemory-core/internal/storage"
)

// Store wires a storage.Backend and an eventbus.Bus together to implement
// the C4 write operations. One Store is shared by every caller in a
// process.
type Store struct {
	backend storage.Backend
	bus     *eventbus.Bus
}

func New(backend storage.Backend, bus *eventbus.Bus) *Store {
	return &Store{backend: backend, bus: bus}
}

func nowMs() int64 { return time.Now().UnixMilli() }

func encodeMetadata(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", errs.Wrap(errs.KindValidation, "graph.encode_metadata", "marshal metadata", err)
	}
	return crypto.Get().Encrypt(raw)
}

func decodeMetadata(envelope string) (map[string]string, error) {
	raw, err := crypto.Get().Decrypt(envelope)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "graph.decode_metadata", "unmarshal metadata", err)
	}
	return m, nil
}

func validateConfidence(op string, v float64) error {
	if v < 0 || v > 1 {
		return errs.Validation(op, "confidence/weight must be within [0,1]")
	}
	return nil
}

func validateTriple(op, subject, predicate, object string) error {
	if subject == "" || predicate == "" || object == "" {
		return errs.Validation(op, "subject, predicate and object must be non-empty")
	}
	return nil
}

// InsertFact implements 4.4.1: identical-active merge, then overlap
// resolution against the (owner, S, P) keyspace, then insert.
func (s *Store) InsertFact(ctx context.Context, owner model.Owner, subject, predicate, object string, validFrom int64, confidence float64, metadata map[string]string) (string, error) {
	const op = "graph.insert_fact"
	if err := validateTriple(op, subject, predicate, object); err != nil {
		return "", err
	}
	if err := validateConfidence(op, confidence); err != nil {
		return "", err
	}

	ownerID := owner.NullableString()
	envelope, err := encodeMetadata(metadata)
	if err != nil {
		return "", err
	}

	var resultID string
	var event eventbus.Event

	err = s.backend.Run(ctx, func(tx storage.Tx) error {
		if err := tx.LockFactKey(ownerID, subject, predicate); err != nil {
			return errs.Storage(op, "lock fact key", err)
		}

		active, err := tx.FindActiveFact(ownerID, subject, predicate, object)
		if err != nil {
			return errs.Storage(op, "find active fact", err)
		}
		if active != nil {
			merged := confidence
			if active.Confidence > merged {
				merged = active.Confidence
			}
			now := nowMs()
			if err := tx.UpdateFactMergeFields(active.ID, merged, envelope, now); err != nil {
				return errs.Storage(op, "merge active fact", err)
			}
			resultID = active.ID
			event = eventbus.Event{Topic: eventbus.FactUpdated, Fields: map[string]any{
				"id": active.ID, "owner": ownerID, "confidence": merged, "last_updated": now,
			}}
			return nil
		}

		overlapping, err := tx.FindOverlappingFacts(ownerID, subject, predicate, validFrom)
		if err != nil {
			return errs.Storage(op, "find overlapping facts", err)
		}

		newValidTo := model.Open()
		now := nowMs()
		for _, old := range overlapping {
			if old.ValidFrom <= validFrom {
				// old.valid_from = valid_from is the boundary-collision case:
				// per 4.4.1 step 3 it takes the same action as old.valid_from
				// < valid_from, invalidating the older row rather than
				// rejecting the write. closeAt can land one millisecond
				// before old.valid_from in that case; the row is still
				// historical, just with an interval no later read can match.
				closeAt := validFrom - 1
				if err := tx.UpdateFactValidTo(old.ID, &closeAt, now); err != nil {
					return errs.Storage(op, "close overlapping fact", err)
				}
			} else {
				candidate := old.ValidFrom - 1
				if cur, ok := newValidTo.Ms(); !ok || candidate < cur {
					newValidTo = model.At(candidate)
				}
			}
		}

		id := model.NewID()
		row := &storage.FactRow{
			ID:               id,
			OwnerID:          ownerID,
			Subject:          subject,
			Predicate:        predicate,
			Object:           object,
			ValidFrom:        validFrom,
			ValidTo:          newValidTo.Ptr(),
			Confidence:       confidence,
			LastUpdated:      now,
			MetadataEnvelope: envelope,
		}
		if row.ValidTo != nil && *row.ValidTo < row.ValidFrom {
			return errs.Integrity(op, "new row would close before it opens")
		}
		if err := tx.InsertFact(row); err != nil {
			return errs.Storage(op, "insert fact", err)
		}
		resultID = id
		event = eventbus.Event{Topic: eventbus.FactCreated, Fields: map[string]any{
			"id": id, "owner": ownerID, "subject": subject, "predicate": predicate,
			"object": object, "valid_from": validFrom, "confidence": confidence,
		}}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.bus.Publish(event)
	return resultID, nil
}

// UpdateFact implements 4.4.2.
func (s *Store) UpdateFact(ctx context.Context, id string, owner model.Owner, confidence *float64, metadata map[string]string) error {
	const op = "graph.update_fact"
	ownerID := owner.NullableString()
	var envelope *string
	if metadata != nil {
		enc, err := encodeMetadata(metadata)
		if err != nil {
			return err
		}
		envelope = &enc
	}
	if confidence != nil {
		if err := validateConfidence(op, *confidence); err != nil {
			return err
		}
	}

	var updated bool
	var event eventbus.Event
	err := s.backend.Run(ctx, func(tx storage.Tx) error {
		now := nowMs()
		ok, err := tx.UpdateFactFields(id, ownerID, confidence, envelope, now)
		if err != nil {
			return errs.Storage(op, "update fact fields", err)
		}
		updated = ok
		if ok {
			event = eventbus.Event{Topic: eventbus.FactUpdated, Fields: map[string]any{"id": id, "owner": ownerID, "last_updated": now}}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !updated {
		logger.Info("graph: update_fact no-op, id not found", "id", id)
		return nil
	}
	s.bus.Publish(event)
	return nil
}

// InvalidateFact implements 4.4.3.
func (s *Store) InvalidateFact(ctx context.Context, id string, owner model.Owner, validTo int64) error {
	const op = "graph.invalidate_fact"
	ownerID := owner.NullableString()

	var found bool
	var event eventbus.Event
	err := s.backend.Run(ctx, func(tx storage.Tx) error {
		row, err := tx.GetFact(id, ownerID)
		if err != nil {
			return errs.Storage(op, "get fact", err)
		}
		if row == nil {
			return nil
		}
		found = true
		if validTo < row.ValidFrom {
			return errs.Integrity(op, "valid_to precedes valid_from")
		}
		now := nowMs()
		vt := validTo
		if err := tx.UpdateFactValidTo(id, &vt, now); err != nil {
			return errs.Storage(op, "update fact valid_to", err)
		}
		event = eventbus.Event{Topic: eventbus.FactDeleted, Fields: map[string]any{"id": id, "owner": ownerID, "valid_to": validTo}}
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		logger.Info("graph: invalidate_fact no-op, id not found", "id", id)
		return nil
	}
	s.bus.Publish(event)
	return nil
}

// DeleteFact implements 4.4.4: hard-deletes the fact then cascades to any
// edges touching it, all inside the same transaction.
func (s *Store) DeleteFact(ctx context.Context, id string, owner model.Owner) error {
	const op = "graph.delete_fact"
	ownerID := owner.NullableString()

	var deleted bool
	err := s.backend.Run(ctx, func(tx storage.Tx) error {
		ok, err := tx.DeleteFact(id, ownerID)
		if err != nil {
			return errs.Storage(op, "delete fact", err)
		}
		deleted = ok
		if !ok {
			return nil
		}
		if err := tx.DeleteEdgesByFact(id, ownerID); err != nil {
			return errs.Storage(op, "cascade delete edges", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !deleted {
		logger.Info("graph: delete_fact no-op, id not found", "id", id)
		return nil
	}
	s.bus.Publish(eventbus.Event{Topic: eventbus.FactDeleted, Fields: map[string]any{"id": id, "owner": ownerID, "hard_delete": true}})
	return nil
}

// BatchInsertFacts implements 4.4.6: a single transaction processing the
// list in order so cardinality-1 is deterministic for repeated (owner, S,
// P) keys within one batch.
type FactInput struct {
	Owner      model.Owner
	Subject    string
	Predicate  string
	Object     string
	ValidFrom  int64
	Confidence float64
	Metadata   map[string]string
}

func (s *Store) BatchInsertFacts(ctx context.Context, facts []FactInput) ([]string, error) {
	const op = "graph.batch_insert_facts"
	for _, f := range facts {
		if err := validateTriple(op, f.Subject, f.Predicate, f.Object); err != nil {
			return nil, err
		}
		if err := validateConfidence(op, f.Confidence); err != nil {
			return nil, err
		}
	}

	ids := make([]string, len(facts))
	var events []eventbus.Event

	err := s.backend.Run(ctx, func(tx storage.Tx) error {
		for i, f := range facts {
			ownerID := f.Owner.NullableString()
			envelope, err := encodeMetadata(f.Metadata)
			if err != nil {
				return err
			}
			if err := tx.LockFactKey(ownerID, f.Subject, f.Predicate); err != nil {
				return errs.Storage(op, "lock fact key", err)
			}
			active, err := tx.FindActiveFact(ownerID, f.Subject, f.Predicate, f.Object)
			if err != nil {
				return errs.Storage(op, "find active fact", err)
			}
			now := nowMs()
			if active != nil {
				merged := f.Confidence
				if active.Confidence > merged {
					merged = active.Confidence
				}
				if err := tx.UpdateFactMergeFields(active.ID, merged, envelope, now); err != nil {
					return errs.Storage(op, "merge active fact", err)
				}
				ids[i] = active.ID
				events = append(events, eventbus.Event{Topic: eventbus.FactUpdated, Fields: map[string]any{"id": active.ID, "owner": ownerID}})
				continue
			}

			overlapping, err := tx.FindOverlappingFacts(ownerID, f.Subject, f.Predicate, f.ValidFrom)
			if err != nil {
				return errs.Storage(op, "find overlapping facts", err)
			}
			newValidTo := model.Open()
			for _, old := range overlapping {
				if old.ValidFrom <= f.ValidFrom {
					// Same boundary-collision rule as insert_fact: equal
					// valid_from invalidates the older row instead of
					// rejecting the write.
					closeAt := f.ValidFrom - 1
					if err := tx.UpdateFactValidTo(old.ID, &closeAt, now); err != nil {
						return errs.Storage(op, "close overlapping fact", err)
					}
				} else {
					candidate := old.ValidFrom - 1
					if cur, ok := newValidTo.Ms(); !ok || candidate < cur {
						newValidTo = model.At(candidate)
					}
				}
			}
			id := model.NewID()
			row := &storage.FactRow{
				ID: id, OwnerID: ownerID, Subject: f.Subject, Predicate: f.Predicate, Object: f.Object,
				ValidFrom: f.ValidFrom, ValidTo: newValidTo.Ptr(), Confidence: f.Confidence,
				LastUpdated: now, MetadataEnvelope: envelope,
			}
			if row.ValidTo != nil && *row.ValidTo < row.ValidFrom {
				return errs.Integrity(op, "new row would close before it opens")
			}
			if err := tx.InsertFact(row); err != nil {
				return errs.Storage(op, "insert fact", err)
			}
			ids[i] = id
			events = append(events, eventbus.Event{Topic: eventbus.FactCreated, Fields: map[string]any{"id": id, "owner": ownerID}})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		s.bus.Publish(e)
	}
	return ids, nil
}

// InsertEdge mirrors InsertFact with weight in place of confidence and the
// (owner, source, target, relation) key (4.4.5).
func (s *Store) InsertEdge(ctx context.Context, owner model.Owner, sourceID, targetID, relationType string, validFrom int64, weight float64, metadata map[string]string) (string, error) {
	const op = "graph.insert_edge"
	if sourceID == "" || targetID == "" || relationType == "" {
		return "", errs.Validation(op, "source_id, target_id and relation_type must be non-empty")
	}
	if err := validateConfidence(op, weight); err != nil {
		return "", err
	}

	ownerID := owner.NullableString()
	envelope, err := encodeMetadata(metadata)
	if err != nil {
		return "", err
	}

	var resultID string
	var event eventbus.Event
	err = s.backend.Run(ctx, func(tx storage.Tx) error {
		if err := tx.LockEdgeKey(ownerID, sourceID, targetID, relationType); err != nil {
			return errs.Storage(op, "lock edge key", err)
		}
		active, err := tx.FindActiveEdge(ownerID, sourceID, targetID, relationType)
		if err != nil {
			return errs.Storage(op, "find active edge", err)
		}
		if active != nil {
			merged := weight
			if active.Weight > merged {
				merged = active.Weight
			}
			now := nowMs()
			if err := tx.UpdateEdgeMergeFields(active.ID, merged, envelope, now); err != nil {
				return errs.Storage(op, "merge active edge", err)
			}
			resultID = active.ID
			event = eventbus.Event{Topic: eventbus.EdgeUpdated, Fields: map[string]any{"id": active.ID, "owner": ownerID, "weight": merged}}
			return nil
		}

		overlapping, err := tx.FindOverlappingEdges(ownerID, sourceID, targetID, relationType, validFrom)
		if err != nil {
			return errs.Storage(op, "find overlapping edges", err)
		}
		newValidTo := model.Open()
		now := nowMs()
		for _, old := range overlapping {
			if old.ValidFrom <= validFrom {
				// Same boundary-collision rule as insert_fact: equal
				// valid_from invalidates the older edge instead of
				// rejecting the write.
				closeAt := validFrom - 1
				if err := tx.UpdateEdgeValidTo(old.ID, &closeAt, now); err != nil {
					return errs.Storage(op, "close overlapping edge", err)
				}
			} else {
				candidate := old.ValidFrom - 1
				if cur, ok := newValidTo.Ms(); !ok || candidate < cur {
					newValidTo = model.At(candidate)
				}
			}
		}
		id := model.NewID()
		row := &storage.EdgeRow{
			ID: id, OwnerID: ownerID, SourceID: sourceID, TargetID: targetID, RelationType: relationType,
			ValidFrom: validFrom, ValidTo: newValidTo.Ptr(), Weight: weight, LastUpdated: now, MetadataEnvelope: envelope,
		}
		if row.ValidTo != nil && *row.ValidTo < row.ValidFrom {
			return errs.Integrity(op, "new row would close before it opens")
		}
		if err := tx.InsertEdge(row); err != nil {
			return errs.Storage(op, "insert edge", err)
		}
		resultID = id
		event = eventbus.Event{Topic: eventbus.EdgeCreated, Fields: map[string]any{
			"id": id, "owner": ownerID, "source_id": sourceID, "target_id": targetID, "relation_type": relationType, "weight": weight,
		}}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.bus.Publish(event)
	return resultID, nil
}

// UpdateEdge mirrors UpdateFact.
func (s *Store) UpdateEdge(ctx context.Context, id string, owner model.Owner, weight *float64, metadata map[string]string) error {
	const op = "graph.update_edge"
	ownerID := owner.NullableString()
	var envelope *string
	if metadata != nil {
		enc, err := encodeMetadata(metadata)
		if err != nil {
			return err
		}
		envelope = &enc
	}
	if weight != nil {
		if err := validateConfidence(op, *weight); err != nil {
			return err
		}
	}

	var updated bool
	var event eventbus.Event
	err := s.backend.Run(ctx, func(tx storage.Tx) error {
		now := nowMs()
		ok, err := tx.UpdateEdgeFields(id, ownerID, weight, envelope, now)
		if err != nil {
			return errs.Storage(op, "update edge fields", err)
		}
		updated = ok
		if ok {
			event = eventbus.Event{Topic: eventbus.EdgeUpdated, Fields: map[string]any{"id": id, "owner": ownerID, "last_updated": now}}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !updated {
		logger.Info("graph: update_edge no-op, id not found", "id", id)
		return nil
	}
	s.bus.Publish(event)
	return nil
}

// InvalidateEdge mirrors InvalidateFact.
func (s *Store) InvalidateEdge(ctx context.Context, id string, owner model.Owner, validTo int64) error {
	const op = "graph.invalidate_edge"
	ownerID := owner.NullableString()

	var found bool
	var event eventbus.Event
	err := s.backend.Run(ctx, func(tx storage.Tx) error {
		row, err := tx.GetEdge(id, ownerID)
		if err != nil {
			return errs.Storage(op, "get edge", err)
		}
		if row == nil {
			return nil
		}
		found = true
		if validTo < row.ValidFrom {
			return errs.Integrity(op, "valid_to precedes valid_from")
		}
		now := nowMs()
		vt := validTo
		if err := tx.UpdateEdgeValidTo(id, &vt, now); err != nil {
			return errs.Storage(op, "update edge valid_to", err)
		}
		event = eventbus.Event{Topic: eventbus.EdgeDeleted, Fields: map[string]any{"id": id, "owner": ownerID, "valid_to": validTo}}
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		logger.Info("graph: invalidate_edge no-op, id not found", "id", id)
		return nil
	}
	s.bus.Publish(event)
	return nil
}

// ApplyConfidenceDecay implements 4.4.7.
func (s *Store) ApplyConfidenceDecay(ctx context.Context, rate float64, owner model.Owner) (int, error) {
	const op = "graph.apply_confidence_decay"
	var n int
	err := s.backend.Run(ctx, func(tx storage.Tx) error {
		count, err := tx.ApplyFactDecay(rate, owner, nowMs())
		if err != nil {
			return errs.Storage(op, "apply fact decay", err)
		}
		n = count
		return nil
	})
	if err != nil {
		return 0, err
	}
	logger.Info("graph: confidence decay applied", "rate", rate, "rows_updated", n)
	return n, nil
}
