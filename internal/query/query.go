// Package query implements the read-side query engine (C5): hydration of
// storage rows into domain facts/edges (decrypting metadata via C1),
// bounded by an LRU keyed on (id, last_updated) so a mutation that bumps
// last_updated naturally invalidates its own cache entry. Confidence decay
// leaves last_updated unchanged, so a fact already cached keeps its
// pre-decay confidence until that entry is evicted.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/progressdb/openmemory-core/internal/crypto"
	"github.com/progressdb/openmemory-core/internal/errs"
	"github.com/progressdb/openmemory-core/internal/model"
	"github.com/progressdb/openmemory-core/internal/storage"
)

type factCacheKey struct {
	id          string
	lastUpdated int64
}

type edgeCacheKey struct {
	id          string
	lastUpdated int64
}

// Engine implements the C5 read API over a storage.Backend.
type Engine struct {
	backend    storage.Backend
	factCache  *lru.Cache[factCacheKey, *model.Fact]
	edgeCache  *lru.Cache[edgeCacheKey, *model.Edge]
}

// New builds an Engine with one fact LRU and one edge LRU, both bounded by
// cacheSize entries.
func New(backend storage.Backend, cacheSize int) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	fc, err := lru.New[factCacheKey, *model.Fact](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("query: new fact cache: %w", err)
	}
	ec, err := lru.New[edgeCacheKey, *model.Edge](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("query: new edge cache: %w", err)
	}
	return &Engine{backend: backend, factCache: fc, edgeCache: ec}, nil
}

func (e *Engine) hydrateFact(row *storage.FactRow) (*model.Fact, error) {
	key := factCacheKey{id: row.ID, lastUpdated: row.LastUpdated}
	if f, ok := e.factCache.Get(key); ok {
		return f, nil
	}
	raw, err := crypto.Get().Decrypt(row.MetadataEnvelope)
	if err != nil {
		return nil, err
	}
	meta := map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, errs.Wrap(errs.KindCrypto, "query.hydrate_fact", "unmarshal metadata", err)
		}
	}
	f := &model.Fact{
		ID:          row.ID,
		Owner:       ownerFromStored(row.OwnerID),
		Subject:     row.Subject,
		Predicate:   row.Predicate,
		Object:      row.Object,
		ValidFrom:   row.ValidFrom,
		ValidTo:     model.ValidToFromPtr(row.ValidTo),
		Confidence:  row.Confidence,
		LastUpdated: row.LastUpdated,
		Metadata:    meta,
	}
	e.factCache.Add(key, f)
	return f, nil
}

func (e *Engine) hydrateEdge(row *storage.EdgeRow) (*model.Edge, error) {
	key := edgeCacheKey{id: row.ID, lastUpdated: row.LastUpdated}
	if ed, ok := e.edgeCache.Get(key); ok {
		return ed, nil
	}
	raw, err := crypto.Get().Decrypt(row.MetadataEnvelope)
	if err != nil {
		return nil, err
	}
	meta := map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, errs.Wrap(errs.KindCrypto, "query.hydrate_edge", "unmarshal metadata", err)
		}
	}
	ed := &model.Edge{
		ID:           row.ID,
		Owner:        ownerFromStored(row.OwnerID),
		SourceID:     row.SourceID,
		TargetID:     row.TargetID,
		RelationType: row.RelationType,
		ValidFrom:    row.ValidFrom,
		ValidTo:      model.ValidToFromPtr(row.ValidTo),
		Weight:       row.Weight,
		LastUpdated:  row.LastUpdated,
		Metadata:     meta,
	}
	e.edgeCache.Add(key, ed)
	return ed, nil
}

func ownerFromStored(id *string) model.Owner {
	if id == nil {
		return model.OwnerNone()
	}
	return model.OwnerOf(*id)
}

func hydrateFacts(e *Engine, rows []*storage.FactRow) ([]*model.Fact, error) {
	out := make([]*model.Fact, 0, len(rows))
	for _, r := range rows {
		f, err := e.hydrateFact(r)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func hydrateEdges(e *Engine, rows []*storage.EdgeRow) ([]*model.Edge, error) {
	out := make([]*model.Edge, 0, len(rows))
	for _, r := range rows {
		ed, err := e.hydrateEdge(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ed)
	}
	return out, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }

// QueryFactsAtTime implements 4.5.1.
func (e *Engine) QueryFactsAtTime(ctx context.Context, owner model.Owner, subject, predicate, object *string, at int64, minConfidence float64) ([]*model.Fact, error) {
	var rows []*storage.FactRow
	err := e.backend.Run(ctx, func(tx storage.Tx) error {
		var err error
		rows, err = tx.QueryFacts(storage.FactFilter{
			Owner: owner, Subject: subject, Predicate: predicate, Object: object,
			At: &at, MinConfidence: minConfidence, Order: storage.OrderConfidenceDescValidFromDesc,
		})
		return err
	})
	if err != nil {
		return nil, errs.Storage("query.query_facts_at_time", "query facts", err)
	}
	return hydrateFacts(e, rows)
}

// GetCurrentFact implements 4.5.2: with at supplied, returns the newest
// row valid at that time; otherwise the unique row with valid_to = open.
func (e *Engine) GetCurrentFact(ctx context.Context, owner model.Owner, subject, predicate string, at *int64) (*model.Fact, error) {
	filter := storage.FactFilter{
		Owner: owner, Subject: &subject, Predicate: &predicate,
		Order: storage.OrderValidFromDesc, Limit: 1,
	}
	if at != nil {
		filter.At = at
	}
	var rows []*storage.FactRow
	err := e.backend.Run(ctx, func(tx storage.Tx) error {
		if at != nil {
			var err error
			rows, err = tx.QueryFacts(filter)
			return err
		}
		history, err := tx.QueryFacts(storage.FactFilter{
			Owner: owner, Subject: &subject, Predicate: &predicate,
			IncludeHistorical: true, Order: storage.OrderValidFromDesc,
		})
		for _, r := range history {
			if r.ValidTo == nil {
				rows = append(rows, r)
				break
			}
		}
		return err
	})
	if err != nil {
		return nil, errs.Storage("query.get_current_fact", "query fact", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return e.hydrateFact(rows[0])
}

// QueryFactsInRange implements 4.5.3.
func (e *Engine) QueryFactsInRange(ctx context.Context, owner model.Owner, from, to int64) ([]*model.Fact, error) {
	var rows []*storage.FactRow
	err := e.backend.Run(ctx, func(tx storage.Tx) error {
		var err error
		rows, err = tx.QueryFacts(storage.FactFilter{Owner: owner, RangeFrom: &from, RangeTo: &to, Order: storage.OrderValidFromDesc})
		return err
	})
	if err != nil {
		return nil, errs.Storage("query.query_facts_in_range", "query facts", err)
	}
	return hydrateFacts(e, rows)
}

// FindConflictingFacts implements 4.5.4.
func (e *Engine) FindConflictingFacts(ctx context.Context, owner model.Owner, subject, predicate string, at int64) ([]*model.Fact, error) {
	var rows []*storage.FactRow
	err := e.backend.Run(ctx, func(tx storage.Tx) error {
		var err error
		rows, err = tx.QueryFacts(storage.FactFilter{
			Owner: owner, Subject: &subject, Predicate: &predicate, At: &at, Order: storage.OrderValidFromDesc,
		})
		return err
	})
	if err != nil {
		return nil, errs.Storage("query.find_conflicting_facts", "query facts", err)
	}
	return hydrateFacts(e, rows)
}

// GetFactsBySubject implements 4.5.5.
func (e *Engine) GetFactsBySubject(ctx context.Context, owner model.Owner, subject string, at *int64, includeHistorical bool, limit int) ([]*model.Fact, error) {
	filter := storage.FactFilter{
		Owner: owner, Subject: &subject, IncludeHistorical: includeHistorical, Limit: limit,
	}
	if includeHistorical {
		filter.Order = storage.OrderPredicateAscValidFromDesc
	} else {
		filter.Order = storage.OrderConfidenceDescValidFromDesc
		if at != nil {
			filter.At = at
		} else {
			now := nowMs()
			filter.At = &now
		}
	}
	var rows []*storage.FactRow
	err := e.backend.Run(ctx, func(tx storage.Tx) error {
		var err error
		rows, err = tx.QueryFacts(filter)
		return err
	})
	if err != nil {
		return nil, errs.Storage("query.get_facts_by_subject", "query facts", err)
	}
	return hydrateFacts(e, rows)
}

// SearchFacts implements 4.5.6.
func (e *Engine) SearchFacts(ctx context.Context, owner model.Owner, pattern string, scope storage.PatternScope, at *int64, limit int) ([]*model.Fact, error) {
	filter := storage.FactFilter{
		Owner: owner, Pattern: &pattern, PatternScope: scope, Limit: limit, Order: storage.OrderConfidenceDescValidFromDesc,
	}
	if at != nil {
		filter.At = at
	}
	var rows []*storage.FactRow
	err := e.backend.Run(ctx, func(tx storage.Tx) error {
		var err error
		rows, err = tx.QueryFacts(filter)
		return err
	})
	if err != nil {
		return nil, errs.Storage("query.search_facts", "query facts", err)
	}
	return hydrateFacts(e, rows)
}

// RelatedFact pairs a 1-hop related fact with the relation that connects
// it to the queried fact.
type RelatedFact struct {
	Fact         *model.Fact
	RelationType string
	Weight       float64
}

// GetRelatedFacts implements 4.5.7.
func (e *Engine) GetRelatedFacts(ctx context.Context, owner model.Owner, factID string, relationType *string, at *int64) ([]RelatedFact, error) {
	var edgeRows []*storage.EdgeRow
	err := e.backend.Run(ctx, func(tx storage.Tx) error {
		var err error
		edgeRows, err = tx.QueryEdges(storage.EdgeFilter{
			Owner: owner, SourceID: &factID, RelationType: relationType, At: at, Order: storage.OrderWeightDesc,
		})
		return err
	})
	if err != nil {
		return nil, errs.Storage("query.get_related_facts", "query edges", err)
	}

	var out []RelatedFact
	for _, er := range edgeRows {
		var factRow *storage.FactRow
		ferr := e.backend.Run(ctx, func(tx storage.Tx) error {
			var err error
			factRow, err = tx.GetFact(er.TargetID, er.OwnerID)
			return err
		})
		if ferr != nil {
			return nil, errs.Storage("query.get_related_facts", "get target fact", ferr)
		}
		if factRow == nil {
			continue
		}
		if at != nil {
			if factRow.ValidFrom > *at || (factRow.ValidTo != nil && *factRow.ValidTo < *at) {
				continue
			}
		}
		f, err := e.hydrateFact(factRow)
		if err != nil {
			return nil, err
		}
		out = append(out, RelatedFact{Fact: f, RelationType: er.RelationType, Weight: er.Weight})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Fact.Confidence > out[j].Fact.Confidence
	})
	return out, nil
}

// QueryEdges implements 4.5.8.
func (e *Engine) QueryEdges(ctx context.Context, owner model.Owner, source, target, relationType *string, at *int64, limit, offset int) ([]*model.Edge, error) {
	var rows []*storage.EdgeRow
	err := e.backend.Run(ctx, func(tx storage.Tx) error {
		var err error
		rows, err = tx.QueryEdges(storage.EdgeFilter{
			Owner: owner, SourceID: source, TargetID: target, RelationType: relationType,
			At: at, Order: storage.OrderWeightDesc, Limit: limit, Offset: offset,
		})
		return err
	})
	if err != nil {
		return nil, errs.Storage("query.query_edges", "query edges", err)
	}
	return hydrateEdges(e, rows)
}
