// Package timeline implements the analytics surface (C6): derived
// created/invalidated events assembled from fact rows' valid_from/valid_to
// boundaries, plus window, diff, frequency and volatility aggregates.
package timeline

import (
	"context"
	"sort"

	"github.com/progressdb/openmemory-core/internal/errs"
	"github.com/progressdb/openmemory-core/internal/model"
	"github.com/progressdb/openmemory-core/internal/storage"
)

// Engine implements the C6 analytics API over a storage.Backend, reading
// raw rows directly (timeline assembly is pure computation, not cached).
type Engine struct {
	backend storage.Backend
}

func New(backend storage.Backend) *Engine {
	return &Engine{backend: backend}
}

func entriesFromRow(row *storage.FactRow) []model.TimelineEntry {
	entries := []model.TimelineEntry{{
		Timestamp:  row.ValidFrom,
		Subject:    row.Subject,
		Predicate:  row.Predicate,
		Object:     row.Object,
		Confidence: row.Confidence,
		ChangeType: model.ChangeCreated,
	}}
	if row.ValidTo != nil {
		entries = append(entries, model.TimelineEntry{
			Timestamp:  *row.ValidTo,
			Subject:    row.Subject,
			Predicate:  row.Predicate,
			Object:     row.Object,
			Confidence: row.Confidence,
			ChangeType: model.ChangeInvalidated,
		})
	}
	return entries
}

func sortEntries(entries []model.TimelineEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp < entries[j].Timestamp
		}
		// created precedes invalidated on ties.
		return entries[i].ChangeType == model.ChangeCreated && entries[j].ChangeType != model.ChangeCreated
	})
}

// GetSubjectTimeline implements 4.6.1.
func (e *Engine) GetSubjectTimeline(ctx context.Context, owner model.Owner, subject string, predicate *string) ([]model.TimelineEntry, error) {
	var rows []*storage.FactRow
	err := e.backend.Run(ctx, func(tx storage.Tx) error {
		var err error
		rows, err = tx.QueryFacts(storage.FactFilter{
			Owner: owner, Subject: &subject, Predicate: predicate, IncludeHistorical: true,
			Order: storage.OrderValidFromDesc,
		})
		return err
	})
	if err != nil {
		return nil, errs.Storage("timeline.get_subject_timeline", "query facts", err)
	}
	var entries []model.TimelineEntry
	for _, r := range rows {
		entries = append(entries, entriesFromRow(r)...)
	}
	sortEntries(entries)
	return entries, nil
}

// GetPredicateTimeline implements 4.6.2.
func (e *Engine) GetPredicateTimeline(ctx context.Context, owner model.Owner, predicate string, from, to *int64) ([]model.TimelineEntry, error) {
	var rows []*storage.FactRow
	err := e.backend.Run(ctx, func(tx storage.Tx) error {
		filter := storage.FactFilter{Owner: owner, Predicate: &predicate, IncludeHistorical: true, Order: storage.OrderValidFromDesc}
		if from != nil && to != nil {
			filter.RangeFrom = from
			filter.RangeTo = to
			filter.IncludeHistorical = false
		}
		var err error
		rows, err = tx.QueryFacts(filter)
		return err
	})
	if err != nil {
		return nil, errs.Storage("timeline.get_predicate_timeline", "query facts", err)
	}
	var entries []model.TimelineEntry
	for _, r := range rows {
		entries = append(entries, entriesFromRow(r)...)
	}
	sortEntries(entries)
	return entries, nil
}

// GetChangesInWindow implements 4.6.3: only events whose own timestamp
// falls in [from, to] are included, even if the row's interval straddles
// the window.
func (e *Engine) GetChangesInWindow(ctx context.Context, owner model.Owner, from, to int64, subject *string) ([]model.TimelineEntry, error) {
	var rows []*storage.FactRow
	err := e.backend.Run(ctx, func(tx storage.Tx) error {
		var err error
		rows, err = tx.QueryFacts(storage.FactFilter{
			Owner: owner, Subject: subject, IncludeHistorical: true, Order: storage.OrderValidFromDesc,
		})
		return err
	})
	if err != nil {
		return nil, errs.Storage("timeline.get_changes_in_window", "query facts", err)
	}
	var entries []model.TimelineEntry
	for _, r := range rows {
		for _, ent := range entriesFromRow(r) {
			if ent.Timestamp >= from && ent.Timestamp <= to {
				entries = append(entries, ent)
			}
		}
	}
	sortEntries(entries)
	return entries, nil
}

// TimePointDiff is the 4.6.4 output shape.
type TimePointDiff struct {
	Added     []*model.Fact
	Removed   []*model.Fact
	Changed   []ChangedPair
	Unchanged []*model.Fact
}

// ChangedPair carries the before/after fact for a predicate whose object or
// id differs between the two time points.
type ChangedPair struct {
	Before *model.Fact
	After  *model.Fact
}

// CompareTimePoints implements 4.6.4. The two reads run inside one
// transaction for snapshot consistency where the backend supports it.
func (e *Engine) CompareTimePoints(ctx context.Context, owner model.Owner, subject string, t1, t2 int64) (*TimePointDiff, error) {
	var rowsT1, rowsT2 []*storage.FactRow
	err := e.backend.Run(ctx, func(tx storage.Tx) error {
		var err error
		rowsT1, err = tx.QueryFacts(storage.FactFilter{Owner: owner, Subject: &subject, At: &t1})
		if err != nil {
			return err
		}
		rowsT2, err = tx.QueryFacts(storage.FactFilter{Owner: owner, Subject: &subject, At: &t2})
		return err
	})
	if err != nil {
		return nil, errs.Storage("timeline.compare_time_points", "query facts", err)
	}

	byPred1 := make(map[string]*storage.FactRow, len(rowsT1))
	for _, r := range rowsT1 {
		byPred1[r.Predicate] = r
	}
	byPred2 := make(map[string]*storage.FactRow, len(rowsT2))
	for _, r := range rowsT2 {
		byPred2[r.Predicate] = r
	}

	diff := &TimePointDiff{}
	for pred, r2 := range byPred2 {
		r1, ok := byPred1[pred]
		if !ok {
			diff.Added = append(diff.Added, rowToFact(r2))
			continue
		}
		if r1.Object != r2.Object || r1.ID != r2.ID {
			diff.Changed = append(diff.Changed, ChangedPair{Before: rowToFact(r1), After: rowToFact(r2)})
		} else {
			diff.Unchanged = append(diff.Unchanged, rowToFact(r2))
		}
	}
	for pred, r1 := range byPred1 {
		if _, ok := byPred2[pred]; !ok {
			diff.Removed = append(diff.Removed, rowToFact(r1))
		}
	}
	return diff, nil
}

// rowToFact builds an undecrypted-metadata Fact for diff display; callers
// that need plaintext metadata should re-fetch via the query engine.
func rowToFact(row *storage.FactRow) *model.Fact {
	return &model.Fact{
		ID:          row.ID,
		Subject:     row.Subject,
		Predicate:   row.Predicate,
		Object:      row.Object,
		ValidFrom:   row.ValidFrom,
		ValidTo:     model.ValidToFromPtr(row.ValidTo),
		Confidence:  row.Confidence,
		LastUpdated: row.LastUpdated,
	}
}

// ChangeFrequency is the 4.6.5 output shape.
type ChangeFrequency struct {
	VersionCount      int
	AvgDurationMs     float64
	ChangeRatePerDay  float64
}

// GetChangeFrequency implements 4.6.5.
func (e *Engine) GetChangeFrequency(ctx context.Context, owner model.Owner, subject, predicate string, windowDays int, now int64) (*ChangeFrequency, error) {
	if windowDays <= 0 {
		return nil, errs.Validation("timeline.get_change_frequency", "window_days must be positive")
	}
	windowStart := now - int64(windowDays)*86_400_000

	var rows []*storage.FactRow
	err := e.backend.Run(ctx, func(tx storage.Tx) error {
		var err error
		rows, err = tx.QueryFacts(storage.FactFilter{Owner: owner, Subject: &subject, Predicate: &predicate, IncludeHistorical: true})
		return err
	})
	if err != nil {
		return nil, errs.Storage("timeline.get_change_frequency", "query facts", err)
	}

	var total int64
	var count int
	for _, r := range rows {
		if r.ValidFrom < windowStart {
			continue
		}
		count++
		if r.ValidTo != nil {
			total += *r.ValidTo - r.ValidFrom
		} else {
			total += now - r.ValidFrom
		}
	}
	if count == 0 {
		return &ChangeFrequency{}, nil
	}
	return &ChangeFrequency{
		VersionCount:     count,
		AvgDurationMs:    float64(total) / float64(count),
		ChangeRatePerDay: float64(count) / float64(windowDays),
	}, nil
}

// VolatileFact is the 4.6.6 output shape.
type VolatileFact struct {
	Subject       string
	Predicate     string
	VersionCount  int
	AvgConfidence float64
}

// GetVolatileFacts implements 4.6.6.
func (e *Engine) GetVolatileFacts(ctx context.Context, owner model.Owner, subject *string, limit int) ([]VolatileFact, error) {
	var rows []*storage.FactRow
	err := e.backend.Run(ctx, func(tx storage.Tx) error {
		var err error
		rows, err = tx.QueryFacts(storage.FactFilter{Owner: owner, Subject: subject, IncludeHistorical: true})
		return err
	})
	if err != nil {
		return nil, errs.Storage("timeline.get_volatile_facts", "query facts", err)
	}

	type agg struct {
		count      int
		confidence float64
	}
	groups := make(map[[2]string]*agg)
	for _, r := range rows {
		key := [2]string{r.Subject, r.Predicate}
		a, ok := groups[key]
		if !ok {
			a = &agg{}
			groups[key] = a
		}
		a.count++
		a.confidence += r.Confidence
	}

	var out []VolatileFact
	for key, a := range groups {
		if a.count <= 1 {
			continue
		}
		out = append(out, VolatileFact{
			Subject: key[0], Predicate: key[1],
			VersionCount: a.count, AvgConfidence: a.confidence / float64(a.count),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VersionCount != out[j].VersionCount {
			return out[i].VersionCount > out[j].VersionCount
		}
		return out[i].AvgConfidence < out[j].AvgConfidence
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
