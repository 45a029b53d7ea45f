// Package storage defines the C2 contract: a transactional row store over
// facts and edges, satisfied by two concrete backends (pebblestore,
// pgstore) selected by config.MetadataBackend.
//
// Storage rows carry metadata as an opaque string (plaintext or an
// encrypted envelope) — encryption/decryption is the graph (C4) and query
// (C5) layers' responsibility via the crypto package, not storage's.
package storage

import (
	"context"

	"github.com/progressdb/openmemory-core/internal/model"
)

// Backend is the durable persistence contract. Run executes fn inside a
// serializable transaction; any error returned from fn rolls back every
// write fn made and no event may be emitted by the caller.
type Backend interface {
	Run(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// FactRow is the on-disk representation of a Fact: metadata is whatever
// the caller asked storage to persist (already encrypted if applicable).
type FactRow struct {
	ID               string
	OwnerID          *string // nil = global
	Subject          string
	Predicate        string
	Object           string
	ValidFrom        int64
	ValidTo          *int64 // nil = open
	Confidence       float64
	LastUpdated      int64
	MetadataEnvelope string
}

// EdgeRow is the on-disk representation of an Edge.
type EdgeRow struct {
	ID               string
	OwnerID          *string
	SourceID         string
	TargetID         string
	RelationType     string
	ValidFrom        int64
	ValidTo          *int64
	Weight           float64
	LastUpdated      int64
	MetadataEnvelope string
}

// FactOrder enumerates the total orderings §4.5's tie-break policy
// requires. Every backend must break remaining ties on id.
type FactOrder int

const (
	OrderConfidenceDescValidFromDesc FactOrder = iota
	OrderValidFromDesc
	OrderPredicateAscValidFromDesc
)

// EdgeOrder enumerates edge orderings.
type EdgeOrder int

const (
	OrderWeightDesc EdgeOrder = iota
)

// PatternScope enumerates where SearchFacts matches a substring.
type PatternScope string

const (
	ScopeSubject   PatternScope = "subject"
	ScopePredicate PatternScope = "predicate"
	ScopeObject    PatternScope = "object"
	ScopeAll       PatternScope = "all"
)

// FactFilter parameterizes every read path in §4.5 over facts. Only the
// non-nil/non-zero fields constrain the result; callers set exactly the
// fields relevant to the query they're building. Owner uses the full
// tri-state since reads (unlike writes) may ask for "any owner".
type FactFilter struct {
	Owner     model.Owner
	Subject   *string
	Predicate *string
	Object    *string

	// At restricts to rows valid at a point in time:
	// valid_from <= At && (valid_to open || valid_to >= At).
	At *int64

	// RangeFrom/RangeTo restrict to rows overlapping [from,to] OR whose
	// valid_from falls in [from,to] (query_facts_in_range's dual clause).
	RangeFrom *int64
	RangeTo   *int64

	// IncludeHistorical, when true with Subject set, returns the full
	// history for the subject instead of only rows matching At.
	IncludeHistorical bool

	MinConfidence float64

	Pattern      *string
	PatternScope PatternScope

	Order  FactOrder
	Limit  int
	Offset int
}

// EdgeFilter parameterizes query_edges and get_related_facts.
type EdgeFilter struct {
	Owner        model.Owner
	SourceID     *string
	TargetID     *string
	RelationType *string
	At           *int64
	Order        EdgeOrder
	Limit        int
	Offset       int
}

// Tx is the set of row-scoped operations C4/C5/C6 need inside one
// transaction. Implementations must take row-level locks (or an
// equivalent process-local mutex) in LockFactKey/LockEdgeKey before the
// caller performs its read-then-write sequence on that keyspace.
//
// ownerID parameters below are the concrete stored owner value (nil means
// global); unlike FactFilter.Owner they are never "any", since a write
// always targets one concrete keyspace.
type Tx interface {
	LockFactKey(ownerID *string, subject, predicate string) error
	LockEdgeKey(ownerID *string, sourceID, targetID, relationType string) error

	FindActiveFact(ownerID *string, subject, predicate, object string) (*FactRow, error)
	FindOverlappingFacts(ownerID *string, subject, predicate string, validFrom int64) ([]*FactRow, error)
	InsertFact(row *FactRow) error
	UpdateFactValidTo(id string, validTo *int64, lastUpdated int64) error
	UpdateFactMergeFields(id string, confidence float64, metadataEnvelope string, lastUpdated int64) error
	UpdateFactFields(id string, ownerID *string, confidence *float64, metadataEnvelope *string, lastUpdated int64) (bool, error)
	GetFact(id string, ownerID *string) (*FactRow, error)
	DeleteFact(id string, ownerID *string) (bool, error)
	QueryFacts(filter FactFilter) ([]*FactRow, error)
	ApplyFactDecay(rate float64, owner model.Owner, now int64) (int, error)

	FindActiveEdge(ownerID *string, sourceID, targetID, relationType string) (*EdgeRow, error)
	FindOverlappingEdges(ownerID *string, sourceID, targetID, relationType string, validFrom int64) ([]*EdgeRow, error)
	InsertEdge(row *EdgeRow) error
	UpdateEdgeValidTo(id string, validTo *int64, lastUpdated int64) error
	UpdateEdgeMergeFields(id string, weight float64, metadataEnvelope string, lastUpdated int64) error
	UpdateEdgeFields(id string, ownerID *string, weight *float64, metadataEnvelope *string, lastUpdated int64) (bool, error)
	GetEdge(id string, ownerID *string) (*EdgeRow, error)
	DeleteEdgesByFact(factID string, ownerID *string) error
	QueryEdges(filter EdgeFilter) ([]*EdgeRow, error)
}
