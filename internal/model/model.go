// Package model defines the bitemporal data types shared across the core:
// Fact, Edge, the owner tri-state, and derived timeline entries.
package model

import (
	"github.com/google/uuid"
)

// NewID returns a fresh opaque 128-bit identifier, canonically serialized
// as hyphenated lowercase (the default google/uuid String() form).
func NewID() string {
	return uuid.New().String()
}

// OwnerKind distinguishes the three owner scoping states a query or write
// can carry: no filter at all (Any), explicitly global (None), or a
// concrete tenant id (Some).
type OwnerKind int

const (
	OwnerAnyKind OwnerKind = iota
	OwnerNoneKind
	OwnerSomeKind
)

// Owner is the tri-state tenant scope described in the data model: Any
// (no filter), None (explicit global rows), or a concrete id. The zero
// value is OwnerAny, which is deliberately the least restrictive state so
// a caller cannot accidentally narrow a query by forgetting to set Owner.
type Owner struct {
	kind OwnerKind
	id   string
}

func OwnerAny() Owner        { return Owner{kind: OwnerAnyKind} }
func OwnerNone() Owner       { return Owner{kind: OwnerNoneKind} }
func OwnerOf(id string) Owner { return Owner{kind: OwnerSomeKind, id: id} }

func (o Owner) IsAny() bool  { return o.kind == OwnerAnyKind }
func (o Owner) IsNone() bool { return o.kind == OwnerNoneKind }
func (o Owner) IsSome() bool { return o.kind == OwnerSomeKind }

// ID returns the concrete owner id and true when the scope is OwnerSomeKind.
func (o Owner) ID() (string, bool) {
	if o.kind != OwnerSomeKind {
		return "", false
	}
	return o.id, true
}

// NullableString returns the value to persist in a nullable owner column:
// nil for None, a pointer to the id for Some. Callers must not call this
// for OwnerAny — Any only makes sense as a query filter, never as a value
// to write.
func (o Owner) NullableString() *string {
	switch o.kind {
	case OwnerNoneKind:
		return nil
	case OwnerSomeKind:
		return &o.id
	default:
		return nil
	}
}

// Matches reports whether a stored owner value (nil = global, non-nil =
// tenant id) satisfies this scope. OwnerAny matches everything; OwnerNone
// matches only nil; OwnerSome matches only an equal id. This is the
// tri-valued comparison the spec requires: "null = null" must not match
// by default, so OwnerAny is the only scope that matches a nil stored
// value without an explicit None.
func (o Owner) Matches(stored *string) bool {
	switch o.kind {
	case OwnerAnyKind:
		return true
	case OwnerNoneKind:
		return stored == nil
	case OwnerSomeKind:
		return stored != nil && *stored == o.id
	}
	return false
}

// ValidTo represents the exclusive end of a validity interval: either
// "open" (the fact/edge is currently active) or a concrete millisecond
// timestamp.
type ValidTo struct {
	open bool
	ms   int64
}

func Open() ValidTo { return ValidTo{open: true} }
func At(ms int64) ValidTo { return ValidTo{ms: ms} }

func (v ValidTo) IsOpen() bool { return v.open }

// Ms returns the timestamp and true when the interval is closed.
func (v ValidTo) Ms() (int64, bool) {
	if v.open {
		return 0, false
	}
	return v.ms, true
}

// Ptr returns the representation used for storage/comparison: nil means
// open, a non-nil pointer carries the closing timestamp.
func (v ValidTo) Ptr() *int64 {
	if v.open {
		return nil
	}
	ms := v.ms
	return &ms
}

func ValidToFromPtr(p *int64) ValidTo {
	if p == nil {
		return Open()
	}
	return At(*p)
}

// Fact is a (subject, predicate, object) triplet with a validity interval,
// confidence and opaque metadata.
type Fact struct {
	ID           string
	Owner        Owner
	Subject      string
	Predicate    string
	Object       string
	ValidFrom    int64
	ValidTo      ValidTo
	Confidence   float64
	LastUpdated  int64
	Metadata     map[string]string
}

// Edge is a directed relation between two facts with a validity interval
// and a weight.
type Edge struct {
	ID           string
	Owner        Owner
	SourceID     string
	TargetID     string
	RelationType string
	ValidFrom    int64
	ValidTo      ValidTo
	Weight       float64
	LastUpdated  int64
	Metadata     map[string]string
}

// ChangeType enumerates the two event types a TimelineEntry can carry.
type ChangeType string

const (
	ChangeCreated     ChangeType = "created"
	ChangeInvalidated ChangeType = "invalidated"
)

// TimelineEntry is a derived, synthetic event built from a Fact's
// valid_from/valid_to boundaries.
type TimelineEntry struct {
	Timestamp  int64
	Subject    string
	Predicate  string
	Object     string
	Confidence float64
	ChangeType ChangeType
}
