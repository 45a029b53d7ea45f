package pebblestore

import "fmt"

const (
	factPrefix    = "F\x00"
	factIdxPrefix = "FIX\x00"
	edgePrefix    = "E\x00"
	edgeIdxPrefix = "EIX\x00"
)

// ownerComp renders the owner column into a key-safe component. nil (the
// global row marker) and concrete ids are given disjoint prefixes so a
// global row can never collide with a tenant row that happens to share a
// name.
func ownerComp(ownerID *string) string {
	if ownerID == nil {
		return "n:"
	}
	return "s:" + *ownerID
}

func factKey(id string) []byte {
	return []byte(factPrefix + id)
}

func edgeKey(id string) []byte {
	return []byte(edgePrefix + id)
}

// factIdxPrefixFor returns the scan prefix for a given (owner, subject,
// predicate) keyspace, ordered ascending by valid_from then id.
func factIdxPrefixFor(ownerID *string, subject, predicate string) []byte {
	return []byte(factIdxPrefix + ownerComp(ownerID) + "\x00" + subject + "\x00" + predicate + "\x00")
}

func factIdxKey(ownerID *string, subject, predicate string, validFrom int64, id string) []byte {
	return append(factIdxPrefixFor(ownerID, subject, predicate), []byte(padTS(validFrom)+"\x00"+id)...)
}

func edgeIdxPrefixFor(ownerID *string, sourceID, targetID, relationType string) []byte {
	return []byte(edgeIdxPrefix + ownerComp(ownerID) + "\x00" + sourceID + "\x00" + targetID + "\x00" + relationType + "\x00")
}

func edgeIdxKey(ownerID *string, sourceID, targetID, relationType string, validFrom int64, id string) []byte {
	return append(edgeIdxPrefixFor(ownerID, sourceID, targetID, relationType), []byte(padTS(validFrom)+"\x00"+id)...)
}

// padTS zero-pads a millisecond timestamp so lexicographic byte order
// matches numeric order. Timestamps are expected to be non-negative
// (milliseconds since epoch).
func padTS(ts int64) string {
	return fmt.Sprintf("%020d", ts)
}
