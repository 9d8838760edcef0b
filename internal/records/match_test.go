package records

import (
	"encoding/json"
	"testing"
)

func TestCompareValuesOrdersTimestampsChronologically(t *testing.T) {
	later := "2026-03-01T08:00:00.5Z"
	earlier := "2026-03-01T08:00:00.25+00:00"
	if compareValues(later, earlier) <= 0 {
		t.Fatalf("expected %s to sort after %s", later, earlier)
	}
}

func TestMatchesFiltersNormalizesNumbers(t *testing.T) {
	fields := Fields{"count": json.Number("3"), "active": true}
	if !matchesFilters(fields, []Filter{{Field: "count", Value: 3}, {Field: "active", Value: true}}) {
		t.Fatalf("expected numeric and boolean filters to match")
	}
	if matchesFilters(fields, []Filter{{Field: "missing", Value: "x"}}) {
		t.Fatalf("expected missing field not to match a non-nil value")
	}
}

func TestSortDocumentsBreaksTiesByID(t *testing.T) {
	documents := []Document{
		{ID: "b", Fields: Fields{"timestamp": "2026-03-01T08:00:00Z"}},
		{ID: "a", Fields: Fields{"timestamp": "2026-03-01T08:00:00Z"}},
		{ID: "c", Fields: Fields{"timestamp": "2026-03-01T07:00:00Z"}},
	}
	sortDocuments(documents, &Order{Field: "timestamp", Descending: true})
	if documents[0].ID != "b" || documents[1].ID != "a" || documents[2].ID != "c" {
		t.Fatalf("unexpected order: %s %s %s", documents[0].ID, documents[1].ID, documents[2].ID)
	}
}
