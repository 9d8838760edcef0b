package records

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

func matchesFilters(fields Fields, filters []Filter) bool {
	for _, filter := range filters {
		value, ok := fields[filter.Field]
		if !ok {
			if filter.Value != nil {
				return false
			}
			continue
		}
		if compareValues(normalizeValue(value), normalizeValue(filter.Value)) != 0 {
			return false
		}
	}
	return true
}

func sortDocuments(documents []Document, order *Order) {
	if order == nil || order.Field == "" {
		return
	}
	sort.SliceStable(documents, func(i, j int) bool {
		result := compareValues(documents[i].Fields[order.Field], documents[j].Fields[order.Field])
		if result == 0 {
			result = strings.Compare(documents[i].ID, documents[j].ID)
		}
		if order.Descending {
			return result > 0
		}
		return result < 0
	})
}

// compareValues orders nil first, then booleans, numbers, timestamps and strings.
func compareValues(left, right any) int {
	left = normalizeValue(left)
	right = normalizeValue(right)
	switch {
	case left == nil && right == nil:
		return 0
	case left == nil:
		return -1
	case right == nil:
		return 1
	}

	switch leftValue := left.(type) {
	case bool:
		if rightValue, ok := right.(bool); ok {
			switch {
			case leftValue == rightValue:
				return 0
			case !leftValue:
				return -1
			default:
				return 1
			}
		}
	case float64:
		if rightValue, ok := right.(float64); ok {
			switch {
			case leftValue < rightValue:
				return -1
			case leftValue > rightValue:
				return 1
			default:
				return 0
			}
		}
	case string:
		if rightValue, ok := right.(string); ok {
			leftTime, leftErr := time.Parse(time.RFC3339Nano, leftValue)
			rightTime, rightErr := time.Parse(time.RFC3339Nano, rightValue)
			if leftErr == nil && rightErr == nil {
				return leftTime.Compare(rightTime)
			}
			return strings.Compare(leftValue, rightValue)
		}
	}
	return strings.Compare(fmt.Sprint(left), fmt.Sprint(right))
}
