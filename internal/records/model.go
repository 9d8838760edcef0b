package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gorm.io/datatypes"
)

const (
	maxCollectionLength = 64
	maxDocumentIDLength = 190

	// AccountField is the document field mirrored into the indexed account_id column.
	AccountField = "accountId"
)

var (
	ErrNotFound          = errors.New("document not found")
	ErrInvalidCollection = errors.New("invalid collection")
	ErrInvalidDocumentID = errors.New("invalid document id")
	ErrMissingField      = errors.New("missing field")
	ErrFieldType         = errors.New("unexpected field type")
)

// Fields is the schemaless body of a document.
type Fields map[string]any

// String returns a required string field.
func (f Fields) String(key string) (string, error) {
	raw, ok := f[key]
	if !ok || raw == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	value, err := cast.ToStringE(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrFieldType, key, err)
	}
	return value, nil
}

// OptionalString returns an empty string when the field is absent or null.
func (f Fields) OptionalString(key string) (string, error) {
	raw, ok := f[key]
	if !ok || raw == nil {
		return "", nil
	}
	value, err := cast.ToStringE(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrFieldType, key, err)
	}
	return value, nil
}

func (f Fields) Float(key string) (float64, error) {
	raw, ok := f[key]
	if !ok || raw == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	if _, isString := raw.(string); isString {
		return 0, fmt.Errorf("%w: %s: expected number", ErrFieldType, key)
	}
	value, err := cast.ToFloat64E(normalizeValue(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrFieldType, key, err)
	}
	return value, nil
}

func (f Fields) Bool(key string) (bool, error) {
	raw, ok := f[key]
	if !ok || raw == nil {
		return false, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	value, isBool := raw.(bool)
	if !isBool {
		return false, fmt.Errorf("%w: %s: expected boolean", ErrFieldType, key)
	}
	return value, nil
}

// Time parses an ISO-8601 timestamp field.
func (f Fields) Time(key string) (time.Time, error) {
	text, err := f.String(key)
	if err != nil {
		return time.Time{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrFieldType, key, err)
	}
	return parsed, nil
}

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	copied := make(Fields, len(f))
	for key, value := range f {
		copied[key] = value
	}
	return copied
}

type Document struct {
	ID         string
	Collection string
	Fields     Fields
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Filter matches documents whose field equals Value.
type Filter struct {
	Field string
	Value any
}

type Order struct {
	Field      string
	Descending bool
}

type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    *Order
}

// Where returns a copy of the query with an additional equality filter.
func (q Query) Where(field string, value any) Query {
	filters := make([]Filter, 0, len(q.Filters)+1)
	filters = append(filters, q.Filters...)
	filters = append(filters, Filter{Field: field, Value: value})
	q.Filters = filters
	return q
}

// Snapshot is the full result set of a subscribed query at one point in time.
type Snapshot struct {
	Documents []Document
	Err       error
}

type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

type Change struct {
	Collection string     `json:"collection"`
	DocumentID string     `json:"document_id"`
	Kind       ChangeKind `json:"kind"`
	Origin     string     `json:"origin,omitempty"`
}

// DocumentRecord is the persisted row behind a Document.
type DocumentRecord struct {
	Collection      string            `gorm:"column:collection;primaryKey;size:64;not null;index:idx_documents_scope,priority:1"`
	DocumentID      string            `gorm:"column:document_id;primaryKey;size:190;not null"`
	AccountID       string            `gorm:"column:account_id;size:190;not null;default:'';index:idx_documents_scope,priority:2"`
	Payload         datatypes.JSONMap `gorm:"column:payload;not null"`
	CreatedAtMicros int64             `gorm:"column:created_at_us;not null"`
	UpdatedAtMicros int64             `gorm:"column:updated_at_us;not null"`
}

func (DocumentRecord) TableName() string {
	return "documents"
}

func (r DocumentRecord) toDocument() Document {
	fields := make(Fields, len(r.Payload))
	for key, value := range r.Payload {
		fields[key] = normalizeValue(value)
	}
	return Document{
		ID:         r.DocumentID,
		Collection: r.Collection,
		Fields:     fields,
		CreatedAt:  time.UnixMicro(r.CreatedAtMicros).UTC(),
		UpdatedAt:  time.UnixMicro(r.UpdatedAtMicros).UTC(),
	}
}

// AccountIDFromPayload extracts the account scope of a payload, or empty when absent.
func AccountIDFromPayload(payload map[string]any) string {
	raw, ok := payload[AccountField]
	if !ok || raw == nil {
		return ""
	}
	value, err := cast.ToStringE(raw)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}

func validateCollection(collection string) error {
	trimmed := strings.TrimSpace(collection)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCollection)
	}
	if trimmed != collection || len(collection) > maxCollectionLength {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, collection)
	}
	return nil
}

func validateDocumentID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if trimmed != id || len(id) > maxDocumentIDLength {
		return fmt.Errorf("%w: %q", ErrInvalidDocumentID, id)
	}
	return nil
}

// normalizeValue folds the numeric representations produced by JSON decoding and Go
// callers into float64 so that comparisons are representation independent.
func normalizeValue(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if parsed, err := typed.Float64(); err == nil {
			return parsed
		}
		return typed.String()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32:
		return cast.ToFloat64(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		nested := make(map[string]any, len(typed))
		for key, item := range typed {
			nested[key] = normalizeValue(item)
		}
		return nested
	case []any:
		items := make([]any, len(typed))
		for index, item := range typed {
			items[index] = normalizeValue(item)
		}
		return items
	default:
		return value
	}
}
