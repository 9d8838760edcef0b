package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// MutateFunc receives a copy of the current fields and returns the fields to merge into them.
type MutateFunc func(current Fields) (Fields, error)

// Store is the document store the coordinators persist through.
type Store interface {
	Create(ctx context.Context, collection string, fields Fields) (string, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	Update(ctx context.Context, collection, id string, fields Fields) error
	Mutate(ctx context.Context, collection, id string, mutate MutateFunc) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, query Query) ([]Document, error)
	Subscribe(ctx context.Context, query Query) (<-chan Snapshot, func())
}

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew = "records.store.new"
	opCreate   = "records.create"
	opGet      = "records.get"
	opUpdate   = "records.update"
	opMutate   = "records.mutate"
	opDelete   = "records.delete"
	opQuery    = "records.query"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type StoreConfig struct {
	Database   *gorm.DB
	Bus        Bus
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// GormStore keeps documents in a single table and announces every committed write on its Bus.
type GormStore struct {
	db         *gorm.DB
	bus        Bus
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewGormStore(cfg StoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	bus := cfg.Bus
	if bus == nil {
		bus = NewLocalBus()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &GormStore{
		db:         cfg.Database,
		bus:        bus,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

func (s *GormStore) Create(ctx context.Context, collection string, fields Fields) (string, error) {
	if err := validateCollection(collection); err != nil {
		return "", newServiceError(opCreate, "invalid_collection", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("collection", collection))
		return "", newServiceError(opCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC().UnixMicro()
	payload := datatypes.JSONMap(fields.Clone())
	record := DocumentRecord{
		Collection:      collection,
		DocumentID:      id,
		AccountID:       AccountIDFromPayload(payload),
		Payload:         payload,
		CreatedAtMicros: now,
		UpdatedAtMicros: now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("collection", collection))
		return "", newServiceError(opCreate, "insert_failed", err)
	}

	s.bus.Publish(ctx, Change{Collection: collection, DocumentID: id, Kind: ChangeCreated})
	return id, nil
}

func (s *GormStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := validateCollection(collection); err != nil {
		return Document{}, newServiceError(opGet, "invalid_collection", err)
	}
	if err := validateDocumentID(id); err != nil {
		return Document{}, newServiceError(opGet, "invalid_document_id", err)
	}
	var record DocumentRecord
	err := s.db.WithContext(ctx).
		Where("collection = ? AND document_id = ?", collection, id).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, newServiceError(opGet, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, "select_failed", err, zap.String("collection", collection), zap.String("document_id", id))
		return Document{}, newServiceError(opGet, "select_failed", err)
	}
	return record.toDocument(), nil
}

// Update merges fields into the stored document. Keys present with a nil value are stored as null.
func (s *GormStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	return s.mutate(ctx, opUpdate, collection, id, func(Fields) (Fields, error) {
		return fields, nil
	})
}

// Mutate computes the fields to merge from the current document while holding its row lock.
func (s *GormStore) Mutate(ctx context.Context, collection, id string, mutate MutateFunc) error {
	return s.mutate(ctx, opMutate, collection, id, mutate)
}

func (s *GormStore) mutate(ctx context.Context, operation, collection, id string, mutate MutateFunc) error {
	if err := validateCollection(collection); err != nil {
		return newServiceError(operation, "invalid_collection", err)
	}
	if err := validateDocumentID(id); err != nil {
		return newServiceError(operation, "invalid_document_id", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record DocumentRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("collection = ? AND document_id = ?", collection, id).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(operation, "not_found", ErrNotFound)
		}
		if err != nil {
			s.logError(operation, "select_failed", err, zap.String("collection", collection), zap.String("document_id", id))
			return newServiceError(operation, "select_failed", err)
		}

		fields, err := mutate(record.toDocument().Fields)
		if err != nil {
			return newServiceError(operation, "mutate_failed", err)
		}

		merged := make(datatypes.JSONMap, len(record.Payload)+len(fields))
		for key, value := range record.Payload {
			merged[key] = value
		}
		for key, value := range fields {
			merged[key] = value
		}

		updates := map[string]any{
			"payload":       merged,
			"account_id":    AccountIDFromPayload(merged),
			"updated_at_us": s.clock().UTC().UnixMicro(),
		}
		if err := tx.Model(&DocumentRecord{}).
			Where("collection = ? AND document_id = ?", collection, id).
			Updates(updates).Error; err != nil {
			s.logError(operation, "update_failed", err, zap.String("collection", collection), zap.String("document_id", id))
			return newServiceError(operation, "update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}

	s.bus.Publish(ctx, Change{Collection: collection, DocumentID: id, Kind: ChangeUpdated})
	return nil
}

func (s *GormStore) Delete(ctx context.Context, collection, id string) error {
	if err := validateCollection(collection); err != nil {
		return newServiceError(opDelete, "invalid_collection", err)
	}
	if err := validateDocumentID(id); err != nil {
		return newServiceError(opDelete, "invalid_document_id", err)
	}
	result := s.db.WithContext(ctx).
		Where("collection = ? AND document_id = ?", collection, id).
		Delete(&DocumentRecord{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.String("collection", collection), zap.String("document_id", id))
		return newServiceError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDelete, "not_found", ErrNotFound)
	}

	s.bus.Publish(ctx, Change{Collection: collection, DocumentID: id, Kind: ChangeDeleted})
	return nil
}

// Query returns the documents of a collection matching every filter, in the requested order.
// An equality filter on the account field is pushed down to the indexed column.
func (s *GormStore) Query(ctx context.Context, query Query) ([]Document, error) {
	if err := validateCollection(query.Collection); err != nil {
		return nil, newServiceError(opQuery, "invalid_collection", err)
	}

	statement := s.db.WithContext(ctx).Where("collection = ?", query.Collection)
	for _, filter := range query.Filters {
		if filter.Field != AccountField {
			continue
		}
		if accountID, ok := filter.Value.(string); ok {
			statement = statement.Where("account_id = ?", accountID)
		}
	}

	var rows []DocumentRecord
	if err := statement.Order("document_id ASC").Find(&rows).Error; err != nil {
		s.logError(opQuery, "select_failed", err, zap.String("collection", query.Collection))
		return nil, newServiceError(opQuery, "select_failed", err)
	}

	documents := make([]Document, 0, len(rows))
	for _, row := range rows {
		document := row.toDocument()
		if !matchesFilters(document.Fields, query.Filters) {
			continue
		}
		documents = append(documents, document)
	}
	sortDocuments(documents, query.OrderBy)
	return documents, nil
}

// Subscribe delivers the current result set of query and then a fresh full result set after
// every change to the collection. Notices that arrive while a snapshot is being built are
// folded into the next one, so the final state is always delivered.
func (s *GormStore) Subscribe(ctx context.Context, query Query) (<-chan Snapshot, func()) {
	stream := make(chan Snapshot, 1)
	if err := validateCollection(query.Collection); err != nil {
		stream <- Snapshot{Err: newServiceError(opQuery, "invalid_collection", err)}
		close(stream)
		return stream, func() {}
	}

	subscriptionContext, cancel := context.WithCancel(ctx)
	changes, release := s.bus.Subscribe(subscriptionContext, query.Collection)

	go func() {
		defer close(stream)
		defer release()

		if !s.deliverSnapshot(subscriptionContext, query, stream) {
			return
		}
		for {
			select {
			case <-subscriptionContext.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				drainChanges(changes)
				if !s.deliverSnapshot(subscriptionContext, query, stream) {
					return
				}
			}
		}
	}()

	return stream, cancel
}

func (s *GormStore) deliverSnapshot(ctx context.Context, query Query, stream chan<- Snapshot) bool {
	documents, err := s.Query(ctx, query)
	if ctx.Err() != nil {
		return false
	}
	select {
	case stream <- Snapshot{Documents: documents, Err: err}:
		return true
	case <-ctx.Done():
		return false
	}
}

func drainChanges(changes <-chan Change) {
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (s *GormStore) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil || err == nil {
		return
	}
	allFields := make([]zap.Field, 0, len(fields)+3)
	allFields = append(allFields,
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	)
	allFields = append(allFields, fields...)
	s.logger.Error("records store error", allFields...)
}
