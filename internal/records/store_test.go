package records_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/records"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/records/recordstest"
)

const testCollection = "tracking"

func TestGormStoreCreateAndGet(t *testing.T) {
	store := recordstest.NewStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, testCollection, records.Fields{
		"vehicleId":  "vehicle-1",
		"accountId":  "account-1",
		"latitude":   -1.2864,
		"isTracking": true,
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if id == "" {
		t.Fatalf("expected generated id")
	}

	document, err := store.Get(ctx, testCollection, id)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	latitude, err := document.Fields.Float("latitude")
	if err != nil {
		t.Fatalf("unexpected latitude error: %v", err)
	}
	if latitude != -1.2864 {
		t.Fatalf("expected latitude -1.2864, got %v", latitude)
	}
	tracking, err := document.Fields.Bool("isTracking")
	if err != nil || !tracking {
		t.Fatalf("expected isTracking=true, got %v (%v)", tracking, err)
	}
}

func TestGormStoreUpdateMergesFields(t *testing.T) {
	store := recordstest.NewStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, testCollection, records.Fields{
		"vehicleId":           "vehicle-1",
		"isTracking":          true,
		"controllingDeviceId": "device-a",
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	if err := store.Update(ctx, testCollection, id, records.Fields{"isTracking": false, "controllingDeviceId": nil}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	document, err := store.Get(ctx, testCollection, id)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if vehicleID, _ := document.Fields.String("vehicleId"); vehicleID != "vehicle-1" {
		t.Fatalf("expected untouched vehicleId, got %q", vehicleID)
	}
	if tracking, _ := document.Fields.Bool("isTracking"); tracking {
		t.Fatalf("expected isTracking=false after update")
	}
	controller, err := document.Fields.OptionalString("controllingDeviceId")
	if err != nil || controller != "" {
		t.Fatalf("expected null controller, got %q (%v)", controller, err)
	}
}

func TestGormStoreMissingDocuments(t *testing.T) {
	store := recordstest.NewStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, testCollection, "missing"); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from get, got %v", err)
	}
	if err := store.Update(ctx, testCollection, "missing", records.Fields{"a": 1}); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from update, got %v", err)
	}
	if err := store.Delete(ctx, testCollection, "missing"); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from delete, got %v", err)
	}
}

func TestGormStoreMutateSerialisesConcurrentWriters(t *testing.T) {
	store := recordstest.NewStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, testCollection, records.Fields{"count": 0})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Mutate(ctx, testCollection, id, func(current records.Fields) (records.Fields, error) {
				count, err := current.Float("count")
				if err != nil {
					return nil, err
				}
				return records.Fields{"count": count + 1}, nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected mutate error: %v", err)
		}
	}

	document, err := store.Get(ctx, testCollection, id)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	count, err := document.Fields.Float("count")
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != writers {
		t.Fatalf("expected count %d, got %v", writers, count)
	}
}

func TestGormStoreMutateFailures(t *testing.T) {
	store := recordstest.NewStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, testCollection, records.Fields{"status": "open"})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	rejected := errors.New("rejected")
	err = store.Mutate(ctx, testCollection, id, func(records.Fields) (records.Fields, error) {
		return nil, rejected
	})
	if !errors.Is(err, rejected) {
		t.Fatalf("expected mutate callback error, got %v", err)
	}
	document, err := store.Get(ctx, testCollection, id)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if status, _ := document.Fields.String("status"); status != "open" {
		t.Fatalf("expected status to stay open, got %q", status)
	}

	called := false
	err = store.Mutate(ctx, testCollection, "missing", func(records.Fields) (records.Fields, error) {
		called = true
		return records.Fields{}, nil
	})
	if !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from mutate, got %v", err)
	}
	if called {
		t.Fatalf("expected callback to be skipped for a missing document")
	}
}

func TestGormStoreRejectsInvalidCollection(t *testing.T) {
	store := recordstest.NewStore(t)
	if _, err := store.Create(context.Background(), " ", records.Fields{}); !errors.Is(err, records.ErrInvalidCollection) {
		t.Fatalf("expected ErrInvalidCollection, got %v", err)
	}
	var serviceErr *records.ServiceError
	_, err := store.Query(context.Background(), records.Query{})
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %T", err)
	}
	if serviceErr.Code() != "records.query.invalid_collection" {
		t.Fatalf("unexpected error code %q", serviceErr.Code())
	}
}

func TestGormStoreQueryFiltersAndOrders(t *testing.T) {
	store := recordstest.NewStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	seed := []records.Fields{
		{"vehicleId": "vehicle-1", "accountId": "account-1", "timestamp": base.Format(time.RFC3339Nano)},
		{"vehicleId": "vehicle-1", "accountId": "account-1", "timestamp": base.Add(2 * time.Minute).Format(time.RFC3339Nano)},
		{"vehicleId": "vehicle-2", "accountId": "account-1", "timestamp": base.Add(time.Minute).Format(time.RFC3339Nano)},
		{"vehicleId": "vehicle-1", "accountId": "account-2", "timestamp": base.Add(3 * time.Minute).Format(time.RFC3339Nano)},
	}
	for _, fields := range seed {
		if _, err := store.Create(ctx, testCollection, fields); err != nil {
			t.Fatalf("unexpected create error: %v", err)
		}
	}

	documents, err := store.Query(ctx, records.Query{
		Collection: testCollection,
		Filters: []records.Filter{
			{Field: records.AccountField, Value: "account-1"},
			{Field: "vehicleId", Value: "vehicle-1"},
		},
		OrderBy: &records.Order{Field: "timestamp", Descending: true},
	})
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(documents) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(documents))
	}
	first, _ := documents[0].Fields.Time("timestamp")
	second, _ := documents[1].Fields.Time("timestamp")
	if !first.After(second) {
		t.Fatalf("expected descending timestamps, got %s then %s", first, second)
	}
}

func TestGormStoreSubscribeDeliversSnapshots(t *testing.T) {
	store := recordstest.NewStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, stop := store.Subscribe(ctx, records.Query{Collection: testCollection}.Where("vehicleId", "vehicle-9"))
	defer stop()

	initial := receiveSnapshot(t, stream)
	if len(initial.Documents) != 0 {
		t.Fatalf("expected empty initial snapshot, got %d documents", len(initial.Documents))
	}

	id, err := store.Create(ctx, testCollection, records.Fields{"vehicleId": "vehicle-9"})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	waitForSnapshot(t, stream, func(snapshot records.Snapshot) bool {
		return len(snapshot.Documents) == 1 && snapshot.Documents[0].ID == id
	})

	if err := store.Delete(ctx, testCollection, id); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	waitForSnapshot(t, stream, func(snapshot records.Snapshot) bool {
		return len(snapshot.Documents) == 0
	})
}

func TestGormStoreSubscribeStopsOnCancel(t *testing.T) {
	store := recordstest.NewStore(t)
	stream, stop := store.Subscribe(context.Background(), records.Query{Collection: testCollection})
	receiveSnapshot(t, stream)
	stop()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-stream:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("expected subscription stream to close after cancel")
		}
	}
}

func receiveSnapshot(t *testing.T, stream <-chan records.Snapshot) records.Snapshot {
	t.Helper()
	select {
	case snapshot, ok := <-stream:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		if snapshot.Err != nil {
			t.Fatalf("unexpected snapshot error: %v", snapshot.Err)
		}
		return snapshot
	case <-time.After(time.Second):
		t.Fatal("expected snapshot within deadline")
	}
	return records.Snapshot{}
}

func waitForSnapshot(t *testing.T, stream <-chan records.Snapshot, accept func(records.Snapshot) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snapshot, ok := <-stream:
			if !ok {
				t.Fatal("subscription closed unexpectedly")
			}
			if snapshot.Err == nil && accept(snapshot) {
				return
			}
		case <-deadline:
			t.Fatal("expected matching snapshot within deadline")
		}
	}
}
