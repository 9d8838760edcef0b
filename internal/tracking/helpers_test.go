package tracking_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/device"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/geo"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/records"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/tracking"
	"github.com/stretchr/testify/require"
)

const (
	testAccountID = "account-1"
	waitTimeout   = 3 * time.Second
	pollInterval  = 10 * time.Millisecond
)

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

func newSteppingClock(start time.Time, step time.Duration) *steppingClock {
	return &steppingClock{current: start, step: step}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.current
	c.current = c.current.Add(c.step)
	return now
}

type coordinatorFixture struct {
	coordinator *tracking.Coordinator
	feed        *geo.PushFeed
}

func newCoordinator(t *testing.T, store records.Store, deviceID string, clock func() time.Time) coordinatorFixture {
	t.Helper()
	return newAccountCoordinator(t, store, testAccountID, deviceID, clock)
}

func newAccountCoordinator(t *testing.T, store records.Store, accountID, deviceID string, clock func() time.Time) coordinatorFixture {
	t.Helper()
	feed := geo.NewPushFeed(geo.PushFeedConfig{SampleTimeout: 200 * time.Millisecond})
	coordinator, err := tracking.NewCoordinator(tracking.Config{
		Store:     store,
		Positions: feed,
		AccountID: accountID,
		DeviceID:  device.ID(deviceID),
		Clock:     clock,
	})
	require.NoError(t, err)
	require.NoError(t, coordinator.Open(context.Background()))
	t.Cleanup(func() {
		coordinator.Close()
		feed.Close()
	})
	return coordinatorFixture{coordinator: coordinator, feed: feed}
}

func trackingRecords(t *testing.T, store records.Store, vehicleID string) []records.Document {
	t.Helper()
	documents, err := store.Query(context.Background(), records.Query{
		Collection: tracking.Collection,
		Filters:    []records.Filter{{Field: "vehicleId", Value: vehicleID}},
		OrderBy:    &records.Order{Field: "timestamp", Descending: true},
	})
	require.NoError(t, err)
	return documents
}

func eventuallyView(t *testing.T, coordinator *tracking.Coordinator, accept func(tracking.View) bool, message string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return accept(coordinator.View())
	}, waitTimeout, pollInterval, message)
}

func manualStart(vehicleID, lat, lng string) tracking.StartRequest {
	return tracking.StartRequest{
		VehicleID: vehicleID,
		Manual:    tracking.ManualInput{Latitude: lat, Longitude: lng},
	}
}

// gatedStore holds every Create until the expected number of writers reached it, which
// lets two devices pass the controller check before either writes.
type gatedStore struct {
	records.Store
	arrived sync.WaitGroup
}

func newGatedStore(inner records.Store, writers int) *gatedStore {
	store := &gatedStore{Store: inner}
	store.arrived.Add(writers)
	return store
}

func (s *gatedStore) Create(ctx context.Context, collection string, fields records.Fields) (string, error) {
	s.arrived.Done()
	s.arrived.Wait()
	return s.Store.Create(ctx, collection, fields)
}

// competingRecord is an active GPS record written by another device of the same account.
func competingRecord(vehicleID, deviceID string, at time.Time) records.Fields {
	return records.Fields{
		"vehicleId":    vehicleID,
		"lat":          -1.3,
		"lng":          36.9,
		"locationName": "Current Location",
		"timestamp":    at.UTC().Format(time.RFC3339Nano),
		"method":       "gps",
		"deviceId":     deviceID,
		"accountId":    testAccountID,
		"isTracking":   true,
	}
}

// stallingStore commits the nth Create and then holds its return until released.
type stallingStore struct {
	records.Store
	stallAt   int
	committed chan string
	release   chan struct{}

	mu      sync.Mutex
	creates int
}

func newStallingStore(inner records.Store, stallAt int) *stallingStore {
	return &stallingStore{
		Store:     inner,
		stallAt:   stallAt,
		committed: make(chan string, 1),
		release:   make(chan struct{}),
	}
}

func (s *stallingStore) Create(ctx context.Context, collection string, fields records.Fields) (string, error) {
	s.mu.Lock()
	s.creates++
	stall := s.creates == s.stallAt
	s.mu.Unlock()

	id, err := s.Store.Create(ctx, collection, fields)
	if stall {
		s.committed <- id
		<-s.release
	}
	return id, err
}
