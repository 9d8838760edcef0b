package geo

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseCoordinatesRejectsOutOfRange(t *testing.T) {
	if _, _, err := ParseCoordinates("95", "200"); !errors.Is(err, ErrInvalidCoordinates) {
		t.Fatalf("expected ErrInvalidCoordinates, got %v", err)
	}
	if _, _, err := ParseCoordinates("-90.0001", "0"); !errors.Is(err, ErrInvalidCoordinates) {
		t.Fatalf("expected ErrInvalidCoordinates for latitude below range, got %v", err)
	}
	if _, _, err := ParseCoordinates("north", "36.8"); !errors.Is(err, ErrInvalidCoordinates) {
		t.Fatalf("expected ErrInvalidCoordinates for non-numeric text, got %v", err)
	}
}

func TestParseCoordinatesRequiresBothValues(t *testing.T) {
	if _, _, err := ParseCoordinates("-1.2864", " "); !errors.Is(err, ErrCoordinatesRequired) {
		t.Fatalf("expected ErrCoordinatesRequired, got %v", err)
	}
}

func TestParseCoordinatesAcceptsExactValues(t *testing.T) {
	lat, lng, err := ParseCoordinates("-1.2864", "36.8172")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lat != -1.2864 || lng != 36.8172 {
		t.Fatalf("expected exact coordinates, got %v, %v", lat, lng)
	}
	if _, _, err := ParseCoordinates("90", "-180"); err != nil {
		t.Fatalf("expected boundary values to be accepted, got %v", err)
	}
}

func TestPushFeedCurrentUsesFreshPosition(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	feed := NewPushFeed(PushFeedConfig{MaxAge: time.Minute, Clock: func() time.Time { return now }})
	if err := feed.Push(Position{Lat: 1, Lng: 2}); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	position, err := feed.Current(context.Background())
	if err != nil {
		t.Fatalf("unexpected current error: %v", err)
	}
	if position.Lat != 1 || position.Lng != 2 {
		t.Fatalf("unexpected position %+v", position)
	}
}

func TestPushFeedCurrentWaitsForPush(t *testing.T) {
	feed := NewPushFeed(PushFeedConfig{MaxAge: -1, SampleTimeout: 2 * time.Second})
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = feed.Push(Position{Lat: 3, Lng: 4})
	}()
	position, err := feed.Current(context.Background())
	if err != nil {
		t.Fatalf("unexpected current error: %v", err)
	}
	if position.Lat != 3 {
		t.Fatalf("expected pushed position, got %+v", position)
	}
}

func TestPushFeedCurrentTimesOut(t *testing.T) {
	feed := NewPushFeed(PushFeedConfig{SampleTimeout: 20 * time.Millisecond})
	if _, err := feed.Current(context.Background()); !errors.Is(err, ErrPositionUnavailable) {
		t.Fatalf("expected ErrPositionUnavailable, got %v", err)
	}
}

func TestPushFeedWatchReceivesPushesUntilClosed(t *testing.T) {
	feed := NewPushFeed(PushFeedConfig{})
	watch, err := feed.Watch(context.Background())
	if err != nil {
		t.Fatalf("unexpected watch error: %v", err)
	}
	if err := feed.Push(Position{Lat: 5, Lng: 6}); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	select {
	case position := <-watch.Positions():
		if position.Lng != 6 {
			t.Fatalf("unexpected position %+v", position)
		}
	case <-time.After(time.Second):
		t.Fatal("expected position on watch")
	}

	watch.Close()
	watch.Close()
	if feed.ActiveWatches() != 0 {
		t.Fatalf("expected watch to be released")
	}
	if _, ok := <-watch.Positions(); ok {
		t.Fatalf("expected closed position channel")
	}
	if err := feed.Push(Position{Lat: 7, Lng: 8}); err != nil {
		t.Fatalf("unexpected push error after close: %v", err)
	}
}

func TestPushFeedWatchEndsWithContext(t *testing.T) {
	feed := NewPushFeed(PushFeedConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := feed.Watch(ctx); err != nil {
		t.Fatalf("unexpected watch error: %v", err)
	}
	cancel()
	deadline := time.Now().Add(time.Second)
	for feed.ActiveWatches() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected watch to close with its context")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPushFeedRejectsInvalidPositions(t *testing.T) {
	feed := NewPushFeed(PushFeedConfig{})
	if err := feed.Push(Position{Lat: 91, Lng: 0}); !errors.Is(err, ErrInvalidCoordinates) {
		t.Fatalf("expected ErrInvalidCoordinates, got %v", err)
	}
}
