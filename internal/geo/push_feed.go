package geo

import (
	"context"
	"sync"
	"time"
)

const (
	defaultSampleTimeout = 5 * time.Second
	defaultMaxAge        = 30 * time.Second
)

type PushFeedConfig struct {
	// MaxAge bounds how old the last pushed position may be to satisfy Current.
	MaxAge time.Duration
	// SampleTimeout bounds how long Current waits for a new push.
	SampleTimeout time.Duration
	Clock         func() time.Time
}

// PushFeed is a Source whose positions are pushed by the device itself.
type PushFeed struct {
	mu      sync.Mutex
	last    *Position
	lastAt  time.Time
	waiters []chan Position
	watches map[int64]*pushWatch
	nextID  int64
	closed  bool
	maxAge  time.Duration
	timeout time.Duration
	clock   func() time.Time
}

func NewPushFeed(cfg PushFeedConfig) *PushFeed {
	maxAge := cfg.MaxAge
	if maxAge < 0 {
		maxAge = 0
	} else if maxAge == 0 {
		maxAge = defaultMaxAge
	}
	timeout := cfg.SampleTimeout
	if timeout <= 0 {
		timeout = defaultSampleTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &PushFeed{
		watches: make(map[int64]*pushWatch),
		maxAge:  maxAge,
		timeout: timeout,
		clock:   clock,
	}
}

// Push records a position reported by the device and forwards it to pending samples and
// active watches.
func (f *PushFeed) Push(position Position) error {
	if err := ValidateCoordinates(position.Lat, position.Lng); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrSourceClosed
	}
	now := f.clock()
	if position.RecordedAt.IsZero() {
		position.RecordedAt = now.UTC()
	}
	stored := position
	f.last = &stored
	f.lastAt = now

	for _, waiter := range f.waiters {
		waiter <- position
	}
	f.waiters = nil

	for _, watch := range f.watches {
		watch.deliver(position)
	}
	return nil
}

// Fail reports a device-side geolocation error to every active watch.
func (f *PushFeed) Fail(err error) {
	if err == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, watch := range f.watches {
		select {
		case watch.errors <- err:
		default:
		}
	}
}

func (f *PushFeed) Current(ctx context.Context) (Position, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return Position{}, ErrSourceClosed
	}
	if f.last != nil && f.maxAge > 0 && f.clock().Sub(f.lastAt) <= f.maxAge {
		position := *f.last
		f.mu.Unlock()
		return position, nil
	}
	waiter := make(chan Position, 1)
	f.waiters = append(f.waiters, waiter)
	f.mu.Unlock()

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()
	select {
	case position, ok := <-waiter:
		if !ok {
			return Position{}, ErrSourceClosed
		}
		return position, nil
	case <-timer.C:
		f.dropWaiter(waiter)
		return Position{}, ErrPositionUnavailable
	case <-ctx.Done():
		f.dropWaiter(waiter)
		return Position{}, ctx.Err()
	}
}

func (f *PushFeed) Watch(ctx context.Context) (Watch, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrSourceClosed
	}
	f.nextID++
	watch := &pushWatch{
		id:        f.nextID,
		feed:      f,
		positions: make(chan Position, 1),
		errors:    make(chan error, 1),
		done:      make(chan struct{}),
	}
	f.watches[watch.id] = watch
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			watch.Close()
		case <-watch.done:
		}
	}()
	return watch, nil
}

// ActiveWatches reports how many watches are currently open.
func (f *PushFeed) ActiveWatches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watches)
}

// Close ends every watch and pending sample.
func (f *PushFeed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for _, waiter := range f.waiters {
		close(waiter)
	}
	f.waiters = nil
	watches := make([]*pushWatch, 0, len(f.watches))
	for _, watch := range f.watches {
		watches = append(watches, watch)
	}
	f.mu.Unlock()

	for _, watch := range watches {
		watch.Close()
	}
}

func (f *PushFeed) dropWaiter(target chan Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for index, waiter := range f.waiters {
		if waiter == target {
			f.waiters = append(f.waiters[:index], f.waiters[index+1:]...)
			return
		}
	}
}

type pushWatch struct {
	id        int64
	feed      *PushFeed
	positions chan Position
	errors    chan error
	done      chan struct{}
	once      sync.Once
}

func (w *pushWatch) Positions() <-chan Position {
	return w.positions
}

func (w *pushWatch) Errors() <-chan error {
	return w.errors
}

func (w *pushWatch) Close() {
	w.once.Do(func() {
		w.feed.mu.Lock()
		delete(w.feed.watches, w.id)
		close(w.positions)
		close(w.errors)
		w.feed.mu.Unlock()
		close(w.done)
	})
}

// deliver keeps only the newest undelivered position. Callers hold feed.mu.
func (w *pushWatch) deliver(position Position) {
	select {
	case w.positions <- position:
		return
	default:
	}
	select {
	case <-w.positions:
	default:
	}
	select {
	case w.positions <- position:
	default:
	}
}
