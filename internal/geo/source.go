package geo

import "context"

// Source produces device positions.
type Source interface {
	// Current returns a single position sample.
	Current(ctx context.Context) (Position, error)
	// Watch starts a continuous feed that lasts until the watch is closed or ctx ends.
	Watch(ctx context.Context) (Watch, error)
}

// Watch is a cancellable continuous position feed.
type Watch interface {
	Positions() <-chan Position
	Errors() <-chan error
	// Close releases the feed. It is safe to call more than once.
	Close()
}
