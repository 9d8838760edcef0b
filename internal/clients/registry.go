// Package clients hosts the coordinators of every connected device.
package clients

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/device"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/geo"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/quorum"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/records"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/tracking"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultJanitorInterval = time.Minute

var (
	ErrRegistryClosed = errors.New("clients: registry closed")
	errMissingStore   = errors.New("clients: record store is required")
	errMissingIDP     = errors.New("clients: identity provider is required")
	errMissingAccount = errors.New("clients: account id is required")
)

// Config describes how hosted clients are built and evicted.
type Config struct {
	Store           records.Store
	Identity        quorum.IdentityProvider
	SampleTimeout   time.Duration
	SampleMaxAge    time.Duration
	IdleTTL         time.Duration
	JanitorInterval time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Client is one device's pair of coordinators and its position feed.
type Client struct {
	AccountID string
	DeviceID  device.ID
	Tracking  *tracking.Coordinator
	Deletion  *quorum.Coordinator
	Positions *geo.PushFeed

	leases   int
	lastUsed time.Time
}

func (c *Client) close() {
	c.Tracking.Close()
	c.Deletion.Close()
	c.Positions.Close()
}

type clientKey struct {
	accountID string
	deviceID  device.ID
}

func (k clientKey) String() string {
	return k.accountID + "/" + k.deviceID.String()
}

// Registry creates clients on first use and closes them when released or idle.
type Registry struct {
	store           records.Store
	identity        quorum.IdentityProvider
	sampleTimeout   time.Duration
	sampleMaxAge    time.Duration
	idleTTL         time.Duration
	janitorInterval time.Duration
	clock           func() time.Time
	logger          *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	creating   singleflight.Group

	mu      sync.Mutex
	clients map[clientKey]*Client
	closed  bool
}

func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Identity == nil {
		return nil, errMissingIDP
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.JanitorInterval
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:           cfg.Store,
		identity:        cfg.Identity,
		sampleTimeout:   cfg.SampleTimeout,
		sampleMaxAge:    cfg.SampleMaxAge,
		idleTTL:         cfg.IdleTTL,
		janitorInterval: interval,
		clock:           clock,
		logger:          logger,
		baseCtx:         baseCtx,
		cancelBase:      cancel,
		clients:         make(map[clientKey]*Client),
	}, nil
}

// Acquire returns the device's client, building, opening and registering it on first use.
// The returned release function must be called once the caller is done with the client;
// a leased client is never evicted as idle.
func (r *Registry) Acquire(ctx context.Context, accountID string, deviceID device.ID) (*Client, func(), error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, nil, errMissingAccount
	}
	parsed, err := device.Parse(deviceID.String())
	if err != nil {
		return nil, nil, err
	}
	key := clientKey{accountID: accountID, deviceID: parsed}

	if client, release, ok, err := r.lease(key); ok || err != nil {
		return client, release, err
	}

	_, err, _ = r.creating.Do(key.String(), func() (interface{}, error) {
		r.mu.Lock()
		_, exists := r.clients[key]
		r.mu.Unlock()
		if exists {
			return nil, nil
		}
		client, err := r.build(ctx, key)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			client.close()
			return nil, ErrRegistryClosed
		}
		client.lastUsed = r.clock()
		r.clients[key] = client
		return nil, nil
	})
	if err != nil {
		return nil, nil, err
	}

	client, release, ok, err := r.lease(key)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrRegistryClosed
	}
	return client, release, nil
}

func (r *Registry) lease(key clientKey) (*Client, func(), bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, false, ErrRegistryClosed
	}
	client, ok := r.clients[key]
	if !ok {
		return nil, nil, false, nil
	}
	client.leases++
	client.lastUsed = r.clock()
	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			client.leases--
			client.lastUsed = r.clock()
		})
	}
	return client, release, true, nil
}

func (r *Registry) build(ctx context.Context, key clientKey) (*Client, error) {
	logger := r.logger.With(zap.String("account_id", key.accountID), zap.String("device_id", key.deviceID.String()))
	feed := geo.NewPushFeed(geo.PushFeedConfig{
		MaxAge:        r.sampleMaxAge,
		SampleTimeout: r.sampleTimeout,
		Clock:         r.clock,
	})
	trackingCoordinator, err := tracking.NewCoordinator(tracking.Config{
		Store:     r.store,
		Positions: feed,
		AccountID: key.accountID,
		DeviceID:  key.deviceID,
		Clock:     r.clock,
		Logger:    logger,
	})
	if err != nil {
		feed.Close()
		return nil, err
	}
	deletionCoordinator, err := quorum.NewCoordinator(quorum.Config{
		Store:     r.store,
		Identity:  r.identity,
		AccountID: key.accountID,
		DeviceID:  key.deviceID,
		Clock:     r.clock,
		Logger:    logger,
	})
	if err != nil {
		trackingCoordinator.Close()
		feed.Close()
		return nil, err
	}
	client := &Client{
		AccountID: key.accountID,
		DeviceID:  key.deviceID,
		Tracking:  trackingCoordinator,
		Deletion:  deletionCoordinator,
		Positions: feed,
	}
	if err := trackingCoordinator.Open(r.baseCtx); err != nil {
		client.close()
		return nil, err
	}
	if err := deletionCoordinator.Open(r.baseCtx); err != nil {
		client.close()
		return nil, err
	}
	if _, err := deletionCoordinator.RegisterSession(ctx); err != nil {
		client.close()
		return nil, err
	}
	logger.Info("device client opened")
	return client, nil
}

// Release closes the device's client immediately, whatever its leases.
func (r *Registry) Release(accountID string, deviceID device.ID) bool {
	key := clientKey{accountID: strings.TrimSpace(accountID), deviceID: deviceID}
	r.mu.Lock()
	client, ok := r.clients[key]
	if ok {
		delete(r.clients, key)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	client.close()
	r.logger.Info("device client released",
		zap.String("account_id", key.accountID),
		zap.String("device_id", key.deviceID.String()))
	return true
}

// ReleaseAccount closes every client of the account and reports how many were closed.
func (r *Registry) ReleaseAccount(accountID string) int {
	accountID = strings.TrimSpace(accountID)
	r.mu.Lock()
	var released []*Client
	for key, client := range r.clients {
		if key.accountID == accountID {
			released = append(released, client)
			delete(r.clients, key)
		}
	}
	r.mu.Unlock()
	for _, client := range released {
		client.close()
	}
	return len(released)
}

// Len reports the number of hosted clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// EvictIdle closes clients without leases that have been unused for longer than the idle TTL.
func (r *Registry) EvictIdle() int {
	if r.idleTTL <= 0 {
		return 0
	}
	now := r.clock()
	r.mu.Lock()
	var evicted []*Client
	for key, client := range r.clients {
		if client.leases == 0 && now.Sub(client.lastUsed) > r.idleTTL {
			evicted = append(evicted, client)
			delete(r.clients, key)
		}
	}
	r.mu.Unlock()
	for _, client := range evicted {
		client.close()
		r.logger.Info("idle device client evicted",
			zap.String("account_id", client.AccountID),
			zap.String("device_id", client.DeviceID.String()))
	}
	return len(evicted)
}

// Run evicts idle clients until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle()
		}
	}
}

// Close closes every client and refuses further acquisitions.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	clients := make([]*Client, 0, len(r.clients))
	for key, client := range r.clients {
		clients = append(clients, client)
		delete(r.clients, key)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.close()
		}()
	}
	wg.Wait()
	r.cancelBase()
}
