package records

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisChannelPrefix = "fleettraq:records:"

var errMissingRedisClient = errors.New("redis client is required")

type RedisBusConfig struct {
	Client        *redis.Client
	ChannelPrefix string
	Logger        *zap.Logger
}

// RedisBus shares change notices between API instances that use the same database.
// Notices are always delivered locally first; remote notices originating from this
// instance are ignored.
type RedisBus struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	local   *LocalBus
	prefix  string
	origin  string
	logger  *zap.Logger
	done    chan struct{}
	closeMu sync.Once
}

func NewRedisBus(ctx context.Context, cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	prefix := strings.TrimSpace(cfg.ChannelPrefix)
	if prefix == "" {
		prefix = defaultRedisChannelPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pubsub := cfg.Client.PSubscribe(ctx, prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	bus := &RedisBus{
		client: cfg.Client,
		pubsub: pubsub,
		local:  NewLocalBus(),
		prefix: prefix,
		origin: uuid.NewString(),
		logger: logger,
		done:   make(chan struct{}),
	}
	go bus.forward()
	return bus, nil
}

func (b *RedisBus) Publish(ctx context.Context, change Change) {
	b.local.Publish(ctx, change)

	change.Origin = b.origin
	payload, err := json.Marshal(change)
	if err != nil {
		b.logger.Warn("records change encode failed", zap.Error(err))
		return
	}
	if err := b.client.Publish(ctx, b.prefix+change.Collection, payload).Err(); err != nil {
		b.logger.Warn("records change publish failed",
			zap.String("collection", change.Collection),
			zap.Error(err))
	}
}

func (b *RedisBus) Subscribe(ctx context.Context, collection string) (<-chan Change, func()) {
	return b.local.Subscribe(ctx, collection)
}

// Close stops forwarding remote notices.
func (b *RedisBus) Close() error {
	var err error
	b.closeMu.Do(func() {
		err = b.pubsub.Close()
		<-b.done
	})
	return err
}

func (b *RedisBus) forward() {
	defer close(b.done)
	for message := range b.pubsub.Channel() {
		var change Change
		if err := json.Unmarshal([]byte(message.Payload), &change); err != nil {
			b.logger.Warn("records change decode failed",
				zap.String("channel", message.Channel),
				zap.Error(err))
			continue
		}
		if change.Origin == b.origin {
			continue
		}
		if change.Collection == "" {
			change.Collection = strings.TrimPrefix(message.Channel, b.prefix)
		}
		b.local.Publish(context.Background(), change)
	}
}
