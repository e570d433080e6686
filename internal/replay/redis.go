package replay

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"rabbitforce/internal/constants"
	"rabbitforce/pkg/errors"
	"rabbitforce/pkg/models"
)

// RedisStore keeps replay markers in Redis under
// {key_prefix}:{org}:{channel}, serialized as JSON. Values are written
// without a TTL; a marker stays valid for as long as Salesforce retains
// the event window.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to the address given in redis://host:port[/db]
// URL form.
func NewRedisStore(address, keyPrefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, errors.ErrConfiguration.
			WithMessage("invalid replay storage address %q", address).
			WithCause(err)
	}

	return &RedisStore{
		client:    redis.NewClient(opts),
		keyPrefix: keyPrefix,
	}, nil
}

// Client exposes the underlying connection for health checking.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(org, channel string) string {
	key := org + ":" + channel
	if s.keyPrefix != "" {
		key = s.keyPrefix + ":" + key
	}
	return key
}

func (s *RedisStore) Get(ctx context.Context, org, channel string) (*models.ReplayMarker, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RedisOpTimeout)
	defer cancel()

	value, err := s.client.Get(ctx, s.key(org, channel)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.ErrReplayStorage.
			WithMessage("failed to read replay marker for %s on %s", org, channel).
			WithCause(err)
	}

	var marker models.ReplayMarker
	if err := json.Unmarshal([]byte(value), &marker); err != nil {
		return nil, errors.ErrReplayStorage.
			WithMessage("malformed replay marker for %s on %s", org, channel).
			WithCause(err)
	}
	return &marker, nil
}

// Set stores the marker. Markers never move backward: when Salesforce
// replays an older event the stored id is kept, so a restart doesn't widen
// the replay window.
func (s *RedisStore) Set(ctx context.Context, org, channel string, marker models.ReplayMarker) error {
	ctx, cancel := context.WithTimeout(ctx, constants.RedisOpTimeout)
	defer cancel()

	current, err := s.Get(ctx, org, channel)
	if err != nil {
		return err
	}
	if current != nil && current.ReplayID >= marker.ReplayID {
		return nil
	}

	value, err := json.Marshal(marker)
	if err != nil {
		return errors.ErrReplayStorage.
			WithMessage("failed to serialize replay marker").
			WithCause(err)
	}

	if err := s.client.Set(ctx, s.key(org, channel), value, 0).Err(); err != nil {
		return errors.ErrReplayStorage.
			WithMessage("failed to store replay marker for %s on %s", org, channel).
			WithCause(err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
