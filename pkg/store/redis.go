package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "voicemesh"

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore is a Store backed by Redis. Documents are JSON values, collection
// entries are indexed through a sorted set keyed by timestamp, and change
// notification rides Redis pub/sub. Merge writes are read-modify-write with
// last-writer-wins, matching the coordination model the call layer assumes.
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreFromClient(client), nil
}

// NewRedisStoreFromClient wraps an existing client. The caller keeps ownership
// of the client; Close only stops this store's subscriptions.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisStore{client: client, ctx: ctx, cancel: cancel}
}

// Close stops all subscriptions spawned by this store.
func (r *RedisStore) Close() error {
	r.cancel()
	return nil
}

func docKey(path string) string     { return redisKeyPrefix + ":doc:" + path }
func docChannel(path string) string { return redisKeyPrefix + ":ch:doc:" + path }
func colKey(path string) string     { return redisKeyPrefix + ":col:" + path }
func colEntryKey(path, id string) string {
	return redisKeyPrefix + ":col:" + path + ":" + id
}
func colChannel(path string) string { return redisKeyPrefix + ":ch:col:" + path }

// Get returns the document at path.
func (r *RedisStore) Get(ctx context.Context, path string) (Document, bool, error) {
	raw, err := r.client.Get(ctx, docKey(path)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false, fmt.Errorf("redis decode %s: %w", path, err)
	}
	return doc, true, nil
}

// Set writes the document at path and publishes the new value.
func (r *RedisStore) Set(ctx context.Context, path string, data Document, merge bool) error {
	next := Document{}
	if merge {
		current, ok, err := r.Get(ctx, path)
		if err != nil {
			return err
		}
		if ok {
			next = current
		}
	}
	for k, v := range data {
		if _, del := v.(deleteSentinel); del {
			delete(next, k)
			continue
		}
		next[k] = v
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("redis encode %s: %w", path, err)
	}
	if err := r.client.Set(ctx, docKey(path), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", path, err)
	}
	if err := r.client.Publish(ctx, docChannel(path), raw).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", path, err)
	}
	return nil
}

// Delete removes the document at path and publishes the removal.
func (r *RedisStore) Delete(ctx context.Context, path string) error {
	if err := r.client.Del(ctx, docKey(path)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", path, err)
	}
	if err := r.client.Publish(ctx, docChannel(path), "null").Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", path, err)
	}
	return nil
}

// Subscribe watches the document at path through pub/sub.
func (r *RedisStore) Subscribe(path string, fn func(Document)) (UnsubscribeFunc, error) {
	sub := r.client.Subscribe(r.ctx, docChannel(path))
	if _, err := sub.Receive(r.ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", path, err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var doc Document
				if err := json.Unmarshal([]byte(msg.Payload), &doc); err != nil {
					continue
				}
				fn(doc)
			case <-r.ctx.Done():
				return
			}
		}
	}()

	return func() { sub.Close() }, nil
}

// colEnvelope is the pub/sub payload for one collection append.
type colEnvelope struct {
	ID   string   `json:"id"`
	Data Document `json:"data"`
}

// Append writes a collection entry, indexes it by its timestamp field, and
// publishes it to collection subscribers.
func (r *RedisStore) Append(ctx context.Context, path, id string, data Document) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("redis encode entry %s/%s: %w", path, id, err)
	}
	if err := r.client.Set(ctx, colEntryKey(path, id), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis append %s/%s: %w", path, id, err)
	}

	score := float64(0)
	if ts, ok := data["timestamp"]; ok {
		switch t := ts.(type) {
		case int64:
			score = float64(t)
		case float64:
			score = t
		case int:
			score = float64(t)
		}
	}
	if err := r.client.ZAdd(ctx, colKey(path), redis.Z{Score: score, Member: id}).Err(); err != nil {
		return fmt.Errorf("redis index %s/%s: %w", path, id, err)
	}

	envelope, err := json.Marshal(colEnvelope{ID: id, Data: data})
	if err != nil {
		return fmt.Errorf("redis encode envelope %s/%s: %w", path, id, err)
	}
	if err := r.client.Publish(ctx, colChannel(path), envelope).Err(); err != nil {
		return fmt.Errorf("redis publish %s/%s: %w", path, id, err)
	}
	return nil
}

// QuerySubscribe watches collection appends whose field equals value. Entries
// present before the subscription opened are never replayed.
func (r *RedisStore) QuerySubscribe(path, field string, value any, limit int, fn func([]Change)) (UnsubscribeFunc, error) {
	sub := r.client.Subscribe(r.ctx, colChannel(path))
	if _, err := sub.Receive(r.ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("redis query subscribe %s: %w", path, err)
	}

	seen := make(map[string]bool)
	existing, err := r.client.ZRange(r.ctx, colKey(path), 0, -1).Result()
	if err != nil && err != redis.Nil {
		sub.Close()
		return nil, fmt.Errorf("redis query seed %s: %w", path, err)
	}
	for _, id := range existing {
		seen[id] = true
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env colEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					continue
				}
				if !matchField(env.Data, field, value) {
					continue
				}
				// Window bound over the collection index: an entry ranked
				// behind the limit newest is outside the subscription scope.
				if limit > 0 {
					rank, err := r.client.ZRevRank(r.ctx, colKey(path), env.ID).Result()
					if err == nil && rank >= int64(limit) {
						continue
					}
				}
				kind := ChangeAdded
				if seen[env.ID] {
					kind = ChangeModified
				}
				seen[env.ID] = true
				fn([]Change{{Kind: kind, ID: env.ID, Data: env.Data}})
			case <-r.ctx.Done():
				return
			}
		}
	}()

	return func() { sub.Close() }, nil
}
