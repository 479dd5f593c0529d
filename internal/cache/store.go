package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// BlobStore is the persistence contract for the durable cache tier and
// component state snapshots. Implementations are key/blob stores with
// optional expiry; no on-disk format is mandated.
type BlobStore interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, blob []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// RedisStore implements BlobStore on Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed blob store. A failed initial ping
// is logged but not fatal; callers treat load errors as cache misses.
func NewRedisStore(addr, prefix string) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		MaxRetries:      3,
		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warnf("Durable cache tier unreachable at %s: %v", addr, err)
	} else {
		log.Infof("Durable cache tier connected at %s", addr)
	}

	return &RedisStore{client: client, prefix: prefix}
}

// Load fetches a blob; absent keys return (nil, false, nil)
func (rs *RedisStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := rs.client.Get(ctx, rs.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Save stores a blob with an expiry
func (rs *RedisStore) Save(ctx context.Context, key string, blob []byte, ttl time.Duration) error {
	return rs.client.Set(ctx, rs.prefix+key, blob, ttl).Err()
}

// Delete removes a blob
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	return rs.client.Del(ctx, rs.prefix+key).Err()
}

// Ping checks connectivity
func (rs *RedisStore) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}

// MemoryBlobStore is an in-process BlobStore used when no Redis address
// is configured and in tests
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]memBlob
}

type memBlob struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryBlobStore creates an empty in-process blob store
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string]memBlob)}
}

// Load fetches a blob, honoring expiry
func (ms *MemoryBlobStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	ms.mu.RLock()
	b, ok := ms.blobs[key]
	ms.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !b.expiresAt.IsZero() && !time.Now().Before(b.expiresAt) {
		ms.mu.Lock()
		delete(ms.blobs, key)
		ms.mu.Unlock()
		return nil, false, nil
	}
	return b.data, true, nil
}

// Save stores a blob
func (ms *MemoryBlobStore) Save(ctx context.Context, key string, blob []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)

	ms.mu.Lock()
	ms.blobs[key] = memBlob{data: cp, expiresAt: exp}
	ms.mu.Unlock()
	return nil
}

// Delete removes a blob
func (ms *MemoryBlobStore) Delete(ctx context.Context, key string) error {
	ms.mu.Lock()
	delete(ms.blobs, key)
	ms.mu.Unlock()
	return nil
}

// Ping always succeeds
func (ms *MemoryBlobStore) Ping(ctx context.Context) error {
	return nil
}
