package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/seoshield/proxy/pkg/types"
)

// keyPrefix namespaces snapshot hashes in a possibly shared Redis database.
const keyPrefix = "seoshield:snapshot:"

// Hash fields of one stored snapshot.
const (
	fieldBody       = "body"
	fieldStatus     = "status"
	fieldRenderedAt = "rendered_at"
	fieldEncoding   = "encoding"
)

const (
	connectTimeout       = 5 * time.Second
	reconnectBackoffMin  = time.Second
	reconnectBackoffMax  = 30 * time.Second
	scanBatchSize        = 200
	asyncWriteTimeout    = 10 * time.Second
	healthPingInterval   = 15 * time.Second
	healthPingTimeout    = 2 * time.Second
)

// RemoteOptions configures the Redis backend.
type RemoteOptions struct {
	Endpoint    string // redis:// URL or host:port
	TTL         time.Duration
	Grace       time.Duration
	Compression string
}

// Remote is the Redis-backed store. Each snapshot is one hash with a key
// TTL of snapshot TTL plus the grace window; staleness is computed from the
// stored render timestamp. While the connection is down the sync surface
// returns ErrNotReady and a background loop reconnects with bounded
// back-off; hit and miss counters keep their last known values.
type Remote struct {
	rdb    *redis.Client
	opts   RemoteOptions
	logger *zap.Logger

	ready     atomic.Bool
	reconnect chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	hits   atomic.Int64
	misses atomic.Int64

	// Last successfully observed key and byte counts, kept readable while
	// the connection is down.
	lastKeys  atomic.Int64
	lastBytes atomic.Int64
}

// NewRemote connects to Redis and verifies the connection. Initialization
// failures are fatal to the caller; connection loss after startup is not.
func NewRemote(opts RemoteOptions, logger *zap.Logger) (*Remote, error) {
	redisOpts, err := redis.ParseURL(opts.Endpoint)
	if err != nil {
		// Accept a bare host:port as well.
		if strings.Contains(opts.Endpoint, "://") {
			return nil, fmt.Errorf("invalid cache endpoint %q: %w", opts.Endpoint, err)
		}
		redisOpts = &redis.Options{Addr: opts.Endpoint}
	}

	r := &Remote{
		rdb:       redis.NewClient(redisOpts),
		opts:      opts,
		logger:    logger,
		reconnect: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to cache endpoint %s: %w", redisOpts.Addr, err)
	}
	r.ready.Store(true)

	r.wg.Add(2)
	go r.reconnectLoop()
	go r.healthLoop()

	logger.Debug("remote cache connected", zap.String("addr", redisOpts.Addr))
	return r, nil
}

func (r *Remote) redisKey(key string) string {
	return keyPrefix + key
}

func (r *Remote) Get(ctx context.Context, key string) (*types.Snapshot, error) {
	snap, _, err := r.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if snap == nil || snap.Expired() {
		r.misses.Add(1)
		return nil, nil
	}
	r.hits.Add(1)
	return snap, nil
}

func (r *Remote) GetWithFreshness(ctx context.Context, key string) (*types.Snapshot, bool, error) {
	snap, _, err := r.fetch(ctx, key)
	if err != nil {
		return nil, false, err
	}
	// The key TTL covers TTL plus grace, so anything still present is
	// servable; past the full TTL it is reported stale.
	if snap == nil {
		r.misses.Add(1)
		return nil, false, nil
	}
	r.hits.Add(1)
	return snap, !snap.Fresh(), nil
}

func (r *Remote) fetch(ctx context.Context, key string) (*types.Snapshot, string, error) {
	if !r.ready.Load() {
		return nil, "", ErrNotReady
	}

	fields, err := r.rdb.HGetAll(ctx, r.redisKey(key)).Result()
	if err != nil {
		r.markDown(err)
		return nil, "", fmt.Errorf("cache read failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, "", nil
	}

	status, err := strconv.Atoi(fields[fieldStatus])
	if err != nil {
		return nil, "", fmt.Errorf("corrupt cache entry %s: bad status %q", key, fields[fieldStatus])
	}
	renderedNanos, err := strconv.ParseInt(fields[fieldRenderedAt], 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("corrupt cache entry %s: bad timestamp %q", key, fields[fieldRenderedAt])
	}

	encoding := fields[fieldEncoding]
	body, err := Decompress([]byte(fields[fieldBody]), encoding)
	if err != nil {
		return nil, "", fmt.Errorf("cache entry %s: %w", key, err)
	}

	return &types.Snapshot{
		Body:       body,
		StatusCode: status,
		RenderedAt: time.Unix(0, renderedNanos),
		TTL:        r.opts.TTL,
	}, encoding, nil
}

func (r *Remote) Set(ctx context.Context, key string, body []byte, status int) (bool, error) {
	if !storable(body, status) {
		return false, nil
	}
	if !r.ready.Load() {
		return false, ErrNotReady
	}

	encoded, encoding, err := Compress(body, r.opts.Compression)
	if err != nil {
		return false, err
	}

	rkey := r.redisKey(key)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, rkey, map[string]interface{}{
		fieldBody:       encoded,
		fieldStatus:     status,
		fieldRenderedAt: time.Now().UnixNano(),
		fieldEncoding:   encoding,
	})
	pipe.Expire(ctx, rkey, r.opts.TTL+r.opts.Grace)
	if _, err := pipe.Exec(ctx); err != nil {
		r.markDown(err)
		return false, fmt.Errorf("cache write failed: %w", err)
	}
	return true, nil
}

// SetAsync performs the write off the request path. Failures are logged
// and otherwise dropped; the next foreground operation notices a dead
// connection on its own.
func (r *Remote) SetAsync(key string, body []byte, status int) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncWriteTimeout)
		defer cancel()
		if _, err := r.Set(ctx, key, body, status); err != nil {
			r.logger.Warn("async cache write failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

func (r *Remote) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	if !r.ready.Load() {
		return 0, ErrNotReady
	}

	rkeys := make([]string, len(keys))
	for i, key := range keys {
		rkeys[i] = r.redisKey(key)
	}
	deleted, err := r.rdb.Del(ctx, rkeys...).Result()
	if err != nil {
		r.markDown(err)
		return 0, fmt.Errorf("cache delete failed: %w", err)
	}
	return int(deleted), nil
}

func (r *Remote) Flush(ctx context.Context) error {
	if !r.ready.Load() {
		return ErrNotReady
	}

	// Delete only our namespace; the database may be shared.
	iter := r.rdb.Scan(ctx, 0, keyPrefix+"*", scanBatchSize).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanBatchSize {
			if err := r.rdb.Del(ctx, batch...).Err(); err != nil {
				r.markDown(err)
				return fmt.Errorf("cache flush failed: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		r.markDown(err)
		return fmt.Errorf("cache flush scan failed: %w", err)
	}
	if len(batch) > 0 {
		if err := r.rdb.Del(ctx, batch...).Err(); err != nil {
			r.markDown(err)
			return fmt.Errorf("cache flush failed: %w", err)
		}
	}
	return nil
}

func (r *Remote) Keys(ctx context.Context) ([]string, error) {
	if !r.ready.Load() {
		return nil, ErrNotReady
	}

	var keys []string
	iter := r.rdb.Scan(ctx, 0, keyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		r.markDown(err)
		return nil, fmt.Errorf("cache key scan failed: %w", err)
	}
	r.lastKeys.Store(int64(len(keys)))
	return keys, nil
}

func (r *Remote) Entries(ctx context.Context) ([]Entry, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(keys))
	var totalBytes int64
	for _, key := range keys {
		rkey := r.redisKey(key)
		size, err := r.rdb.HStrLen(ctx, rkey, fieldBody).Result()
		if err != nil {
			r.markDown(err)
			return nil, fmt.Errorf("cache entry scan failed: %w", err)
		}
		ttl, err := r.rdb.TTL(ctx, rkey).Result()
		if err != nil {
			r.markDown(err)
			return nil, fmt.Errorf("cache entry scan failed: %w", err)
		}
		remaining := ttl - r.opts.Grace
		if remaining < 0 {
			remaining = 0
		}
		entries = append(entries, Entry{Key: key, Size: int(size), TTLRemaining: remaining})
		totalBytes += size
	}
	r.lastBytes.Store(totalBytes)
	return entries, nil
}

func (r *Remote) Stats() Stats {
	return Stats{
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
		Keys:   int(r.lastKeys.Load()),
		Bytes:  r.lastBytes.Load(),
	}
}

func (r *Remote) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
	return r.rdb.Close()
}

// markDown flips the store into not-ready state and wakes the reconnect
// loop. Only the first caller per outage does any work.
func (r *Remote) markDown(cause error) {
	if !r.ready.CompareAndSwap(true, false) {
		return
	}
	r.logger.Warn("remote cache connection lost", zap.Error(cause))
	select {
	case r.reconnect <- struct{}{}:
	default:
	}
}

func (r *Remote) reconnectLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.done:
			return
		case <-r.reconnect:
		}

		backoff := reconnectBackoffMin
		for {
			ctx, cancel := context.WithTimeout(context.Background(), healthPingTimeout)
			err := r.rdb.Ping(ctx).Err()
			cancel()
			if err == nil {
				r.ready.Store(true)
				r.logger.Info("remote cache reconnected")
				break
			}

			select {
			case <-r.done:
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > reconnectBackoffMax {
				backoff = reconnectBackoffMax
			}
		}
	}
}

// healthLoop notices silently dead connections between requests.
func (r *Remote) healthLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(healthPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if !r.ready.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), healthPingTimeout)
			err := r.rdb.Ping(ctx).Err()
			cancel()
			if err != nil {
				r.markDown(err)
			}
		}
	}
}
