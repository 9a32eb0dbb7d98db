// Package statestore implements the coordination core's versioned key-value
// State Store collaborator: Redis-backed with a local read cache, the same
// shape as the teacher's session manager, generalized from session records
// to arbitrary versioned entries with optimistic concurrency and
// subscriptions.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentfleet/coordinator/internal/circuitbreaker"
)

// Consistency selects whether Read may be served from the local cache.
type Consistency string

const (
	ConsistencyStrong   Consistency = "strong"
	ConsistencyEventual Consistency = "eventual"
)

// ErrNotFound is returned by Read when the key has no entry.
var ErrNotFound = errors.New("statestore: key not found")

// ErrVersionConflict is returned by Write when expectedVersion does not
// match the entry's current version.
var ErrVersionConflict = errors.New("statestore: version conflict")

// entry is the versioned value stored per key.
type entry struct {
	Value   json.RawMessage `json:"value"`
	Version int64           `json:"version"`
}

// Callback is invoked for every Write matching a Subscription's pattern.
type Callback func(key string, value json.RawMessage, version int64)

type subscription struct {
	id      string
	pattern string
	agentID string
	cb      Callback
}

// Store is the production State Store: Redis-backed with an LRU local
// cache, matching the teacher's session manager's own shape.
//
// Mutex ordering: cacheMu (local cache/version reads) is always acquired
// before subMu (subscription indexes); Write never holds subMu while
// calling Redis.
type Store struct {
	client      *circuitbreaker.RedisWrapper
	logger      *zap.Logger
	ttl         time.Duration
	maxCached   int

	cacheMu     sync.RWMutex // Lock order: 1
	localCache  map[string]*entry
	cacheAccess map[string]time.Time

	subMu         sync.Mutex // Lock order: 2
	subscriptions map[string]*subscription
	subsByAgent   map[string][]string
}

// New connects to Redis and constructs a Store.
func New(redisAddr string, logger *zap.Logger) (*Store, error) {
	redisPassword := os.Getenv("REDIS_PASSWORD")

	redisClient := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	client := circuitbreaker.NewRedisWrapper(redisClient, "redis", "state-store", logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("statestore: failed to connect to redis: %w", err)
	}

	return &Store{
		client:        client,
		logger:        logger,
		ttl:           24 * time.Hour,
		maxCached:     10000,
		localCache:    make(map[string]*entry),
		cacheAccess:   make(map[string]time.Time),
		subscriptions: make(map[string]*subscription),
		subsByAgent:   make(map[string][]string),
	}, nil
}

// Read returns the current value for key. With ConsistencyEventual it may
// be served from the local cache; ConsistencyStrong always consults Redis.
func (s *Store) Read(ctx context.Context, key, agentID string, consistency Consistency) (json.RawMessage, int64, error) {
	if consistency != ConsistencyStrong {
		s.cacheMu.RLock()
		if e, ok := s.localCache[key]; ok {
			s.cacheMu.RUnlock()
			s.touch(key)
			return e.Value, e.Version, nil
		}
		s.cacheMu.RUnlock()
	}

	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, 0, ErrNotFound
	} else if err != nil {
		return nil, 0, fmt.Errorf("statestore: read %s: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, 0, fmt.Errorf("statestore: unmarshal %s: %w", key, err)
	}

	s.cacheMu.Lock()
	s.localCache[key] = &e
	s.cacheAccess[key] = time.Now()
	s.evictLocked()
	s.cacheMu.Unlock()

	return e.Value, e.Version, nil
}

// WriteResult is returned by Write on success.
type WriteResult struct {
	Version int64
}

// Write sets key's value, enforcing expectedVersion as optimistic
// concurrency: 0 means "create or overwrite unconditionally", any other
// value must match the entry's current version or the write is rejected.
// agentID is recorded for audit/subscription callbacks but write access
// control (lock verification) is the Communication Hub's responsibility,
// not the store's.
func (s *Store) Write(ctx context.Context, key string, value json.RawMessage, agentID string, expectedVersion int64) (WriteResult, error) {
	s.cacheMu.Lock()
	current, exists := s.localCache[key]
	if expectedVersion != 0 {
		if !exists {
			// Fall back to Redis in case the local cache is cold.
			s.cacheMu.Unlock()
			_, actual, err := s.Read(ctx, key, agentID, ConsistencyStrong)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return WriteResult{}, err
			}
			if actual != expectedVersion {
				return WriteResult{}, ErrVersionConflict
			}
			s.cacheMu.Lock()
		} else if current.Version != expectedVersion {
			s.cacheMu.Unlock()
			return WriteResult{}, ErrVersionConflict
		}
	}

	nextVersion := int64(1)
	if exists {
		nextVersion = current.Version + 1
	} else if expectedVersion != 0 {
		nextVersion = expectedVersion + 1
	}

	e := &entry{Value: value, Version: nextVersion}
	s.localCache[key] = e
	s.cacheAccess[key] = time.Now()
	s.evictLocked()
	s.cacheMu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return WriteResult{}, fmt.Errorf("statestore: marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.redisKey(key), data, s.ttl).Err(); err != nil {
		return WriteResult{}, fmt.Errorf("statestore: write %s: %w", key, err)
	}

	s.notify(key, value, nextVersion)
	return WriteResult{Version: nextVersion}, nil
}

// Subscribe registers cb to be invoked on every Write to a key matching
// pattern (an exact key or a "prefix*" glob, evaluated the same way Redis
// Keys patterns are), returning a subscriptionId.
func (s *Store) Subscribe(pattern, agentID string, cb Callback) string {
	id := uuid.New().String()
	s.subMu.Lock()
	s.subscriptions[id] = &subscription{id: id, pattern: pattern, agentID: agentID, cb: cb}
	s.subsByAgent[agentID] = append(s.subsByAgent[agentID], id)
	s.subMu.Unlock()
	return id
}

// Unsubscribe removes a subscription by id.
func (s *Store) Unsubscribe(subscriptionID string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return fmt.Errorf("statestore: unknown subscription %s", subscriptionID)
	}
	delete(s.subscriptions, subscriptionID)
	ids := s.subsByAgent[sub.agentID]
	for i, id := range ids {
		if id == subscriptionID {
			s.subsByAgent[sub.agentID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// UnsubscribeAgent removes every subscription owned by agentID, for the
// Hub's cleanupAgent sweep. Returns the ids that were removed.
func (s *Store) UnsubscribeAgent(agentID string) []string {
	s.subMu.Lock()
	ids := append([]string(nil), s.subsByAgent[agentID]...)
	for _, id := range ids {
		delete(s.subscriptions, id)
	}
	delete(s.subsByAgent, agentID)
	s.subMu.Unlock()
	return ids
}

func (s *Store) notify(key string, value json.RawMessage, version int64) {
	s.subMu.Lock()
	var matched []*subscription
	for _, sub := range s.subscriptions {
		if matchPattern(sub.pattern, key) {
			matched = append(matched, sub)
		}
	}
	s.subMu.Unlock()

	for _, sub := range matched {
		sub.cb(key, value, version)
	}
}

// matchPattern supports an exact match or a trailing "*" prefix glob, the
// same subset of Redis KEYS patterns the teacher's session manager relied
// on for its pattern-based lookups.
func matchPattern(pattern, key string) bool {
	if pattern == key || pattern == "*" {
		return true
	}
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	}
	return false
}

func (s *Store) touch(key string) {
	s.cacheMu.Lock()
	s.cacheAccess[key] = time.Now()
	s.cacheMu.Unlock()
}

func (s *Store) redisKey(key string) string {
	return fmt.Sprintf("state:%s", key)
}

// evictLocked trims the local cache using LRU, mirroring the teacher's
// session cache eviction. Caller must hold cacheMu.
func (s *Store) evictLocked() {
	if len(s.localCache) <= s.maxCached {
		return
	}
	type accessEntry struct {
		key  string
		time time.Time
	}
	entries := make([]accessEntry, 0, len(s.localCache))
	for k := range s.localCache {
		accessTime := s.cacheAccess[k]
		entries = append(entries, accessEntry{key: k, time: accessTime})
	}
	for i := 0; i < len(entries)-1; i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].time.Before(entries[i].time) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	toRemove := s.maxCached / 2
	for i := 0; i < toRemove && i < len(entries); i++ {
		delete(s.localCache, entries[i].key)
		delete(s.cacheAccess, entries[i].key)
	}
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// RedisWrapper exposes the underlying circuit-breaker-wrapped client for
// health checks and monitoring.
func (s *Store) RedisWrapper() *circuitbreaker.RedisWrapper {
	return s.client
}
