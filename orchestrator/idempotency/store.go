package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "deckflow:idempotency:"
	resultTTL = 24 * time.Hour
)

// Response is a cached callback response replayed on duplicate delivery.
type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

// Store caches callback responses keyed by the caller-supplied idempotency
// key. Redis makes the cache shared across orchestrators; without Redis an
// in-process map serves single-node deployments.
type Store struct {
	client *redis.Client
	cache  sync.Map
}

type entry struct {
	resp      Response
	timestamp time.Time
}

// NewStore creates a Store. client may be nil for the in-memory fallback.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.client != nil {
		data, err := s.client.Get(ctx, keyPrefix+key).Result()
		if err == redis.Nil {
			return Response{}, false
		}
		if err != nil {
			log.Printf("Idempotency: redis get failed: %v", err)
			return Response{}, false
		}
		var resp Response
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			return Response{}, false
		}
		return resp, true
	}

	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.timestamp) > resultTTL {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.resp, true
}

func (s *Store) Set(ctx context.Context, key string, resp Response) {
	if s.client != nil {
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if err := s.client.Set(ctx, keyPrefix+key, data, resultTTL).Err(); err != nil {
			log.Printf("Idempotency: redis set failed: %v", err)
		}
		return
	}
	s.cache.Store(key, entry{resp: resp, timestamp: time.Now()})
}
