// Package cache holds small in-process caches. The stream consumer uses an
// LRU of recently handled event ids to drop duplicates that reach it through
// republishing.
package cache

import "time"

type PutOptions struct {
	TTL time.Duration
}

type PutOption func(*PutOptions)

// WithTTL expires the entry after ttl. Expired entries are dropped on access.
func WithTTL(ttl time.Duration) PutOption {
	return func(o *PutOptions) { o.TTL = ttl }
}

type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any, opts ...PutOption)
	Delete(key string)
}

// Typed reads and writes values of one type. An entry holding another type
// reads as a miss.
type Typed[T any] struct {
	Cache
}

func NewTyped[T any](c Cache) Typed[T] { return Typed[T]{Cache: c} }

func (t Typed[T]) Get(key string) (T, bool) {
	v, ok := t.Cache.Get(key)
	out, ok2 := v.(T)
	return out, ok && ok2
}

func (t Typed[T]) Put(key string, val T, opts ...PutOption) { t.Cache.Put(key, val, opts...) }
