// Package cache wraps a redis client for the small amount of shared
// state that lives outside the dataflow graph itself: the view Store's
// grace-period bookkeeping.
package cache

import "github.com/redis/go-redis/v9"

// Cache embeds *redis.Client so callers get the full client API plus
// whatever helpers this package adds.
type Cache struct {
	*redis.Client
}

// New connects to a redis instance at addr.
func New(addr string) *Cache {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &Cache{rdb}
}
