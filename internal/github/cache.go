package github

import (
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheSize = 64
	defaultCacheTTL  = 7 * time.Minute
)

// objectCache is a bounded LRU whose entries also expire after a fixed TTL.
// Keys are namespaced by the query that produced the value.
type objectCache struct {
	lru *expirable.LRU[string, any]
}

func newObjectCache(size int, ttl time.Duration) *objectCache {
	return &objectCache{lru: expirable.NewLRU[string, any](size, nil, ttl)}
}

func cacheKey(function, repo string, args ...int) string {
	var b strings.Builder
	b.WriteString(function)
	b.WriteByte(':')
	b.WriteString(strings.ToLower(repo))
	for _, a := range args {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(a))
	}
	return b.String()
}

func (c *objectCache) get(key string) (any, bool) {
	return c.lru.Get(key)
}

func (c *objectCache) set(key string, value any) {
	c.lru.Add(key, value)
}

func (c *objectCache) len() int {
	return c.lru.Len()
}
