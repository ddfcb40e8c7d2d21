package rediscache

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewClient builds a Redis client from a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=redis.parse_url: %w", err)
	}
	return redis.NewClient(opts), nil
}
