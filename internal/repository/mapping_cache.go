package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// MappingCache remembers the last column mapping a user confirmed for an import type
type MappingCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMappingCache creates a new MappingCache
func NewMappingCache(client *redis.Client, ttl time.Duration) *MappingCache {
	return &MappingCache{client: client, ttl: ttl}
}

func mappingKey(userID, importType string) string {
	return fmt.Sprintf("catalog_import:mapping:%s:%s", importType, userID)
}

// Get returns the cached mapping (field name to column index) or ErrNotFound
func (c *MappingCache) Get(ctx context.Context, userID, importType string) (map[string]int, error) {
	val, err := c.client.Get(ctx, mappingKey(userID, importType)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read column mapping: %w", err)
	}

	var mapping map[string]int
	if err := json.Unmarshal([]byte(val), &mapping); err != nil {
		return nil, fmt.Errorf("failed to parse column mapping: %w", err)
	}
	return mapping, nil
}

// Put stores a mapping, refreshing its TTL
func (c *MappingCache) Put(ctx context.Context, userID, importType string, mapping map[string]int) error {
	data, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("failed to marshal column mapping: %w", err)
	}
	if err := c.client.Set(ctx, mappingKey(userID, importType), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store column mapping: %w", err)
	}
	return nil
}
