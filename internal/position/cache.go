// Package position tracks the last reported location of every active bus.
// The in-memory tier is authoritative for reads; a durable snapshot backs
// it so positions survive a process restart.
package position

import (
	"context"
	"errors"
	"log"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ErrNotTracked is returned when a bus has no known position in either tier.
var ErrNotTracked = errors.New("bus position not tracked")

// Position is the last known location of a bus.
type Position struct {
	BusID     string    `json:"bus_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the durable snapshot tier backing the cache.
type Store interface {
	Upsert(ctx context.Context, pos Position) error
	Get(ctx context.Context, busID string) (Position, error)
}

// Cache is the process-wide live position map. Safe for concurrent use by
// driver heartbeats and verification lookups. Entries never expire.
type Cache struct {
	mem   *gocache.Cache
	store Store
}

// NewCache creates a cache backed by the given durable store.
func NewCache(store Store) *Cache {
	return &Cache{
		mem:   gocache.New(gocache.NoExpiration, 0),
		store: store,
	}
}

// Update overwrites the in-memory entry for the bus and upserts the durable
// snapshot. A durable-write failure never fails the in-memory update; it is
// logged and the next heartbeat writes the row again.
func (c *Cache) Update(ctx context.Context, busID string, lat, lng float64, at time.Time) Position {
	pos := Position{BusID: busID, Lat: lat, Lng: lng, UpdatedAt: at}
	c.mem.Set(busID, pos, gocache.NoExpiration)
	if err := c.store.Upsert(ctx, pos); err != nil {
		log.Printf("position: durable write for bus %s failed, next heartbeat retries: %v", busID, err)
	}
	return pos
}

// Get returns the live position for a bus. On a memory miss it falls back to
// the durable snapshot and repopulates the memory tier before returning.
func (c *Cache) Get(ctx context.Context, busID string) (Position, error) {
	if v, ok := c.mem.Get(busID); ok {
		return v.(Position), nil
	}
	pos, err := c.store.Get(ctx, busID)
	if err != nil {
		if errors.Is(err, ErrNotTracked) {
			return Position{}, ErrNotTracked
		}
		return Position{}, err
	}
	// Add rather than Set: a heartbeat that raced us wins.
	_ = c.mem.Add(busID, pos, gocache.NoExpiration)
	if v, ok := c.mem.Get(busID); ok {
		return v.(Position), nil
	}
	return pos, nil
}
