package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store with injectable failures.
type fakeStore struct {
	mu        sync.Mutex
	rows      map[string]Position
	upsertErr error
	upserts   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]Position)}
}

func (f *fakeStore) Upsert(_ context.Context, pos Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.rows[pos.BusID] = pos
	return nil
}

func (f *fakeStore) Get(_ context.Context, busID string) (Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, ok := f.rows[busID]
	if !ok {
		return Position{}, ErrNotTracked
	}
	return pos, nil
}

func TestUpdateThenGet(t *testing.T) {
	store := newFakeStore()
	c := NewCache(store)
	ctx := context.Background()

	at := time.Now().UTC()
	c.Update(ctx, "Bus-10", 13.0827, 80.2707, at)

	got, err := c.Get(ctx, "Bus-10")
	require.NoError(t, err)
	assert.Equal(t, "Bus-10", got.BusID)
	assert.Equal(t, 13.0827, got.Lat)
	assert.Equal(t, 80.2707, got.Lng)
	assert.True(t, got.UpdatedAt.Equal(at))

	// Durable tier received the same snapshot.
	snap, err := store.Get(ctx, "Bus-10")
	require.NoError(t, err)
	assert.Equal(t, got, snap)
}

func TestGetUnknownBus(t *testing.T) {
	c := NewCache(newFakeStore())
	_, err := c.Get(context.Background(), "Bus-99")
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestDurableWriteFailureDoesNotFailUpdate(t *testing.T) {
	store := newFakeStore()
	store.upsertErr = errors.New("connection refused")
	c := NewCache(store)
	ctx := context.Background()

	c.Update(ctx, "Bus-10", 13.0827, 80.2707, time.Now())

	// The in-memory tier still serves the position.
	got, err := c.Get(ctx, "Bus-10")
	require.NoError(t, err)
	assert.Equal(t, 13.0827, got.Lat)

	// The next heartbeat retries the durable write.
	store.upsertErr = nil
	c.Update(ctx, "Bus-10", 13.0830, 80.2710, time.Now())
	snap, err := store.Get(ctx, "Bus-10")
	require.NoError(t, err)
	assert.Equal(t, 13.0830, snap.Lat)
	assert.Equal(t, 2, store.upserts)
}

func TestColdStartFallsBackToDurableSnapshot(t *testing.T) {
	store := newFakeStore()
	at := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Upsert(context.Background(), Position{
		BusID: "Bus-10", Lat: 13.0827, Lng: 80.2707, UpdatedAt: at,
	}))

	// Fresh cache, as after a process restart.
	c := NewCache(store)
	got, err := c.Get(context.Background(), "Bus-10")
	require.NoError(t, err)
	assert.Equal(t, 13.0827, got.Lat)
	assert.True(t, got.UpdatedAt.Equal(at))

	// The snapshot is now served from memory.
	_, ok := c.mem.Get("Bus-10")
	assert.True(t, ok)
}

func TestConcurrentHeartbeatsAndReads(t *testing.T) {
	store := newFakeStore()
	c := NewCache(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c.Update(ctx, "Bus-10", 13.0+float64(i)/1000, 80.2, time.Now())
		}(i)
		go func() {
			defer wg.Done()
			_, _ = c.Get(ctx, "Bus-10")
		}()
	}
	wg.Wait()

	got, err := c.Get(ctx, "Bus-10")
	require.NoError(t, err)
	assert.Equal(t, "Bus-10", got.BusID)
}
