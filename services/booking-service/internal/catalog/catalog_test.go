package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

const seedTOML = `
[[resources]]
id = "room-1"
name = "Consulting room 1"
category = "Room"

[[resources]]
id = "xray"
name = "X-ray unit"
category = "equipment"
active = false

[[services]]
id = "consult-30"
name = "General consultation"
duration_minutes = 30
price_cents = 15000
resource_id = "room-1"

[[services]]
id = "xray-15"
name = "Chest x-ray"
duration_minutes = 15
price_cents = 9000
resource_id = "xray"

[[services]]
id = "phone-20"
name = "Phone follow-up"
duration_minutes = 20
price_cents = 0

[[services]]
id = "legacy"
name = "Legacy check"
duration_minutes = 60
active = false
`

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func seededMemory(t *testing.T) *Memory {
	t.Helper()
	seed, err := LoadSeed(writeSeed(t, seedTOML))
	require.NoError(t, err)
	m := NewMemory()
	seed.Apply(m)
	return m
}

func TestLoadSeedDefaultsActive(t *testing.T) {
	m := seededMemory(t)
	ctx := context.Background()

	svc, err := m.GetService(ctx, "consult-30")
	require.NoError(t, err)
	assert.True(t, svc.Active)
	assert.Equal(t, 30*time.Minute, svc.Duration())
	assert.Equal(t, int64(15000), svc.PriceCents)

	res, err := m.GetResource(ctx, "xray")
	require.NoError(t, err)
	assert.False(t, res.Active)

	_, err = m.GetService(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadSeedRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"zero duration":    "[[services]]\nid = \"a\"\nduration_minutes = 0\n",
		"unknown resource": "[[services]]\nid = \"a\"\nduration_minutes = 10\nresource_id = \"ghost\"\n",
		"unknown key":      "[[services]]\nid = \"a\"\nduration_minutes = 10\nprice = 1.5\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadSeed(writeSeed(t, body))
			assert.Error(t, err)
		})
	}
}

func TestListActiveServicesFilters(t *testing.T) {
	m := seededMemory(t)
	ctx := context.Background()

	all, err := m.ListActiveServices(ctx, ServiceFilter{})
	require.NoError(t, err)
	var ids []string
	for _, s := range all {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"consult-30", "phone-20"}, ids, "services on an inactive resource are hidden")

	rooms, err := m.ListActiveServices(ctx, ServiceFilter{Category: "room"})
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "consult-30", rooms[0].ID)

	byResource, err := m.ListActiveServices(ctx, ServiceFilter{ResourceID: "room-1"})
	require.NoError(t, err)
	require.Len(t, byResource, 1)
	assert.Equal(t, "consult-30", byResource[0].ID)
}

type fakeRedis struct {
	data map[string]string
	fail bool
	sets int
	ttl  time.Duration
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.fail {
		return redis.NewStringResult("", errors.New("connection refused"))
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	if f.fail {
		return redis.NewStatusResult("", errors.New("connection refused"))
	}
	f.sets++
	f.ttl = expiration
	f.data[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

type countingCatalog struct {
	Catalog
	calls int
}

func (c *countingCatalog) GetService(ctx context.Context, id string) (model.Service, error) {
	c.calls++
	return c.Catalog.GetService(ctx, id)
}

func TestCachedReadsThrough(t *testing.T) {
	backing := &countingCatalog{Catalog: seededMemory(t)}
	rdb := &fakeRedis{data: map[string]string{}}
	c := NewCached(backing, rdb, 5*time.Minute, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc, err := c.GetService(ctx, "consult-30")
		require.NoError(t, err)
		assert.Equal(t, "General consultation", svc.Name)
	}
	assert.Equal(t, 1, backing.calls)
	assert.Equal(t, 1, rdb.sets)
	assert.Equal(t, 5*time.Minute, rdb.ttl)
	assert.Contains(t, rdb.data, "catalog:service:consult-30")

	_, err := c.GetService(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, rdb.sets)
}

func TestCachedDegradesWhenRedisDown(t *testing.T) {
	backing := &countingCatalog{Catalog: seededMemory(t)}
	c := NewCached(backing, &fakeRedis{fail: true}, time.Minute, "", slog.New(slog.NewTextHandler(io.Discard, nil)))

	svc, err := c.GetService(context.Background(), "phone-20")
	require.NoError(t, err)
	assert.Equal(t, "", svc.ResourceID)
	assert.Equal(t, 1, backing.calls)
}
