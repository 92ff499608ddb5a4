package catalog

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/clinicbook/libs/db"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/migrations"
)

func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("CLINICBOOK_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CLINICBOOK_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, url, db.PoolConfig{MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, migrations.Apply(ctx, pool))
	_, err = pool.Exec(ctx, `TRUNCATE services, resources`)
	require.NoError(t, err)
	return NewPostgres(pool)
}

func TestPostgresSeedIsRepeatable(t *testing.T) {
	p := openTestPostgres(t)
	ctx := context.Background()

	seed, err := LoadSeed(writeSeed(t, seedTOML))
	require.NoError(t, err)
	require.NoError(t, seed.ApplyPostgres(ctx, p))

	edited, err := LoadSeed(writeSeed(t, strings.Replace(seedTOML, "price_cents = 15000", "price_cents = 17500", 1)))
	require.NoError(t, err)
	require.NoError(t, edited.ApplyPostgres(ctx, p))

	svc, err := p.GetService(ctx, "consult-30")
	require.NoError(t, err)
	assert.Equal(t, int64(17500), svc.PriceCents)
	assert.Equal(t, "room-1", svc.ResourceID)
	assert.True(t, svc.Active)

	phone, err := p.GetService(ctx, "phone-20")
	require.NoError(t, err)
	assert.Empty(t, phone.ResourceID)

	xray, err := p.GetResource(ctx, "xray")
	require.NoError(t, err)
	assert.False(t, xray.Active)

	_, err = p.GetService(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.GetResource(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresListActiveServicesHidesInactiveResources(t *testing.T) {
	p := openTestPostgres(t)
	ctx := context.Background()

	seed, err := LoadSeed(writeSeed(t, seedTOML))
	require.NoError(t, err)
	require.NoError(t, seed.ApplyPostgres(ctx, p))

	ids := func(f ServiceFilter) []string {
		t.Helper()
		svcs, err := p.ListActiveServices(ctx, f)
		require.NoError(t, err)
		out := make([]string, len(svcs))
		for i, s := range svcs {
			out[i] = s.ID
		}
		return out
	}

	assert.Equal(t, []string{"consult-30", "phone-20"}, ids(ServiceFilter{}))
	assert.Equal(t, []string{"consult-30"}, ids(ServiceFilter{Category: "room"}))
	assert.Equal(t, []string{"consult-30"}, ids(ServiceFilter{ResourceID: "room-1"}))
	assert.Empty(t, ids(ServiceFilter{ResourceID: "xray"}))
}
