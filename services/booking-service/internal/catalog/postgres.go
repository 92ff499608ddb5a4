package catalog

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/clinicbook/libs/db"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Postgres struct {
	pool *db.Pool
}

func NewPostgres(pool *db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) GetService(ctx context.Context, id string) (model.Service, error) {
	var s model.Service
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, duration_minutes, price_cents, active, COALESCE(resource_id, '')
		FROM services
		WHERE id = $1
	`, id).Scan(&s.ID, &s.Name, &s.DurationMinutes, &s.PriceCents, &s.Active, &s.ResourceID)
	if db.IsNoRows(err) {
		return model.Service{}, ErrNotFound
	}
	return s, err
}

func (p *Postgres) GetResource(ctx context.Context, id string) (model.Resource, error) {
	var r model.Resource
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, category, active
		FROM resources
		WHERE id = $1
	`, id).Scan(&r.ID, &r.Name, &r.Category, &r.Active)
	if db.IsNoRows(err) {
		return model.Resource{}, ErrNotFound
	}
	return r, err
}

func (p *Postgres) ListActiveServices(ctx context.Context, f ServiceFilter) ([]model.Service, error) {
	q := psql.Select("s.id", "s.name", "s.duration_minutes", "s.price_cents", "s.active", "COALESCE(s.resource_id, '')").
		From("services s").
		LeftJoin("resources r ON r.id = s.resource_id").
		Where(sq.Eq{"s.active": true}).
		Where("(r.id IS NULL OR r.active)").
		OrderBy("s.name")
	if f.ResourceID != "" {
		q = q.Where(sq.Eq{"s.resource_id": f.ResourceID})
	}
	if f.Category != "" {
		q = q.Where("lower(r.category) = lower(?)", f.Category)
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Service, error) {
		var s model.Service
		err := row.Scan(&s.ID, &s.Name, &s.DurationMinutes, &s.PriceCents, &s.Active, &s.ResourceID)
		return s, err
	})
}

func (p *Postgres) UpsertResource(ctx context.Context, r model.Resource) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO resources (id, name, category, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			category = EXCLUDED.category,
			active = EXCLUDED.active,
			updated_at = now()
	`, r.ID, r.Name, r.Category, r.Active)
	return err
}

func (p *Postgres) UpsertService(ctx context.Context, s model.Service) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO services (id, name, duration_minutes, price_cents, active, resource_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			duration_minutes = EXCLUDED.duration_minutes,
			price_cents = EXCLUDED.price_cents,
			active = EXCLUDED.active,
			resource_id = EXCLUDED.resource_id,
			updated_at = now()
	`, s.ID, s.Name, s.DurationMinutes, s.PriceCents, s.Active, s.ResourceID)
	return err
}
