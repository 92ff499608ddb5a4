package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

// Seed is the on-disk catalog used for local runs and demos:
//
//	[[resources]]
//	id = "room-1"
//	name = "Consulting room 1"
//	category = "room"
//
//	[[services]]
//	id = "consult-30"
//	name = "General consultation"
//	duration_minutes = 30
//	price_cents = 15000
//	resource_id = "room-1"
type Seed struct {
	Resources []SeedResource `toml:"resources"`
	Services  []SeedService  `toml:"services"`
}

type SeedResource struct {
	ID       string `toml:"id"`
	Name     string `toml:"name"`
	Category string `toml:"category"`
	Active   *bool  `toml:"active"`
}

type SeedService struct {
	ID              string `toml:"id"`
	Name            string `toml:"name"`
	DurationMinutes int    `toml:"duration_minutes"`
	PriceCents      int64  `toml:"price_cents"`
	ResourceID      string `toml:"resource_id"`
	Active          *bool  `toml:"active"`
}

func LoadSeed(path string) (Seed, error) {
	var s Seed
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return Seed{}, fmt.Errorf("decode catalog seed %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Seed{}, fmt.Errorf("catalog seed %s: unknown key %s", path, undecoded[0])
	}
	if err := s.validate(); err != nil {
		return Seed{}, fmt.Errorf("catalog seed %s: %w", path, err)
	}
	return s, nil
}

func (s Seed) validate() error {
	resources := map[string]bool{}
	for _, r := range s.Resources {
		if r.ID == "" {
			return errors.New("resource without id")
		}
		resources[r.ID] = true
	}
	for _, svc := range s.Services {
		switch {
		case svc.ID == "":
			return errors.New("service without id")
		case svc.DurationMinutes <= 0:
			return fmt.Errorf("service %s: duration_minutes must be positive", svc.ID)
		case svc.PriceCents < 0:
			return fmt.Errorf("service %s: price_cents must not be negative", svc.ID)
		case svc.ResourceID != "" && !resources[svc.ResourceID]:
			return fmt.Errorf("service %s: unknown resource %s", svc.ID, svc.ResourceID)
		}
	}
	return nil
}

func (s Seed) Models() ([]model.Resource, []model.Service) {
	resources := make([]model.Resource, 0, len(s.Resources))
	for _, r := range s.Resources {
		resources = append(resources, model.Resource{
			ID:       r.ID,
			Name:     r.Name,
			Category: r.Category,
			Active:   r.Active == nil || *r.Active,
		})
	}
	services := make([]model.Service, 0, len(s.Services))
	for _, svc := range s.Services {
		services = append(services, model.Service{
			ID:              svc.ID,
			Name:            svc.Name,
			DurationMinutes: svc.DurationMinutes,
			PriceCents:      svc.PriceCents,
			ResourceID:      svc.ResourceID,
			Active:          svc.Active == nil || *svc.Active,
		})
	}
	return resources, services
}

// Apply loads the seed into an in-memory catalog.
func (s Seed) Apply(m *Memory) {
	resources, services := s.Models()
	for _, r := range resources {
		m.PutResource(r)
	}
	for _, svc := range services {
		m.PutService(svc)
	}
}

// ApplyPostgres upserts the seed so repeated starts converge on the file.
func (s Seed) ApplyPostgres(ctx context.Context, p *Postgres) error {
	resources, services := s.Models()
	for _, r := range resources {
		if err := p.UpsertResource(ctx, r); err != nil {
			return fmt.Errorf("upsert resource %s: %w", r.ID, err)
		}
	}
	for _, svc := range services {
		if err := p.UpsertService(ctx, svc); err != nil {
			return fmt.Errorf("upsert service %s: %w", svc.ID, err)
		}
	}
	return nil
}
