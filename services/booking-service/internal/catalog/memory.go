package catalog

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

type Memory struct {
	mu        sync.RWMutex
	services  map[string]model.Service
	resources map[string]model.Resource
}

func NewMemory() *Memory {
	return &Memory{
		services:  map[string]model.Service{},
		resources: map[string]model.Resource{},
	}
}

func (m *Memory) PutResource(r model.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.ID] = r
}

func (m *Memory) PutService(s model.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[s.ID] = s
}

func (m *Memory) GetService(_ context.Context, id string) (model.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[id]
	if !ok {
		return model.Service{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) GetResource(_ context.Context, id string) (model.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[id]
	if !ok {
		return model.Resource{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListActiveServices(_ context.Context, f ServiceFilter) ([]model.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Service
	for _, s := range m.services {
		if !s.Active {
			continue
		}
		if f.ResourceID != "" && s.ResourceID != f.ResourceID {
			continue
		}
		r, bound := m.resources[s.ResourceID]
		if bound && !r.Active {
			continue
		}
		if f.Category != "" && (!bound || !strings.EqualFold(r.Category, f.Category)) {
			continue
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b model.Service) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}
