package model

import "time"

type Resource struct {
	ID       string
	Name     string
	Category string
	Active   bool
}

type Service struct {
	ID              string
	Name            string
	DurationMinutes int
	PriceCents      int64
	Active          bool
	ResourceID      string
}

func (s Service) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}
