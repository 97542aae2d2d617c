package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/freshnest/api/internal/domain"
	"github.com/freshnest/api/internal/repositories"
)

// SystemServiceDeps wires the system service dependencies.
type SystemServiceDeps struct {
	Health      repositories.HealthRepository
	Version     string
	Environment string
	StartedAt   time.Time
	Clock       func() time.Time
}

type systemService struct {
	health      repositories.HealthRepository
	version     string
	environment string
	startedAt   time.Time
	now         func() time.Time
}

// NewSystemService constructs a SystemService.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Health == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	startedAt := deps.StartedAt
	if startedAt.IsZero() {
		startedAt = clock().UTC()
	}
	return &systemService{
		health:      deps.Health,
		version:     strings.TrimSpace(deps.Version),
		environment: strings.TrimSpace(deps.Environment),
		startedAt:   startedAt.UTC(),
		now: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// HealthReport collects dependency status and annotates it with build info.
func (s *systemService) HealthReport(ctx context.Context) (domain.SystemHealthReport, error) {
	if s == nil || s.health == nil {
		return domain.SystemHealthReport{}, errors.New("system service: not initialised")
	}
	report, err := s.health.Collect(ctx)
	if err != nil {
		return domain.SystemHealthReport{}, err
	}
	report.Version = s.version
	report.Environment = s.environment
	report.Uptime = s.now().Sub(s.startedAt)
	return report, nil
}
