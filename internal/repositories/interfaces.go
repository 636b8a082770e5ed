package repositories

import (
	"context"

	"github.com/hanko-field/checkout/internal/domain"
)

// HealthRepository collects dependency status for readiness reporting.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
